// Package keepalive is the Keep-Alive Driver: a poll-and-fulfill loop over
// subscription ids, plus a companion event watcher for operator
// visibility. Enumeration is TTL-cached and bounded-concurrency fan-out is
// used for both id discovery and readiness checks, per the runtime's
// shared-RPC-endpoint resource policy.
package keepalive

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/relaymesh/apiagent/pkg/broadcast"
	"github.com/relaymesh/apiagent/pkg/gate"
)

const (
	idCacheTTL       = 60 * time.Second
	pollInterval     = 10 * time.Second
	fanOutLimit      = 5
	lossToleranceUSD = 5_000
)

// ChainReader is the read surface the driver needs from the keep-alive
// contract.
type ChainReader interface {
	SubscriptionCount(ctx context.Context) (uint64, error)
	SubscriptionID(ctx context.Context, index uint64) ([32]byte, error)
	IsReady(ctx context.Context, id [32]byte) (bool, error)
	SubscriptionCost(ctx context.Context, id [32]byte) (feeUnits *big.Int, gasReimbursementUnits *big.Int, err error)
	EstimateFulfillGas(ctx context.Context, id [32]byte) (rawEstimate uint64, reverted bool, err error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EthPrice(ctx context.Context) (*big.Int, error)
}

// Sender submits the fulfill write through the global transaction queue.
type Sender interface {
	Fulfill(ctx context.Context, id [32]byte) error
}

// Driver runs the poll-and-fulfill loop.
type Driver struct {
	chain  ChainReader
	sender Sender
	hub    *broadcast.Hub
	logger *log.Logger

	inFlight singleflight.Group

	cachedIDs   [][32]byte
	cachedAt    time.Time
}

// New builds a Driver.
func New(chain ChainReader, sender Sender, hub *broadcast.Hub, logger *log.Logger) *Driver {
	return &Driver{chain: chain, sender: sender, hub: hub, logger: logger}
}

// Run drives the poll-and-fulfill loop until ctx is cancelled. Each
// iteration completes fully (including every fulfill attempt) before the
// next is scheduled — no overlap.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (d *Driver) pollOnce(ctx context.Context) {
	ids, err := d.enumerate(ctx)
	if err != nil {
		d.logger.Printf("keepalive: enumeration failed: %v", err)
		return
	}

	ready := d.batchCheckReady(ctx, ids)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fanOutLimit)
	for _, id := range ready {
		id := id
		group.Go(func() error {
			// Errors in one subscription's fulfillment must never stop
			// the others, so wrap and swallow rather than returning it
			// to the group (which would cancel gctx for the rest).
			if err := d.tryFulfill(gctx, id); err != nil {
				d.logger.Printf("keepalive: fulfill %x failed: %v", id, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// enumerate returns the cached subscription id list, refreshing it if the
// TTL has elapsed.
func (d *Driver) enumerate(ctx context.Context) ([][32]byte, error) {
	if time.Since(d.cachedAt) < idCacheTTL && d.cachedIDs != nil {
		return d.cachedIDs, nil
	}

	count, err := d.chain.SubscriptionCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription count: %w", err)
	}

	ids := make([][32]byte, count)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fanOutLimit)
	for i := uint64(0); i < count; i++ {
		i := i
		group.Go(func() error {
			id, err := d.chain.SubscriptionID(gctx, i)
			if err != nil {
				return fmt.Errorf("subscription id at %d: %w", i, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	d.cachedIDs = ids
	d.cachedAt = time.Now()
	return ids, nil
}

// invalidate forces the next enumerate call to refresh, used after a
// successful fulfill per spec §4.7.
func (d *Driver) invalidate() {
	d.cachedAt = time.Time{}
}

func (d *Driver) batchCheckReady(ctx context.Context, ids [][32]byte) [][32]byte {
	readiness := make([]bool, len(ids))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fanOutLimit)
	for i, id := range ids {
		i, id := i, id
		group.Go(func() error {
			ok, err := d.chain.IsReady(gctx, id)
			if err != nil {
				d.logger.Printf("keepalive: isReady check failed for %x: %v", id, err)
				return nil
			}
			readiness[i] = ok
			return nil
		})
	}
	_ = group.Wait()

	var ready [][32]byte
	for i, ok := range readiness {
		if ok {
			ready = append(ready, ids[i])
		}
	}
	return ready
}

func (d *Driver) tryFulfill(ctx context.Context, id [32]byte) error {
	key := fmt.Sprintf("%x", id)
	_, err, _ := d.inFlight.Do(key, func() (interface{}, error) {
		return nil, d.fulfillOne(ctx, id)
	})
	d.inFlight.Forget(key)
	return err
}

func (d *Driver) fulfillOne(ctx context.Context, id [32]byte) error {
	// Race guard: re-check readiness in the same RPC round as the rest of
	// this step, since time has passed since the batch check.
	ready, err := d.chain.IsReady(ctx, id)
	if err != nil {
		return fmt.Errorf("recheck ready: %w", err)
	}
	if !ready {
		d.hub.Publish(broadcast.Event{Type: "skipped", Data: map[string]string{"reason": "not-ready", "id": fmt.Sprintf("%x", id)}, Timestamp: time.Now().Unix()})
		return nil
	}

	fee, gasReimbursement, err := d.chain.SubscriptionCost(ctx, id)
	if err != nil {
		return fmt.Errorf("subscription cost: %w", err)
	}

	rawEstimate, reverted, err := d.chain.EstimateFulfillGas(ctx, id)
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	gasPrice, err := d.chain.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	ethPrice, err := d.chain.EthPrice(ctx)
	if err != nil {
		d.logger.Printf("keepalive: eth price lookup failed for %x, proceeding fail-open: %v", id, err)
	}

	reimbursement := new(big.Int).Add(fee, gasReimbursement)
	result := gate.Evaluate(gate.Params{
		RawEstimate:      rawEstimate,
		GasPrice:         gasPrice,
		EthPrice:         ethPrice,
		Reimbursement:    reimbursement,
		BufferPercent:    gate.DefaultGasBufferPercent,
		LossToleranceUSD: big.NewInt(lossToleranceUSD),
		Reverted:         reverted,
	})

	if result.Outcome != gate.Profitable {
		d.hub.Publish(broadcast.Event{Type: "skipped", Data: map[string]string{"reason": result.Outcome.String(), "id": fmt.Sprintf("%x", id)}, Timestamp: time.Now().Unix()})
		return nil
	}

	if err := d.sender.Fulfill(ctx, id); err != nil {
		return fmt.Errorf("submit fulfill: %w", err)
	}

	d.invalidate()
	d.hub.Publish(broadcast.Event{Type: broadcast.EventKeepAliveFulfilled, Timestamp: time.Now().Unix(), Data: map[string]string{"id": fmt.Sprintf("%x", id)}})
	return nil
}
