package keepalive

import (
	"context"
	"errors"
	"io"
	"log"
	"math/big"
	"sync"
	"testing"

	"github.com/relaymesh/apiagent/pkg/broadcast"
)

type fakeChain struct {
	mu    sync.Mutex
	ids   [][32]byte
	ready map[[32]byte]bool

	fee           *big.Int
	reimbursement *big.Int
	rawEstimate   uint64
	gasPrice      *big.Int
	ethPrice      *big.Int

	subscriptionIDCalls int
}

func (f *fakeChain) SubscriptionCount(ctx context.Context) (uint64, error) {
	return uint64(len(f.ids)), nil
}

func (f *fakeChain) SubscriptionID(ctx context.Context, index uint64) ([32]byte, error) {
	f.mu.Lock()
	f.subscriptionIDCalls++
	f.mu.Unlock()
	return f.ids[index], nil
}

func (f *fakeChain) IsReady(ctx context.Context, id [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[id], nil
}

func (f *fakeChain) SubscriptionCost(ctx context.Context, id [32]byte) (*big.Int, *big.Int, error) {
	return f.fee, f.reimbursement, nil
}

func (f *fakeChain) EstimateFulfillGas(ctx context.Context, id [32]byte) (uint64, bool, error) {
	return f.rawEstimate, false, nil
}

func (f *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeChain) EthPrice(ctx context.Context) (*big.Int, error) { return f.ethPrice, nil }

type fakeSender struct {
	mu          sync.Mutex
	fulfilled   []([32]byte)
	fulfillErr  error

	// chain, when set, is marked not ready for id after a fulfillment, as
	// the keep-alive contract does until the next interval.
	chain *fakeChain
}

func (f *fakeSender) Fulfill(ctx context.Context, id [32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fulfillErr != nil {
		return f.fulfillErr
	}
	f.fulfilled = append(f.fulfilled, id)
	if f.chain != nil {
		f.chain.mu.Lock()
		f.chain.ready[id] = false
		f.chain.mu.Unlock()
	}
	return nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func cheapChain(ids ...[32]byte) *fakeChain {
	ready := make(map[[32]byte]bool, len(ids))
	for _, id := range ids {
		ready[id] = true
	}
	return &fakeChain{
		ids:           ids,
		ready:         ready,
		fee:           big.NewInt(10_000),
		reimbursement: big.NewInt(5_000),
		rawEstimate:   100_000,
		gasPrice:      big.NewInt(1),
		ethPrice:      big.NewInt(0),
	}
}

func TestPollOnce_FulfillsReadySubscriptions(t *testing.T) {
	id := [32]byte{1}
	chain := cheapChain(id)
	sender := &fakeSender{}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	d.pollOnce(context.Background())

	if len(sender.fulfilled) != 1 || sender.fulfilled[0] != id {
		t.Errorf("fulfilled = %v, want [%x]", sender.fulfilled, id)
	}
}

func TestPollOnce_SkipsNotReady(t *testing.T) {
	id := [32]byte{1}
	chain := cheapChain() // not marked ready
	chain.ids = [][32]byte{id}
	sender := &fakeSender{}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	d.pollOnce(context.Background())

	if len(sender.fulfilled) != 0 {
		t.Errorf("expected no fulfillments for a not-ready subscription, got %v", sender.fulfilled)
	}
}

func TestPollOnce_SkipsUnprofitable(t *testing.T) {
	id := [32]byte{1}
	chain := cheapChain(id)
	chain.reimbursement = big.NewInt(0)
	chain.fee = big.NewInt(0)
	chain.gasPrice = big.NewInt(100_000_000_000)
	chain.ethPrice = big.NewInt(5_000_000_000)
	sender := &fakeSender{}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	d.pollOnce(context.Background())

	if len(sender.fulfilled) != 0 {
		t.Errorf("expected no fulfillments for an unprofitable subscription, got %v", sender.fulfilled)
	}
}

func TestEnumerate_CachesWithinTTL(t *testing.T) {
	chain := cheapChain([32]byte{1}, [32]byte{2})
	sender := &fakeSender{}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	ids1, err := d.enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ids2, err := d.enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids1) != 2 || len(ids2) != 2 {
		t.Fatalf("expected 2 ids both times, got %d then %d", len(ids1), len(ids2))
	}
	if chain.subscriptionIDCalls != 2 {
		t.Errorf("subscriptionIDCalls = %d, want 2 (second enumerate should hit cache)", chain.subscriptionIDCalls)
	}
}

func TestEnumerate_InvalidateForcesRefresh(t *testing.T) {
	chain := cheapChain([32]byte{1})
	sender := &fakeSender{}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	if _, err := d.enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.invalidate()
	if _, err := d.enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if chain.subscriptionIDCalls != 2 {
		t.Errorf("subscriptionIDCalls = %d, want 2 after invalidate forced a re-fetch", chain.subscriptionIDCalls)
	}
}

func TestTryFulfill_SingleFlightsConcurrentCalls(t *testing.T) {
	id := [32]byte{1}
	chain := cheapChain(id)
	sender := &fakeSender{chain: chain}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.tryFulfill(context.Background(), id)
		}()
	}
	wg.Wait()

	if len(sender.fulfilled) != 1 {
		t.Errorf("fulfilled = %d entries, want exactly 1 despite 10 concurrent tryFulfill calls", len(sender.fulfilled))
	}
}

func TestFulfillOne_PropagatesSenderError(t *testing.T) {
	id := [32]byte{1}
	chain := cheapChain(id)
	sender := &fakeSender{fulfillErr: errors.New("broadcast failed")}
	d := New(chain, sender, broadcast.NewHub(8), testLogger())

	if err := d.fulfillOne(context.Background(), id); err == nil {
		t.Fatal("expected error to propagate from sender.Fulfill")
	}
}
