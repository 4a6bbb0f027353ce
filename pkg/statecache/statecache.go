// Package statecache is the State Cache & Broadcaster: it aggregates
// chain reads into a single immutable snapshot, refreshed on a cheap
// change-detector or a max-staleness fallback, and pushes full snapshots
// plus lightweight pricing-only deltas to the broadcast hub.
package statecache

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/apiagent/pkg/broadcast"
	"github.com/relaymesh/apiagent/pkg/metrics"
)

const (
	deltaProbeInterval = 5 * time.Second
	maxStaleness        = 30 * time.Second
	ringBufferSize      = 256
)

// Snapshot is the immutable aggregate of read-state published to
// downstream consumers. Fields are left as interface{} placeholders for
// the concrete per-domain structures (hub stats, staking globals, locker
// positions, etc.) a real deployment would fill in via Fetchers; the
// cache's job is the refresh/publish mechanics, not those shapes.
type Snapshot struct {
	HubStats         interface{}
	Endpoints        []EndpointView
	StakingGlobals   interface{}
	LockerStats      interface{}
	LockerPositions  interface{}
	GovernorInfo     interface{}
	TimelockInfo     interface{}
	Leaderboard      interface{}
	Proposals        interface{}
	DisputeStats     interface{}
	RecentDisputes   interface{}
	BazaarResources  interface{}
	BuybackStats     interface{}
	EthPriceUnits    interface{}
	KeepAliveStats   interface{}
	RecentRequests   []RecentRequest
	BuiltAt          time.Time
}

// EndpointView is one endpoint's cache entry, including the owner-profile
// fields resolved via the identity service. Any of those resolution steps
// may fail independently; on failure the corresponding field is left nil
// and logged at the call site — never hidden, never a reason to drop the
// endpoint from the snapshot.
type EndpointView struct {
	EndpointID              [32]byte
	OwnerName               *string // nil if identity service resolution failed
	OwnerAgentStats         interface{}
	OwnerStakingStats       interface{}
	HistoricalFulfillments  uint64
}

// RecentRequest seeds the ring buffer of recent events for late
// subscribers joining after a snapshot has already been built.
type RecentRequest struct {
	RequestID [32]byte
	Status    string
	BlockNum  uint64
}

// Fetchers bundles every independent read the full refresh needs to
// perform. Each is called concurrently; a failing fetcher degrades only
// its own field rather than aborting the whole refresh ("gather with
// per-task fallback").
type Fetchers struct {
	HubStats        func(ctx context.Context) (interface{}, error)
	Endpoints       func(ctx context.Context) ([]EndpointView, error)
	StakingGlobals  func(ctx context.Context) (interface{}, error)
	LockerStats     func(ctx context.Context) (interface{}, error)
	LockerPositions func(ctx context.Context) (interface{}, error)
	GovernorInfo    func(ctx context.Context) (interface{}, error)
	TimelockInfo    func(ctx context.Context) (interface{}, error)
	Leaderboard     func(ctx context.Context) (interface{}, error)
	Proposals       func(ctx context.Context) (interface{}, error)
	DisputeStats    func(ctx context.Context) (interface{}, error)
	RecentDisputes  func(ctx context.Context) (interface{}, error)
	BazaarResources func(ctx context.Context) (interface{}, error)
	BuybackStats    func(ctx context.Context) (interface{}, error)
	EthPrice        func(ctx context.Context) (interface{}, error)
	KeepAliveStats  func(ctx context.Context) (interface{}, error)
	RecentRequests  func(ctx context.Context) ([]RecentRequest, error)

	// ChangeCounters returns the two monotonically-increasing counters
	// the 5s delta probe compares against their last-seen values.
	ChangeCounters func(ctx context.Context) (feesAccumulated, servedRequests uint64, err error)

	// PricingOnly fetches only what the lightweight pricing broadcast
	// needs: ETH price plus per-endpoint (gasCostWei, baseCostUnits).
	PricingOnly func(ctx context.Context) (interface{}, error)
}

// Cache owns the published snapshot pointer and the ring buffer, and
// drives both refresh triggers.
type Cache struct {
	fetchers Fetchers
	hub      *broadcast.Hub
	logger   *log.Logger

	snapshot atomic.Pointer[Snapshot]
	lastRefresh atomic.Int64 // unix nanos

	ring      []RecentRequest
	ringPos   int

	lastFees   uint64
	lastServed uint64
}

// New builds a Cache. Callers must call Run to start the refresh loops;
// Get is safe to call before the first refresh completes, returning nil.
func New(fetchers Fetchers, hub *broadcast.Hub, logger *log.Logger) *Cache {
	return &Cache{fetchers: fetchers, hub: hub, logger: logger, ring: make([]RecentRequest, 0, ringBufferSize)}
}

// Get returns the currently published snapshot (nil before the first
// refresh), plus its age in milliseconds. Readers never observe a
// partially-built snapshot — the pointer swap in refresh is atomic.
func (c *Cache) Get() (*Snapshot, int64) {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil, 0
	}
	ageMs := time.Since(snap.BuiltAt).Milliseconds()
	metrics.CacheAgeSeconds.Set(float64(ageMs) / 1000)
	return snap, ageMs
}

// Run drives both refresh triggers until ctx is cancelled: a 5s delta
// probe, and an independent 30s max-staleness fallback.
func (c *Cache) Run(ctx context.Context) {
	deltaTicker := time.NewTicker(deltaProbeInterval)
	defer deltaTicker.Stop()
	stalenessTicker := time.NewTicker(maxStaleness)
	defer stalenessTicker.Stop()

	c.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deltaTicker.C:
			c.probeDelta(ctx)
		case <-stalenessTicker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Cache) probeDelta(ctx context.Context) {
	if c.fetchers.ChangeCounters == nil {
		return
	}
	fees, served, err := c.fetchers.ChangeCounters(ctx)
	if err != nil {
		c.logger.Printf("statecache: delta probe failed: %v", err)
		return
	}
	if fees != c.lastFees || served != c.lastServed {
		c.lastFees, c.lastServed = fees, served
		c.refresh(ctx)
	}
}

// refresh performs the full gather-with-fallback flow and atomically
// swaps in the resulting snapshot.
func (c *Cache) refresh(ctx context.Context) {
	snap := &Snapshot{BuiltAt: time.Now()}

	group, gctx := errgroup.WithContext(ctx)
	assign := func(fn func(ctx context.Context) (interface{}, error), dst *interface{}, field string) {
		if fn == nil {
			return
		}
		group.Go(func() error {
			v, err := fn(gctx)
			if err != nil {
				c.logger.Printf("statecache: refresh field %s degraded to nil: %v", field, err)
				return nil
			}
			*dst = v
			return nil
		})
	}

	assign(c.fetchers.HubStats, &snap.HubStats, "hubStats")
	assign(c.fetchers.StakingGlobals, &snap.StakingGlobals, "stakingGlobals")
	assign(c.fetchers.LockerStats, &snap.LockerStats, "lockerStats")
	assign(c.fetchers.LockerPositions, &snap.LockerPositions, "lockerPositions")
	assign(c.fetchers.GovernorInfo, &snap.GovernorInfo, "governorInfo")
	assign(c.fetchers.TimelockInfo, &snap.TimelockInfo, "timelockInfo")
	assign(c.fetchers.Leaderboard, &snap.Leaderboard, "leaderboard")
	assign(c.fetchers.Proposals, &snap.Proposals, "proposals")
	assign(c.fetchers.DisputeStats, &snap.DisputeStats, "disputeStats")
	assign(c.fetchers.RecentDisputes, &snap.RecentDisputes, "recentDisputes")
	assign(c.fetchers.BazaarResources, &snap.BazaarResources, "bazaarResources")
	assign(c.fetchers.BuybackStats, &snap.BuybackStats, "buybackStats")
	assign(c.fetchers.EthPrice, &snap.EthPriceUnits, "ethPrice")
	assign(c.fetchers.KeepAliveStats, &snap.KeepAliveStats, "keepAliveStats")

	if c.fetchers.Endpoints != nil {
		group.Go(func() error {
			// Endpoint resolution (including owner profile lookups) is
			// its own sub-step; a failure here degrades individual
			// EndpointView fields, handled inside the fetcher itself,
			// never removes an endpoint from the result.
			endpoints, err := c.fetchers.Endpoints(gctx)
			if err != nil {
				c.logger.Printf("statecache: endpoint list fetch failed: %v", err)
				return nil
			}
			snap.Endpoints = endpoints
			return nil
		})
	}

	if c.fetchers.RecentRequests != nil {
		group.Go(func() error {
			recent, err := c.fetchers.RecentRequests(gctx)
			if err != nil {
				c.logger.Printf("statecache: recent-requests scan failed: %v", err)
				return nil
			}
			snap.RecentRequests = recent
			return nil
		})
	}

	_ = group.Wait()

	c.snapshot.Store(snap)
	c.lastRefresh.Store(time.Now().UnixNano())
	c.appendRing(snap.RecentRequests)

	c.hub.Publish(broadcast.Event{Type: broadcast.EventAppState, Timestamp: time.Now().Unix(), Data: snap})
}

// PublishPricingUpdate runs the lightweight pricing-only refresh,
// triggered on config-change events rather than the full refresh cycle,
// to avoid paying for a ~20KB snapshot on a single price tick.
func (c *Cache) PublishPricingUpdate(ctx context.Context) {
	if c.fetchers.PricingOnly == nil {
		return
	}
	payload, err := c.fetchers.PricingOnly(ctx)
	if err != nil {
		c.logger.Printf("statecache: pricing-only refresh failed: %v", err)
		return
	}
	c.hub.Publish(broadcast.Event{Type: broadcast.EventPricingUpdate, Timestamp: time.Now().Unix(), Data: payload})
}

func (c *Cache) appendRing(recent []RecentRequest) {
	for _, r := range recent {
		if len(c.ring) < ringBufferSize {
			c.ring = append(c.ring, r)
		} else {
			c.ring[c.ringPos] = r
			c.ringPos = (c.ringPos + 1) % ringBufferSize
		}
	}
}

// RingSnapshot returns a copy of the current ring buffer contents, for
// seeding late subscribers.
func (c *Cache) RingSnapshot() []RecentRequest {
	out := make([]RecentRequest, len(c.ring))
	copy(out, c.ring)
	return out
}
