package apiagent

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestStatus_String(t *testing.T) {
	assert.Equal(t, "PENDING", RequestPending.String())
	assert.Equal(t, "FULFILLED", RequestFulfilled.String())
	assert.Equal(t, "CANCELLED", RequestCancelled.String())
}

func TestRequest_IsStale(t *testing.T) {
	now := time.Now()

	fresh := &Request{CreatedAt: now.Add(-1 * time.Minute)}
	assert.False(t, fresh.IsStale(now))

	stale := &Request{CreatedAt: now.Add(-6 * time.Minute)}
	assert.True(t, stale.IsStale(now))

	boundary := &Request{CreatedAt: now.Add(-StaleAfter)}
	assert.False(t, boundary.IsStale(now))
}

func TestSubscription_IsReady(t *testing.T) {
	now := time.Now()

	t.Run("inactive never ready", func(t *testing.T) {
		s := &Subscription{Active: false, IntervalSeconds: 60, LastFulfilledAt: now.Add(-time.Hour)}
		assert.False(t, s.IsReady(now, true))
	})

	t.Run("max fulfillments reached", func(t *testing.T) {
		s := &Subscription{Active: true, MaxFulfillments: 3, FulfillmentCount: 3, IntervalSeconds: 60, LastFulfilledAt: now.Add(-time.Hour)}
		assert.False(t, s.IsReady(now, true))
	})

	t.Run("interval not yet elapsed", func(t *testing.T) {
		s := &Subscription{Active: true, IntervalSeconds: 3600, LastFulfilledAt: now.Add(-time.Minute)}
		assert.False(t, s.IsReady(now, true))
	})

	t.Run("external predicate false blocks readiness", func(t *testing.T) {
		s := &Subscription{Active: true, IntervalSeconds: 60, LastFulfilledAt: now.Add(-time.Hour)}
		assert.False(t, s.IsReady(now, false))
	})

	t.Run("ready when every condition holds", func(t *testing.T) {
		s := &Subscription{Active: true, IntervalSeconds: 60, LastFulfilledAt: now.Add(-time.Hour)}
		assert.True(t, s.IsReady(now, true))
	})

	t.Run("unbounded max fulfillments never blocks", func(t *testing.T) {
		s := &Subscription{Active: true, MaxFulfillments: 0, FulfillmentCount: 1_000_000, IntervalSeconds: 60, LastFulfilledAt: now.Add(-time.Hour)}
		assert.True(t, s.IsReady(now, true))
	})
}

func TestPricingSnapshot_Lookup(t *testing.T) {
	id := [32]byte{1, 2, 3}
	snap := PricingSnapshot{
		EthPriceUnits: big.NewInt(3_000_000_000),
		Endpoints: map[[32]byte]EndpointPricing{
			id: {EstimatedGasCostWei: big.NewInt(1_000_000), BaseCostUnits: big.NewInt(500)},
		},
		AsOf: time.Now(),
	}

	pricing, ok := snap.Endpoints[id]
	assert.True(t, ok)
	assert.Equal(t, big.NewInt(500), pricing.BaseCostUnits)
}
