package statecache

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/relaymesh/apiagent/pkg/broadcast"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestGet_NilBeforeFirstRefresh(t *testing.T) {
	c := New(Fetchers{}, broadcast.NewHub(4), testLogger())

	snap, age := c.Get()
	if snap != nil {
		t.Errorf("expected nil snapshot before first refresh, got %+v", snap)
	}
	if age != 0 {
		t.Errorf("age = %d, want 0", age)
	}
}

func TestRefresh_DegradesFailingFieldToNilWithoutAbortingOthers(t *testing.T) {
	hub := broadcast.NewHub(4)
	c := New(Fetchers{
		HubStats: func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("rpc down")
		},
		StakingGlobals: func(ctx context.Context) (interface{}, error) {
			return "staking-ok", nil
		},
	}, hub, testLogger())

	c.refresh(context.Background())

	snap, _ := c.Get()
	if snap == nil {
		t.Fatal("expected a snapshot to be published despite one failing fetcher")
	}
	if snap.HubStats != nil {
		t.Errorf("HubStats = %v, want nil on fetch failure", snap.HubStats)
	}
	if snap.StakingGlobals != "staking-ok" {
		t.Errorf("StakingGlobals = %v, want staking-ok", snap.StakingGlobals)
	}
}

func TestRefresh_PublishesAppStateEvent(t *testing.T) {
	hub := broadcast.NewHub(4)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	c := New(Fetchers{}, hub, testLogger())
	c.refresh(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != broadcast.EventAppState {
			t.Errorf("event type = %q, want %q", ev.Type, broadcast.EventAppState)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for app_state event")
	}
}

func TestProbeDelta_RefreshesOnlyWhenCountersChange(t *testing.T) {
	hub := broadcast.NewHub(4)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	fees, served := uint64(10), uint64(20)
	c := New(Fetchers{
		ChangeCounters: func(ctx context.Context) (uint64, uint64, error) {
			return fees, served, nil
		},
	}, hub, testLogger())

	c.probeDelta(context.Background())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a refresh on the first probe")
	}

	c.probeDelta(context.Background())
	select {
	case ev := <-ch:
		t.Errorf("expected no refresh when counters are unchanged, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	fees = 11
	c.probeDelta(context.Background())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a refresh once a counter changed")
	}
}

func TestPublishPricingUpdate_PublishesPricingEvent(t *testing.T) {
	hub := broadcast.NewHub(4)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	c := New(Fetchers{
		PricingOnly: func(ctx context.Context) (interface{}, error) {
			return "pricing-payload", nil
		},
	}, hub, testLogger())

	c.PublishPricingUpdate(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != broadcast.EventPricingUpdate || ev.Data != "pricing-payload" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pricing_update event")
	}
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	c := New(Fetchers{}, broadcast.NewHub(4), testLogger())

	for i := 0; i < ringBufferSize+10; i++ {
		c.appendRing([]RecentRequest{{BlockNum: uint64(i)}})
	}

	ring := c.RingSnapshot()
	if len(ring) != ringBufferSize {
		t.Errorf("ring length = %d, want %d", len(ring), ringBufferSize)
	}
}
