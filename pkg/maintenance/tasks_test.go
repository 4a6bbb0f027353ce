package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSweeperChain struct {
	ids         [][32]byte
	pending     map[[32]byte]bool
	age         map[[32]byte]time.Duration
	scanErr     error
	readErr     error
}

func (f *fakeSweeperChain) ScanRecentRequests(ctx context.Context) ([][32]byte, error) {
	return f.ids, f.scanErr
}

func (f *fakeSweeperChain) RequestPendingAndAge(ctx context.Context, id [32]byte) (bool, time.Duration, error) {
	if f.readErr != nil {
		return false, 0, f.readErr
	}
	return f.pending[id], f.age[id], nil
}

type fakeSweeperSender struct {
	cancelled [][32]byte
}

func (f *fakeSweeperSender) CancelRequest(ctx context.Context, id [32]byte) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func TestSweeperTask_CancelsStalePendingOnly(t *testing.T) {
	id1, id2, id3 := [32]byte{1}, [32]byte{2}, [32]byte{3}

	chain := &fakeSweeperChain{
		ids:     [][32]byte{id1, id2, id3},
		pending: map[[32]byte]bool{id1: true, id2: true, id3: false},
		age:     map[[32]byte]time.Duration{id1: 10 * time.Minute, id2: time.Minute, id3: 10 * time.Minute},
	}
	sender := &fakeSweeperSender{}

	task := NewSweeperTask(chain, sender, func(id [32]byte) bool { return false })
	if err := task(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sender.cancelled) != 1 || sender.cancelled[0] != id1 {
		t.Errorf("cancelled = %v, want only id1", sender.cancelled)
	}
}

func TestSweeperTask_SkipsInFlight(t *testing.T) {
	id1 := [32]byte{1}
	chain := &fakeSweeperChain{
		ids:     [][32]byte{id1},
		pending: map[[32]byte]bool{id1: true},
		age:     map[[32]byte]time.Duration{id1: 10 * time.Minute},
	}
	sender := &fakeSweeperSender{}

	task := NewSweeperTask(chain, sender, func(id [32]byte) bool { return true })
	if err := task(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sender.cancelled) != 0 {
		t.Errorf("expected no cancellations for in-flight request, got %v", sender.cancelled)
	}
}

func TestSweeperTask_PropagatesScanError(t *testing.T) {
	chain := &fakeSweeperChain{scanErr: errors.New("rpc down")}
	task := NewSweeperTask(chain, &fakeSweeperSender{}, func(id [32]byte) bool { return false })

	if err := task(context.Background()); err == nil {
		t.Fatal("expected error to propagate")
	}
}

type fakeHubStats struct {
	pending uint64
	err     error
}

func (f *fakeHubStats) PendingProtocolFees(ctx context.Context) (uint64, error) { return f.pending, f.err }

type fakeBuybackSender struct{ flushed bool }

func (f *fakeBuybackSender) FlushProtocolFeesToBuyback(ctx context.Context) error {
	f.flushed = true
	return nil
}

func TestBuybackFlushTask_SkipsWhenNothingPending(t *testing.T) {
	sender := &fakeBuybackSender{}
	task := NewBuybackFlushTask(&fakeHubStats{pending: 0}, sender)

	if err := task(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.flushed {
		t.Error("expected no flush when pending fees are zero")
	}
}

func TestBuybackFlushTask_FlushesWhenPending(t *testing.T) {
	sender := &fakeBuybackSender{}
	task := NewBuybackFlushTask(&fakeHubStats{pending: 500}, sender)

	if err := task(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !sender.flushed {
		t.Error("expected flush when fees are pending")
	}
}

type fakeHookManager struct{ called bool }

func (f *fakeHookManager) Rebalance(ctx context.Context) error {
	f.called = true
	return nil
}

func TestHookManagerTask_AlwaysCallsRebalance(t *testing.T) {
	hooks := &fakeHookManager{}
	task := NewHookManagerTask(hooks)

	if err := task(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !hooks.called {
		t.Error("expected Rebalance to be called")
	}
}

func TestLoop_RunsOnTickerAndStopsOnCancel(t *testing.T) {
	calls := make(chan struct{}, 8)
	task := func(ctx context.Context) error {
		calls <- struct{}{}
		return nil
	}

	loop := NewLoop("test", 10*time.Millisecond, task, testLogger(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	loop.Run(ctx)

	if len(calls) < 2 {
		t.Errorf("expected at least 2 ticks in 55ms at a 10ms interval, got %d", len(calls))
	}
}

func TestLoop_RunFirstRunsImmediately(t *testing.T) {
	ran := false
	task := func(ctx context.Context) error {
		ran = true
		return nil
	}

	loop := NewLoop("test", time.Hour, task, testLogger(), true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if !ran {
		t.Error("expected runFirst task to execute before the first interval elapses")
	}
}

func TestLoop_RecoversFromPanic(t *testing.T) {
	task := func(ctx context.Context) error {
		panic("boom")
	}

	loop := NewLoop("test", time.Hour, task, testLogger(), true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Must not propagate the panic out of Run.
	loop.Run(ctx)
}
