package chainwatch

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/relaymesh/apiagent/pkg/cursorstore"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeCursors struct {
	mu     sync.Mutex
	stored map[string]uint64
}

func newFakeCursors() *fakeCursors { return &fakeCursors{stored: map[string]uint64{}} }

func (f *fakeCursors) Load(label string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[label], nil
}

func (f *fakeCursors) Save(label string, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[label] = block
	return nil
}

var _ cursorstore.Store = (*fakeCursors)(nil)

func TestOnError_BacksOffAfterThreshold(t *testing.T) {
	w := New("test", nil, newFakeCursors(), nil, func(types.Log) {}, testLogger())

	for i := 0; i < backoffThreshold; i++ {
		w.onError(errors.New("rpc error"))
	}

	if w.interval <= initialInterval {
		t.Errorf("interval = %s, want backoff beyond initial %s after %d consecutive errors", w.interval, initialInterval, backoffThreshold)
	}
}

func TestOnError_ResetsCursorAfterResetThreshold(t *testing.T) {
	cursors := newFakeCursors()
	cursors.stored["test"] = 500

	w := New("test", nil, cursors, nil, func(types.Log) {}, testLogger())

	for i := 0; i < resetThreshold; i++ {
		w.onError(errors.New("rpc error"))
	}

	got, _ := cursors.Load("test")
	if got != 0 {
		t.Errorf("cursor = %d, want 0 after %d consecutive errors", got, resetThreshold)
	}
}

// TestOnError_SignalsResetForInMemoryLastBlock covers the bug where the
// reset only reached the on-disk cursor: onError must also tell Run to
// zero its own lastBlock variable, otherwise a process that recovers
// without restarting resumes from the stale pre-error block instead of a
// fresh lookback.
func TestOnError_SignalsResetForInMemoryLastBlock(t *testing.T) {
	w := New("test", nil, newFakeCursors(), nil, func(types.Log) {}, testLogger())

	for i := 0; i < resetThreshold-1; i++ {
		if reset := w.onError(errors.New("rpc error")); reset {
			t.Fatalf("onError returned reset=true before hitting resetThreshold (%d) at error %d", resetThreshold, i+1)
		}
	}

	if reset := w.onError(errors.New("rpc error")); !reset {
		t.Errorf("onError returned reset=false on the %dth consecutive error, want true", resetThreshold)
	}
}

func TestOnSuccess_RestoresIntervalAndResetsErrorCount(t *testing.T) {
	w := New("test", nil, newFakeCursors(), nil, func(types.Log) {}, testLogger())

	w.onError(errors.New("e1"))
	w.onError(errors.New("e2"))
	w.onError(errors.New("e3"))
	if w.interval == initialInterval {
		t.Fatal("expected interval to have grown after 3 consecutive errors")
	}

	w.onSuccess(1000)

	if w.interval != initialInterval {
		t.Errorf("interval = %s, want reset to %s on success", w.interval, initialInterval)
	}
	if w.errorCount != 0 {
		t.Errorf("errorCount = %d, want 0 after success", w.errorCount)
	}
}

func TestOnError_CapsIntervalAtMax(t *testing.T) {
	w := New("test", nil, newFakeCursors(), nil, func(types.Log) {}, testLogger())

	for i := 0; i < 20; i++ {
		w.onError(errors.New("rpc error"))
	}

	if w.interval > maxInterval {
		t.Errorf("interval = %s, exceeded cap of %s", w.interval, maxInterval)
	}
}
