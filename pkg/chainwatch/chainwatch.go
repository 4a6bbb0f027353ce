// Package chainwatch is the Event Watcher: a chunked getLogs polling loop
// with cursor resume, exponential backoff on persistent error, and a
// liveness heartbeat. One Watcher polls one or more event fetchers under a
// single cursor label; the agent builds one for RequestCreated (dispatching
// to the router), one for config-change events and one for keep-alive
// subscription events.
package chainwatch

import (
	"context"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/relaymesh/apiagent/pkg/cursorstore"
)

const (
	// ChunkSize is the maximum block range queried per getLogs call.
	ChunkSize = 1000
	// DefaultLookback is how far back a cursor-less watcher scans on its
	// very first successful poll.
	DefaultLookback = 1000

	initialInterval  = 2 * time.Second
	maxInterval      = 30 * time.Second
	backoffThreshold = 3
	resetThreshold   = 10
	heartbeatEveryN  = 100
)

// LogFetcher fetches logs for one event type in [from, to]. Implementations
// typically close over a contractclient.ContractClient and an event name.
type LogFetcher func(ctx context.Context, from, to uint64) ([]types.Log, error)

// Dispatch is called once per observed log.
type Dispatch func(log types.Log)

// Watcher polls one or more LogFetchers on a shared cursor label, dispatching
// every observed log and persisting the cursor after each fully-successful
// range scan.
type Watcher struct {
	label    string
	eth      *ethclient.Client
	cursors  cursorstore.Store
	fetchers []LogFetcher
	dispatch Dispatch
	logger   *log.Logger

	interval       time.Duration
	tickerInterval time.Duration
	errorCount     int
	pollCount      int
	stopped        chan struct{}
}

// New builds a Watcher. label identifies this watcher's cursor; fetchers
// are called once per chunk, in order, for every poll.
func New(label string, eth *ethclient.Client, cursors cursorstore.Store, fetchers []LogFetcher, dispatch Dispatch, logger *log.Logger) *Watcher {
	return &Watcher{
		label:    label,
		eth:      eth,
		cursors:  cursors,
		fetchers: fetchers,
		dispatch: dispatch,
		logger:   logger,
		interval: initialInterval,
		stopped:  make(chan struct{}),
	}
}

// Stop signals the run loop to exit after its current poll completes.
// In-flight RPC calls are allowed to finish; their results are discarded.
func (w *Watcher) Stop() {
	close(w.stopped)
}

// Run drives the poll loop until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	lastBlock, err := w.cursors.Load(w.label)
	if err != nil {
		w.logger.Printf("chainwatch[%s]: failed to load cursor, starting from 0: %v", w.label, err)
		lastBlock = 0
	}

	ticker := time.NewTicker(w.interval)
	w.tickerInterval = w.interval
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-ticker.C:
		}

		next, ok, reset := w.poll(ctx, lastBlock)
		if ok {
			lastBlock = next
		} else if reset {
			lastBlock = 0
		}

		if w.interval != w.tickerInterval {
			ticker.Reset(w.interval)
			w.tickerInterval = w.interval
		}
	}
}

// poll runs one scan iteration; it returns the new cursor value, whether
// the poll succeeded, and whether this error pushed the watcher past the
// consecutive-error reset threshold, in which case the caller must zero
// its own in-memory lastBlock along with the on-disk cursor.
func (w *Watcher) poll(ctx context.Context, lastBlock uint64) (uint64, bool, bool) {
	current, err := w.eth.BlockNumber(ctx)
	if err != nil {
		reset := w.onError(err)
		return lastBlock, false, reset
	}

	if current <= lastBlock && lastBlock != 0 {
		return lastBlock, true, false
	}

	from := lastBlock + 1
	if lastBlock == 0 {
		if current > DefaultLookback {
			from = current - DefaultLookback + 1
		} else {
			from = 1
		}
	}

	for chunkStart := from; chunkStart <= current; chunkStart += ChunkSize {
		chunkEnd := chunkStart + ChunkSize - 1
		if chunkEnd > current {
			chunkEnd = current
		}

		for _, fetch := range w.fetchers {
			logs, err := fetch(ctx, chunkStart, chunkEnd)
			if err != nil {
				reset := w.onError(err)
				return lastBlock, false, reset
			}
			for _, l := range logs {
				w.dispatch(l)
			}
		}
	}

	if err := w.cursors.Save(w.label, current); err != nil {
		w.logger.Printf("chainwatch[%s]: failed to save cursor: %v", w.label, err)
	}

	w.onSuccess(current)
	return current, true, false
}

// onError records a consecutive poll failure and applies the backoff/reset
// policy (spec §4.4). It returns true once the error count hits
// resetThreshold, signalling the caller to also zero its in-memory
// lastBlock so the very next successful poll actually rescans the
// configured lookback, instead of only persisting the reset to disk and
// waiting for a process restart to pick it up.
func (w *Watcher) onError(err error) bool {
	w.errorCount++
	w.logger.Printf("chainwatch[%s]: poll error (%d consecutive): %v", w.label, w.errorCount, err)

	reset := false
	if w.errorCount == resetThreshold {
		w.logger.Printf("chainwatch[%s]: %d consecutive errors, resetting cursor to force full rescan", w.label, resetThreshold)
		if err := w.cursors.Save(w.label, 0); err != nil {
			w.logger.Printf("chainwatch[%s]: failed to reset cursor: %v", w.label, err)
		}
		reset = true
	}

	if w.errorCount >= backoffThreshold {
		doubled := w.interval * 2
		if doubled > maxInterval {
			doubled = maxInterval
		}
		w.interval = doubled
	}

	return reset
}

func (w *Watcher) onSuccess(current uint64) {
	recovering := w.errorCount > 0
	w.errorCount = 0
	w.interval = initialInterval
	if recovering {
		w.logger.Printf("chainwatch[%s]: recovered, poll interval restored to %s", w.label, initialInterval)
	}

	w.pollCount++
	if w.pollCount%heartbeatEveryN == 0 {
		w.logger.Printf("chainwatch[%s]: heartbeat, current block %d", w.label, current)
	}
}
