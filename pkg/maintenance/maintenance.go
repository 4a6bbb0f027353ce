// Package maintenance runs the Stale Sweeper and the periodic maintenance
// loops: buyback flush, reward distribution, and the hook manager. Each is
// an independent ticker, isolated from the others' failures — one loop
// panicking or erroring never stops the process or another loop.
package maintenance

import (
	"context"
	"log"
	"time"
)

// Task is one maintenance loop's unit of work, run on its own ticker.
type Task func(ctx context.Context) error

// Loop self-reschedules a Task on interval, logging (never propagating)
// any error, and never starting a second tick before the previous body
// has completed.
type Loop struct {
	name     string
	interval time.Duration
	task     Task
	logger   *log.Logger
	runFirst bool
}

// NewLoop builds a Loop. If runFirst is true the task also runs once
// immediately on Run, before waiting out the first interval (used by the
// hook manager, per spec §4.8: "runs once at startup, then on interval").
func NewLoop(name string, interval time.Duration, task Task, logger *log.Logger, runFirst bool) *Loop {
	return &Loop{name: name, interval: interval, task: task, logger: logger, runFirst: runFirst}
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l.runFirst {
		l.tick(ctx)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l.tick(ctx)
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("maintenance[%s]: recovered from panic: %v", l.name, r)
		}
	}()

	if err := l.task(ctx); err != nil {
		l.logger.Printf("maintenance[%s]: tick failed: %v", l.name, err)
	}
}

// Default intervals per spec §4.8.
const (
	SweeperInterval            = 5 * time.Minute
	BuybackFlushInterval       = 60 * time.Minute
	RewardDistributionInterval = 5 * time.Minute
	HookManagerInterval        = 60 * time.Minute
)
