package maintenance

import (
	"context"
	"fmt"
	"time"
)

// SweeperChainReader is the read surface the sweeper needs: a scan of
// request ids observed in the event window, plus per-id status/age.
type SweeperChainReader interface {
	ScanRecentRequests(ctx context.Context) ([][32]byte, error)
	RequestPendingAndAge(ctx context.Context, id [32]byte) (pending bool, age time.Duration, err error)
}

// SweeperSender cancels a timed-out request.
type SweeperSender interface {
	CancelRequest(ctx context.Context, id [32]byte) error
}

// InFlightChecker reports whether id is currently owned by an in-flight
// fulfillment attempt elsewhere in the process; the sweeper must not
// cancel a request another goroutine is actively fulfilling.
type InFlightChecker func(id [32]byte) bool

// NewSweeperTask builds the 5-minute stale-request cancellation task.
func NewSweeperTask(chain SweeperChainReader, sender SweeperSender, inFlight InFlightChecker) Task {
	return func(ctx context.Context) error {
		ids, err := chain.ScanRecentRequests(ctx)
		if err != nil {
			return fmt.Errorf("scan recent requests: %w", err)
		}

		for _, id := range ids {
			if inFlight(id) {
				continue
			}
			pending, age, err := chain.RequestPendingAndAge(ctx, id)
			if err != nil {
				return fmt.Errorf("read request %x: %w", id, err)
			}
			if !pending || age <= 5*time.Minute {
				continue
			}
			if err := sender.CancelRequest(ctx, id); err != nil {
				return fmt.Errorf("cancel stale request %x: %w", id, err)
			}
		}
		return nil
	}
}

// HubStatsReader is the buyback flusher's read surface.
type HubStatsReader interface {
	PendingProtocolFees(ctx context.Context) (uint64, error)
}

// BuybackSender submits the flush write.
type BuybackSender interface {
	FlushProtocolFeesToBuyback(ctx context.Context) error
}

// NewBuybackFlushTask builds the 60-minute protocol-fee flush task.
func NewBuybackFlushTask(stats HubStatsReader, sender BuybackSender) Task {
	return func(ctx context.Context) error {
		pending, err := stats.PendingProtocolFees(ctx)
		if err != nil {
			return fmt.Errorf("read pending fees: %w", err)
		}
		if pending == 0 {
			return nil
		}
		return sender.FlushProtocolFeesToBuyback(ctx)
	}
}

// LockerReader is the reward distributor's read surface.
type LockerReader interface {
	PendingRewards(ctx context.Context) (uint64, error)
}

// RewardSender submits the distribute write.
type RewardSender interface {
	DistributeRewards(ctx context.Context) error
}

// NewRewardDistributionTask builds the 5-minute reward distribution task.
func NewRewardDistributionTask(locker LockerReader, sender RewardSender) Task {
	return func(ctx context.Context) error {
		pending, err := locker.PendingRewards(ctx)
		if err != nil {
			return fmt.Errorf("read pending rewards: %w", err)
		}
		if pending == 0 {
			return nil
		}
		return sender.DistributeRewards(ctx)
	}
}

// HookManager performs the domain-specific rebalance pass. Its concrete
// logic lives with whichever on-chain hook module the deployment uses;
// this task only owns the schedule.
type HookManager interface {
	Rebalance(ctx context.Context) error
}

// NewHookManagerTask builds the 60-minute hook-manager task.
func NewHookManagerTask(hooks HookManager) Task {
	return func(ctx context.Context) error {
		return hooks.Rebalance(ctx)
	}
}
