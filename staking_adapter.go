package apiagent

import (
	"context"
	"fmt"
	"math/big"

	"github.com/relaymesh/apiagent/pkg/contractclient"
	"github.com/relaymesh/apiagent/pkg/txsender"
)

// stakingAdapter binds the staking contract's locker/reward surface to
// the reward-distribution maintenance task.
type stakingAdapter struct {
	cc     contractclient.ContractClient
	sender *txsender.Sender
}

func newStakingAdapter(cc contractclient.ContractClient, sender *txsender.Sender) *stakingAdapter {
	return &stakingAdapter{cc: cc, sender: sender}
}

func (s *stakingAdapter) PendingRewards(ctx context.Context) (uint64, error) {
	out, err := s.cc.Call(nil, "pendingRewards", s.sender.Address())
	if err != nil {
		return 0, fmt.Errorf("pendingRewards: %w", err)
	}
	pending, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("pendingRewards: unexpected type %T", out[0])
	}
	return pending.Uint64(), nil
}

func (s *stakingAdapter) DistributeRewards(ctx context.Context) error {
	calldata, err := s.cc.BuildCalldata("claimRewards")
	if err != nil {
		return fmt.Errorf("build claimRewards calldata: %w", err)
	}
	gas, err := s.cc.EstimateGas(ctx, s.sender.Address(), calldata)
	if err != nil {
		return fmt.Errorf("estimate claimRewards gas: %w", err)
	}
	_, err = s.sender.Submit(ctx, txsender.Job{To: s.cc.Address(), Calldata: calldata, GasLimit: gas})
	return err
}

// hookAdapter runs the domain-specific rebalance pass against a
// configurable contract method; which method and contract that is varies
// by deployment, so it is supplied at construction rather than hard-coded.
type hookAdapter struct {
	cc     contractclient.ContractClient
	sender *txsender.Sender
	method string
}

func newHookAdapter(cc contractclient.ContractClient, sender *txsender.Sender, method string) *hookAdapter {
	return &hookAdapter{cc: cc, sender: sender, method: method}
}

func (h *hookAdapter) Rebalance(ctx context.Context) error {
	calldata, err := h.cc.BuildCalldata(h.method)
	if err != nil {
		return fmt.Errorf("build %s calldata: %w", h.method, err)
	}
	gas, err := h.cc.EstimateGas(ctx, h.sender.Address(), calldata)
	if err != nil {
		return fmt.Errorf("estimate %s gas: %w", h.method, err)
	}
	_, err = h.sender.Submit(ctx, txsender.Job{To: h.cc.Address(), Calldata: calldata, GasLimit: gas})
	return err
}
