// Package txlistener polls for a transaction's receipt after it has been
// broadcast. It is deliberately simple: poll on an interval up to a
// timeout, never subscribe, since not every RPC provider supports
// subscriptions.
package txlistener

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	apitypes "github.com/relaymesh/apiagent/pkg/types"
)

// TxListener waits for a submitted transaction to be mined.
type TxListener interface {
	WaitForTransaction(hash common.Hash) (*apitypes.Receipt, error)
}

type listener struct {
	eth          *ethclient.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a listener.
type Option func(*listener)

// WithPollInterval sets how often the listener re-checks for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(l *listener) { l.pollInterval = d }
}

// WithTimeout bounds how long WaitForTransaction waits before giving up.
func WithTimeout(d time.Duration) Option {
	return func(l *listener) { l.timeout = d }
}

// NewTxListener builds a TxListener polling over eth with sane defaults
// (3s interval, 5 minute timeout), overridable via options.
func NewTxListener(eth *ethclient.Client, opts ...Option) TxListener {
	l := &listener{eth: eth, pollInterval: 3 * time.Second, timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *listener) WaitForTransaction(hash common.Hash) (*apitypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return toAPIReceipt(receipt), nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("fetch receipt for %s: %w", hash, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for receipt of %s", hash)
		case <-ticker.C:
		}
	}
}

func toAPIReceipt(r *types.Receipt) *apitypes.Receipt {
	return &apitypes.Receipt{
		TxHash:            r.TxHash.Hex(),
		BlockNumber:       "0x" + r.BlockNumber.Text(16),
		GasUsed:           "0x" + new(big.Int).SetUint64(r.GasUsed).Text(16),
		EffectiveGasPrice: "0x" + r.EffectiveGasPrice.Text(16),
		Status:            statusHex(r.Status),
	}
}

func statusHex(status uint64) string {
	if status == 1 {
		return "0x1"
	}
	return "0x0"
}
