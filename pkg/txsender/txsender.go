// Package txsender is the Transaction Sender: a single FIFO queue per
// signing identity. Every signed write in the agent funnels through here
// so nonces are assigned strictly sequentially — no other component ever
// touches the private key or calls eth_sendRawTransaction directly.
package txsender

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	apitypes "github.com/relaymesh/apiagent/pkg/types"
	"github.com/relaymesh/apiagent/pkg/txlistener"
)

// GasBufferPercent is the safety multiplier applied to every raw gas
// estimate before dispatch, per the sender's pre-dispatch contract.
const GasBufferPercent = 120

// ErrReverted is returned when a submitted transaction mines but its
// receipt reports failure — the sender never treats that as success.
var ErrReverted = fmt.Errorf("txsender: transaction reverted")

// Job is a unit of signed work: To/Calldata describe the call; GasLimit is
// the raw (pre-buffer) estimate the caller already obtained from the
// profitability gate or the chain adapter.
type Job struct {
	To       common.Address
	Calldata []byte
	GasLimit uint64
}

// Result is what a submission resolves to.
type Result struct {
	TxHash  common.Hash
	Receipt *apitypes.Receipt
}

// Sender serializes every signed write from one identity through a single
// goroutine draining a channel of closures, so two writes can never race
// on the same nonce no matter how many callers submit concurrently.
type Sender struct {
	eth      *ethclient.Client
	listener txlistener.TxListener
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int

	queue chan func()
	done  chan struct{}
}

// New builds a Sender bound to one signing key and starts its drain
// goroutine. Callers must call Close to stop it at shutdown.
func New(eth *ethclient.Client, listener txlistener.TxListener, key *ecdsa.PrivateKey, chainID *big.Int) *Sender {
	s := &Sender{
		eth:      eth,
		listener: listener,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		queue:    make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sender) run() {
	for fn := range s.queue {
		fn()
	}
	close(s.done)
}

// Close stops accepting new jobs and waits for the queue to drain.
func (s *Sender) Close() {
	close(s.queue)
	<-s.done
}

// Address is the sender's signing identity.
func (s *Sender) Address() common.Address { return s.from }

// Submit enqueues job and blocks the caller until it has a transaction
// hash and mined receipt, or an error. Exactly one job is ever being
// prepared (nonce fetched, signed, broadcast) at a time across the whole
// process, because every caller funnels through this same queue.
func (s *Sender) Submit(ctx context.Context, job Job) (*Result, error) {
	resultCh := make(chan struct {
		res *Result
		err error
	}, 1)

	task := func() {
		res, err := s.send(ctx, job)
		resultCh <- struct {
			res *Result
			err error
		}{res, err}
	}

	select {
	case s.queue <- task:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-resultCh:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sender) send(ctx context.Context, job Job) (*Result, error) {
	nonce, err := s.eth.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	gasTipCap, err := s.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip cap: %w", err)
	}
	head, err := s.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), gasTipCap)

	bufferedGas := job.GasLimit * GasBufferPercent / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       bufferedGas,
		To:        &job.To,
		Data:      job.Calldata,
	})

	signer := types.LatestSignerForChainID(s.chainID)
	signedTx, err := types.SignTx(tx, signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := s.eth.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("broadcast tx: %w", err)
	}

	receipt, err := s.listener.WaitForTransaction(signedTx.Hash())
	if err != nil {
		return nil, fmt.Errorf("wait for receipt: %w", err)
	}
	if receipt.Reverted() {
		return &Result{TxHash: signedTx.Hash(), Receipt: receipt}, ErrReverted
	}

	return &Result{TxHash: signedTx.Hash(), Receipt: receipt}, nil
}
