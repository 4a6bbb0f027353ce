// Package contractclient is the Chain Adapter: a typed facade over a single
// contract's ABI and address, used for both read calls and building the
// calldata a caller hands to the transaction sender. It never signs or
// broadcasts a transaction itself — that responsibility lives entirely in
// pkg/txsender, so that nonce assignment has exactly one owner.
package contractclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Typed error variants per the adapter's error taxonomy. Callers switch on
// these with errors.Is rather than inspecting error strings.
var (
	ErrRPCUnavailable = errors.New("contractclient: rpc unavailable")
	ErrInvalidArgs    = errors.New("contractclient: invalid arguments")
	ErrWouldRevert    = errors.New("contractclient: simulation reverted")
	ErrRateLimited    = errors.New("contractclient: rate limited")
	ErrTimeout        = errors.New("contractclient: timeout")
)

// DecodedCall is the result of decoding raw calldata against the client's
// ABI: the matched method plus its argument values keyed by parameter name.
type DecodedCall struct {
	MethodName string                 `json:"methodName"`
	Args       map[string]interface{} `json:"args"`
}

// ContractClient is the minimal strongly-typed surface the rest of the
// agent needs from a single on-chain contract: read a view call, estimate
// gas and build calldata for a write (the sender does the signing and
// broadcast), and decode data already observed on-chain.
type ContractClient interface {
	// Call performs a read-only view call. from may be nil for calls that
	// don't depend on msg.sender.
	Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error)

	// BuildCalldata ABI-encodes a method call without sending anything.
	BuildCalldata(method string, args ...interface{}) ([]byte, error)

	// EstimateGas simulates the call from `from` and returns the gas it
	// would consume, or ErrWouldRevert if the simulation fails.
	EstimateGas(ctx context.Context, from common.Address, calldata []byte) (uint64, error)

	// TransactionData fetches the calldata of an already-mined transaction.
	TransactionData(hash common.Hash) ([]byte, error)

	// DecodeTransaction decodes raw calldata against this contract's ABI.
	DecodeTransaction(data []byte) (*DecodedCall, error)

	Address() common.Address
	Abi() abi.ABI
}

type client struct {
	eth     *ethclient.Client
	address common.Address
	abi     abi.ABI
}

// NewContractClient builds a ContractClient bound to a single contract
// address and ABI over a shared ethclient connection.
func NewContractClient(eth *ethclient.Client, address common.Address, contractABI abi.ABI) ContractClient {
	return &client{eth: eth, address: address, abi: contractABI}
}

func (c *client) Address() common.Address { return c.address }
func (c *client) Abi() abi.ABI            { return c.abi }

func (c *client) BuildCalldata(method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", ErrInvalidArgs, method, err)
	}
	return data, nil
}

func (c *client) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.BuildCalldata(method, args...)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{To: &c.address, Data: data}
	if from != nil {
		msg.From = *from
	}

	out, err := c.eth.CallContract(context.Background(), msg, nil)
	if err != nil {
		return nil, classifyRPCError(err)
	}

	method2, ok := c.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %s", ErrInvalidArgs, method)
	}
	values, err := method2.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s result: %w", method, err)
	}
	return values, nil
}

func (c *client) EstimateGas(ctx context.Context, from common.Address, calldata []byte) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: calldata,
	})
	if err != nil {
		if isRevertError(err) {
			return 0, fmt.Errorf("%w: %v", ErrWouldRevert, err)
		}
		return 0, classifyRPCError(err)
	}
	return gas, nil
}

func (c *client) TransactionData(hash common.Hash) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(context.Background(), hash)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	return tx.Data(), nil
}

func (c *client) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: calldata shorter than a method selector", ErrInvalidArgs)
	}

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("unpack args for %s: %w", method.Name, err)
	}

	return &DecodedCall{MethodName: method.Name, Args: args}, nil
}

// GetLogs fetches logs for a single event within [from, to] inclusive. The
// caller (the event watcher) guarantees to-from <= 1000 blocks.
func GetLogs(ctx context.Context, eth *ethclient.Client, address common.Address, contractABI abi.ABI, eventName string, from, to uint64) ([]types.Log, error) {
	event, ok := contractABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %s", ErrInvalidArgs, eventName)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{event.ID}},
	}

	logs, err := eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	return logs, nil
}

// BlockNumber fetches the chain's current block height.
func BlockNumber(ctx context.Context, eth *ethclient.Client) (uint64, error) {
	n, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, classifyRPCError(err)
	}
	return n, nil
}

// GasPrice fetches the network's suggested gas price.
func GasPrice(ctx context.Context, eth *ethclient.Client) (*big.Int, error) {
	price, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	return price, nil
}

func classifyRPCError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	default:
		return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
}

// isRevertError reports whether err represents a failed simulation rather
// than a transport problem. go-ethereum's JSON-RPC error for a reverted
// eth_estimateGas carries no distinct type, only a message, so this is a
// substring check on the convention every EVM node follows.
func isRevertError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}
