// Package apiagent implements the off-chain fulfillment agent runtime for
// a USDC-paid, callback-style, blockchain-backed API marketplace: it
// watches the chain for new work, races to fulfill it profitably, keeps a
// single signing identity's nonces straight, sweeps stale items, and
// serves a hot cache of protocol state to downstream readers.
package apiagent

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestStatus is a request's position in its PENDING -> terminal
// lifecycle. Progression is monotonic: once terminal, a request id is
// never reprocessed.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestFulfilled
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestFulfilled:
		return "FULFILLED"
	case RequestCancelled:
		return "CANCELLED"
	default:
		return "PENDING"
	}
}

// Request is a single paid API call work item.
type Request struct {
	ID         [32]byte `json:"id"`
	EndpointID [32]byte `json:"endpointId"`

	Requester      common.Address `json:"requester"`
	FulfillerAgent common.Address `json:"fulfillerAgent"` // zero until fulfilled

	TotalCostUnits        *big.Int `json:"totalCostUnits"`
	BaseCostUnits         *big.Int `json:"baseCostUnits"`
	MarkupUnits           *big.Int `json:"markupUnits"`
	GasReimbursementUnits *big.Int `json:"gasReimbursementUnits"`

	CreatedAt time.Time     `json:"createdAt"`
	Status    RequestStatus `json:"status"`

	Params      []byte `json:"params"`
	Response    []byte `json:"response"`
	HasCallback bool   `json:"hasCallback"`
}

// StaleAfter is the request staleness window: past this age, PENDING
// requests are cancelled rather than fulfilled.
const StaleAfter = 5 * time.Minute

// IsStale reports whether r has exceeded the staleness window as of now.
func (r *Request) IsStale(now time.Time) bool {
	return now.Sub(r.CreatedAt) > StaleAfter
}

// Endpoint is a registered API handler definition.
type Endpoint struct {
	ID     [32]byte `json:"id"`
	URL    string   `json:"url"`
	Input  string   `json:"inputFormat"`
	Output string   `json:"outputFormat"`

	BaseCostUnits       *big.Int `json:"baseCostUnits"`
	MaxResponseBytes    uint64   `json:"maxResponseBytes"`
	CallbackGasLimit    uint64   `json:"callbackGasLimit"`
	EstimatedGasCostWei *big.Int `json:"estimatedGasCostWei"`

	Owner        common.Address `json:"owner"` // immutable
	Active       bool           `json:"active"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// Subscription is a recurring keep-alive work item.
type Subscription struct {
	ID [32]byte `json:"id"`

	Consumer         common.Address `json:"consumer"`
	CallbackTarget   common.Address `json:"callbackTarget"`
	CallbackGasLimit uint64         `json:"callbackGasLimit"`

	IntervalSeconds     int64    `json:"intervalSeconds"`
	FeePerCycleUnits    *big.Int `json:"feePerCycleUnits"`
	EstimatedGasCostWei *big.Int `json:"estimatedGasCostWei"`

	MaxFulfillments  uint64    `json:"maxFulfillments"` // 0 = unbounded
	FulfillmentCount uint64    `json:"fulfillmentCount"`
	LastFulfilledAt  time.Time `json:"lastFulfilledAt"`
	Active           bool      `json:"active"`
}

// IsReady reports whether the subscription is due for fulfillment as of
// now. The optional external predicate (an off-chain condition the
// consumer supplies) is evaluated by the caller and passed in, since it
// has no representation in the on-chain data model.
func (s *Subscription) IsReady(now time.Time, externalPredicate bool) bool {
	if !s.Active {
		return false
	}
	if s.MaxFulfillments != 0 && s.FulfillmentCount >= s.MaxFulfillments {
		return false
	}
	elapsed := now.Sub(s.LastFulfilledAt)
	if elapsed < time.Duration(s.IntervalSeconds)*time.Second {
		return false
	}
	return externalPredicate
}

// EndpointPricing is the per-endpoint slice of a PricingSnapshot.
type EndpointPricing struct {
	EstimatedGasCostWei *big.Int
	BaseCostUnits       *big.Int
}

// PricingSnapshot lets callers cheaply re-derive per-request cost locally
// without re-polling the chain.
type PricingSnapshot struct {
	EthPriceUnits *big.Int
	Endpoints     map[[32]byte]EndpointPricing
	AsOf          time.Time
}

// Cursor labels used across the watchers and maintenance loops.
const (
	CursorHubWatcher  = "hub-watcher"
	CursorHubFallback = "hub-fallback"
	CursorHubSweeper  = "hub-sweeper"
)
