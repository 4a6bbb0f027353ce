// Package gate implements the Profitability Gate: a pure function deciding
// whether a proposed write is worth submitting, given its declared
// stablecoin reimbursement and the current gas/ETH price. It does no RPC
// itself — callers supply the numeric inputs already fetched — so its
// output is a deterministic function of those inputs (testable property P6).
package gate

import "math/big"

// DefaultLossTolerance is $0.005 at 6-decimal stablecoin precision.
const DefaultLossTolerance = 5_000

// DefaultGasBufferPercent is the safety multiplier applied to a raw gas
// estimate before costing it out.
const DefaultGasBufferPercent = 120

// oneEther is 1e18, the wei-per-ether scale ethPrice is quoted against.
var oneEther = big.NewInt(1_000_000_000_000_000_000)

// Outcome classifies the gate's verdict.
type Outcome int

const (
	// Profitable means the reimbursement covers the estimated cost within
	// the configured loss tolerance.
	Profitable Outcome = iota
	// Unprofitable means it does not.
	Unprofitable
	// Undecidable means gas estimation itself failed (would revert) — the
	// gate can't price a call that won't execute.
	Undecidable
)

func (o Outcome) String() string {
	switch o {
	case Profitable:
		return "profitable"
	case Unprofitable:
		return "unprofitable"
	default:
		return "undecidable"
	}
}

// Params are the gate's numeric inputs. RawEstimate and GasPrice describe
// the transaction's expected on-chain cost; EthPrice is stablecoin units
// per 1e18 wei (i.e. per whole ETH); Reimbursement is what the contract
// declares it will pay, in the same 6-decimal stablecoin units.
type Params struct {
	RawEstimate      uint64
	GasPrice         *big.Int
	EthPrice         *big.Int
	Reimbursement    *big.Int
	BufferPercent    int
	LossToleranceUSD *big.Int

	// Reverted should be set true by the caller when gas estimation
	// itself failed; the gate then always returns Undecidable.
	Reverted bool
}

// Result carries the verdict plus every intermediate value so callers can
// log a full accounting of the decision.
type Result struct {
	Outcome       Outcome
	EstimatedGas  uint64
	WeiCost       *big.Int
	USDCCost      *big.Int
	Profit        *big.Int
	LossTolerance *big.Int
}

// Evaluate runs the gate's pure algorithm (spec §4.5). It never performs
// I/O: every value it needs is passed in by the caller, who is responsible
// for fetching them (estimate, gas price, ETH price) beforehand.
func Evaluate(p Params) Result {
	bufferPct := p.BufferPercent
	if bufferPct == 0 {
		bufferPct = DefaultGasBufferPercent
	}
	lossTolerance := p.LossToleranceUSD
	if lossTolerance == nil {
		lossTolerance = big.NewInt(DefaultLossTolerance)
	}

	if p.Reverted {
		return Result{Outcome: Undecidable, LossTolerance: lossTolerance}
	}

	estimatedGas := p.RawEstimate * uint64(bufferPct) / 100

	gasPrice := p.GasPrice
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	weiCost := new(big.Int).Mul(new(big.Int).SetUint64(estimatedGas), gasPrice)

	ethPrice := p.EthPrice
	if ethPrice == nil {
		// Fail-open: the gate is an optimizer, not a safety property.
		// Proceeding with ethPrice=0 yields usdcCost=0, which is the
		// conservative "assume it's cheap" direction rather than
		// blocking the pipeline on a stalled price oracle.
		ethPrice = big.NewInt(0)
	}
	usdcCost := new(big.Int).Mul(weiCost, ethPrice)
	usdcCost.Div(usdcCost, oneEther)

	reimbursement := p.Reimbursement
	if reimbursement == nil {
		reimbursement = big.NewInt(0)
	}
	profit := new(big.Int).Sub(reimbursement, usdcCost)

	outcome := Unprofitable
	if profit.Cmp(new(big.Int).Neg(lossTolerance)) >= 0 {
		outcome = Profitable
	}

	return Result{
		Outcome:       outcome,
		EstimatedGas:  estimatedGas,
		WeiCost:       weiCost,
		USDCCost:      usdcCost,
		Profit:        profit,
		LossTolerance: lossTolerance,
	}
}
