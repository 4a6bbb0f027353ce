package gate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_Profitable(t *testing.T) {
	result := Evaluate(Params{
		RawEstimate:      100_000,
		GasPrice:         big.NewInt(25_000_000_000), // 25 gwei
		EthPrice:         big.NewInt(3_000_000_000),  // $3000 at 6dp
		Reimbursement:    big.NewInt(20_000),          // $0.02
		BufferPercent:    DefaultGasBufferPercent,
		LossToleranceUSD: big.NewInt(DefaultLossTolerance),
	})

	assert.Equal(t, Profitable, result.Outcome)
	assert.True(t, result.Profit.Sign() >= 0)
}

func TestEvaluate_Unprofitable(t *testing.T) {
	result := Evaluate(Params{
		RawEstimate:      500_000,
		GasPrice:         big.NewInt(100_000_000_000), // 100 gwei
		EthPrice:         big.NewInt(3_000_000_000),
		Reimbursement:    big.NewInt(1_000),
		BufferPercent:    DefaultGasBufferPercent,
		LossToleranceUSD: big.NewInt(DefaultLossTolerance),
	})

	assert.Equal(t, Unprofitable, result.Outcome)
}

func TestEvaluate_Reverted(t *testing.T) {
	result := Evaluate(Params{RawEstimate: 100_000, Reverted: true})
	assert.Equal(t, Undecidable, result.Outcome)
}

func TestEvaluate_WithinLossTolerance(t *testing.T) {
	// reimbursement undershoots cost by exactly the tolerance: still profitable.
	result := Evaluate(Params{
		RawEstimate:      100_000,
		GasPrice:         big.NewInt(1),
		EthPrice:         big.NewInt(0),
		Reimbursement:    big.NewInt(-DefaultLossTolerance),
		LossToleranceUSD: big.NewInt(DefaultLossTolerance),
	})
	assert.Equal(t, Profitable, result.Outcome)
}

func TestEvaluate_DefaultsApplyWhenZero(t *testing.T) {
	result := Evaluate(Params{RawEstimate: 100_000, GasPrice: big.NewInt(1), EthPrice: big.NewInt(0)})
	assert.Equal(t, uint64(120_000), result.EstimatedGas)
	assert.Equal(t, big.NewInt(DefaultLossTolerance), result.LossTolerance)
}

func TestEvaluate_NilEthPriceFailsOpen(t *testing.T) {
	result := Evaluate(Params{
		RawEstimate:   100_000,
		GasPrice:      big.NewInt(25_000_000_000),
		Reimbursement: big.NewInt(0),
	})
	assert.Equal(t, big.NewInt(0), result.USDCCost)
	assert.Equal(t, Profitable, result.Outcome)
}
