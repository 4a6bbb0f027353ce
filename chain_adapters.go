package apiagent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/relaymesh/apiagent/pkg/contractclient"
	"github.com/relaymesh/apiagent/pkg/cursorstore"
	"github.com/relaymesh/apiagent/pkg/gate"
	"github.com/relaymesh/apiagent/pkg/txsender"
)

// hubAdapter binds the hub contract's read/write surface (spec §6) to the
// narrow interfaces pkg/router and pkg/maintenance actually depend on, so
// those packages stay decoupled from any specific ABI.
type hubAdapter struct {
	cc       contractclient.ContractClient
	eth      *ethclient.Client
	sender   *txsender.Sender
	gasCfg   gasConfig
	cursors  cursorstore.Store
	lookback uint64
}

type gasConfig struct {
	bufferPercent int
	lossTolerance *big.Int
}

func newHubAdapter(cc contractclient.ContractClient, eth *ethclient.Client, sender *txsender.Sender, cursors cursorstore.Store, lookback uint64, cfg gasConfig) *hubAdapter {
	return &hubAdapter{cc: cc, eth: eth, sender: sender, gasCfg: cfg, cursors: cursors, lookback: lookback}
}

// ScanRecentRequests is the sweeper's cursor label `hub-sweeper`: a
// chunked scan of RequestCreated since the last saved cursor, collecting
// the request ids the sweeper should check for staleness.
func (h *hubAdapter) ScanRecentRequests(ctx context.Context) ([][32]byte, error) {
	last, err := h.cursors.Load(CursorHubSweeper)
	if err != nil {
		return nil, fmt.Errorf("load sweeper cursor: %w", err)
	}

	current, err := contractclient.BlockNumber(ctx, h.eth)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	if current <= last && last != 0 {
		return nil, nil
	}

	from := last + 1
	if last == 0 && current > h.lookback {
		from = current - h.lookback + 1
	}

	var ids [][32]byte
	for start := from; start <= current; start += 1000 {
		end := start + 999
		if end > current {
			end = current
		}
		logs, err := contractclient.GetLogs(ctx, h.eth, h.cc.Address(), h.cc.Abi(), "RequestCreated", start, end)
		if err != nil {
			return nil, fmt.Errorf("get logs: %w", err)
		}
		for _, l := range logs {
			if len(l.Topics) > 1 {
				ids = append(ids, [32]byte(l.Topics[1]))
			}
		}
	}

	if err := h.cursors.Save(CursorHubSweeper, current); err != nil {
		return nil, fmt.Errorf("save sweeper cursor: %w", err)
	}
	return ids, nil
}

// RequestPendingAndAge reports whether requestID is still PENDING and how
// old it is, for the sweeper's staleness check.
func (h *hubAdapter) RequestPendingAndAge(ctx context.Context, requestID [32]byte) (bool, time.Duration, error) {
	pending, err := h.RequestStatus(ctx, requestID)
	if err != nil {
		return false, 0, err
	}
	createdAt, err := h.CreatedAt(ctx, requestID)
	if err != nil {
		return false, 0, err
	}
	return pending, time.Since(createdAt), nil
}

func (h *hubAdapter) RequestStatus(ctx context.Context, requestID [32]byte) (bool, error) {
	out, err := h.cc.Call(nil, "getRequest", requestID)
	if err != nil {
		return false, fmt.Errorf("getRequest: %w", err)
	}
	status, ok := out[0].(uint8)
	if !ok {
		return false, fmt.Errorf("getRequest: unexpected status type %T", out[0])
	}
	return RequestStatus(status) == RequestPending, nil
}

func (h *hubAdapter) CreatedAt(ctx context.Context, requestID [32]byte) (time.Time, error) {
	out, err := h.cc.Call(nil, "getRequest", requestID)
	if err != nil {
		return time.Time{}, fmt.Errorf("getRequest: %w", err)
	}
	ts, ok := out[1].(*big.Int)
	if !ok {
		return time.Time{}, fmt.Errorf("getRequest: unexpected createdAt type %T", out[1])
	}
	return time.Unix(ts.Int64(), 0), nil
}

func (h *hubAdapter) EndpointID(ctx context.Context, requestID [32]byte) ([32]byte, error) {
	out, err := h.cc.Call(nil, "getRequest", requestID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("getRequest: %w", err)
	}
	id, ok := out[2].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("getRequest: unexpected endpointId type %T", out[2])
	}
	return id, nil
}

func (h *hubAdapter) Params(ctx context.Context, requestID [32]byte) ([]byte, error) {
	out, err := h.cc.Call(nil, "getRequest", requestID)
	if err != nil {
		return nil, fmt.Errorf("getRequest: %w", err)
	}
	params, ok := out[3].([]byte)
	if !ok {
		return nil, fmt.Errorf("getRequest: unexpected params type %T", out[3])
	}
	return params, nil
}

// GasReimbursementUnits reads the request's declared gas-reimbursement in
// stablecoin units, the reimbursement the Profitability Gate weighs
// against the estimated cost of submitting fulfillRequest (spec §4.6
// step 4, §4.5).
func (h *hubAdapter) GasReimbursementUnits(ctx context.Context, requestID [32]byte) (*big.Int, error) {
	out, err := h.cc.Call(nil, "getRequest", requestID)
	if err != nil {
		return nil, fmt.Errorf("getRequest: %w", err)
	}
	reimbursement, ok := out[4].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getRequest: unexpected gasReimbursementUnits type %T", out[4])
	}
	return reimbursement, nil
}

func (h *hubAdapter) CancelRequest(ctx context.Context, requestID [32]byte) error {
	return h.submitGated(ctx, "cancelRequest", nil, requestID)
}

func (h *hubAdapter) FulfillRequest(ctx context.Context, requestID [32]byte, response []byte) error {
	sessionID := requestID // session scoping is out of this adapter's scope; reuse the request id

	reimbursement, err := h.GasReimbursementUnits(ctx, requestID)
	if err != nil {
		return fmt.Errorf("read gas reimbursement for %x: %w", requestID, err)
	}

	return h.submitGated(ctx, "fulfillRequest", reimbursement, requestID, response, sessionID)
}

func (h *hubAdapter) FlushProtocolFeesToBuyback(ctx context.Context) error {
	return h.submitGated(ctx, "flushProtocolFeesToBuyback", nil)
}

func (h *hubAdapter) PendingProtocolFees(ctx context.Context) (uint64, error) {
	out, err := h.cc.Call(nil, "protocolFeesAccumulator")
	if err != nil {
		return 0, fmt.Errorf("protocolFeesAccumulator: %w", err)
	}
	fees, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("protocolFeesAccumulator: unexpected type %T", out[0])
	}
	return fees.Uint64(), nil
}

// submitGated estimates gas, consults the profitability gate when
// reimbursement is non-nil, and submits through the sender. Writes with no
// declared reimbursement (nil), like cancellation or maintenance flushes,
// skip the gate and submit unless gas estimation fails. For gated writes,
// reimbursement carries the stablecoin amount this call is expected to
// earn back.
func (h *hubAdapter) submitGated(ctx context.Context, method string, reimbursement *big.Int, args ...interface{}) error {
	calldata, err := h.cc.BuildCalldata(method, args...)
	if err != nil {
		return fmt.Errorf("build calldata for %s: %w", method, err)
	}

	rawEstimate, err := h.cc.EstimateGas(ctx, h.sender.Address(), calldata)
	reverted := err != nil

	if reimbursement != nil {
		gasPrice, gasErr := contractclient.GasPrice(ctx, h.eth)
		if gasErr != nil {
			return fmt.Errorf("gas price for %s: %w", method, gasErr)
		}
		var ethPrice *big.Int
		if out, priceErr := h.cc.Call(nil, "getEthPrice"); priceErr == nil {
			if p, ok := out[0].(*big.Int); ok {
				ethPrice = p
			}
		}

		result := gate.Evaluate(gate.Params{
			RawEstimate:      rawEstimate,
			GasPrice:         gasPrice,
			EthPrice:         ethPrice,
			BufferPercent:    h.gasCfg.bufferPercent,
			LossToleranceUSD: h.gasCfg.lossTolerance,
			Reimbursement:    reimbursement,
			Reverted:         reverted,
		})
		if result.Outcome != gate.Profitable {
			return fmt.Errorf("skipped, gate outcome %s", result.Outcome)
		}
	} else if reverted {
		return fmt.Errorf("estimate gas for %s: %w", method, err)
	}

	_, err = h.sender.Submit(ctx, txsender.Job{To: h.cc.Address(), Calldata: calldata, GasLimit: rawEstimate})
	return err
}

// keepAliveAdapter binds the keep-alive contract's surface to the narrow
// interfaces pkg/keepalive depends on.
type keepAliveAdapter struct {
	cc     contractclient.ContractClient
	eth    *ethclient.Client
	sender *txsender.Sender
}

func newKeepAliveAdapter(cc contractclient.ContractClient, eth *ethclient.Client, sender *txsender.Sender) *keepAliveAdapter {
	return &keepAliveAdapter{cc: cc, eth: eth, sender: sender}
}

func (k *keepAliveAdapter) SubscriptionCount(ctx context.Context) (uint64, error) {
	out, err := k.cc.Call(nil, "getSubscriptionCount")
	if err != nil {
		return 0, fmt.Errorf("getSubscriptionCount: %w", err)
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("getSubscriptionCount: unexpected type %T", out[0])
	}
	return count.Uint64(), nil
}

func (k *keepAliveAdapter) SubscriptionID(ctx context.Context, index uint64) ([32]byte, error) {
	out, err := k.cc.Call(nil, "subscriptionIds", new(big.Int).SetUint64(index))
	if err != nil {
		return [32]byte{}, fmt.Errorf("subscriptionIds: %w", err)
	}
	id, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("subscriptionIds: unexpected type %T", out[0])
	}
	return id, nil
}

func (k *keepAliveAdapter) IsReady(ctx context.Context, id [32]byte) (bool, error) {
	out, err := k.cc.Call(nil, "isReady", id)
	if err != nil {
		return false, fmt.Errorf("isReady: %w", err)
	}
	ready, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isReady: unexpected type %T", out[0])
	}
	return ready, nil
}

func (k *keepAliveAdapter) SubscriptionCost(ctx context.Context, id [32]byte) (*big.Int, *big.Int, error) {
	out, err := k.cc.Call(nil, "getSubscriptionCost", id)
	if err != nil {
		return nil, nil, fmt.Errorf("getSubscriptionCost: %w", err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("getSubscriptionCost: unexpected fee type %T", out[0])
	}
	weiCost, ok := out[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("getSubscriptionCost: unexpected gas cost type %T", out[1])
	}

	reimbursement, err := k.cc.Call(nil, "estimateGasReimbursement", weiCost)
	if err != nil {
		return nil, nil, fmt.Errorf("estimateGasReimbursement: %w", err)
	}
	gasReimbursement, ok := reimbursement[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("estimateGasReimbursement: unexpected type %T", reimbursement[0])
	}

	return fee, gasReimbursement, nil
}

func (k *keepAliveAdapter) EstimateFulfillGas(ctx context.Context, id [32]byte) (uint64, bool, error) {
	calldata, err := k.cc.BuildCalldata("fulfill", id)
	if err != nil {
		return 0, false, fmt.Errorf("build fulfill calldata: %w", err)
	}
	gas, err := k.cc.EstimateGas(ctx, k.sender.Address(), calldata)
	if err != nil {
		return 0, true, nil
	}
	return gas, false, nil
}

func (k *keepAliveAdapter) GasPrice(ctx context.Context) (*big.Int, error) {
	return contractclient.GasPrice(ctx, k.eth)
}

func (k *keepAliveAdapter) EthPrice(ctx context.Context) (*big.Int, error) {
	out, err := k.cc.Call(nil, "getEthPrice")
	if err != nil {
		return nil, fmt.Errorf("getEthPrice: %w", err)
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getEthPrice: unexpected type %T", out[0])
	}
	return price, nil
}

func (k *keepAliveAdapter) Fulfill(ctx context.Context, id [32]byte) error {
	calldata, err := k.cc.BuildCalldata("fulfill", id)
	if err != nil {
		return fmt.Errorf("build fulfill calldata: %w", err)
	}
	gas, err := k.cc.EstimateGas(ctx, k.sender.Address(), calldata)
	if err != nil {
		return fmt.Errorf("estimate fulfill gas: %w", err)
	}
	_, err = k.sender.Submit(ctx, txsender.Job{To: k.cc.Address(), Calldata: calldata, GasLimit: gas})
	return err
}

