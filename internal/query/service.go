package query

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/projection"
	"IRSLedger/internal/state"
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// SequenceSource reports the next event sequence; *core.Dispatcher satisfies it.
type SequenceSource interface {
	Sequence() int64
}

// Deps wires the query service to the running core.
type Deps struct {
	Positions *state.PositionManager
	Margin    *state.MarginEngine
	Oracle    *oracle.RateOracle
	Ledger    *ledger.Ledger
	History   *projection.History
	Sequence  SequenceSource
	Projected *ProjectionReader // Optional
	Clock     func() time.Time
	StartTime time.Time
}

// QueryService provides read-only access to live engine state.
// Every position response carries as_of_sequence for freshness.
type QueryService struct {
	Deps
}

func NewQueryService(deps Deps) *QueryService {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = deps.Clock()
	}
	return &QueryService{Deps: deps}
}

// ListPositionsRequest filters ListPositions; zero values match everything.
type ListPositionsRequest struct {
	Trader *uuid.UUID
	Status string
	Limit  int
}

// GetPosition returns one position.
func (qs *QueryService) GetPosition(ctx context.Context, id uint64) (*PositionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos, err := qs.Positions.GetPosition(id)
	if err != nil {
		return nil, err
	}
	resp := positionResponse(pos, qs.asOf())
	return &resp, nil
}

// ListPositions returns positions by ascending id.
func (qs *QueryService) ListPositions(ctx context.Context, req ListPositionsRequest) ([]PositionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var status *state.PositionStatus
	if req.Status != "" {
		st, ok := state.ParsePositionStatus(req.Status)
		if !ok {
			return nil, errs.E(errs.InvalidInput, "query.ListPositions", "unknown status %q", req.Status)
		}
		status = &st
	}

	asOf := qs.asOf()
	results := make([]PositionResponse, 0)
	for _, pos := range qs.Positions.Positions() {
		if req.Trader != nil && pos.Trader != *req.Trader {
			continue
		}
		if status != nil && pos.Status != *status {
			continue
		}
		results = append(results, positionResponse(pos, asOf))
		if req.Limit > 0 && len(results) == req.Limit {
			break
		}
	}
	return results, nil
}

// GetHealth evaluates an active position at the current rate.
func (qs *QueryService) GetHealth(ctx context.Context, id uint64) (*HealthResponse, error) {
	report, err := qs.Margin.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	return &HealthResponse{
		PositionID:        report.PositionID,
		HealthFactor:      wad(report.HealthFactor),
		EffectiveMargin:   wad(report.EffectiveMargin),
		UnrealizedPnL:     wad(report.UnrealizedPnL),
		MaintenanceMargin: wad(report.MaintenanceMargin),
		Threshold:         wad(report.Threshold),
		Liquidatable:      report.Liquidatable,
		RateTimestamp:     report.RateTimestamp,
		EvaluatedAt:       report.EvaluatedAt,
	}, nil
}

// GetRate reports the oracle status, its last rate and, for a positive
// window, the TWAP over it. A TWAP failure leaves the field empty.
func (qs *QueryService) GetRate(ctx context.Context, window time.Duration) (*RateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := &RateResponse{Status: qs.Oracle.Status().String()}
	if snaps := qs.Oracle.Snapshots(); len(snaps) > 0 {
		last := snaps[len(snaps)-1]
		resp.Rate = wad(last.Rate)
		resp.Timestamp = last.Timestamp
	}
	if window > 0 {
		if twap, err := qs.Oracle.TWAP(window); err == nil {
			resp.TWAP = wad(twap)
			resp.Window = window.String()
		}
	}
	return resp, nil
}

// ListRates returns recently recorded rates, newest first.
func (qs *QueryService) ListRates(limit int) []RatePoint {
	points := qs.History.Rates(limit)
	out := make([]RatePoint, len(points))
	for i, p := range points {
		out[i] = ratePoint(p)
	}
	return out
}

// ListLiquidations returns recent liquidations of a position, or by a
// liquidator when positionID is nil, newest first.
func (qs *QueryService) ListLiquidations(positionID *uint64, liquidator *uuid.UUID, limit int) ([]LiquidationResponse, error) {
	var entries []projection.LiquidationEntry
	switch {
	case positionID != nil:
		entries = qs.History.LiquidationsByPosition(*positionID, limit)
	case liquidator != nil:
		entries = qs.History.LiquidationsByLiquidator(*liquidator, limit)
	default:
		return nil, errs.E(errs.InvalidInput, "query.ListLiquidations", "position or liquidator required")
	}
	out := make([]LiquidationResponse, len(entries))
	for i, e := range entries {
		out[i] = liquidation(e)
	}
	return out, nil
}

// GetBalance returns an owner's wallet and the margin posted on their active positions.
func (qs *QueryService) GetBalance(ctx context.Context, owner uuid.UUID) (*BalanceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asset, _ := ledger.GetAssetName(qs.Ledger.AssetID())

	posted := new(big.Int)
	active := 0
	for _, pos := range qs.Positions.Positions() {
		if pos.Trader != owner || !pos.IsActive {
			continue
		}
		posted.Add(posted, pos.Margin)
		active++
	}

	return &BalanceResponse{
		Owner:           owner,
		Asset:           asset,
		Wallet:          wad(qs.Ledger.WalletBalance(owner)),
		PostedMargin:    wad(posted),
		ActivePositions: active,
		AsOfSequence:    qs.asOf(),
	}, nil
}

// GetSystemStatus reports sequencing, oracle and system account state.
func (qs *QueryService) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := qs.Margin.RiskParams().Get()
	values := make(map[string]string)
	for name, v := range params.Values() {
		values[name] = wad(v)
	}

	asset := qs.Ledger.AssetID()
	accounts := make(map[string]string)
	for _, key := range []ledger.AccountKey{
		ledger.MarginVaultAccount(asset),
		ledger.SwapPoolAccount(asset),
		ledger.FeeAccount(asset),
		ledger.InsuranceFundAccount(asset),
	} {
		accounts[key.AccountPath()] = wad(qs.Ledger.Balance(key))
	}

	return &SystemStatus{
		NextSequence:      qs.asOf(),
		OpenPositions:     len(qs.Positions.ActivePositionIDs()),
		OracleStatus:      qs.Oracle.Status().String(),
		RiskParamsVersion: params.Version,
		RiskParams:        values,
		SystemAccounts:    accounts,
		Uptime:            uptime(qs.StartTime, qs.Clock()),
	}, nil
}

func (qs *QueryService) asOf() int64 {
	if qs.Sequence == nil {
		return 0
	}
	return qs.Sequence.Sequence()
}

func positionResponse(pos *state.Position, asOf int64) PositionResponse {
	return PositionResponse{
		ID:             pos.ID,
		Trader:         pos.Trader,
		IsPayingFixed:  pos.IsPayingFixed,
		Notional:       wad(pos.Notional),
		Margin:         wad(pos.Margin),
		FixedRate:      wad(pos.FixedRate),
		AccumulatedPnL: wad(pos.AccumulatedPnL),
		StartTime:      pos.StartTime,
		Maturity:       pos.Maturity,
		LastSettlement: pos.LastSettlement,
		Status:         pos.Status.String(),
		ClosedAt:       pos.ClosedAt,
		Version:        pos.Version,
		AsOfSequence:   asOf,
	}
}

func wad(v *big.Int) string { return fpmath.FormatWad(v) }
