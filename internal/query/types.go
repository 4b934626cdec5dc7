package query

import (
	"IRSLedger/internal/projection"
	"time"

	"github.com/google/uuid"
)

// Amounts are WAD values rendered as decimal strings ("1.5" is 1.5 tokens or 150%).

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	ID             uint64    `json:"id"`
	Trader         uuid.UUID `json:"trader"`
	IsPayingFixed  bool      `json:"is_paying_fixed"`
	Notional       string    `json:"notional"`
	Margin         string    `json:"margin"`
	FixedRate      string    `json:"fixed_rate"`
	AccumulatedPnL string    `json:"accumulated_pnl"`
	StartTime      int64     `json:"start_time"`
	Maturity       int64     `json:"maturity"`
	LastSettlement int64     `json:"last_settlement"`
	Status         string    `json:"status"`
	ClosedAt       int64     `json:"closed_at,omitempty"`
	Version        int64     `json:"version"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// HealthResponse is a position's margin health at the current rate.
type HealthResponse struct {
	PositionID        uint64 `json:"position_id"`
	HealthFactor      string `json:"health_factor"`
	EffectiveMargin   string `json:"effective_margin"`
	UnrealizedPnL     string `json:"unrealized_pnl"` // Derived at query time
	MaintenanceMargin string `json:"maintenance_margin"`
	Threshold         string `json:"threshold"`
	Liquidatable      bool   `json:"liquidatable"`
	RateTimestamp     int64  `json:"rate_timestamp"`
	EvaluatedAt       int64  `json:"evaluated_at"`
}

// RateResponse is the oracle's current state.
type RateResponse struct {
	Status    string `json:"status"`
	Rate      string `json:"rate,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	TWAP      string `json:"twap,omitempty"`
	Window    string `json:"window,omitempty"`
}

// RatePoint is one recorded oracle rate.
type RatePoint struct {
	Sequence  int64  `json:"sequence"`
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp"`
}

// LiquidationResponse is one recorded liquidation.
type LiquidationResponse struct {
	Sequence        int64     `json:"sequence"`
	PositionID      uint64    `json:"position_id"`
	Liquidator      uuid.UUID `json:"liquidator"`
	HealthFactor    string    `json:"health_factor"`
	Seized          string    `json:"seized"`
	Reward          string    `json:"reward"`
	Revenue         string    `json:"revenue"`
	RemainingMargin string    `json:"remaining_margin"`
	Partial         bool      `json:"partial"`
	Closed          bool      `json:"closed"`
	Timestamp       int64     `json:"timestamp"`
}

// BalanceResponse represents an owner's live ledger state.
type BalanceResponse struct {
	Owner           uuid.UUID `json:"owner"`
	Asset           string    `json:"asset"`
	Wallet          string    `json:"wallet"`
	PostedMargin    string    `json:"posted_margin"`    // Sum over active positions
	ActivePositions int       `json:"active_positions"` // Owned by this trader
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// ProjectedBalance is an account balance read from the projection tables.
type ProjectedBalance struct {
	AccountPath  string `json:"account_path"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"` // Projection watermark, may trail the core
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// SystemStatus summarizes the running core.
type SystemStatus struct {
	NextSequence      int64             `json:"next_sequence"`
	OpenPositions     int               `json:"open_positions"`
	OracleStatus      string            `json:"oracle_status"`
	RiskParamsVersion int64             `json:"risk_params_version"`
	RiskParams        map[string]string `json:"risk_params"`
	SystemAccounts    map[string]string `json:"system_accounts"`
	Uptime            string            `json:"uptime"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}

func ratePoint(p projection.RatePoint) RatePoint {
	return RatePoint{Sequence: p.Sequence, Rate: wad(p.Rate), Timestamp: p.Timestamp}
}

func liquidation(e projection.LiquidationEntry) LiquidationResponse {
	return LiquidationResponse{
		Sequence:        e.Sequence,
		PositionID:      e.PositionID,
		Liquidator:      e.Liquidator,
		HealthFactor:    wad(e.HealthFactor),
		Seized:          wad(e.Seized),
		Reward:          wad(e.Reward),
		Revenue:         wad(e.Revenue),
		RemainingMargin: wad(e.RemainingMargin),
		Partial:         e.Partial,
		Closed:          e.Closed,
		Timestamp:       e.Timestamp,
	}
}

func uptime(start time.Time, now time.Time) string {
	return now.Sub(start).Truncate(time.Second).String()
}
