package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunSummary describes one simulation run.
type RunSummary struct {
	RunID      uuid.UUID  `json:"run_id"`
	Seed       int64      `json:"seed"`
	Status     string     `json:"status"`
	LastStep   *int64     `json:"last_step,omitempty"`
	LastHash   string     `json:"last_hash,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepMetricsResponse is one persisted step.
type StepMetricsResponse struct {
	Step             int64               `json:"step"`
	TVL              decimal.NullDecimal `json:"tvl"`
	LPShares         decimal.NullDecimal `json:"lp_shares"`
	StateHash        string              `json:"state_hash"`
	PrevHash         string              `json:"prev_hash"`
	Providers        int                 `json:"providers"`
	Traders          int                 `json:"traders"`
	LongsOpened      int                 `json:"longs_opened"`
	ShortsOpened     int                 `json:"shorts_opened"`
	Closes           int                 `json:"closes"`
	Liquidations     int                 `json:"liquidations"`
	Swaps            int                 `json:"swaps"`
	LiquidityAdds    int                 `json:"liquidity_adds"`
	LiquidityRemoves int                 `json:"liquidity_removes"`
	AgentsJoined     int                 `json:"agents_joined"`
	Skips            map[string]int      `json:"skips"`
	Violations       []string            `json:"violations,omitempty"`
}

// AssetMetricsResponse is one asset's row at one step.
type AssetMetricsResponse struct {
	Step          int64               `json:"step"`
	Asset         string              `json:"asset"`
	Class         string              `json:"class"`
	Holdings      decimal.NullDecimal `json:"holdings"`
	Ratio         decimal.NullDecimal `json:"ratio"`
	OILong        decimal.NullDecimal `json:"oi_long"`
	OIShort       decimal.NullDecimal `json:"oi_short"`
	ShortInterest decimal.NullDecimal `json:"short_interest"`
	FeesCollected decimal.NullDecimal `json:"fees_collected"`
	Volume        decimal.NullDecimal `json:"volume"`
	Yield         decimal.NullDecimal `json:"yield"`
	OpenPnLLong   decimal.NullDecimal `json:"open_pnl_long"`
	OpenPnLShort  decimal.NullDecimal `json:"open_pnl_short"`
	Volatility    decimal.NullDecimal `json:"volatility"`
	GenesisFunds  decimal.NullDecimal `json:"genesis_funds"`
}

// AgentBalanceResponse is an agent's wallet and committed amount in one asset.
// For providers Liquidity is pool contribution; for traders it is locked collateral.
type AgentBalanceResponse struct {
	AgentID   uuid.UUID       `json:"agent_id"`
	Kind      string          `json:"kind"`
	Asset     string          `json:"asset"`
	Funds     decimal.Decimal `json:"funds"`
	Liquidity decimal.Decimal `json:"liquidity"`
	LastStep  int64           `json:"last_step"`
	AsOfStep  int64           `json:"as_of_step"`
}

// PositionResponse is an open position as of the projection watermark.
type PositionResponse struct {
	TraderID     uuid.UUID       `json:"trader_id"`
	Asset        string          `json:"asset"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Collateral   decimal.Decimal `json:"collateral"`
	Denomination string          `json:"denomination"`
	AsOfStep     int64           `json:"as_of_step"`
}

// EventResponse is a persisted engine event.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	Step           int64           `json:"step"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	EmittedAt      time.Time       `json:"emitted_at"`
}

// IntegrityReport is the result of a run's hash-chain verification.
type IntegrityReport struct {
	RunID           uuid.UUID `json:"run_id"`
	IsHealthy       bool      `json:"is_healthy"`
	StepsChecked    int64     `json:"steps_checked"`
	HashChainBreaks []int64   `json:"hash_chain_breaks,omitempty"`
	MissingSteps    []int64   `json:"missing_steps,omitempty"`
	StepsWithIssues []int64   `json:"steps_with_violations,omitempty"`
}
