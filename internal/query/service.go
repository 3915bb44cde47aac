package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// MaxPageSize bounds every paginated query.
const MaxPageSize = 1000

// QueryService provides read-only access to persisted runs and the agent
// projection. Agent responses carry as_of_step for freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ListRuns returns the most recent runs first.
func (qs *QueryService) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT run_id, seed, status, last_step, last_hash, error, started_at, finished_at
		FROM sim.runs
		ORDER BY started_at DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (qs *QueryService) GetRun(ctx context.Context, runID uuid.UUID) (*RunSummary, error) {
	row := qs.db.QueryRowContext(ctx, `
		SELECT run_id, seed, status, last_step, last_hash, error, started_at, finished_at
		FROM sim.runs
		WHERE run_id = $1
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*RunSummary, error) {
	var r RunSummary
	var lastStep sql.NullInt64
	var lastHash []byte
	var runErr sql.NullString
	var finished sql.NullTime
	if err := s.Scan(&r.RunID, &r.Seed, &r.Status, &lastStep, &lastHash, &runErr, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if lastStep.Valid {
		r.LastStep = &lastStep.Int64
	}
	if len(lastHash) > 0 {
		r.LastHash = hex.EncodeToString(lastHash)
	}
	r.Error = runErr.String
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// GetStepMetrics returns steps after afterStep in ascending order.
// Pass afterStep = -1 to start at step 0.
func (qs *QueryService) GetStepMetrics(ctx context.Context, runID uuid.UUID, afterStep int64, limit int) ([]StepMetricsResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT step, tvl, lp_shares, state_hash, prev_hash, providers, traders,
		       longs_opened, shorts_opened, closes, liquidations, swaps,
		       liquidity_adds, liquidity_removes, agents_joined, skips, violations
		FROM sim.step_metrics
		WHERE run_id = $1 AND step > $2
		ORDER BY step ASC
		LIMIT $3
	`, runID, afterStep, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepMetricsResponse
	for rows.Next() {
		var m StepMetricsResponse
		var stateHash, prevHash, skips []byte
		var violations pq.StringArray
		if err := rows.Scan(
			&m.Step, &m.TVL, &m.LPShares, &stateHash, &prevHash, &m.Providers, &m.Traders,
			&m.LongsOpened, &m.ShortsOpened, &m.Closes, &m.Liquidations, &m.Swaps,
			&m.LiquidityAdds, &m.LiquidityRemoves, &m.AgentsJoined, &skips, &violations,
		); err != nil {
			return nil, err
		}
		m.StateHash = hex.EncodeToString(stateHash)
		m.PrevHash = hex.EncodeToString(prevHash)
		if err := json.Unmarshal(skips, &m.Skips); err != nil {
			return nil, fmt.Errorf("decode skips at step %d: %w", m.Step, err)
		}
		m.Violations = violations
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetAssetMetrics returns one asset's history after afterStep.
func (qs *QueryService) GetAssetMetrics(ctx context.Context, runID uuid.UUID, asset string, afterStep int64, limit int) ([]AssetMetricsResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT step, asset, class, holdings, ratio, oi_long, oi_short, short_interest,
		       fees_collected, volume, yield, open_pnl_long, open_pnl_short, volatility, genesis_funds
		FROM sim.asset_metrics
		WHERE run_id = $1 AND asset = $2 AND step > $3
		ORDER BY step ASC
		LIMIT $4
	`, runID, asset, afterStep, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssetMetricsResponse
	for rows.Next() {
		var m AssetMetricsResponse
		if err := rows.Scan(
			&m.Step, &m.Asset, &m.Class, &m.Holdings, &m.Ratio, &m.OILong, &m.OIShort,
			&m.ShortInterest, &m.FeesCollected, &m.Volume, &m.Yield,
			&m.OpenPnLLong, &m.OpenPnLShort, &m.Volatility, &m.GenesisFunds,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetAgentBalances returns every asset row of one agent.
func (qs *QueryService) GetAgentBalances(ctx context.Context, runID, agentID uuid.UUID) ([]AgentBalanceResponse, error) {
	asOf, err := qs.getWatermark(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT kind, asset, funds, liquidity, last_step
		FROM sim.agent_balances
		WHERE run_id = $1 AND agent_id = $2
		ORDER BY asset
	`, runID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentBalanceResponse
	for rows.Next() {
		b := AgentBalanceResponse{AgentID: agentID, AsOfStep: asOf}
		if err := rows.Scan(&b.Kind, &b.Asset, &b.Funds, &b.Liquidity, &b.LastStep); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetPositions returns open positions, for one trader when traderID is set.
func (qs *QueryService) GetPositions(ctx context.Context, runID uuid.UUID, traderID *uuid.UUID) ([]PositionResponse, error) {
	asOf, err := qs.getWatermark(ctx, runID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT trader_id, asset, side, quantity, entry_price, collateral, denomination
		FROM sim.agent_positions
		WHERE run_id = $1
	`
	args := []interface{}{runID}
	if traderID != nil {
		query += " AND trader_id = $2"
		args = append(args, *traderID)
	}
	query += " ORDER BY trader_id, asset, side"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionResponse
	for rows.Next() {
		p := PositionResponse{AsOfStep: asOf}
		if err := rows.Scan(&p.TraderID, &p.Asset, &p.Side, &p.Quantity, &p.EntryPrice, &p.Collateral, &p.Denomination); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetEvents returns events after afterSequence, optionally of one type.
func (qs *QueryService) GetEvents(ctx context.Context, runID uuid.UUID, eventType *string, afterSequence int64, limit int) ([]EventResponse, error) {
	query := `
		SELECT sequence, step, event_type, idempotency_key, payload, emitted_at
		FROM sim.events
		WHERE run_id = $1 AND sequence > $2
	`
	args := []interface{}{runID, afterSequence}
	argIdx := 3

	if eventType != nil {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, *eventType)
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventResponse
	for rows.Next() {
		var e EventResponse
		if err := rows.Scan(&e.Sequence, &e.Step, &e.EventType, &e.IdempotencyKey, &e.Payload, &e.EmittedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks a run's persisted steps and checks that each
// prev_hash equals the previous step's state_hash, that no step is missing
// and that no step recorded invariant violations.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, runID uuid.UUID) (*IntegrityReport, error) {
	report := &IntegrityReport{RunID: runID}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT step, state_hash, prev_hash, cardinality(violations)
		FROM sim.step_metrics
		WHERE run_id = $1
		ORDER BY step ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expected := int64(0)
	var prevState []byte
	for rows.Next() {
		var step int64
		var stateHash, prevHash []byte
		var violations int
		if err := rows.Scan(&step, &stateHash, &prevHash, &violations); err != nil {
			return nil, err
		}
		for ; expected < step; expected++ {
			report.MissingSteps = append(report.MissingSteps, expected)
		}
		if prevState != nil && expected == step && string(prevHash) != string(prevState) {
			report.HashChainBreaks = append(report.HashChainBreaks, step)
		}
		if violations > 0 {
			report.StepsWithIssues = append(report.StepsWithIssues, step)
		}
		prevState = stateHash
		expected = step + 1
		report.StepsChecked++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.MissingSteps) == 0 &&
		len(report.StepsWithIssues) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, runID uuid.UUID) (int64, error) {
	var step int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_step FROM sim.projection_watermark
		WHERE worker_id = 'agent_balances' AND run_id = $1
	`, runID).Scan(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return step, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
