package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PerpSim/internal/core"
	"PerpSim/internal/persistence"
	"PerpSim/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const workerID = "agent_balances"

// AgentProjectionWorker maintains per-agent balances and open positions
// from the state snapshot attached to each report. The projection channel
// is non-blocking with drop: a missed step is repaired by the next one,
// since every update rewrites the full agent state.
type AgentProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan *core.StepReport
	logger    zerolog.Logger
	lastStep  int64
}

func NewAgentProjectionWorker(db *sql.DB, inputChan <-chan *core.StepReport, logger zerolog.Logger) *AgentProjectionWorker {
	return &AgentProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		lastStep:  -1,
	}
}

// Run applies reports until inputChan closes or ctx is cancelled.
func (pw *AgentProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rep, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if rep.Snapshot == nil {
				continue
			}
			if err := Apply(ctx, pw.db, rep.RunID, rep.Snapshot); err != nil {
				// Eventually consistent: the next step rewrites everything.
				pw.logger.Warn().Err(err).Int64("step", rep.Step).Msg("projection update failed")
				continue
			}
			pw.lastStep = rep.Step
		}
	}
}

// LastStep is the last step applied, or -1.
func (pw *AgentProjectionWorker) LastStep() int64 {
	return pw.lastStep
}

// Apply writes one snapshot's agent state in a single transaction.
func Apply(ctx context.Context, db *sql.DB, runID uuid.UUID, snap *state.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range snap.Providers {
		if err := upsertBalances(ctx, tx, runID, p.ID, "provider", p.Funds, p.Liquidity, snap.Step); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sim.agent_positions WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, t := range snap.Traders {
		locked := make(map[string]float64)
		for _, pos := range t.Positions {
			locked[pos.Denomination] += pos.Collateral
			if err := insertPosition(ctx, tx, runID, t.ID, pos, snap.Step); err != nil {
				return fmt.Errorf("trader %s position: %w", t.ID, err)
			}
		}
		if err := upsertBalances(ctx, tx, runID, t.ID, "trader", t.Liquidity, locked, snap.Step); err != nil {
			return fmt.Errorf("trader %s: %w", t.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sim.projection_watermark (worker_id, run_id, last_step, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (worker_id, run_id) DO UPDATE SET last_step = $3, updated_at = NOW()
	`, workerID, runID, snap.Step); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// upsertBalances writes one row per asset held in either map.
func upsertBalances(ctx context.Context, tx *sql.Tx, runID uuid.UUID, agentID, kind string, funds, liquidity map[string]float64, step int64) error {
	assets := make(map[string]float64, len(funds)+len(liquidity))
	for a := range funds {
		assets[a] = 0
	}
	for a := range liquidity {
		assets[a] = 0
	}

	for _, a := range state.SortedAssets(assets) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sim.agent_balances (run_id, agent_id, kind, asset, funds, liquidity, last_step)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, agent_id, asset)
			DO UPDATE SET funds = $5, liquidity = $6, last_step = $7
		`, runID, agentID, kind, a,
			decimal.NewFromFloat(funds[a]), decimal.NewFromFloat(liquidity[a]), step); err != nil {
			return err
		}
	}
	return nil
}

func insertPosition(ctx context.Context, tx *sql.Tx, runID uuid.UUID, traderID string, pos state.PositionSnapshot, step int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sim.agent_positions
			(run_id, trader_id, asset, side, quantity, entry_price, collateral, denomination, last_step)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, runID, traderID, pos.Asset, pos.Side,
		decimal.NewFromFloat(pos.Quantity), decimal.NewFromFloat(pos.EntryPrice),
		decimal.NewFromFloat(pos.Collateral), pos.Denomination, step)
	return err
}

// Rebuild restores the projection for a run from its latest stored
// snapshot. It returns the step rebuilt to, or -1 when none exists.
func Rebuild(ctx context.Context, db *sql.DB, runID uuid.UUID) (int64, error) {
	if _, err := db.ExecContext(ctx, `DELETE FROM sim.agent_balances WHERE run_id = $1`, runID); err != nil {
		return -1, fmt.Errorf("clear balances: %w", err)
	}

	rec, err := persistence.NewSnapshotManager(db).LoadSnapshot(ctx, runID, -1)
	if err != nil {
		return -1, err
	}
	if rec == nil {
		return -1, nil
	}
	if err := Apply(ctx, db, runID, rec.State); err != nil {
		return -1, fmt.Errorf("apply snapshot step=%d: %w", rec.Step, err)
	}
	return rec.Step, nil
}
