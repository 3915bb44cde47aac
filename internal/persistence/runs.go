package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"PerpSim/internal/core"

	"github.com/google/uuid"
)

const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// RunStore records the lifecycle of simulation runs.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// StartRun registers a run with its seed and full parameter set.
func (rs *RunStore) StartRun(ctx context.Context, runID uuid.UUID, seed int64, params core.Params) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = rs.db.ExecContext(ctx, `
		INSERT INTO sim.runs (run_id, seed, params, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO NOTHING
	`, runID, seed, data, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun marks the run finished, or failed when runErr is set.
func (rs *RunStore) FinishRun(ctx context.Context, runID uuid.UUID, runErr error) error {
	status, msg := RunStatusFinished, sql.NullString{}
	if runErr != nil {
		status = RunStatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := rs.db.ExecContext(ctx, `
		UPDATE sim.runs SET status = $2, error = $3, finished_at = NOW()
		WHERE run_id = $1
	`, runID, status, msg)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}
