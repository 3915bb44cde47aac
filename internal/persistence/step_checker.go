package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresStepChecker answers whether a step is already persisted for a run.
// It backs the tick deduplicator's cold path.
type PostgresStepChecker struct {
	db    *sql.DB
	runID uuid.UUID
}

func NewPostgresStepChecker(db *sql.DB, runID uuid.UUID) *PostgresStepChecker {
	return &PostgresStepChecker{db: db, runID: runID}
}

func (c *PostgresStepChecker) StepExists(step int64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM sim.step_metrics
		WHERE run_id = $1 AND step = $2
		LIMIT 1
	`, c.runID, step).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentSteps returns up to limit of the latest persisted steps, newest
// first, for warming the deduplicator after a restart.
func (c *PostgresStepChecker) RecentSteps(ctx context.Context, limit int) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT step FROM sim.step_metrics
		WHERE run_id = $1
		ORDER BY step DESC
		LIMIT $2
	`, c.runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []int64
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
