package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpSim/internal/state"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded state.Snapshot.
const snapshotFormatVersion = 1

// SnapshotManager stores periodic copies of pool and agent state so a run
// can be inspected at any persisted step.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRecord is a stored snapshot with its chain position.
type SnapshotRecord struct {
	SnapshotID uuid.UUID
	RunID      uuid.UUID
	Step       int64
	StateHash  [32]byte
	SizeBytes  int
	CreatedAt  time.Time
	State      *state.Snapshot
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot writes snap within tx (or directly when tx is nil) and
// returns the encoded size. Re-saving a step overwrites it.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, db execer, runID uuid.UUID, snap *state.Snapshot, hash [32]byte) (int, error) {
	if db == nil {
		db = sm.db
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sim.snapshots
			(snapshot_id, run_id, step, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (run_id, step) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), runID, snap.Step, data, hash[:], snapshotFormatVersion, len(data))
	if err != nil {
		return 0, fmt.Errorf("save snapshot step=%d: %w", snap.Step, err)
	}
	return len(data), nil
}

// LoadSnapshot returns the latest snapshot at or before step, or nil when
// the run has none. A negative step means the latest overall.
func (sm *SnapshotManager) LoadSnapshot(ctx context.Context, runID uuid.UUID, step int64) (*SnapshotRecord, error) {
	query := `
		SELECT snapshot_id, step, data, state_hash, size_bytes, created_at
		FROM sim.snapshots
		WHERE run_id = $1 AND ($2 < 0 OR step <= $2)
		ORDER BY step DESC
		LIMIT 1
	`

	rec := &SnapshotRecord{RunID: runID}
	var data, hash []byte
	err := sm.db.QueryRowContext(ctx, query, runID, step).Scan(
		&rec.SnapshotID, &rec.Step, &data, &hash, &rec.SizeBytes, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	copy(rec.StateHash[:], hash)
	rec.State = &state.Snapshot{}
	if err := json.Unmarshal(data, rec.State); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return rec, nil
}
