package persistence_test

import (
	"context"
	"testing"
	"time"

	"PerpSim/internal/core"
	"PerpSim/internal/persistence"
	"PerpSim/internal/testutil"

	"github.com/rs/zerolog"
)

// --- Test helpers ---

func startRun(t *testing.T, ctx context.Context, store *persistence.RunStore, engine *core.Engine) {
	t.Helper()
	if err := store.StartRun(ctx, engine.RunID(), 42, engine.Params()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
}

// =============================================================================
// Migrations
// =============================================================================

func TestMigrator_StatusAfterUp(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	dir, err := testutil.MigrationsDir()
	if err != nil {
		t.Fatal(err)
	}
	status, err := persistence.NewMigrator(db, dir, zerolog.Nop()).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status) == 0 {
		t.Fatal("no migrations found")
	}
	for _, s := range status {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.Filename)
		}
	}
}

// =============================================================================
// Writer
// =============================================================================

func TestStepWriter_WritesAndIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, reports := testutil.SimulateRun(t, 42, 10)
	startRun(t, ctx, persistence.NewRunStore(db), engine)

	w := persistence.NewStepWriter()
	if err := w.WriteSteps(ctx, db, reports); err != nil {
		t.Fatalf("WriteSteps: %v", err)
	}
	// Replaying the same batch is a no-op.
	if err := w.WriteSteps(ctx, db, reports); err != nil {
		t.Fatalf("WriteSteps replay: %v", err)
	}

	var steps, assets, events int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sim.step_metrics WHERE run_id = $1`, engine.RunID()).Scan(&steps)
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sim.asset_metrics WHERE run_id = $1`, engine.RunID()).Scan(&assets)
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sim.events WHERE run_id = $1`, engine.RunID()).Scan(&events)

	if steps != 10 {
		t.Errorf("step rows: got %d, want 10", steps)
	}
	if assets != 10*len(engine.Params().Assets) {
		t.Errorf("asset rows: got %d, want %d", assets, 10*len(engine.Params().Assets))
	}
	wantEvents := 0
	for _, r := range reports {
		wantEvents += len(r.Events)
	}
	if events != wantEvents {
		t.Errorf("event rows: got %d, want %d", events, wantEvents)
	}

	var lastStep int64
	db.QueryRowContext(ctx, `SELECT last_step FROM sim.runs WHERE run_id = $1`, engine.RunID()).Scan(&lastStep)
	if lastStep != 9 {
		t.Errorf("run last_step: got %d, want 9", lastStep)
	}

	checker := persistence.NewPostgresStepChecker(db, engine.RunID())
	if ok, err := checker.StepExists(4); err != nil || !ok {
		t.Errorf("StepExists(4): got %v, %v", ok, err)
	}
	if ok, _ := checker.StepExists(40); ok {
		t.Error("StepExists(40): got true, want false")
	}
}

// =============================================================================
// Worker and snapshots
// =============================================================================

func TestPersistenceWorker_FlushesOnCloseAndSnapshots(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, reports := testutil.SimulateRun(t, 7, 12)
	startRun(t, ctx, persistence.NewRunStore(db), engine)

	ch := make(chan *core.StepReport, len(reports))
	for _, r := range reports {
		ch <- r
	}
	close(ch)

	cfg := persistence.WorkerConfig{BatchSize: 5, FlushTimeout: 50 * time.Millisecond, SnapshotEvery: 5}
	if err := persistence.NewPersistenceWorker(db, ch, cfg, zerolog.Nop(), nil).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := persistence.NewSnapshotManager(db).LoadSnapshot(ctx, engine.RunID(), 9)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if rec == nil {
		t.Fatal("no snapshot at or before step 9")
	}
	if rec.Step != 5 {
		t.Errorf("snapshot step: got %d, want 5", rec.Step)
	}
	if rec.StateHash != reports[5].StateHash {
		t.Error("snapshot hash does not match the step's state hash")
	}
	if len(rec.State.Traders) != len(reports[5].Snapshot.Traders) {
		t.Errorf("snapshot traders: got %d, want %d", len(rec.State.Traders), len(reports[5].Snapshot.Traders))
	}

	latest, err := persistence.NewSnapshotManager(db).LoadSnapshot(ctx, engine.RunID(), -1)
	if err != nil || latest == nil || latest.Step != 10 {
		t.Errorf("latest snapshot: got %+v, %v; want step 10", latest, err)
	}
}

func TestRunStore_FinishRun(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, _ := testutil.SimulateRun(t, 1, 1)
	store := persistence.NewRunStore(db)
	startRun(t, ctx, store, engine)

	if err := store.FinishRun(ctx, engine.RunID(), nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	var status string
	db.QueryRowContext(ctx, `SELECT status FROM sim.runs WHERE run_id = $1`, engine.RunID()).Scan(&status)
	if status != persistence.RunStatusFinished {
		t.Errorf("status: got %s, want %s", status, persistence.RunStatusFinished)
	}
}
