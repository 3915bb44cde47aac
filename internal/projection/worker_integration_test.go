package projection_test

import (
	"context"
	"testing"

	"PerpSim/internal/core"
	"PerpSim/internal/persistence"
	"PerpSim/internal/projection"
	"PerpSim/internal/testutil"

	"github.com/rs/zerolog"
)

func TestAgentProjection_TracksLatestStep(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, reports := testutil.SimulateRun(t, 5, 8)
	if err := persistence.NewRunStore(db).StartRun(ctx, engine.RunID(), 5, engine.Params()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	ch := make(chan *core.StepReport, len(reports))
	for _, r := range reports {
		ch <- r
	}
	close(ch)

	w := projection.NewAgentProjectionWorker(db, ch, zerolog.Nop())
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.LastStep() != 7 {
		t.Errorf("last step: got %d, want 7", w.LastStep())
	}

	last := reports[len(reports)-1].Snapshot

	var providers int
	db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT agent_id) FROM sim.agent_balances
		WHERE run_id = $1 AND kind = 'provider'
	`, engine.RunID()).Scan(&providers)
	if providers != len(last.Providers) {
		t.Errorf("providers: got %d, want %d", providers, len(last.Providers))
	}

	wantPositions := 0
	for _, tr := range last.Traders {
		wantPositions += len(tr.Positions)
	}
	var positions int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sim.agent_positions WHERE run_id = $1`, engine.RunID()).Scan(&positions)
	if positions != wantPositions {
		t.Errorf("positions: got %d, want %d", positions, wantPositions)
	}

	var watermark int64
	db.QueryRowContext(ctx, `SELECT last_step FROM sim.projection_watermark WHERE run_id = $1`, engine.RunID()).Scan(&watermark)
	if watermark != 7 {
		t.Errorf("watermark: got %d, want 7", watermark)
	}
}

func TestRebuild_WithoutSnapshot(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	engine, _ := testutil.SimulateRun(t, 5, 1)
	step, err := projection.Rebuild(context.Background(), db, engine.RunID())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if step != -1 {
		t.Errorf("step: got %d, want -1", step)
	}
}
