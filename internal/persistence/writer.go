package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"PerpSim/internal/core"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Postgres caps bind parameters per statement at 65535.
const maxBindParams = 60000

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// StepWriter writes step reports to the sim schema using multi-row INSERTs.
// Writes are idempotent: a replayed step is ignored.
type StepWriter struct{}

func NewStepWriter() *StepWriter {
	return &StepWriter{}
}

var stepColumns = []string{
	"run_id", "step", "tvl", "lp_shares", "state_hash", "prev_hash", "providers", "traders",
	"longs_opened", "shorts_opened", "closes", "liquidations", "swaps",
	"liquidity_adds", "liquidity_removes", "agents_joined", "skips", "violations",
}

var assetColumns = []string{
	"run_id", "step", "asset", "class", "holdings", "ratio", "oi_long", "oi_short",
	"short_interest", "fees_collected", "volume", "yield", "open_pnl_long", "open_pnl_short",
	"volatility", "genesis_funds",
}

var eventColumns = []string{
	"run_id", "sequence", "step", "event_type", "idempotency_key", "payload", "emitted_at",
}

// WriteSteps inserts step, asset and event rows for a batch of reports.
func (w *StepWriter) WriteSteps(ctx context.Context, db execer, reports []*core.StepReport) error {
	if len(reports) == 0 {
		return nil
	}

	var steps, assets, events [][]interface{}
	for _, rep := range reports {
		row, err := stepRow(rep)
		if err != nil {
			return err
		}
		steps = append(steps, row)

		for _, a := range rep.Assets {
			assets = append(assets, []interface{}{
				rep.RunID, rep.Step, string(a.Asset), a.Class.String(),
				numeric(a.Holdings), numeric(a.Ratio), numeric(a.OILong), numeric(a.OIShort),
				numeric(a.ShortInterest), numeric(a.FeesCollected), numeric(a.Volume), numeric(a.Yield),
				numeric(a.OpenPnLLong), numeric(a.OpenPnLShort), numeric(a.Volatility), numeric(a.GenesisFunds),
			})
		}

		for _, env := range rep.Events {
			payload, err := json.Marshal(env.Payload)
			if err != nil {
				return fmt.Errorf("marshal event seq=%d: %w", env.Sequence, err)
			}
			events = append(events, []interface{}{
				env.RunID, env.Sequence, env.Step, env.EventType.String(),
				env.Payload.IdempotencyKey(), payload, env.EmittedAt,
			})
		}
	}

	if err := insertRows(ctx, db, "sim.step_metrics", stepColumns, steps,
		"ON CONFLICT (run_id, step) DO NOTHING"); err != nil {
		return fmt.Errorf("write step_metrics: %w", err)
	}
	if err := insertRows(ctx, db, "sim.asset_metrics", assetColumns, assets,
		"ON CONFLICT (run_id, step, asset) DO NOTHING"); err != nil {
		return fmt.Errorf("write asset_metrics: %w", err)
	}
	if err := insertRows(ctx, db, "sim.events", eventColumns, events,
		"ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("write events: %w", err)
	}

	last := reports[len(reports)-1]
	if _, err := db.ExecContext(ctx,
		`UPDATE sim.runs SET last_step = $2, last_hash = $3 WHERE run_id = $1`,
		last.RunID, last.Step, last.StateHash[:],
	); err != nil {
		return fmt.Errorf("advance run: %w", err)
	}
	return nil
}

func stepRow(rep *core.StepReport) ([]interface{}, error) {
	skips := make(map[string]int, len(rep.Counts.Skips))
	for r, n := range rep.Counts.Skips {
		skips[r.String()] = n
	}
	skipJSON, err := json.Marshal(skips)
	if err != nil {
		return nil, fmt.Errorf("marshal skips: %w", err)
	}
	violations := rep.Violations
	if violations == nil {
		violations = []string{}
	}

	c := rep.Counts
	return []interface{}{
		rep.RunID, rep.Step, numeric(rep.TVL), numeric(rep.LPShares),
		rep.StateHash[:], rep.PrevHash[:], rep.Providers, rep.Traders,
		c.LongsOpened, c.ShortsOpened, c.Closes, c.Liquidations, c.Swaps,
		c.LiquidityAdds, c.LiquidityRemoves, c.AgentsJoined,
		skipJSON, pq.Array(violations),
	}, nil
}

// insertRows builds chunked multi-row INSERT statements.
func insertRows(ctx context.Context, db execer, table string, cols []string, rows [][]interface{}, suffix string) error {
	if len(rows) == 0 {
		return nil
	}
	perStmt := maxBindParams / len(cols)

	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var sb strings.Builder
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
		args := make([]interface{}, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(placeholders(len(args)+1, len(cols)))
			args = append(args, row...)
		}
		sb.WriteString(" ")
		sb.WriteString(suffix)

		if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// placeholders renders "($first, ..., $first+n-1)".
func placeholders(first, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", first+i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// numeric renders a float for a NUMERIC column. Non-finite values become NULL.
func numeric(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return decimal.NewFromFloat(v)
}
