package core_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"testing"

	"PerpSim/internal/core"
	"PerpSim/internal/event"
	"PerpSim/internal/observability"
	"PerpSim/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// --- Test helpers ---

func testParams() core.Params {
	p := core.DefaultParams()
	p.Genesis.Traders = 8
	p.Genesis.Providers = 4
	return p
}

var basePrices = map[event.Asset]float64{
	"BTC": 60000,
	"ETH": 3000,
	"SOL": 150,
}

// makeTicks builds a deterministic oscillating price path with a small spread.
func makeTicks(n int) []*event.PriceTick {
	ticks := make([]*event.PriceTick, n)
	for i := 0; i < n; i++ {
		q := event.Quotes{
			"USDC": event.StableQuote(1),
			"USDT": event.StableQuote(1),
		}
		for a, base := range basePrices {
			mid := base * (1 + 0.02*math.Sin(float64(i)/7))
			q[a] = event.PriceQuote{Low: mid * 0.999, High: mid * 1.001, Reference: mid}
		}
		ticks[i] = &event.PriceTick{Step: int64(i), Quotes: q}
	}
	return ticks
}

func mustEngine(t *testing.T, params core.Params, seed int64, genesis event.Quotes) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(params, genesis, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func mustStep(t *testing.T, e *core.Engine, tick *event.PriceTick) *core.StepReport {
	t.Helper()
	rep, err := e.Step(tick)
	if err != nil {
		t.Fatalf("Step(%d): %v", tick.Step, err)
	}
	return rep
}

type sliceSource struct {
	ticks []*event.PriceTick
	i     int
}

func (s *sliceSource) Next(ctx context.Context) (*event.PriceTick, error) {
	if s.i >= len(s.ticks) {
		return nil, io.EOF
	}
	t := s.ticks[s.i]
	s.i++
	return t, nil
}

// ===========================================================================
// Determinism
// ===========================================================================

func TestEngine_SameSeedSameRun(t *testing.T) {
	ticks := makeTicks(60)
	a := mustEngine(t, testParams(), 42, ticks[0].Quotes)
	b := mustEngine(t, testParams(), 42, ticks[0].Quotes)

	if a.RunID() != b.RunID() {
		t.Fatalf("run ids differ: %s vs %s", a.RunID(), b.RunID())
	}

	for _, tick := range ticks {
		ra := mustStep(t, a, tick)
		rb := mustStep(t, b, tick)
		if ra.StateHash != rb.StateHash {
			t.Fatalf("step %d: state hash diverged", tick.Step)
		}
		if len(ra.Events) != len(rb.Events) {
			t.Fatalf("step %d: events %d vs %d", tick.Step, len(ra.Events), len(rb.Events))
		}
	}

	if !bytes.Equal(state.CanonicalBytes(a.Pool(), a.Registry()), state.CanonicalBytes(b.Pool(), b.Registry())) {
		t.Error("final states differ")
	}
}

func TestEngine_DifferentSeedDiverges(t *testing.T) {
	ticks := makeTicks(5)
	a := mustEngine(t, testParams(), 1, ticks[0].Quotes)
	b := mustEngine(t, testParams(), 2, ticks[0].Quotes)

	ra := mustStep(t, a, ticks[0])
	rb := mustStep(t, b, ticks[0])
	if ra.StateHash == rb.StateHash {
		t.Error("different seeds produced the same state hash")
	}
}

// ===========================================================================
// Tick validation
// ===========================================================================

func TestEngine_OutOfOrderLeavesStateUntouched(t *testing.T) {
	ticks := makeTicks(3)
	e := mustEngine(t, testParams(), 7, ticks[0].Quotes)
	before := state.CanonicalBytes(e.Pool(), e.Registry())
	hash := e.StateHash()

	_, err := e.Step(ticks[1])
	if !errors.Is(err, core.ErrStepOutOfOrder) {
		t.Fatalf("error: got %v, want ErrStepOutOfOrder", err)
	}
	if e.NextStep() != 0 {
		t.Errorf("next step: got %d, want 0", e.NextStep())
	}
	if e.StateHash() != hash {
		t.Error("hash chain advanced on a rejected tick")
	}
	if !bytes.Equal(before, state.CanonicalBytes(e.Pool(), e.Registry())) {
		t.Error("state mutated on a rejected tick")
	}

	mustStep(t, e, ticks[0])
	if _, err := e.Step(ticks[0]); !errors.Is(err, core.ErrStepOutOfOrder) {
		t.Errorf("replayed step: got %v, want ErrStepOutOfOrder", err)
	}
}

func TestEngine_RejectionsAreCountedByReason(t *testing.T) {
	ticks := makeTicks(3)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e, err := core.NewEngine(testParams(), ticks[0].Quotes, rand.New(rand.NewSource(7)), core.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	_, err = e.Step(ticks[2])
	var order *core.StepOrderError
	if !errors.As(err, &order) {
		t.Fatalf("skipped step: got %v, want *StepOrderError", err)
	}
	if order.Expected != 0 || order.Got != 2 || order.Stale() {
		t.Errorf("order error: got %+v stale=%v, want expected=0 got=2 not stale", *order, order.Stale())
	}

	mustStep(t, e, ticks[0])
	_, err = e.Step(ticks[0])
	if !errors.As(err, &order) || !order.Stale() {
		t.Fatalf("replayed step: got %v, want stale *StepOrderError", err)
	}

	bad := makeTicks(2)[1]
	delete(bad.Quotes, "BTC")
	if _, err := e.Step(bad); err == nil {
		t.Fatal("tick without BTC accepted")
	}

	for _, tt := range []struct {
		reason string
		want   float64
	}{
		{"gap", 1},
		{"stale", 1},
		{"price_gap", 1},
		{"invalid", 0},
	} {
		var m dto.Metric
		if err := metrics.StepsRejected.WithLabelValues(tt.reason).Write(&m); err != nil {
			t.Fatalf("read %s counter: %v", tt.reason, err)
		}
		if got := m.GetCounter().GetValue(); got != tt.want {
			t.Errorf("rejected{reason=%s}: got %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestEngine_PriceGap(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(event.Quotes)
		asset  event.Asset
	}{
		{"missing stable", func(q event.Quotes) { delete(q, "USDT") }, "USDT"},
		{"zero coin price", func(q event.Quotes) { q["ETH"] = event.PriceQuote{Low: 0, High: 3000} }, "ETH"},
		{"inverted spread", func(q event.Quotes) { q["SOL"] = event.PriceQuote{Low: 151, High: 149} }, "SOL"},
		{"nan", func(q event.Quotes) { q["BTC"] = event.PriceQuote{Low: math.NaN(), High: 1} }, "BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks := makeTicks(1)
			e := mustEngine(t, testParams(), 7, ticks[0].Quotes)
			before := state.CanonicalBytes(e.Pool(), e.Registry())

			bad := makeTicks(1)[0]
			tt.mutate(bad.Quotes)

			_, err := e.Step(bad)
			var gap *core.PriceGapError
			if !errors.As(err, &gap) {
				t.Fatalf("error: got %v, want *PriceGapError", err)
			}
			if gap.Asset != tt.asset || gap.Step != 0 {
				t.Errorf("gap: got %s@%d, want %s@0", gap.Asset, gap.Step, tt.asset)
			}
			if !bytes.Equal(before, state.CanonicalBytes(e.Pool(), e.Registry())) {
				t.Error("state mutated on a price gap")
			}
			if e.NextStep() != 0 {
				t.Errorf("next step: got %d, want 0", e.NextStep())
			}
		})
	}
}

// ===========================================================================
// Genesis and invariants
// ===========================================================================

func TestEngine_GenesisAtTargetRatios(t *testing.T) {
	q := event.Quotes{
		"BTC":  event.StableQuote(60000),
		"ETH":  event.StableQuote(3000),
		"SOL":  event.StableQuote(150),
		"USDC": event.StableQuote(1),
		"USDT": event.StableQuote(1),
	}
	params := testParams()
	e := mustEngine(t, params, 3, q)

	for _, a := range params.Assets {
		got := e.Pool().Ratio(a.Pool.Spec.Symbol)
		if math.Abs(got-a.Pool.Bounds.Target) > 1e-9 {
			t.Errorf("%s ratio: got %v, want %v", a.Pool.Spec.Symbol, got, a.Pool.Bounds.Target)
		}
	}
	if got := e.Pool().Book("BTC").Holdings; got != 1 {
		t.Errorf("anchor holdings: got %v, want 1", got)
	}

	g := e.Registry().Genesis()
	if g == nil || g.PoolShare != params.Genesis.LPShares {
		t.Fatalf("genesis provider: %+v", g)
	}
	if got := len(e.Registry().Providers()); got != params.Genesis.Providers+1 {
		t.Errorf("providers: got %d, want %d", got, params.Genesis.Providers+1)
	}
	if got := len(e.Registry().Traders()); got != params.Genesis.Traders {
		t.Errorf("traders: got %d, want %d", got, params.Genesis.Traders)
	}
}

func TestEngine_InvariantsHoldOverRun(t *testing.T) {
	ticks := makeTicks(120)
	e := mustEngine(t, testParams(), 11, ticks[0].Quotes)

	for _, tick := range ticks {
		rep := mustStep(t, e, tick)
		if len(rep.Violations) > 0 {
			t.Fatalf("step %d violations: %v", tick.Step, rep.Violations)
		}
		var sum float64
		for _, a := range rep.Assets {
			sum += a.Ratio
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Fatalf("step %d: ratios sum to %v", tick.Step, sum)
		}
		if rep.LPShares <= 0 {
			t.Fatalf("step %d: lp shares %v", tick.Step, rep.LPShares)
		}
	}
	if e.NextStep() != 120 {
		t.Errorf("next step: got %d, want 120", e.NextStep())
	}
}

func TestEngine_EventSequenceIsMonotonic(t *testing.T) {
	ticks := makeTicks(40)
	e := mustEngine(t, testParams(), 5, ticks[0].Quotes)

	next := int64(0)
	for _, tick := range ticks {
		rep := mustStep(t, e, tick)
		for _, env := range rep.Events {
			if env.Sequence != next {
				t.Fatalf("sequence: got %d, want %d", env.Sequence, next)
			}
			if env.Step != tick.Step || env.RunID != e.RunID() {
				t.Fatalf("envelope step/run mismatch: %+v", env)
			}
			next++
		}
	}
}

func TestEngine_Traction(t *testing.T) {
	params := testParams()
	params.Traction = core.TractionParams{TraderRate: 1, LPRate: 1}
	ticks := makeTicks(3)
	e := mustEngine(t, params, 9, ticks[0].Quotes)

	for i, tick := range ticks {
		rep := mustStep(t, e, tick)
		if rep.Counts.AgentsJoined != 2 {
			t.Errorf("step %d joined: got %d, want 2", tick.Step, rep.Counts.AgentsJoined)
		}
		if rep.Traders != params.Genesis.Traders+i+1 {
			t.Errorf("step %d traders: got %d, want %d", tick.Step, rep.Traders, params.Genesis.Traders+i+1)
		}
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Params)
	}{
		{"unknown anchor", func(p *core.Params) { p.Genesis.AnchorAsset = "DOGE" }},
		{"no stables", func(p *core.Params) { p.Assets = p.Assets[:3] }},
		{"bad bounds", func(p *core.Params) { p.Assets[1].Pool.Bounds.Min = 0.9 }},
		{"zero lp shares", func(p *core.Params) { p.Genesis.LPShares = 0 }},
		{"tiny volatility window", func(p *core.Params) { p.VolatilityWindow = 1 }},
		{"bad rate params", func(p *core.Params) { p.Interest.Rate.OptimalUtilization = 1 }},
	}

	if err := core.DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := core.DefaultParams()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// ===========================================================================
// Runner
// ===========================================================================

func TestRunner_FansOutReports(t *testing.T) {
	ticks := makeTicks(10)
	e := mustEngine(t, testParams(), 4, ticks[0].Quotes)

	persist := make(chan *core.StepReport, 16)
	projection := make(chan *core.StepReport) // Unbuffered: every send drops

	var seen []int64
	r := core.NewRunner(e, core.RunnerConfig{
		PersistChan:    persist,
		ProjectionChan: projection,
		MaxSteps:       6,
		OnStep:         func(rep *core.StepReport) { seen = append(seen, rep.Step) },
	}, nopLogger(), nil)

	// A stale redelivery in the stream is dropped, not fatal.
	src := &sliceSource{ticks: append([]*event.PriceTick{ticks[0], ticks[1], ticks[1]}, ticks[2:]...)}
	last, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last == nil || last.Step != 5 {
		t.Fatalf("last step: got %+v, want 5", last)
	}
	if len(persist) != 6 {
		t.Errorf("persisted: got %d, want 6", len(persist))
	}
	if len(seen) != 6 {
		t.Errorf("OnStep calls: got %d, want 6", len(seen))
	}
}

func TestRunner_StopsOnPriceGap(t *testing.T) {
	ticks := makeTicks(4)
	e := mustEngine(t, testParams(), 4, ticks[0].Quotes)
	delete(ticks[2].Quotes, "BTC")

	r := core.NewRunner(e, core.RunnerConfig{}, nopLogger(), nil)
	last, err := r.Run(context.Background(), &sliceSource{ticks: ticks})

	var gap *core.PriceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("error: got %v, want *PriceGapError", err)
	}
	if last == nil || last.Step != 1 {
		t.Errorf("last applied: got %+v, want step 1", last)
	}
}
