package core

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
	"PerpSim/internal/observability"
	"PerpSim/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// balanceTolerance absorbs float rounding in the non-negativity checks.
const balanceTolerance = 1e-9

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithRunID overrides the run id drawn from the random source.
func WithRunID(id uuid.UUID) Option {
	return func(e *Engine) { e.runID = id }
}

// Engine is the single-threaded step orchestrator. Every step runs the
// liquidity phase, then the trading phase, then post-step bookkeeping,
// against one shared pool.
type Engine struct {
	params Params
	runID  uuid.UUID
	rng    *rand.Rand

	pool      *state.Pool
	registry  *state.Registry
	risk      *state.RiskParamsManager
	liquidity *state.LiquidityManager
	swaps     *state.SwapManager
	positions *state.PositionManager

	validator *StepValidator
	hasher    *StateHasher
	windows   map[event.Asset]*fmath.PriceWindow
	sequence  int64

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewEngine validates params and builds genesis state from the first
// tick's prices. All randomness, agent ids included, comes from rng.
func NewEngine(params Params, genesis event.Quotes, rng *rand.Rand, opts ...Option) (*Engine, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	var overrides []*state.RiskParams
	for _, a := range params.Assets {
		if a.Pool.Spec.IsCoin() {
			rp := a.Risk
			rp.Asset = a.Pool.Spec.Symbol
			overrides = append(overrides, &rp)
		}
	}
	risk, err := state.NewRiskParamsManager(overrides...)
	if err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}

	pool, reg, err := BuildGenesis(params, genesis, rng)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	swaps := state.NewSwapManager(pool, reg, params.Swap, rng)
	e := &Engine{
		params:    params,
		runID:     newAgentID(rng),
		rng:       rng,
		pool:      pool,
		registry:  reg,
		risk:      risk,
		liquidity: state.NewLiquidityManager(pool, reg, params.Liquidity, rng),
		swaps:     swaps,
		positions: state.NewPositionManager(pool, reg, risk, swaps, params.Interest, params.Trading, rng),
		validator: NewStepValidator(0, params.Specs()),
		hasher:    NewStateHasher(),
		windows:   make(map[event.Asset]*fmath.PriceWindow),
		logger:    zerolog.Nop(),
	}
	for _, a := range params.Assets {
		if a.Pool.Spec.IsCoin() {
			e.windows[a.Pool.Spec.Symbol] = fmath.NewPriceWindow(params.VolatilityWindow)
		}
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Engine) RunID() uuid.UUID          { return e.runID }
func (e *Engine) Pool() *state.Pool         { return e.pool }
func (e *Engine) Registry() *state.Registry { return e.registry }
func (e *Engine) Params() Params            { return e.params }
func (e *Engine) NextStep() int64           { return e.validator.Expected() }
func (e *Engine) StateHash() [32]byte       { return e.hasher.Tip() }

// Snapshot copies the state as of the last applied step.
func (e *Engine) Snapshot() *state.Snapshot {
	return state.TakeSnapshot(e.validator.Expected()-1, e.pool, e.registry)
}

// Step applies one tick. A rejected tick (ErrStepOutOfOrder or
// *PriceGapError) leaves every piece of state untouched.
func (e *Engine) Step(tick *event.PriceTick) (*StepReport, error) {
	start := time.Now()

	if err := e.validator.Validate(tick); err != nil {
		e.recordRejection(err)
		return nil, err
	}

	step := tick.Step
	prices := tick.Quotes
	rep := &StepReport{
		RunID:    e.runID,
		Step:     step,
		Counts:   newActionCounts(),
		PrevHash: e.hasher.Tip(),
	}

	vol := e.recordVolatility(prices)
	e.pool.UpdateRatios(prices)

	// Liquidity phase
	for _, p := range e.registry.Providers() {
		for _, res := range e.liquidity.Run(p, prices, vol) {
			e.recordLiquidity(rep, step, res)
		}
	}

	// Trading phase
	for _, t := range e.registry.Traders() {
		seq := 0
		for _, a := range e.pool.Assets() {
			if !a.IsCoin() {
				continue
			}
			e.recordTrade(rep, step, e.positions.Run(t, a.Symbol, step, prices), &seq)
		}

		for _, a := range e.pool.Assets() {
			prop, ok := e.swaps.Decide(t, a.Symbol, prices)
			if !ok {
				continue
			}
			res := e.swaps.Execute(t, prop, prices)
			e.recordSwap(rep, step, res, &seq)
		}
	}

	// Post-step
	e.pool.UpdateOpenPnL(e.registry.Traders(), prices)
	e.pool.UpdateYield(step, e.params.StepsPerYear)
	e.pool.UpdateRatios(prices)

	rep.Violations = e.checkInvariants(prices)
	for _, v := range rep.Violations {
		e.logger.Error().Int64("step", step).Str("violation", v).Msg("invariant violated")
	}

	hashStart := time.Now()
	rep.StateHash = e.hasher.Chain(step, e.pool, e.registry)
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	e.fillAssets(rep, vol)

	// Traction joins at the step boundary and takes part from the next step.
	e.applyTraction(rep, step, prices)

	rep.Providers = len(e.registry.Providers())
	rep.Traders = len(e.registry.Traders())
	e.validator.Advance()

	e.logger.Debug().
		Int64("step", step).
		Float64("tvl", rep.TVL).
		Int("longs", rep.Counts.LongsOpened).
		Int("shorts", rep.Counts.ShortsOpened).
		Int("closes", rep.Counts.Closes).
		Int("liquidations", rep.Counts.Liquidations).
		Int("swaps", rep.Counts.Swaps).
		Msg("step applied")

	e.recordMetrics(rep, time.Since(start))
	return rep, nil
}

// recordVolatility pushes this step's mark into each coin's window and
// returns relative volatilities. Short histories report zero.
func (e *Engine) recordVolatility(prices event.Quotes) map[event.Asset]float64 {
	vol := make(map[event.Asset]float64, len(e.windows))
	for _, a := range e.pool.Assets() {
		w, ok := e.windows[a.Symbol]
		if !ok {
			continue
		}
		q := prices[a.Symbol]
		mark := q.Reference
		if mark <= 0 {
			mark = (q.Low + q.High) / 2
		}
		w.Push(mark)

		v, err := fmath.RelativeVolatility(w.Values())
		if err != nil {
			v = 0
		}
		vol[a.Symbol] = v
	}
	return vol
}

func (e *Engine) emit(rep *StepReport, step int64, evt event.Event) {
	rep.Events = append(rep.Events, &event.EventEnvelope{
		Sequence:  e.sequence,
		RunID:     e.runID,
		EventType: evt.EventType(),
		Step:      step,
		Payload:   evt,
	})
	e.sequence++
}

func (e *Engine) recordLiquidity(rep *StepReport, step int64, res state.LiquidityResult) {
	if !res.Applied() {
		rep.Counts.skip(res.Skip)
		e.logger.Debug().Int64("step", step).Str("provider", res.ProviderID.String()).
			Str("asset", string(res.Asset)).Stringer("skip", res.Skip).Msg("liquidity skipped")
		return
	}
	if res.Amount > 0 {
		rep.Counts.LiquidityAdds++
	} else {
		rep.Counts.LiquidityRemoves++
	}
	e.emit(rep, step, &event.LiquidityChanged{
		Step:       step,
		ProviderID: res.ProviderID,
		Asset:      res.Asset,
		Amount:     res.Amount,
		Fee:        res.Fee,
		Shares:     res.Shares,
	})
}

func (e *Engine) recordTrade(rep *StepReport, step int64, out state.TradeOutcome, seq *int) {
	for _, c := range out.Closes {
		if c.Reason == state.CloseReasonLiquidation {
			rep.Counts.Liquidations++
		} else {
			rep.Counts.Closes++
		}
		e.emit(rep, step, &event.PositionClosed{
			Step:         step,
			TraderID:     c.TraderID,
			Asset:        c.Asset,
			Side:         c.Side,
			Quantity:     c.Quantity,
			Price:        c.Price,
			Payout:       c.Settlement.Credited,
			Denomination: c.Denomination,
			PnL:          c.USDPnL,
			Interest:     c.Interest,
			Fee:          c.Fee,
			Liquidated:   c.Reason == state.CloseReasonLiquidation,
		})
	}

	for _, s := range out.Swaps {
		e.recordSwap(rep, step, s, seq)
	}

	if out.Open == nil {
		return
	}
	o := out.Open
	if !o.Applied() {
		rep.Counts.skip(o.Skip)
		e.logger.Debug().Int64("step", step).Str("trader", o.TraderID.String()).
			Str("asset", string(o.Asset)).Stringer("side", o.Side).Stringer("skip", o.Skip).Msg("open skipped")
		return
	}
	if o.Side == event.SideLong {
		rep.Counts.LongsOpened++
	} else {
		rep.Counts.ShortsOpened++
	}
	e.emit(rep, step, &event.PositionOpened{
		Step:         step,
		TraderID:     o.TraderID,
		Asset:        o.Asset,
		Side:         o.Side,
		Quantity:     o.Quantity,
		Price:        o.Price,
		Collateral:   o.Collateral,
		Denomination: o.Denomination,
		Fee:          o.Fee,
		Interest:     o.Interest,
	})
}

func (e *Engine) recordSwap(rep *StepReport, step int64, res state.SwapResult, seq *int) {
	if !res.Applied() {
		rep.Counts.skip(res.Skip)
		return
	}
	rep.Counts.Swaps++
	e.emit(rep, step, &event.SwapExecuted{
		Step:      step,
		TraderID:  res.TraderID,
		AssetIn:   res.AssetIn,
		AmountIn:  res.AmountIn,
		AssetOut:  res.AssetOut,
		AmountOut: res.AmountOut,
		FeeIn:     res.FeeIn,
		FeeOut:    res.FeeOut,
		Seq:       *seq,
	})
	*seq++
}

// checkInvariants verifies non-negative balances and the TVL identity.
func (e *Engine) checkInvariants(prices event.Quotes) []string {
	var out []string
	var tvl float64

	for _, a := range e.pool.Assets() {
		b := e.pool.Book(a.Symbol)
		if b.Holdings < -balanceTolerance {
			out = append(out, fmt.Sprintf("holdings[%s]=%g < 0", a.Symbol, b.Holdings))
		}
		if b.ShortInterest < -balanceTolerance {
			out = append(out, fmt.Sprintf("short_interest[%s]=%g < 0", a.Symbol, b.ShortInterest))
		}
		if b.OILong < -balanceTolerance || b.OIShort < -balanceTolerance {
			out = append(out, fmt.Sprintf("open_interest[%s] negative: long=%g short=%g", a.Symbol, b.OILong, b.OIShort))
		}
		tvl += b.Ratio
	}
	if e.pool.TVL() > 0 && math.Abs(tvl-1) > 1e-6 {
		out = append(out, fmt.Sprintf("ratios sum to %g, want 1", tvl))
	}
	if d := e.pool.TVLDrift(prices); d > 1e-9 {
		out = append(out, fmt.Sprintf("tvl=%g drifts from holdings valuation by %g", e.pool.TVL(), d))
	}
	if e.pool.LPShares < -balanceTolerance {
		out = append(out, fmt.Sprintf("lp_shares=%g < 0", e.pool.LPShares))
	}

	for _, p := range e.registry.Providers() {
		for a, v := range p.Funds {
			if v < -balanceTolerance {
				out = append(out, fmt.Sprintf("provider %s funds[%s]=%g < 0", p.ID, a, v))
			}
		}
	}
	for _, t := range e.registry.Traders() {
		for a, v := range t.Liquidity {
			if v < -balanceTolerance {
				out = append(out, fmt.Sprintf("trader %s liquidity[%s]=%g < 0", t.ID, a, v))
			}
		}
	}
	return out
}

func (e *Engine) fillAssets(rep *StepReport, vol map[event.Asset]float64) {
	rep.TVL = e.pool.TVL()
	rep.LPShares = e.pool.LPShares
	genesis := e.registry.Genesis()

	for _, a := range e.pool.Assets() {
		m := AssetMetrics{
			Asset:      a.Symbol,
			Class:      a.Class,
			AssetBook:  *e.pool.Book(a.Symbol),
			Volatility: vol[a.Symbol],
		}
		if genesis != nil {
			m.GenesisFunds = genesis.Funds[a.Symbol]
		}
		rep.Assets = append(rep.Assets, m)
	}
}

func (e *Engine) recordRejection(err error) {
	reason := rejectionReason(err)
	e.logger.Warn().Err(err).Str("reason", reason).Msg("tick rejected")
	if e.metrics != nil {
		e.metrics.StepsRejected.WithLabelValues(reason).Inc()
	}
}

// rejectionReason labels a validation error as stale, gap, price_gap or invalid.
func rejectionReason(err error) string {
	var order *StepOrderError
	var gap *PriceGapError
	switch {
	case errors.As(err, &order) && order.Stale():
		return "stale"
	case errors.As(err, &order):
		return "gap"
	case errors.As(err, &gap):
		return "price_gap"
	default:
		return "invalid"
	}
}

func (e *Engine) recordMetrics(rep *StepReport, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.StepsApplied.Inc()
	m.StepDuration.Observe(elapsed.Seconds())
	m.CurrentStep.Set(float64(rep.Step))
	m.PoolTVL.Set(rep.TVL)
	m.PoolLPShares.Set(rep.LPShares)
	m.Agents.WithLabelValues("provider").Set(float64(rep.Providers))
	m.Agents.WithLabelValues("trader").Set(float64(rep.Traders))

	c := rep.Counts
	m.Actions.WithLabelValues("long_open").Add(float64(c.LongsOpened))
	m.Actions.WithLabelValues("short_open").Add(float64(c.ShortsOpened))
	m.Actions.WithLabelValues("close").Add(float64(c.Closes))
	m.Actions.WithLabelValues("liquidation").Add(float64(c.Liquidations))
	m.Actions.WithLabelValues("swap").Add(float64(c.Swaps))
	m.Actions.WithLabelValues("lp_add").Add(float64(c.LiquidityAdds))
	m.Actions.WithLabelValues("lp_remove").Add(float64(c.LiquidityRemoves))
	m.Actions.WithLabelValues("agent_joined").Add(float64(c.AgentsJoined))
	for r, n := range c.Skips {
		m.Skips.WithLabelValues(r.String()).Add(float64(n))
	}
	if len(rep.Violations) > 0 {
		m.InvariantFails.WithLabelValues("post_step").Add(float64(len(rep.Violations)))
	}

	for _, a := range rep.Assets {
		sym := string(a.Asset)
		m.AssetHoldings.WithLabelValues(sym).Set(a.Holdings)
		m.AssetRatio.WithLabelValues(sym).Set(a.Ratio)
		m.AssetOI.WithLabelValues(sym, "long").Set(a.OILong)
		m.AssetOI.WithLabelValues(sym, "short").Set(a.OIShort)
		m.AssetShortInterest.WithLabelValues(sym).Set(a.ShortInterest)
		m.AssetFees.WithLabelValues(sym).Set(a.FeesCollected)
		m.AssetYield.WithLabelValues(sym).Set(a.Yield)
		m.AssetOpenPnL.WithLabelValues(sym, "long").Set(a.OpenPnLLong)
		m.AssetOpenPnL.WithLabelValues(sym, "short").Set(a.OpenPnLShort)
	}
}
