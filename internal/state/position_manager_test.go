package state_test

import (
	"math"
	"math/rand"
	"testing"

	"PerpSim/internal/event"
	"PerpSim/internal/state"

	"github.com/google/uuid"
)

// --- Test helpers ---

type positionFixture struct {
	pool    *state.Pool
	reg     *state.Registry
	genesis *state.Provider
	pm      *state.PositionManager
}

func newPositionFixture(t *testing.T, params state.TradingParams) *positionFixture {
	t.Helper()
	pool := mustPool(t, map[event.Asset]float64{"BTC": 100, "USDC": 100000},
		btcParams(0.5, 0.1, 0.9), usdcParams(0.5, 0.1, 0.9))
	reg, g := mustRegistryWithGenesis(t)
	risk, err := state.NewRiskParamsManager()
	if err != nil {
		t.Fatalf("NewRiskParamsManager: %v", err)
	}
	rng := newRNG()
	swaps := state.NewSwapManager(pool, reg, state.DefaultSwapParams(), rng)
	pm := state.NewPositionManager(pool, reg, risk, swaps, state.DefaultInterestParams(), params, rng)
	return &positionFixture{pool: pool, reg: reg, genesis: g, pm: pm}
}

func (f *positionFixture) addTrader(t *testing.T, avgHold float64) *state.Trader {
	t.Helper()
	tr := state.NewTrader(uuid.New(), 5, avgHold)
	if err := f.reg.AddTrader(tr); err != nil {
		t.Fatalf("AddTrader: %v", err)
	}
	return tr
}

// openShort installs a short as if it had been opened at step.
func (f *positionFixture) openShort(tr *state.Trader, step int64) {
	tr.Shorts["BTC"] = &state.ShortPosition{
		Quantity:       10,
		EntryPrice:     100,
		Collateral:     200,
		Denomination:   "USDC",
		LockedNotional: 1000,
		LastUpdateStep: step,
	}
	f.pool.Book("BTC").OIShort += 10
	f.pool.Contract("BTC").OIShort += 10
	f.pool.Book("USDC").ShortInterest += 1000
	f.pool.ShortLoans.Add(tr.ID, "BTC", 10, 200)
}

func (f *positionFixture) openLong(tr *state.Trader, step int64) {
	tr.Longs["BTC"] = &state.LongPosition{
		Quantity:          10,
		EntryPrice:        100,
		Collateral:        0.3,
		NominalCollateral: 30,
		LastUpdateStep:    step,
	}
	f.pool.Book("BTC").OILong += 10
	f.pool.Contract("BTC").OILong += 10
	f.pool.Contract("BTC").TotCollateral += 0.3
	f.pool.LongLoans.Add(tr.ID, "BTC", 10, 0.3)
}

func noTrading() state.TradingParams {
	return state.TradingParams{LongOpenProbability: 0, ShortOpenProbability: 1}
}

// ===========================================================================
// Closing
// ===========================================================================

func TestCloseShort_ProfitCreditsDenomination(t *testing.T) {
	f := newPositionFixture(t, noTrading())
	tr := f.addTrader(t, 1e9)
	f.openShort(tr, 5)

	prices := quotes(90)
	m := f.pm.Liquidations().EvaluateShort("BTC", tr.Shorts["BTC"], 5, prices)
	if m.Liquidate {
		t.Fatal("profitable short flagged for liquidation")
	}
	if m.USDPnL != 100 {
		t.Errorf("USD PnL: got %v, want 100", m.USDPnL)
	}
	if m.Payout != 300 {
		t.Errorf("payout: got %v, want 300", m.Payout)
	}

	res := f.pm.CloseShort(tr, "BTC", m)
	if res.Settlement.Credited != 300 {
		t.Errorf("credited: got %v, want 300", res.Settlement.Credited)
	}
	if tr.Liquidity["USDC"] != 300 {
		t.Errorf("trader USDC: got %v, want 300", tr.Liquidity["USDC"])
	}
	if tr.PnL != 100 {
		t.Errorf("trader PnL: got %v, want 100", tr.PnL)
	}
	if _, ok := tr.Shorts["BTC"]; ok {
		t.Error("short not deleted")
	}
	if got := f.pool.Book("USDC").ShortInterest; got != 0 {
		t.Errorf("short interest: got %v, want 0", got)
	}
	if got := f.pool.Book("USDC").Holdings; got != 99900 {
		t.Errorf("USDC holdings: got %v, want 99900", got)
	}
	if got := f.pool.Book("BTC").OIShort; got != 0 {
		t.Errorf("OI short: got %v, want 0", got)
	}
	if _, ok := f.pool.ShortLoans.Get(tr.ID, "BTC"); ok {
		t.Error("short loan not removed")
	}
	if res.State != state.PositionStateClosed || res.Reason != state.CloseReasonExpiry {
		t.Errorf("state: got %v/%v, want Closed/Expiry", res.State, res.Reason)
	}
}

func TestCloseShort_InterestReducesPayout(t *testing.T) {
	f := newPositionFixture(t, noTrading())
	tr := f.addTrader(t, 1e9)
	f.openShort(tr, 0)

	prices := quotes(90)
	step := int64(1440)
	m := f.pm.Liquidations().EvaluateShort("BTC", tr.Shorts["BTC"], step, prices)
	if m.Interest <= 0 {
		t.Fatalf("interest: got %v, want > 0", m.Interest)
	}
	if !approxEqual(m.Payout, 200-m.Interest+100) {
		t.Errorf("payout: got %v, want %v", m.Payout, 300-m.Interest)
	}

	f.pm.CloseShort(tr, "BTC", m)
	if !approxEqual(tr.Liquidity["USDC"], 300-m.Interest) {
		t.Errorf("trader USDC: got %v, want %v", tr.Liquidity["USDC"], 300-m.Interest)
	}
	if !approxEqual(f.genesis.Funds["USDC"], 0.3*m.Interest) {
		t.Errorf("genesis USDC: got %v, want %v", f.genesis.Funds["USDC"], 0.3*m.Interest)
	}
}

func TestCloseLong_ChargesCloseFee(t *testing.T) {
	f := newPositionFixture(t, state.TradingParams{CloseFee: 0.01, ShortOpenProbability: 1})
	tr := f.addTrader(t, 1e9)
	f.openLong(tr, 3)

	prices := quotes(110)
	m := f.pm.Liquidations().EvaluateLong("BTC", tr.Longs["BTC"], 3, prices)
	res := f.pm.CloseLong(tr, "BTC", m)

	// (30 + 10*10) / 110 units back, less 0.1 BTC close fee.
	want := 130.0/110 - 0.1
	if !approxEqual(res.Settlement.Credited, want) {
		t.Errorf("credited: got %v, want %v", res.Settlement.Credited, want)
	}
	if !approxEqual(f.genesis.Funds["BTC"], 0.03) {
		t.Errorf("genesis BTC: got %v, want 0.03", f.genesis.Funds["BTC"])
	}
	if got := f.pool.Book("BTC").OILong; got != 0 {
		t.Errorf("OI long: got %v, want 0", got)
	}
	if _, ok := tr.Longs["BTC"]; ok {
		t.Error("long not deleted")
	}
}

func TestEvaluateLong_LiquidationThreshold(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		liquidate bool
	}{
		{"above threshold", 99, false},
		{"below threshold", 98, true},
		{"deep loss", 90, true},
		{"in profit", 120, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPositionFixture(t, noTrading())
			tr := f.addTrader(t, 1e9)
			f.openLong(tr, 0)

			m := f.pm.Liquidations().EvaluateLong("BTC", tr.Longs["BTC"], 0, quotes(tt.price))
			if m.Liquidate != tt.liquidate {
				t.Errorf("liquidate at %v: got %v, want %v (payout/unit %v)",
					tt.price, m.Liquidate, tt.liquidate, m.PayoutPerUnit())
			}
		})
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name                  string
		collateral, gross, ch float64
		credited, collected   float64
		poolDelta             float64
	}{
		{"profit", 200, 300, 10, 290, 10, -100},
		{"charges exceed gross", 200, 5, 10, 0, 5, 195},
		{"negative gross", 200, -50, 10, 0, 0, 200},
		{"flat", 200, 200, 0, 200, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := state.Settle(tt.collateral, tt.gross, tt.ch)
			if s.Credited != tt.credited {
				t.Errorf("credited: got %v, want %v", s.Credited, tt.credited)
			}
			if s.Collected != tt.collected {
				t.Errorf("collected: got %v, want %v", s.Collected, tt.collected)
			}
			if s.PoolDelta != tt.poolDelta {
				t.Errorf("pool delta: got %v, want %v", s.PoolDelta, tt.poolDelta)
			}
			if s.Credited < 0 {
				t.Errorf("negative credit %v", s.Credited)
			}
		})
	}
}

// ===========================================================================
// Step processing
// ===========================================================================

func TestRun_HoldsWithinHorizon(t *testing.T) {
	f := newPositionFixture(t, noTrading())
	tr := f.addTrader(t, 1e9)
	f.openLong(tr, 0)

	out := f.pm.Run(tr, "BTC", 1, quotes(100))
	if len(out.Closes) != 0 {
		t.Fatalf("closes: got %d, want 0", len(out.Closes))
	}
	if out.Open != nil {
		t.Fatalf("unexpected open: %+v", out.Open)
	}
	if tr.PositionState("BTC", event.SideLong) != state.PositionStateOpen {
		t.Error("long no longer open")
	}
}

func TestRun_ClosedSideCannotReopenSameStep(t *testing.T) {
	f := newPositionFixture(t, state.TradingParams{LongOpenProbability: 1, ShortOpenProbability: 1})
	tr := f.addTrader(t, 0)
	tr.Liquidity["BTC"] = 1
	f.openLong(tr, 0)

	out := f.pm.Run(tr, "BTC", 1, quotes(100))
	if len(out.Closes) != 1 {
		t.Fatalf("closes: got %d, want 1", len(out.Closes))
	}
	if out.Open == nil || out.Open.Skip != state.SkipBlockedByClose {
		t.Fatalf("open: got %+v, want skip %v", out.Open, state.SkipBlockedByClose)
	}
	if tr.PositionState("BTC", event.SideLong) != state.PositionStateClosed {
		t.Error("long reopened in the closing step")
	}
}

func TestRun_SpreadProblemBlocksOpens(t *testing.T) {
	f := newPositionFixture(t, state.TradingParams{LongOpenProbability: 1, ShortOpenProbability: 1})
	tr := f.addTrader(t, 1e9)
	tr.Liquidity["BTC"] = 1

	prices := quotes(100)
	q := prices["BTC"]
	q.SpreadProblem = true
	prices["BTC"] = q

	out := f.pm.Run(tr, "BTC", 10, prices)
	if out.Open != nil {
		t.Errorf("open attempted under spread problem: %+v", out.Open)
	}
}

func TestRun_OpenLongConservesTraderFunds(t *testing.T) {
	f := newPositionFixture(t, state.TradingParams{OpenFee: 0.01, LongOpenProbability: 1, ShortOpenProbability: 1})
	tr := f.addTrader(t, 1e9)
	tr.Liquidity["BTC"] = 1

	out := f.pm.Run(tr, "BTC", 10, quotes(100))
	if out.Open == nil {
		t.Fatal("no open attempted")
	}
	if !out.Open.Applied() {
		if tr.Liquidity["BTC"] != 1 || f.pool.Book("BTC").OILong != 0 {
			t.Fatalf("skipped open mutated state: skip %v", out.Open.Skip)
		}
		return
	}

	pos := tr.Longs["BTC"]
	if pos == nil {
		t.Fatal("long not created")
	}
	if pos.EntryPrice != 100 {
		t.Errorf("entry: got %v, want 100", pos.EntryPrice)
	}
	if got := f.pool.Book("BTC").OILong; got != pos.Quantity {
		t.Errorf("OI long: got %v, want %v", got, pos.Quantity)
	}
	spent := 1 - tr.Liquidity["BTC"]
	if !approxEqual(spent, pos.Collateral+out.Open.Fee) {
		t.Errorf("spent: got %v, want %v", spent, pos.Collateral+out.Open.Fee)
	}
	if !approxEqual(f.genesis.Funds["BTC"], 0.3*out.Open.Fee) {
		t.Errorf("genesis BTC: got %v, want %v", f.genesis.Funds["BTC"], 0.3*out.Open.Fee)
	}
	if math.Abs(pos.NominalCollateral-pos.Collateral*100) > tolerance {
		t.Errorf("nominal collateral: got %v, want %v", pos.NominalCollateral, pos.Collateral*100)
	}
}

// ===========================================================================
// State machine
// ===========================================================================

func TestPositionState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.PositionState
		want     bool
	}{
		{state.PositionStateClosed, state.PositionStateOpen, true},
		{state.PositionStateClosed, state.PositionStateLiquidated, false},
		{state.PositionStateOpen, state.PositionStateOpen, true},
		{state.PositionStateOpen, state.PositionStateClosed, true},
		{state.PositionStateOpen, state.PositionStateLiquidated, true},
		{state.PositionStateLiquidated, state.PositionStateClosed, false},
		{state.PositionStateLiquidated, state.PositionStateOpen, true},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%v -> %v: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// ===========================================================================
// Forced closes
// ===========================================================================

func TestRun_CloseReasons(t *testing.T) {
	tests := []struct {
		name       string
		avgHold    float64
		price      float64
		wantCloses int
		wantReason state.CloseReason
		wantState  state.PositionState
	}{
		{"neither fires", 1e9, 100, 0, 0, 0},
		{"expiry only", 0, 100, 1, state.CloseReasonExpiry, state.PositionStateClosed},
		{"liquidation only", 1e9, 50, 1, state.CloseReasonLiquidation, state.PositionStateLiquidated},
		{"liquidation wins over expiry", 0, 50, 1, state.CloseReasonLiquidation, state.PositionStateLiquidated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPositionFixture(t, noTrading())
			tr := f.addTrader(t, tt.avgHold)
			f.openLong(tr, 0)

			out := f.pm.Run(tr, "BTC", 1, quotes(tt.price))
			if len(out.Closes) != tt.wantCloses {
				t.Fatalf("closes: got %d, want %d", len(out.Closes), tt.wantCloses)
			}
			if tt.wantCloses == 0 {
				return
			}
			res := out.Closes[0]
			if res.Reason != tt.wantReason {
				t.Errorf("reason: got %v, want %v", res.Reason, tt.wantReason)
			}
			if res.State != tt.wantState {
				t.Errorf("state: got %v, want %v", res.State, tt.wantState)
			}
			if tt.wantReason == state.CloseReasonLiquidation && res.Settlement.Credited != 0 {
				t.Errorf("credited on liquidation: got %v, want 0", res.Settlement.Credited)
			}
		})
	}
}

func TestRun_LiquidatedLongReturnsCollateralToPool(t *testing.T) {
	f := newPositionFixture(t, noTrading())
	tr := f.addTrader(t, 0)
	f.openLong(tr, 0)

	out := f.pm.Run(tr, "BTC", 1, quotes(50))
	if len(out.Closes) != 1 || out.Closes[0].State != state.PositionStateLiquidated {
		t.Fatalf("closes: got %+v, want one liquidation", out.Closes)
	}

	if tr.Liquidity["BTC"] != 0 {
		t.Errorf("trader BTC: got %v, want 0", tr.Liquidity["BTC"])
	}
	if got := f.pool.Book("BTC").Holdings; !approxEqual(got, 100.3) {
		t.Errorf("BTC holdings: got %v, want 100.3", got)
	}
	if got := f.pool.Book("BTC").OILong; got != 0 {
		t.Errorf("OI long: got %v, want 0", got)
	}
	c := f.pool.Contract("BTC")
	if c.OILong != 0 || !approxEqual(c.TotCollateral, 0) {
		t.Errorf("contract: got oi %v collateral %v, want 0 and 0", c.OILong, c.TotCollateral)
	}
	if _, ok := f.pool.LongLoans.Get(tr.ID, "BTC"); ok {
		t.Error("long loan not removed")
	}
	if tr.PositionState("BTC", event.SideLong) != state.PositionStateClosed {
		t.Error("liquidated slot still open")
	}
}

func TestRun_LiquidatedShortReleasesShortInterest(t *testing.T) {
	f := newPositionFixture(t, noTrading())
	tr := f.addTrader(t, 1e9)
	f.openShort(tr, 0)

	out := f.pm.Run(tr, "BTC", 1, quotes(130))
	if len(out.Closes) != 1 {
		t.Fatalf("closes: got %d, want 1", len(out.Closes))
	}
	res := out.Closes[0]
	if res.Reason != state.CloseReasonLiquidation || res.State != state.PositionStateLiquidated {
		t.Errorf("close: got %v/%v, want Liquidation/Liquidated", res.Reason, res.State)
	}
	if res.Settlement.Credited != 0 {
		t.Errorf("credited: got %v, want 0", res.Settlement.Credited)
	}
	if tr.Liquidity["USDC"] != 0 {
		t.Errorf("trader USDC: got %v, want 0", tr.Liquidity["USDC"])
	}
	if got := f.pool.Book("USDC").Holdings; got != 100200 {
		t.Errorf("USDC holdings: got %v, want 100200", got)
	}
	if got := f.pool.Book("USDC").ShortInterest; got != 0 {
		t.Errorf("short interest: got %v, want 0", got)
	}
	if got := f.pool.Book("BTC").OIShort; got != 0 {
		t.Errorf("OI short: got %v, want 0", got)
	}
}

// ===========================================================================
// Opening and same-side merges
// ===========================================================================

func TestOpenLong_MergesSameSide(t *testing.T) {
	f := newPositionFixture(t, state.TradingParams{OpenFee: 0.01})
	tr := f.addTrader(t, 1e9)
	tr.Liquidity["BTC"] = 10

	first := f.pm.OpenLong(tr, "BTC", 2, quotes(100), state.LongOrder{Quantity: 5, Collateral: 1})
	second := f.pm.OpenLong(tr, "BTC", 4, quotes(120), state.LongOrder{Quantity: 5, Collateral: 0.5})
	if !first.Applied() || !second.Applied() {
		t.Fatalf("opens skipped: %v, %v", first.Skip, second.Skip)
	}

	pos := tr.Longs["BTC"]
	checks := []struct {
		name      string
		got, want float64
	}{
		{"quantity", pos.Quantity, 10},
		{"entry price", pos.EntryPrice, 110},
		{"collateral", pos.Collateral, 1.5},
		{"nominal collateral", pos.NominalCollateral, 160},
		{"trader BTC", tr.Liquidity["BTC"], 10 - 1.5 - first.Fee - second.Fee},
		{"OI long", f.pool.Book("BTC").OILong, 10},
		{"volume", f.pool.Book("BTC").Volume, 10},
		{"contract OI", f.pool.Contract("BTC").OILong, 10},
		{"contract avg price", f.pool.Contract("BTC").AvgPriceLong, 110},
		{"contract collateral", f.pool.Contract("BTC").TotCollateral, 1.5},
		{"contract collateral price", f.pool.Contract("BTC").AvgCollateralPrice, 100.0/1.5 + 120*0.5/1.5},
		{"genesis BTC", f.genesis.Funds["BTC"], 0.3 * (first.Fee + second.Fee)},
	}
	for _, c := range checks {
		if !approxEqual(c.got, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if pos.LastUpdateStep != 4 {
		t.Errorf("last update step: got %d, want 4", pos.LastUpdateStep)
	}

	loan, ok := f.pool.LongLoans.Get(tr.ID, "BTC")
	if !ok {
		t.Fatal("long loan missing")
	}
	if !approxEqual(loan.Amount, 10) || !approxEqual(loan.Collateral, 1.5) {
		t.Errorf("loan: got %+v, want amount 10 collateral 1.5", loan)
	}
}

func TestOpenShort_ReservesNotionalAndMerges(t *testing.T) {
	f := newPositionFixture(t, state.TradingParams{OpenFee: 0.01})
	tr := f.addTrader(t, 1e9)
	tr.Liquidity["USDC"] = 1000

	first := f.pm.OpenShort(tr, "BTC", 3, quotes(100),
		state.ShortOrder{Quantity: 2, Collateral: 100, Denomination: "USDC"})
	if !first.Applied() {
		t.Fatalf("first open skipped: %v", first.Skip)
	}
	if !approxEqual(first.Fee, 2) {
		t.Errorf("first fee: got %v, want 2", first.Fee)
	}
	if got := f.pool.Book("USDC").ShortInterest; !approxEqual(got, 200) {
		t.Errorf("short interest after first: got %v, want 200", got)
	}

	second := f.pm.OpenShort(tr, "BTC", 5, quotes(120),
		state.ShortOrder{Quantity: 2, Collateral: 50, Denomination: "USDC"})
	if !second.Applied() {
		t.Fatalf("second open skipped: %v", second.Skip)
	}

	pos := tr.Shorts["BTC"]
	checks := []struct {
		name      string
		got, want float64
	}{
		{"quantity", pos.Quantity, 4},
		{"entry price", pos.EntryPrice, 110},
		{"collateral", pos.Collateral, 150},
		{"locked notional", pos.LockedNotional, 440},
		{"trader USDC", tr.Liquidity["USDC"], 1000 - 150 - first.Fee - second.Fee},
		{"short interest", f.pool.Book("USDC").ShortInterest, 440},
		{"OI short", f.pool.Book("BTC").OIShort, 4},
		{"contract OI", f.pool.Contract("BTC").OIShort, 4},
		{"contract avg price", f.pool.Contract("BTC").AvgPriceShort, 110},
		{"genesis USDC", f.genesis.Funds["USDC"], 0.3 * (first.Fee + second.Fee)},
	}
	for _, c := range checks {
		if !approxEqual(c.got, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if pos.Denomination != "USDC" || pos.LastUpdateStep != 5 {
		t.Errorf("position: got denom %s step %d, want USDC and 5", pos.Denomination, pos.LastUpdateStep)
	}

	loan, ok := f.pool.ShortLoans.Get(tr.ID, "BTC")
	if !ok {
		t.Fatal("short loan missing")
	}
	if !approxEqual(loan.Amount, 4) || !approxEqual(loan.Collateral, 150) {
		t.Errorf("loan: got %+v, want amount 4 collateral 150", loan)
	}
}

func TestOpenShort_RejectionsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name  string
		order state.ShortOrder
		want  state.SkipReason
	}{
		{"coin denomination", state.ShortOrder{Quantity: 1, Collateral: 10, Denomination: "BTC"}, state.SkipUnknownAsset},
		{"zero quantity", state.ShortOrder{Quantity: 0, Collateral: 10, Denomination: "USDC"}, state.SkipSizing},
		{"exceeds pool capacity", state.ShortOrder{Quantity: 2000, Collateral: 10, Denomination: "USDC"}, state.SkipPoolCapacity},
		{"insufficient funds", state.ShortOrder{Quantity: 1, Collateral: 5000, Denomination: "USDC"}, state.SkipInsufficientLiquidity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPositionFixture(t, state.TradingParams{OpenFee: 0.01})
			tr := f.addTrader(t, 1e9)
			tr.Liquidity["USDC"] = 1000

			res := f.pm.OpenShort(tr, "BTC", 1, quotes(100), tt.order)
			if res.Skip != tt.want {
				t.Errorf("skip: got %v, want %v", res.Skip, tt.want)
			}
			if tr.Liquidity["USDC"] != 1000 {
				t.Errorf("trader USDC: got %v, want 1000", tr.Liquidity["USDC"])
			}
			if _, ok := tr.Shorts["BTC"]; ok {
				t.Error("short created on a rejected open")
			}
			if got := f.pool.Book("USDC").ShortInterest; got != 0 {
				t.Errorf("short interest: got %v, want 0", got)
			}
		})
	}
}

// ===========================================================================
// Short sizing and collateral swaps
// ===========================================================================

// newTwoStableFixture prices USDC well above its target so its paying fee
// sits on the flat part of the curve.
func newTwoStableFixture(t *testing.T, seed int64, params state.TradingParams) *positionFixture {
	t.Helper()
	pool := mustPool(t, map[event.Asset]float64{"BTC": 100, "USDC": 150000, "USDT": 50000},
		btcParams(0.1, 0.01, 0.9), usdcParams(0.3, 0.1, 0.9), usdtParams(0.3, 0.1, 0.9))
	reg, g := mustRegistryWithGenesis(t)
	risk, err := state.NewRiskParamsManager()
	if err != nil {
		t.Fatalf("NewRiskParamsManager: %v", err)
	}
	rng := rand.New(rand.NewSource(seed))
	swaps := state.NewSwapManager(pool, reg, state.DefaultSwapParams(), rng)
	pm := state.NewPositionManager(pool, reg, risk, swaps, state.DefaultInterestParams(), params, rng)
	return &positionFixture{pool: pool, reg: reg, genesis: g, pm: pm}
}

func TestSizeShort_Skips(t *testing.T) {
	tests := []struct {
		name      string
		asset     event.Asset
		liquidity map[event.Asset]float64
		want      state.SkipReason
	}{
		{"no stables held", "BTC", map[event.Asset]float64{"BTC": 5}, state.SkipInsufficientLiquidity},
		{"unknown coin", "DOGE", map[event.Asset]float64{"USDC": 1000}, state.SkipUnknownAsset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTwoStableFixture(t, 1, noTrading())
			tr := f.addTrader(t, 1e9)
			for a, v := range tt.liquidity {
				tr.Liquidity[a] = v
			}
			if _, skip := f.pm.SizeShort(tr, tt.asset, 10, twoStableQuotes(100)); skip != tt.want {
				t.Errorf("skip: got %v, want %v", skip, tt.want)
			}
		})
	}
}

func TestSizeShort_SingleCoveringStable(t *testing.T) {
	f := newTwoStableFixture(t, 3, noTrading())
	tr := f.addTrader(t, 1e9)
	tr.Liquidity["USDC"] = 1000

	order, skip := f.pm.SizeShort(tr, "BTC", 10, twoStableQuotes(100))
	if skip != state.SkipNone {
		t.Fatalf("skip: got %v, want none", skip)
	}
	if order.Denomination != "USDC" {
		t.Errorf("denomination: got %s, want USDC", order.Denomination)
	}
	if order.Quantity <= 0 {
		t.Errorf("quantity: got %v, want > 0", order.Quantity)
	}
	if order.Collateral <= 0 || order.Collateral >= 1000 {
		t.Errorf("collateral: got %v, want in (0, 1000)", order.Collateral)
	}
}

func TestSizeShort_ReusesExistingDenomination(t *testing.T) {
	f := newTwoStableFixture(t, 5, noTrading())
	tr := f.addTrader(t, 1e9)
	tr.Liquidity["USDC"] = 1000
	tr.Shorts["BTC"] = &state.ShortPosition{
		Quantity:       10,
		EntryPrice:     100,
		Collateral:     200,
		Denomination:   "USDT",
		LockedNotional: 1000,
	}
	f.pool.Book("USDT").ShortInterest = 1000

	order, skip := f.pm.SizeShort(tr, "BTC", 1440, twoStableQuotes(100))
	if skip != state.SkipNone {
		t.Fatalf("skip: got %v, want none", skip)
	}
	if order.Denomination != "USDT" {
		t.Errorf("denomination: got %s, want USDT", order.Denomination)
	}
	if order.Shortfall != 0 {
		t.Errorf("shortfall on a merge: got %v, want 0", order.Shortfall)
	}
	if order.Interest <= 0 {
		t.Errorf("interest: got %v, want > 0", order.Interest)
	}
}

func TestRun_ShortfallFundedBySwap(t *testing.T) {
	params := state.TradingParams{OpenFee: 0.01}
	funded := 0

	for seed := int64(1); seed <= 100; seed++ {
		f := newTwoStableFixture(t, seed, params)
		tr := f.addTrader(t, 1e9)
		tr.Liquidity["USDC"] = 500
		tr.Liquidity["USDT"] = 500

		out := f.pm.Run(tr, "BTC", 10, twoStableQuotes(100))
		if out.Open == nil {
			t.Fatalf("seed %d: no short attempted", seed)
		}
		if len(out.Swaps) == 0 {
			continue
		}

		sw := out.Swaps[0]
		if sw.AssetIn == sw.AssetOut || sw.AssetOut != out.Open.Denomination {
			t.Errorf("seed %d: swap %s->%s for a %s short", seed, sw.AssetIn, sw.AssetOut, out.Open.Denomination)
		}
		if !sw.Applied() {
			if out.Open.Skip != state.SkipCollateralSwap {
				t.Errorf("seed %d: skip: got %v, want %v", seed, out.Open.Skip, state.SkipCollateralSwap)
			}
			if _, ok := tr.Shorts["BTC"]; ok {
				t.Errorf("seed %d: short opened without collateral", seed)
			}
			continue
		}

		funded++
		if !out.Open.Applied() {
			t.Errorf("seed %d: funded short skipped: %v", seed, out.Open.Skip)
			continue
		}
		if tr.Liquidity[out.Open.Denomination] < 0 {
			t.Errorf("seed %d: %s balance negative: %v", seed, out.Open.Denomination, tr.Liquidity[out.Open.Denomination])
		}
		if spent := 500 - tr.Liquidity[sw.AssetIn]; !approxEqual(spent, sw.AmountIn+sw.FeeIn) {
			t.Errorf("seed %d: %s spent: got %v, want %v", seed, sw.AssetIn, spent, sw.AmountIn+sw.FeeIn)
		}
		if pos := tr.Shorts["BTC"]; pos == nil || pos.Denomination != out.Open.Denomination {
			t.Errorf("seed %d: short not recorded in %s", seed, out.Open.Denomination)
		}
	}

	if funded == 0 {
		t.Fatal("no seed produced a funded collateral swap")
	}
}
