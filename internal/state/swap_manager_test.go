package state_test

import (
	"testing"

	"PerpSim/internal/event"
	"PerpSim/internal/state"

	"github.com/google/uuid"
)

func newSwapFixture(t *testing.T) (*state.Pool, *state.Provider, *state.SwapManager) {
	t.Helper()
	pool := mustPool(t, map[event.Asset]float64{"BTC": 10, "USDC": 600000},
		btcParams(0.5, 0.1, 0.9), usdcParams(0.5, 0.1, 0.9))
	reg, g := mustRegistryWithGenesis(t)
	sm := state.NewSwapManager(pool, reg, state.DefaultSwapParams(), newRNG())
	return pool, g, sm
}

func TestSwapExecute_ConservesValue(t *testing.T) {
	pool, g, sm := newSwapFixture(t)
	prices := quotes(60000)
	pool.UpdateRatios(prices)
	tvlBefore := pool.TVLAt(prices, event.PriceSideLow)

	tr := state.NewTrader(uuid.New(), 5, 10)
	tr.Liquidity["USDC"] = 10000

	res := sm.Execute(tr, sm.Propose("USDC", 6000, "BTC", prices), prices)
	if !res.Applied() {
		t.Fatalf("swap skipped: %v", res.Skip)
	}
	if !approxEqual(res.AmountOut, 0.1) {
		t.Fatalf("amount out: got %v, want 0.1", res.AmountOut)
	}

	feeValue := res.FeeIn*1 + res.FeeOut*60000
	tvlAfter := pool.TVLAt(prices, event.PriceSideLow)
	if d := tvlAfter - tvlBefore - 0.7*feeValue; d > 1e-6 || d < -1e-6 {
		t.Errorf("TVL delta: got %v, want %v", tvlAfter-tvlBefore, 0.7*feeValue)
	}
	if !approxEqual(g.Funds["USDC"], 0.3*res.FeeIn) {
		t.Errorf("genesis USDC: got %v, want %v", g.Funds["USDC"], 0.3*res.FeeIn)
	}
	if !approxEqual(g.Funds["BTC"], 0.3*res.FeeOut) {
		t.Errorf("genesis BTC: got %v, want %v", g.Funds["BTC"], 0.3*res.FeeOut)
	}
	if !approxEqual(tr.Liquidity["USDC"], 4000-res.FeeIn) {
		t.Errorf("trader USDC: got %v, want %v", tr.Liquidity["USDC"], 4000-res.FeeIn)
	}
	if !approxEqual(tr.Liquidity["BTC"], 0.1-res.FeeOut) {
		t.Errorf("trader BTC: got %v, want %v", tr.Liquidity["BTC"], 0.1-res.FeeOut)
	}
	if res.FeeIn <= 0 || res.FeeOut <= 0 {
		t.Errorf("fees must be positive: in %v out %v", res.FeeIn, res.FeeOut)
	}
	if got := pool.Book("USDC").Volume; got != 6000 {
		t.Errorf("USDC volume: got %v, want 6000", got)
	}
}

func TestSwapExecute_InsufficientLiquidityIsAtomic(t *testing.T) {
	pool, g, sm := newSwapFixture(t)
	prices := quotes(60000)
	pool.UpdateRatios(prices)

	tr := state.NewTrader(uuid.New(), 5, 10)
	tr.Liquidity["USDC"] = 6000 // Cannot cover the incoming fee

	res := sm.Execute(tr, sm.Propose("USDC", 6000, "BTC", prices), prices)
	if res.Skip != state.SkipInsufficientLiquidity {
		t.Fatalf("skip: got %v, want %v", res.Skip, state.SkipInsufficientLiquidity)
	}
	if tr.Liquidity["USDC"] != 6000 || tr.Liquidity["BTC"] != 0 {
		t.Errorf("trader changed: %v", tr.Liquidity)
	}
	if pool.Book("USDC").Holdings != 600000 || pool.Book("BTC").Holdings != 10 {
		t.Errorf("pool changed: usdc %v btc %v", pool.Book("USDC").Holdings, pool.Book("BTC").Holdings)
	}
	if len(g.Funds) != 0 {
		t.Errorf("genesis credited on rejected swap: %v", g.Funds)
	}
}

func TestSwapExecute_PoolCapacity(t *testing.T) {
	pool, _, sm := newSwapFixture(t)
	prices := quotes(60000)
	pool.UpdateRatios(prices)
	pool.Book("BTC").OILong = 9.95

	tr := state.NewTrader(uuid.New(), 5, 10)
	tr.Liquidity["USDC"] = 10000

	res := sm.Execute(tr, sm.Propose("USDC", 6000, "BTC", prices), prices)
	if res.Skip != state.SkipPoolCapacity {
		t.Errorf("skip: got %v, want %v", res.Skip, state.SkipPoolCapacity)
	}
}

func TestSwapExecute_RatioBoundRejected(t *testing.T) {
	pool, _, sm := newSwapFixture(t)
	prices := quotes(60000)
	pool.UpdateRatios(prices)

	tr := state.NewTrader(uuid.New(), 5, 10)
	tr.Liquidity["USDC"] = 1e7

	// Draining 9 of 10 BTC drops its ratio far below min.
	res := sm.Execute(tr, sm.Propose("USDC", 540000, "BTC", prices), prices)
	if res.Applied() {
		t.Fatal("expected rejection")
	}
	if pool.Book("BTC").Holdings != 10 {
		t.Errorf("BTC holdings changed: %v", pool.Book("BTC").Holdings)
	}
}

func TestSwapDecide_SpreadProblemNeverSwaps(t *testing.T) {
	pool, _, sm := newSwapFixture(t)
	prices := quotes(60000)
	q := prices["BTC"]
	q.SpreadProblem = true
	prices["BTC"] = q
	pool.UpdateRatios(prices)

	tr := state.NewTrader(uuid.New(), 5, 10)
	tr.Liquidity["BTC"] = 1

	for i := 0; i < 50; i++ {
		if _, ok := sm.Decide(tr, "BTC", prices); ok {
			t.Fatal("swap proposed for a coin with a spread problem")
		}
	}
}

func TestSwapDecide_PricesDisposedAtLowReceivedAtHigh(t *testing.T) {
	pool, _, sm := newSwapFixture(t)
	prices := event.Quotes{
		"BTC":  {Low: 59000, High: 61000, Reference: 60000},
		"USDC": event.StableQuote(1),
	}
	pool.UpdateRatios(prices)

	p := sm.Propose("BTC", 1, "USDC", prices)
	if p.AmountOut != 59000 {
		t.Errorf("sell BTC: got %v USDC, want 59000", p.AmountOut)
	}
	p = sm.Propose("USDC", 61000, "BTC", prices)
	if p.AmountOut != 1 {
		t.Errorf("buy BTC: got %v BTC, want 1", p.AmountOut)
	}
}
