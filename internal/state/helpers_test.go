package state_test

import (
	"math"
	"math/rand"
	"testing"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
	"PerpSim/internal/state"

	"github.com/google/uuid"
)

// --- Test helpers ---

const tolerance = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func btcParams(target, min, max float64) state.AssetParams {
	return state.AssetParams{
		Spec:            event.AssetSpec{Symbol: "BTC", Class: event.AssetClassCoin},
		Bounds:          fmath.RatioBounds{Target: target, Min: min, Max: max},
		SwapBaseFee:     0.00025,
		UtilizationMult: 0.01,
	}
}

func usdcParams(target, min, max float64) state.AssetParams {
	return state.AssetParams{
		Spec:            event.AssetSpec{Symbol: "USDC", Class: event.AssetClassStable},
		Bounds:          fmath.RatioBounds{Target: target, Min: min, Max: max},
		SwapBaseFee:     0.0001,
		UtilizationMult: 0.01,
	}
}

func usdtParams(target, min, max float64) state.AssetParams {
	return state.AssetParams{
		Spec:            event.AssetSpec{Symbol: "USDT", Class: event.AssetClassStable},
		Bounds:          fmath.RatioBounds{Target: target, Min: min, Max: max},
		SwapBaseFee:     0.0001,
		UtilizationMult: 0.01,
	}
}

func mustPool(t *testing.T, holdings map[event.Asset]float64, params ...state.AssetParams) *state.Pool {
	t.Helper()
	pool, err := state.NewPool(params, 100)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	for a, amt := range holdings {
		pool.Book(a).Holdings = amt
	}
	return pool
}

func mustRegistryWithGenesis(t *testing.T) (*state.Registry, *state.Provider) {
	t.Helper()
	reg := state.NewRegistry()
	g := state.NewProvider(uuid.New())
	g.Genesis = true
	if err := reg.AddProvider(g); err != nil {
		t.Fatalf("AddProvider: %v", err)
	}
	return reg, g
}

func quotes(btc float64) event.Quotes {
	return event.Quotes{
		"BTC":  {Low: btc, High: btc, Reference: btc},
		"USDC": event.StableQuote(1),
	}
}

// twoStableQuotes prices BTC plus USDC and USDT at par.
func twoStableQuotes(btc float64) event.Quotes {
	q := quotes(btc)
	q["USDT"] = event.StableQuote(1)
	return q
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(7))
}
