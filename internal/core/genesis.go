package core

import (
	"fmt"
	"math/rand"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
	"PerpSim/internal/state"

	"github.com/google/uuid"
)

const (
	genesisThreshold  = 1e6
	minAgentFundsUSD  = 100
	maxAgentFundsUSD  = 5000
	maxAddThreshold   = 0.1
	removeToAddFactor = 0.7
	minHold           = 1
	maxGenesisHold    = 100
	maxTractionHold   = 10
	minRiskFactor     = 1
	maxRiskFactor     = 10
)

// InitialLiquidity sizes every asset so the pool starts at its target
// ratios, anchored on the anchor asset's configured amount. Explicit
// amounts win over derived ones.
func InitialLiquidity(p Params, prices event.Quotes) (map[event.Asset]float64, error) {
	anchor, ok := p.asset(p.Genesis.AnchorAsset)
	if !ok {
		return nil, fmt.Errorf("anchor asset %q is not configured", p.Genesis.AnchorAsset)
	}
	anchorPrice := prices.High(anchor.Pool.Spec.Symbol)
	if anchorPrice <= 0 {
		return nil, &PriceGapError{Asset: anchor.Pool.Spec.Symbol, Reason: "no genesis price"}
	}
	total := anchor.InitialLiquidity * anchorPrice / anchor.Pool.Bounds.Target

	out := make(map[event.Asset]float64, len(p.Assets))
	for _, a := range p.Assets {
		sym := a.Pool.Spec.Symbol
		if a.InitialLiquidity > 0 {
			out[sym] = a.InitialLiquidity
			continue
		}
		price := prices.High(sym)
		if price <= 0 {
			return nil, &PriceGapError{Asset: sym, Reason: "no genesis price"}
		}
		out[sym] = total / price * a.Pool.Bounds.Target
	}
	return out, nil
}

// newAgentID draws an id from the run's random source so agent ids are
// reproducible under a seed.
func newAgentID(rng *rand.Rand) uuid.UUID {
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		// *rand.Rand never fails a Read.
		panic(fmt.Sprintf("FATAL: agent id: %v", err))
	}
	return id
}

// randomFunds draws a quote-currency amount per asset and converts it to units.
func randomFunds(rng *rand.Rand, assets []event.AssetSpec, prices event.Quotes) map[event.Asset]float64 {
	out := make(map[event.Asset]float64, len(assets))
	for _, a := range assets {
		usd := fmath.Uniform(rng, minAgentFundsUSD, maxAgentFundsUSD)
		if price := prices.High(a.Symbol); price > 0 {
			out[a.Symbol] = usd / price
		}
	}
	return out
}

// NewGenesisProvider holds the seeded liquidity and every initial LP share.
func NewGenesisProvider(rng *rand.Rand, assets []event.AssetSpec, liquidity map[event.Asset]float64, lpShares float64) *state.Provider {
	p := state.NewProvider(newAgentID(rng))
	p.Genesis = true
	p.PoolShare = lpShares
	for _, a := range assets {
		p.Funds[a.Symbol] = 0
		p.Liquidity[a.Symbol] = liquidity[a.Symbol]
		p.AddThreshold[a.Symbol] = genesisThreshold
		p.RemoveThreshold[a.Symbol] = genesisThreshold
	}
	return p
}

// NewRandomProvider draws funds and per-asset thresholds. The remove
// threshold is a fixed fraction of the add threshold.
func NewRandomProvider(rng *rand.Rand, assets []event.AssetSpec, prices event.Quotes) *state.Provider {
	p := state.NewProvider(newAgentID(rng))
	for _, a := range assets {
		th := fmath.Uniform(rng, 0, maxAddThreshold)
		p.AddThreshold[a.Symbol] = th
		p.RemoveThreshold[a.Symbol] = th * removeToAddFactor
	}
	p.Funds = randomFunds(rng, assets, prices)
	for _, a := range assets {
		p.Liquidity[a.Symbol] = 0
	}
	return p
}

// NewRandomTrader draws liquidity, holding horizon and risk appetite.
func NewRandomTrader(rng *rand.Rand, assets []event.AssetSpec, prices event.Quotes, maxHold float64) *state.Trader {
	id := newAgentID(rng)
	liquidity := randomFunds(rng, assets, prices)
	hold := fmath.Uniform(rng, minHold, maxHold)
	rf := fmath.Uniform(rng, minRiskFactor, maxRiskFactor)

	t := state.NewTrader(id, rf, hold)
	t.Liquidity = liquidity
	return t
}

// BuildGenesis creates the pool, the genesis provider and the initial agents.
func BuildGenesis(p Params, prices event.Quotes, rng *rand.Rand) (*state.Pool, *state.Registry, error) {
	assetParams := make([]state.AssetParams, len(p.Assets))
	for i, a := range p.Assets {
		assetParams[i] = a.Pool
	}
	pool, err := state.NewPool(assetParams, p.Genesis.LPShares)
	if err != nil {
		return nil, nil, fmt.Errorf("build pool: %w", err)
	}

	liquidity, err := InitialLiquidity(p, prices)
	if err != nil {
		return nil, nil, err
	}

	specs := p.Specs()
	reg := state.NewRegistry()

	genesis := NewGenesisProvider(rng, specs, liquidity, p.Genesis.LPShares)
	if err := reg.AddProvider(genesis); err != nil {
		return nil, nil, err
	}
	pool.SeedHoldings(genesis.ID, liquidity)

	for i := 0; i < p.Genesis.Providers; i++ {
		if err := reg.AddProvider(NewRandomProvider(rng, specs, prices)); err != nil {
			return nil, nil, err
		}
	}
	for i := 0; i < p.Genesis.Traders; i++ {
		if err := reg.AddTrader(NewRandomTrader(rng, specs, prices, maxGenesisHold)); err != nil {
			return nil, nil, err
		}
	}

	pool.UpdateRatios(prices)
	return pool, reg, nil
}
