package core

import (
	"fmt"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
	"PerpSim/internal/state"
)

// AssetSetup is the full per-asset configuration of a run.
type AssetSetup struct {
	Pool state.AssetParams
	Risk state.RiskParams // Coins only

	// InitialLiquidity seeds the genesis provider. Zero means derive it from
	// the anchor asset so the pool starts at target ratios.
	InitialLiquidity float64
}

type GenesisParams struct {
	Traders     int
	Providers   int
	LPShares    float64
	AnchorAsset event.Asset
}

// TractionParams are per-step probabilities of a new agent joining.
type TractionParams struct {
	TraderRate float64
	LPRate     float64
}

// Params is everything the engine needs besides prices and randomness.
type Params struct {
	Assets           []AssetSetup
	Liquidity        state.LiquidityParams
	Swap             state.SwapParams
	Interest         state.InterestParams
	Trading          state.TradingParams
	Traction         TractionParams
	Genesis          GenesisParams
	StepsPerYear     float64
	VolatilityWindow int
}

// DefaultParams reproduces the reference five-asset run.
func DefaultParams() Params {
	coin := func(sym event.Asset, target, min, max, baseFee float64) AssetSetup {
		return AssetSetup{
			Pool: state.AssetParams{
				Spec:            event.AssetSpec{Symbol: sym, Class: event.AssetClassCoin},
				Bounds:          fmath.RatioBounds{Target: target, Min: min, Max: max},
				SwapBaseFee:     baseFee,
				UtilizationMult: 0.01,
			},
			Risk: state.RiskParams{Asset: sym, MaxMargin: 50, LiquidationThreshold: 0.02},
		}
	}
	stable := func(sym event.Asset, target, min, max float64) AssetSetup {
		return AssetSetup{
			Pool: state.AssetParams{
				Spec:            event.AssetSpec{Symbol: sym, Class: event.AssetClassStable},
				Bounds:          fmath.RatioBounds{Target: target, Min: min, Max: max},
				SwapBaseFee:     0.0001,
				UtilizationMult: 0.01,
			},
		}
	}

	btc := coin("BTC", 0.23, 0.1, 0.5, 0.00025)
	btc.InitialLiquidity = 1

	return Params{
		Assets: []AssetSetup{
			btc,
			coin("ETH", 0.24, 0.1, 0.5, 0.00025),
			coin("SOL", 0.05, 0.03, 0.12, 0.00015),
			stable("USDC", 0.3, 0.25, 0.4),
			stable("USDT", 0.18, 0.015, 0.21),
		},
		Liquidity: state.DefaultLiquidityParams(),
		Swap:      state.DefaultSwapParams(),
		Interest:  state.DefaultInterestParams(),
		Trading:   state.DefaultTradingParams(),
		Genesis: GenesisParams{
			Traders:     30,
			Providers:   10,
			LPShares:    100,
			AnchorAsset: "BTC",
		},
		StepsPerYear:     525600,
		VolatilityWindow: 20,
	}
}

// Specs returns the asset specs in declared order.
func (p Params) Specs() []event.AssetSpec {
	out := make([]event.AssetSpec, len(p.Assets))
	for i, a := range p.Assets {
		out[i] = a.Pool.Spec
	}
	return out
}

func (p Params) asset(sym event.Asset) (AssetSetup, bool) {
	for _, a := range p.Assets {
		if a.Pool.Spec.Symbol == sym {
			return a, true
		}
	}
	return AssetSetup{}, false
}

// Validate checks cross-field consistency the engine relies on.
func (p Params) Validate() error {
	if len(p.Assets) < 2 {
		return fmt.Errorf("at least two assets required, got %d", len(p.Assets))
	}
	anchor, ok := p.asset(p.Genesis.AnchorAsset)
	if !ok {
		return fmt.Errorf("anchor asset %q is not configured", p.Genesis.AnchorAsset)
	}
	if anchor.InitialLiquidity <= 0 {
		return fmt.Errorf("anchor asset %s needs initial_liquidity > 0", anchor.Pool.Spec.Symbol)
	}
	if anchor.Pool.Bounds.Target <= 0 {
		return fmt.Errorf("anchor asset %s needs target_ratio > 0", anchor.Pool.Spec.Symbol)
	}

	var stables int
	for _, a := range p.Assets {
		if err := a.Pool.Bounds.Validate(); err != nil {
			return fmt.Errorf("asset %s: %w", a.Pool.Spec.Symbol, err)
		}
		switch {
		case a.Pool.Spec.IsStable():
			stables++
		case a.Pool.Spec.IsCoin():
			if err := state.ValidateRiskParams(&a.Risk); err != nil {
				return fmt.Errorf("asset %s: %w", a.Pool.Spec.Symbol, err)
			}
		default:
			return fmt.Errorf("asset %s: unknown class", a.Pool.Spec.Symbol)
		}
	}
	if stables == 0 {
		return fmt.Errorf("at least one stable asset required")
	}

	if err := p.Interest.Rate.Validate(); err != nil {
		return err
	}
	if p.Interest.StepsPerPeriod <= 0 {
		return fmt.Errorf("steps_per_period must be > 0, got %g", p.Interest.StepsPerPeriod)
	}
	if err := p.Liquidity.Fees.Curve.Validate(); err != nil {
		return fmt.Errorf("liquidity fees: %w", err)
	}
	if err := p.Swap.CoinCurve.Validate(); err != nil {
		return fmt.Errorf("coin swap fees: %w", err)
	}
	if err := p.Swap.StableCurve.Validate(); err != nil {
		return fmt.Errorf("stable swap fees: %w", err)
	}
	if p.Genesis.Traders < 0 || p.Genesis.Providers < 0 {
		return fmt.Errorf("genesis agent counts must be >= 0")
	}
	if p.Genesis.LPShares <= 0 {
		return fmt.Errorf("lp_shares must be > 0, got %g", p.Genesis.LPShares)
	}
	if p.StepsPerYear <= 0 {
		return fmt.Errorf("steps_per_year must be > 0, got %g", p.StepsPerYear)
	}
	if p.VolatilityWindow < 2 {
		return fmt.Errorf("volatility_window must be >= 2, got %d", p.VolatilityWindow)
	}
	return nil
}
