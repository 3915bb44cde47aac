package config

import (
	"fmt"
	"strings"

	"PerpSim/internal/event"
)

// ValidationError lists every invalid field found in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) addf(format string, args ...interface{}) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) probability(field string, v float64) {
	if v < 0 || v > 1 {
		p.addf("%s must be in [0,1], got %g", field, v)
	}
}

func (p *problems) nonNegative(field string, v float64) {
	if v < 0 {
		p.addf("%s must be >= 0, got %g", field, v)
	}
}

// Validate checks every field and returns a *ValidationError listing all
// problems, or nil.
func (c *Config) Validate() error {
	var p problems

	if len(c.Assets) < 2 {
		p.addf("assets: at least two required, got %d", len(c.Assets))
	}
	seen := make(map[string]bool, len(c.Assets))
	anchorFound := false
	var stables, ratioSum float64
	for i, a := range c.Assets {
		field := fmt.Sprintf("assets[%d]", i)
		sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if sym == "" {
			p.addf("%s.symbol is required", field)
		} else {
			field = fmt.Sprintf("assets[%s]", sym)
		}
		if seen[sym] {
			p.addf("%s: duplicate symbol", field)
		}
		seen[sym] = true
		if sym == strings.ToUpper(c.Genesis.AnchorAsset) {
			anchorFound = true
		}

		class, err := event.ParseAssetClass(a.Class)
		if err != nil {
			p.addf("%s.class: %v", field, err)
		}
		if class == event.AssetClassStable {
			stables++
		}

		if a.MinRatio < 0 || a.MaxRatio > 1 {
			p.addf("%s: ratios must lie in [0,1]", field)
		}
		if !(a.MinRatio < a.TargetRatio && a.TargetRatio < a.MaxRatio) {
			p.addf("%s: need min_ratio < target_ratio < max_ratio, got %g/%g/%g", field, a.MinRatio, a.TargetRatio, a.MaxRatio)
		}
		ratioSum += a.TargetRatio

		if class == event.AssetClassCoin {
			if a.MaxMargin <= 0 {
				p.addf("%s.max_margin must be > 0, got %g", field, a.MaxMargin)
			}
			p.nonNegative(field+".liquidation_threshold", a.LiquidationThreshold)
		}
		p.nonNegative(field+".swap_base_fee", a.SwapBaseFee)
		p.nonNegative(field+".utilization_mult", a.UtilizationMult)
		p.nonNegative(field+".initial_liquidity", a.InitialLiquidity)
	}
	if len(c.Assets) > 0 && stables == 0 {
		p.addf("assets: at least one stable required")
	}
	if len(c.Assets) > 0 && (ratioSum < 0.999 || ratioSum > 1.001) {
		p.addf("assets: target ratios must sum to 1, got %g", ratioSum)
	}
	if !anchorFound {
		p.addf("genesis.anchor_asset %q is not a configured asset", c.Genesis.AnchorAsset)
	}

	// Fee curves
	lf := c.LiquidityFees
	if lf.FeeOptimal < 0 || lf.FeeMax < lf.FeeOptimal {
		p.addf("liquidity_fees: need 0 <= fee_optimal <= fee_max, got %g/%g", lf.FeeOptimal, lf.FeeMax)
	}
	p.nonNegative("liquidity_fees.add_base_fee", lf.AddBaseFee)
	p.nonNegative("liquidity_fees.remove_base_fee", lf.RemoveBaseFee)
	p.nonNegative("liquidity_fees.hard_cap", lf.HardCap)
	p.nonNegative("liquidity_fees.min_action_value", lf.MinActionValue)
	for i, b := range lf.SoftBands {
		p.probability(fmt.Sprintf("liquidity_fees.soft_bands[%d].reject_probability", i), b.RejectProbability)
		if i > 0 && b.Above > lf.SoftBands[i-1].Above {
			p.addf("liquidity_fees.soft_bands must be ordered by descending threshold")
		}
	}

	sf := c.SwapFees
	if sf.CoinsFeeOptimal < 0 || sf.CoinsFeeMax < sf.CoinsFeeOptimal {
		p.addf("swap_fees: need 0 <= coins_fee_optimal <= coins_fee_max")
	}
	if sf.StablesFeeOptimal < 0 || sf.StablesFeeMax < sf.StablesFeeOptimal {
		p.addf("swap_fees: need 0 <= stables_fee_optimal <= stables_fee_max")
	}

	// Interest
	if c.Interest.OptimalUtilization <= 0 || c.Interest.OptimalUtilization >= 1 {
		p.addf("interest.optimal_utilization must be in (0,1), got %g", c.Interest.OptimalUtilization)
	}
	p.nonNegative("interest.slope1", c.Interest.Slope1)
	p.nonNegative("interest.slope2", c.Interest.Slope2)
	if c.Interest.StepsPerPeriod <= 0 {
		p.addf("interest.steps_per_period must be > 0, got %g", c.Interest.StepsPerPeriod)
	}

	// Trading
	p.nonNegative("trading.open_fee", c.Trading.OpenFee)
	p.nonNegative("trading.close_fee", c.Trading.CloseFee)
	p.probability("trading.long_open_probability", c.Trading.LongOpenProbability)
	p.probability("trading.short_open_probability", c.Trading.ShortOpenProbability)
	if c.Trading.LongOpenProbability > c.Trading.ShortOpenProbability {
		p.addf("trading: long_open_probability must not exceed short_open_probability")
	}
	if c.Trading.WarmupSteps < 0 {
		p.addf("trading.warmup_steps must be >= 0, got %d", c.Trading.WarmupSteps)
	}

	p.probability("swap_chance.buy_probability", c.SwapChance.BuyProbability)
	p.probability("swap_chance.sell_probability", c.SwapChance.SellProbability)
	if c.SwapChance.BuyProbability > c.SwapChance.SellProbability {
		p.addf("swap_chance: buy_probability must not exceed sell_probability")
	}

	p.probability("traction.trader_rate", c.Traction.TraderRate)
	p.probability("traction.lp_rate", c.Traction.LPRate)

	// Genesis and simulation
	if c.Genesis.Traders < 0 {
		p.addf("genesis.traders must be >= 0, got %d", c.Genesis.Traders)
	}
	if c.Genesis.Providers < 0 {
		p.addf("genesis.providers must be >= 0, got %d", c.Genesis.Providers)
	}
	if c.Genesis.LPShares <= 0 {
		p.addf("genesis.lp_shares must be > 0, got %g", c.Genesis.LPShares)
	}
	if c.Simulation.Steps < 0 {
		p.addf("simulation.steps must be >= 0, got %d", c.Simulation.Steps)
	}
	if c.Simulation.StepsPerYear <= 0 {
		p.addf("simulation.steps_per_year must be > 0, got %g", c.Simulation.StepsPerYear)
	}
	if c.Simulation.VolatilityWindow < 2 {
		p.addf("simulation.volatility_window must be >= 2, got %d", c.Simulation.VolatilityWindow)
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}
