package config

import (
	"errors"
	"fmt"
	"strings"

	"PerpSim/internal/core"
	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
	"PerpSim/internal/state"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. PERPSIM_SIMULATION_SEED.
const EnvPrefix = "PERPSIM"

type Config struct {
	Assets        []AssetConfig      `mapstructure:"assets"`
	LiquidityFees LiquidityFeeConfig `mapstructure:"liquidity_fees"`
	SwapFees      SwapFeeConfig      `mapstructure:"swap_fees"`
	Interest      InterestConfig     `mapstructure:"interest"`
	Trading       TradingConfig      `mapstructure:"trading"`
	SwapChance    SwapChanceConfig   `mapstructure:"swap_chance"`
	Traction      TractionConfig     `mapstructure:"traction"`
	Genesis       GenesisConfig      `mapstructure:"genesis"`
	Simulation    SimulationConfig   `mapstructure:"simulation"`
}

type AssetConfig struct {
	Symbol               string  `mapstructure:"symbol"`
	Class                string  `mapstructure:"class"`
	TargetRatio          float64 `mapstructure:"target_ratio"`
	MinRatio             float64 `mapstructure:"min_ratio"`
	MaxRatio             float64 `mapstructure:"max_ratio"`
	MaxMargin            float64 `mapstructure:"max_margin"`
	LiquidationThreshold float64 `mapstructure:"liquidation_threshold"`
	SwapBaseFee          float64 `mapstructure:"swap_base_fee"`
	UtilizationMult      float64 `mapstructure:"utilization_mult"`
	InitialLiquidity     float64 `mapstructure:"initial_liquidity"`
}

type SoftBandConfig struct {
	Above             float64 `mapstructure:"above"`
	RejectProbability float64 `mapstructure:"reject_probability"`
}

type LiquidityFeeConfig struct {
	FeeMax         float64          `mapstructure:"fee_max"`
	FeeOptimal     float64          `mapstructure:"fee_optimal"`
	AddBaseFee     float64          `mapstructure:"add_base_fee"`
	RemoveBaseFee  float64          `mapstructure:"remove_base_fee"`
	HardCap        float64          `mapstructure:"hard_cap"`
	SoftBands      []SoftBandConfig `mapstructure:"soft_bands"`
	MinActionValue float64          `mapstructure:"min_action_value"`
}

type SwapFeeConfig struct {
	CoinsFeeMax       float64 `mapstructure:"coins_fee_max"`
	CoinsFeeOptimal   float64 `mapstructure:"coins_fee_optimal"`
	StablesFeeMax     float64 `mapstructure:"stables_fee_max"`
	StablesFeeOptimal float64 `mapstructure:"stables_fee_optimal"`
}

type InterestConfig struct {
	OptimalUtilization float64 `mapstructure:"optimal_utilization"`
	Slope1             float64 `mapstructure:"slope1"`
	Slope2             float64 `mapstructure:"slope2"`
	StepsPerPeriod     float64 `mapstructure:"steps_per_period"`
}

type TradingConfig struct {
	OpenFee              float64 `mapstructure:"open_fee"`
	CloseFee             float64 `mapstructure:"close_fee"`
	LongOpenProbability  float64 `mapstructure:"long_open_probability"`
	ShortOpenProbability float64 `mapstructure:"short_open_probability"`
	WarmupSteps          int64   `mapstructure:"warmup_steps"`
}

type SwapChanceConfig struct {
	BuyProbability  float64 `mapstructure:"buy_probability"`
	SellProbability float64 `mapstructure:"sell_probability"`
}

type TractionConfig struct {
	TraderRate float64 `mapstructure:"trader_rate"`
	LPRate     float64 `mapstructure:"lp_rate"`
}

type GenesisConfig struct {
	Traders     int     `mapstructure:"traders"`
	Providers   int     `mapstructure:"providers"`
	LPShares    float64 `mapstructure:"lp_shares"`
	AnchorAsset string  `mapstructure:"anchor_asset"`
}

type SimulationConfig struct {
	Steps            int64   `mapstructure:"steps"`
	Seed             int64   `mapstructure:"seed"`
	StepsPerYear     float64 `mapstructure:"steps_per_year"`
	VolatilityWindow int     `mapstructure:"volatility_window"`
}

// Load reads the parameter file at configPath (YAML, JSON or TOML by
// extension). With an empty path it looks for perpsim.yaml in the working
// directory and ./config. A missing file is not an error: defaults and
// PERPSIM_* environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("perpsim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := core.DefaultParams()

	assets := make([]map[string]interface{}, 0, len(d.Assets))
	for _, a := range d.Assets {
		assets = append(assets, map[string]interface{}{
			"symbol":                string(a.Pool.Spec.Symbol),
			"class":                 a.Pool.Spec.Class.String(),
			"target_ratio":          a.Pool.Bounds.Target,
			"min_ratio":             a.Pool.Bounds.Min,
			"max_ratio":             a.Pool.Bounds.Max,
			"max_margin":            a.Risk.MaxMargin,
			"liquidation_threshold": a.Risk.LiquidationThreshold,
			"swap_base_fee":         a.Pool.SwapBaseFee,
			"utilization_mult":      a.Pool.UtilizationMult,
			"initial_liquidity":     a.InitialLiquidity,
		})
	}
	v.SetDefault("assets", assets)

	// Liquidity fees
	v.SetDefault("liquidity_fees.fee_max", d.Liquidity.Fees.Curve.FeeMax)
	v.SetDefault("liquidity_fees.fee_optimal", d.Liquidity.Fees.Curve.FeeOptimal)
	v.SetDefault("liquidity_fees.add_base_fee", d.Liquidity.Fees.AddBaseFee)
	v.SetDefault("liquidity_fees.remove_base_fee", d.Liquidity.Fees.RemoveBaseFee)
	v.SetDefault("liquidity_fees.hard_cap", d.Liquidity.HardCap)
	v.SetDefault("liquidity_fees.min_action_value", d.Liquidity.MinActionValue)
	bands := make([]map[string]interface{}, 0, len(d.Liquidity.SoftBands))
	for _, b := range d.Liquidity.SoftBands {
		bands = append(bands, map[string]interface{}{
			"above":              b.Above,
			"reject_probability": b.RejectProbability,
		})
	}
	v.SetDefault("liquidity_fees.soft_bands", bands)

	// Swap fees
	v.SetDefault("swap_fees.coins_fee_max", d.Swap.CoinCurve.FeeMax)
	v.SetDefault("swap_fees.coins_fee_optimal", d.Swap.CoinCurve.FeeOptimal)
	v.SetDefault("swap_fees.stables_fee_max", d.Swap.StableCurve.FeeMax)
	v.SetDefault("swap_fees.stables_fee_optimal", d.Swap.StableCurve.FeeOptimal)

	// Interest
	v.SetDefault("interest.optimal_utilization", d.Interest.Rate.OptimalUtilization)
	v.SetDefault("interest.slope1", d.Interest.Rate.Slope1)
	v.SetDefault("interest.slope2", d.Interest.Rate.Slope2)
	v.SetDefault("interest.steps_per_period", d.Interest.StepsPerPeriod)

	// Trading
	v.SetDefault("trading.open_fee", d.Trading.OpenFee)
	v.SetDefault("trading.close_fee", d.Trading.CloseFee)
	v.SetDefault("trading.long_open_probability", d.Trading.LongOpenProbability)
	v.SetDefault("trading.short_open_probability", d.Trading.ShortOpenProbability)
	v.SetDefault("trading.warmup_steps", d.Trading.WarmupSteps)

	v.SetDefault("swap_chance.buy_probability", d.Swap.BuyProbability)
	v.SetDefault("swap_chance.sell_probability", d.Swap.SellProbability)

	v.SetDefault("traction.trader_rate", d.Traction.TraderRate)
	v.SetDefault("traction.lp_rate", d.Traction.LPRate)

	// Genesis
	v.SetDefault("genesis.traders", d.Genesis.Traders)
	v.SetDefault("genesis.providers", d.Genesis.Providers)
	v.SetDefault("genesis.lp_shares", d.Genesis.LPShares)
	v.SetDefault("genesis.anchor_asset", string(d.Genesis.AnchorAsset))

	// Simulation
	v.SetDefault("simulation.steps", 719)
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.steps_per_year", d.StepsPerYear)
	v.SetDefault("simulation.volatility_window", d.VolatilityWindow)
}

// Params converts a validated configuration into engine parameters.
func (c *Config) Params() (core.Params, error) {
	if err := c.Validate(); err != nil {
		return core.Params{}, err
	}

	p := core.Params{
		Liquidity: state.LiquidityParams{
			Fees: fmath.LiquidityFeeParams{
				Curve:         fmath.FeeCurve{FeeMax: c.LiquidityFees.FeeMax, FeeOptimal: c.LiquidityFees.FeeOptimal},
				AddBaseFee:    c.LiquidityFees.AddBaseFee,
				RemoveBaseFee: c.LiquidityFees.RemoveBaseFee,
			},
			HardCap:        c.LiquidityFees.HardCap,
			MinActionValue: c.LiquidityFees.MinActionValue,
		},
		Swap: state.SwapParams{
			CoinCurve:       fmath.FeeCurve{FeeMax: c.SwapFees.CoinsFeeMax, FeeOptimal: c.SwapFees.CoinsFeeOptimal},
			StableCurve:     fmath.FeeCurve{FeeMax: c.SwapFees.StablesFeeMax, FeeOptimal: c.SwapFees.StablesFeeOptimal},
			BuyProbability:  c.SwapChance.BuyProbability,
			SellProbability: c.SwapChance.SellProbability,
		},
		Interest: state.InterestParams{
			Rate: fmath.RateParams{
				OptimalUtilization: c.Interest.OptimalUtilization,
				Slope1:             c.Interest.Slope1,
				Slope2:             c.Interest.Slope2,
			},
			StepsPerPeriod: c.Interest.StepsPerPeriod,
		},
		Trading: state.TradingParams{
			OpenFee:              c.Trading.OpenFee,
			CloseFee:             c.Trading.CloseFee,
			LongOpenProbability:  c.Trading.LongOpenProbability,
			ShortOpenProbability: c.Trading.ShortOpenProbability,
			WarmupSteps:          c.Trading.WarmupSteps,
		},
		Traction: core.TractionParams{
			TraderRate: c.Traction.TraderRate,
			LPRate:     c.Traction.LPRate,
		},
		Genesis: core.GenesisParams{
			Traders:     c.Genesis.Traders,
			Providers:   c.Genesis.Providers,
			LPShares:    c.Genesis.LPShares,
			AnchorAsset: event.Asset(strings.ToUpper(c.Genesis.AnchorAsset)),
		},
		StepsPerYear:     c.Simulation.StepsPerYear,
		VolatilityWindow: c.Simulation.VolatilityWindow,
	}

	for _, b := range c.LiquidityFees.SoftBands {
		p.Liquidity.SoftBands = append(p.Liquidity.SoftBands, state.SoftBand{
			Above:             b.Above,
			RejectProbability: b.RejectProbability,
		})
	}

	for _, a := range c.Assets {
		class, _ := event.ParseAssetClass(a.Class)
		sym := event.Asset(strings.ToUpper(a.Symbol))
		setup := core.AssetSetup{
			Pool: state.AssetParams{
				Spec:            event.AssetSpec{Symbol: sym, Class: class},
				Bounds:          fmath.RatioBounds{Target: a.TargetRatio, Min: a.MinRatio, Max: a.MaxRatio},
				SwapBaseFee:     a.SwapBaseFee,
				UtilizationMult: a.UtilizationMult,
			},
			InitialLiquidity: a.InitialLiquidity,
		}
		if class == event.AssetClassCoin {
			setup.Risk = state.RiskParams{
				Asset:                sym,
				MaxMargin:            a.MaxMargin,
				LiquidationThreshold: a.LiquidationThreshold,
			}
		}
		p.Assets = append(p.Assets, setup)
	}

	if err := p.Validate(); err != nil {
		return core.Params{}, &ValidationError{Problems: []string{err.Error()}}
	}
	return p, nil
}
