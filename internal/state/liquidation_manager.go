package state

import (
	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
)

// InterestParams is the borrow curve plus the number of steps in one
// rate period.
type InterestParams struct {
	Rate           fmath.RateParams
	StepsPerPeriod float64
}

func DefaultInterestParams() InterestParams {
	return InterestParams{
		Rate:           fmath.RateParams{OptimalUtilization: 0.8, Slope1: 0.1, Slope2: 0.1},
		StepsPerPeriod: 1440,
	}
}

// Maintenance is the mark-to-close valuation of one open position.
// Amounts are in the collateral asset: the coin for longs, the
// denomination for shorts. USDPnL is in quote currency.
type Maintenance struct {
	Side          event.Side
	Quantity      float64
	Price         float64
	StablePrice   float64 // Shorts only
	USDPnL        float64
	PnL           float64
	CollateralPnL float64 // Longs only
	Interest      float64
	Payout        float64
	Liquidate     bool
}

// PayoutPerUnit expresses the payout in asset units per unit of quantity.
func (m Maintenance) PayoutPerUnit() float64 {
	if m.Quantity == 0 || m.Price == 0 {
		return 0
	}
	if m.Side == event.SideShort {
		return m.Payout * m.StablePrice / m.Price / m.Quantity
	}
	return m.Payout / m.Quantity
}

// LiquidationManager marks open positions at their close-side price and
// flags those below the liquidation threshold.
type LiquidationManager struct {
	pool     *Pool
	risk     *RiskParamsManager
	interest InterestParams
}

func NewLiquidationManager(pool *Pool, risk *RiskParamsManager, interest InterestParams) *LiquidationManager {
	return &LiquidationManager{
		pool:     pool,
		risk:     risk,
		interest: interest,
	}
}

// LongInterest is the carry owed on a long, in asset units.
func (lm *LiquidationManager) LongInterest(asset event.Asset, pos *LongPosition, step int64) float64 {
	return fmath.AccrueInterest(pos.Quantity, step-pos.LastUpdateStep, lm.pool.Utilization(asset),
		lm.interest.Rate, lm.interest.StepsPerPeriod)
}

// ShortInterest is the carry owed on a short, in denomination units.
func (lm *LiquidationManager) ShortInterest(pos *ShortPosition, step int64, stablePrice float64) float64 {
	if stablePrice <= 0 {
		return 0
	}
	usd := fmath.AccrueInterest(pos.Quantity*pos.EntryPrice, step-pos.LastUpdateStep,
		lm.pool.Utilization(pos.Denomination), lm.interest.Rate, lm.interest.StepsPerPeriod)
	return usd / stablePrice
}

// EvaluateLong marks a long at the low quote.
func (lm *LiquidationManager) EvaluateLong(asset event.Asset, pos *LongPosition, step int64, prices event.Quotes) Maintenance {
	p := prices.Low(asset)
	m := Maintenance{Side: event.SideLong, Quantity: pos.Quantity, Price: p}
	if p <= 0 {
		return m
	}

	m.USDPnL = (p - pos.EntryPrice) * pos.Quantity
	m.PnL = m.USDPnL / p
	m.Interest = lm.LongInterest(asset, pos, step)
	m.CollateralPnL = pos.NominalCollateral/p - pos.Collateral
	m.Payout = pos.NominalCollateral/p - m.Interest + m.PnL
	m.Liquidate = lm.belowThreshold(asset, m)
	return m
}

// EvaluateShort marks a short at the high quote. PnL and payout are
// converted into the collateral denomination.
func (lm *LiquidationManager) EvaluateShort(asset event.Asset, pos *ShortPosition, step int64, prices event.Quotes) Maintenance {
	p := prices.High(asset)
	sp := prices.Low(pos.Denomination)
	m := Maintenance{Side: event.SideShort, Quantity: pos.Quantity, Price: p, StablePrice: sp}
	if p <= 0 || sp <= 0 {
		return m
	}

	m.USDPnL = (pos.EntryPrice - p) * pos.Quantity
	m.PnL = m.USDPnL / sp
	m.Interest = lm.ShortInterest(pos, step, sp)
	m.Payout = pos.Collateral - m.Interest + m.PnL
	m.Liquidate = lm.belowThreshold(asset, m)
	return m
}

func (lm *LiquidationManager) belowThreshold(asset event.Asset, m Maintenance) bool {
	rp, ok := lm.risk.GetRiskParams(asset)
	if !ok {
		return false
	}
	return m.PayoutPerUnit() < rp.LiquidationThreshold
}
