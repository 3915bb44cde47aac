package state

import (
	"math"
	"math/rand"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"

	"github.com/google/uuid"
)

const (
	addYieldMultiplier    = 10
	removeYieldMultiplier = 40
	maxActionFraction     = 0.95
	volatilityWeight      = 3

	// Relative overshoot of a burn that is treated as rounding on a full exit.
	shareRoundingTolerance = 1e-9
)

// SoftBand rejects a liquidity action with RejectProbability when its fee
// ratio is at or above Above and below the next higher threshold.
type SoftBand struct {
	Above             float64
	RejectProbability float64
}

// LiquidityParams configures the provider mechanism.
type LiquidityParams struct {
	Fees           fmath.LiquidityFeeParams
	HardCap        float64
	SoftBands      []SoftBand // Highest threshold first
	MinActionValue float64
}

func DefaultLiquidityParams() LiquidityParams {
	return LiquidityParams{
		Fees: fmath.LiquidityFeeParams{
			Curve:         fmath.FeeCurve{FeeMax: 0.025, FeeOptimal: 0.001},
			AddBaseFee:    0.005,
			RemoveBaseFee: 0.0005,
		},
		HardCap: 0.07,
		SoftBands: []SoftBand{
			{Above: 0.05, RejectProbability: 0.6},
			{Above: 0.03, RejectProbability: 0.3},
			{Above: 0.015, RejectProbability: 0.1},
		},
		MinActionValue: 3,
	}
}

// LiquidityProposal is a provider's intended action on one asset.
// Amount > 0 adds, Amount < 0 removes.
type LiquidityProposal struct {
	Asset  event.Asset
	Amount float64
}

// LiquidityResult is the outcome of one provider-asset action.
type LiquidityResult struct {
	ProviderID uuid.UUID
	Asset      event.Asset
	Amount     float64
	Fee        float64
	Shares     float64
	Skip       SkipReason
}

func (r LiquidityResult) Applied() bool {
	return r.Skip == SkipNone
}

// LiquidityManager applies provider add/remove decisions to the pool.
type LiquidityManager struct {
	pool     *Pool
	registry *Registry
	params   LiquidityParams
	rng      *rand.Rand
}

func NewLiquidityManager(pool *Pool, registry *Registry, params LiquidityParams, rng *rand.Rand) *LiquidityManager {
	return &LiquidityManager{
		pool:     pool,
		registry: registry,
		params:   params,
		rng:      rng,
	}
}

// Sync re-marks a provider's deployed liquidity to its share-weighted claim
// on pool holdings. Providers without a contribution entry are untouched.
func (m *LiquidityManager) Sync(p *Provider, prices event.Quotes) {
	lps, ok := m.pool.LPContribution(p.ID)
	if !ok {
		return
	}

	assets := m.pool.Assets()
	balance := p.Balance(assets, prices)
	updated := make(map[event.Asset]float64, len(assets))

	for _, a := range assets {
		if _, tracked := lps[a.Symbol]; !tracked {
			updated[a.Symbol] = 0
			continue
		}
		b := m.pool.Book(a.Symbol)
		liq := 0.0
		if balance > 0 && m.pool.LPShares > 0 && b.Ratio > 0 {
			liqRatio := p.Liquidity[a.Symbol] * prices.Low(a.Symbol) / balance
			liq = b.Holdings * liqRatio * (p.PoolShare / m.pool.LPShares) / b.Ratio
		}
		updated[a.Symbol] = liq
		m.pool.setLP(p.ID, a.Symbol, liq)
	}

	p.Liquidity = updated
}

// Decide compares the pool's ratio-weighted yield against the provider's
// volatility-inflated thresholds. vol holds estimates only for assets that
// have one.
func (m *LiquidityManager) Decide(p *Provider, prices event.Quotes, vol map[event.Asset]float64) []LiquidityProposal {
	if p.Genesis {
		return nil
	}

	var yield, inflation float64
	for _, a := range m.pool.Assets() {
		b := m.pool.Book(a.Symbol)
		yield += b.Yield * b.Ratio
		if v, ok := vol[a.Symbol]; ok {
			inflation += v * volatilityWeight
		}
	}

	var out []LiquidityProposal
	for _, a := range m.pool.Assets() {
		addThr := p.AddThreshold[a.Symbol] + inflation
		removeThr := p.RemoveThreshold[a.Symbol] + inflation
		low := prices.Low(a.Symbol)

		switch {
		case yield > addThr:
			funds := p.Funds[a.Symbol]
			if funds*low < m.params.MinActionValue {
				continue
			}
			amt := funds * addYieldMultiplier * (yield - addThr)
			if amt > funds {
				amt = maxActionFraction * funds
			}
			out = append(out, LiquidityProposal{Asset: a.Symbol, Amount: amt})
		case yield < removeThr:
			liq := p.Liquidity[a.Symbol]
			if liq*low < m.params.MinActionValue {
				continue
			}
			amt := liq * removeYieldMultiplier * (removeThr - yield)
			if amt > liq {
				amt = maxActionFraction * liq
			}
			out = append(out, LiquidityProposal{Asset: a.Symbol, Amount: -amt})
		}
	}
	return out
}

// Quote prices an add (amount > 0) or removal (amount < 0). Adds are valued
// at the high quote, removals at the low quote.
func (m *LiquidityManager) Quote(a event.Asset, amount float64, prices event.Quotes) fmath.FeeResult {
	side := event.PriceSideLow
	if amount > 0 {
		side = event.PriceSideHigh
	}
	post := m.pool.PostTradeRatio(prices, a, amount, prices.At(a, side))
	return fmath.LiquidityFee(m.params.Fees, m.pool.Params(a).Bounds, post, amount)
}

// Gate applies the hard cap and the soft rejection bands to a fee ratio.
// Randomness is drawn only when the ratio falls inside a band.
func (m *LiquidityManager) Gate(feeRatio float64) SkipReason {
	if feeRatio > m.params.HardCap {
		return SkipFeeHardCap
	}
	for _, band := range m.params.SoftBands {
		if feeRatio >= band.Above {
			if fmath.Chance(m.rng, band.RejectProbability) {
				return SkipFeeSoftBand
			}
			return SkipNone
		}
	}
	return SkipNone
}

// Run executes one provider's liquidity phase: sync, decide, gate, commit.
func (m *LiquidityManager) Run(p *Provider, prices event.Quotes, vol map[event.Asset]float64) []LiquidityResult {
	m.Sync(p, prices)

	proposals := m.Decide(p, prices, vol)
	results := make([]LiquidityResult, 0, len(proposals))

	for _, prop := range proposals {
		res := m.apply(p, prop, prices)
		results = append(results, res)
	}
	return results
}

func (m *LiquidityManager) apply(p *Provider, prop LiquidityProposal, prices event.Quotes) LiquidityResult {
	res := LiquidityResult{ProviderID: p.ID, Asset: prop.Asset, Amount: prop.Amount}
	spec, _ := m.pool.Spec(prop.Asset)

	if prop.Amount > 0 && spec.IsCoin() && prices[prop.Asset].SpreadProblem {
		res.Skip = SkipSpreadProblem
		return res
	}

	// Any removal withdraws the whole tracked contribution.
	if prop.Amount < 0 {
		lps, ok := m.pool.LPContribution(p.ID)
		contributed, tracked := lps[prop.Asset]
		if !ok || !tracked || contributed <= 0 {
			res.Skip = SkipNoContribution
			return res
		}
		res.Amount = -contributed
	}

	quote := m.Quote(prop.Asset, res.Amount, prices)
	if quote.Rejected() {
		res.Skip = SkipFeeRejected
		return res
	}

	abs := math.Abs(res.Amount)
	fee := math.Abs(res.Amount * quote.Rate)
	if skip := m.Gate(fee / abs); skip != SkipNone {
		res.Skip = skip
		return res
	}

	if res.Amount > 0 {
		return m.Add(p, prop.Asset, res.Amount, fee, prices)
	}
	return m.Remove(p, prop.Asset, abs, fee, prices)
}

// Add commits a deposit. Shares are minted at the high valuation.
func (m *LiquidityManager) Add(p *Provider, a event.Asset, amount, fee float64, prices event.Quotes) LiquidityResult {
	res := LiquidityResult{ProviderID: p.ID, Asset: a, Amount: amount, Fee: fee}

	if m.pool.Book(a) == nil {
		res.Skip = SkipUnknownAsset
		return res
	}
	if p.Funds[a] < amount+fee {
		res.Skip = SkipInsufficientFunds
		return res
	}

	high := prices.High(a)
	tvlHigh := m.pool.TVLAt(prices, event.PriceSideHigh)
	minted := amount * high
	if tvlHigh > 0 && m.pool.LPShares > 0 {
		minted = amount * high / tvlHigh * m.pool.LPShares
	}

	p.Funds[a] -= amount + fee
	p.Liquidity[a] += amount
	p.PoolShare += minted

	m.pool.Book(a).Holdings += amount
	m.pool.LPShares += minted
	m.pool.addLP(p.ID, a, amount)
	routeFee(m.pool, m.registry.Genesis(), a, fee)

	res.Shares = minted
	return res
}

// Remove commits a withdrawal of amount (positive). Shares are burned at the
// low valuation and the fee is withheld from the proceeds.
func (m *LiquidityManager) Remove(p *Provider, a event.Asset, amount, fee float64, prices event.Quotes) LiquidityResult {
	res := LiquidityResult{ProviderID: p.ID, Asset: a, Amount: -amount, Fee: fee}

	if m.pool.Book(a) == nil {
		res.Skip = SkipUnknownAsset
		return res
	}
	if !m.pool.CheckAvailability(a, amount).Sufficient() {
		res.Skip = SkipPoolCapacity
		return res
	}
	lps, ok := m.pool.LPContribution(p.ID)
	if _, tracked := lps[a]; !ok || !tracked {
		res.Skip = SkipNoContribution
		return res
	}

	tvlLow := m.pool.TVLAt(prices, event.PriceSideLow)
	if tvlLow <= 0 {
		res.Skip = SkipPoolCapacity
		return res
	}
	burned := amount * prices.Low(a) / tvlLow * m.pool.LPShares
	if burned > p.PoolShare {
		if burned-p.PoolShare > shareRoundingTolerance*p.PoolShare {
			res.Skip = SkipInsufficientShares
			return res
		}
		burned = p.PoolShare
	}
	if amount > p.Liquidity[a] || fee > amount {
		res.Skip = SkipInsufficientLiquidity
		return res
	}

	p.Funds[a] += amount - fee
	p.Liquidity[a] -= amount
	p.PoolShare -= burned

	m.pool.Book(a).Holdings -= amount
	m.pool.LPShares -= burned
	m.pool.addLP(p.ID, a, -amount)
	routeFee(m.pool, m.registry.Genesis(), a, fee)

	res.Shares = burned
	return res
}
