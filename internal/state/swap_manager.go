package state

import (
	"math/rand"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"

	"github.com/google/uuid"
)

const (
	minSwapFraction = 0.01
	maxSwapFraction = 0.99
)

// SwapParams configures the swap mechanism. Curves are chosen by asset
// class; base fees come from the per-asset pool params.
type SwapParams struct {
	CoinCurve       fmath.FeeCurve
	StableCurve     fmath.FeeCurve
	BuyProbability  float64
	SellProbability float64
}

func DefaultSwapParams() SwapParams {
	return SwapParams{
		CoinCurve:       fmath.FeeCurve{FeeMax: 0.01, FeeOptimal: 0.005},
		StableCurve:     fmath.FeeCurve{FeeMax: 0.01, FeeOptimal: 0.005},
		BuyProbability:  0.01,
		SellProbability: 0.99,
	}
}

// SwapProposal moves AmountIn of AssetIn into the pool against AmountOut
// of AssetOut.
type SwapProposal struct {
	AssetIn   event.Asset
	AmountIn  float64
	AssetOut  event.Asset
	AmountOut float64
}

type SwapResult struct {
	TraderID uuid.UUID
	SwapProposal
	FeeIn  float64
	FeeOut float64
	Skip   SkipReason
}

func (r SwapResult) Applied() bool {
	return r.Skip == SkipNone
}

// SwapManager executes trader swaps against the pool.
type SwapManager struct {
	pool     *Pool
	registry *Registry
	params   SwapParams
	rng      *rand.Rand
}

func NewSwapManager(pool *Pool, registry *Registry, params SwapParams, rng *rand.Rand) *SwapManager {
	return &SwapManager{
		pool:     pool,
		registry: registry,
		params:   params,
		rng:      rng,
	}
}

// Propose prices amountIn of in against out: the disposed asset is valued at
// its low quote and the received asset at its high quote.
func (m *SwapManager) Propose(in event.Asset, amountIn float64, out event.Asset, prices event.Quotes) SwapProposal {
	p := SwapProposal{AssetIn: in, AmountIn: amountIn, AssetOut: out}
	if high := prices.High(out); high > 0 {
		p.AmountOut = amountIn * prices.Low(in) / high
	}
	return p
}

// Decide draws once: below BuyProbability the trader buys asset with a random
// other holding, above SellProbability it sells asset into a random other
// asset. Coins with a spread problem are never swapped.
func (m *SwapManager) Decide(t *Trader, asset event.Asset, prices event.Quotes) (SwapProposal, bool) {
	spec, ok := m.pool.Spec(asset)
	if !ok {
		return SwapProposal{}, false
	}
	if spec.IsCoin() && prices[asset].SpreadProblem {
		return SwapProposal{}, false
	}

	r := m.rng.Float64()
	switch {
	case r < m.params.BuyProbability:
		other, ok := m.otherAsset(asset)
		if !ok {
			return SwapProposal{}, false
		}
		amt := fmath.Uniform(m.rng, minSwapFraction, maxSwapFraction) * t.Liquidity[other]
		if amt <= 0 {
			return SwapProposal{}, false
		}
		return m.Propose(other, amt, asset, prices), true
	case r > m.params.SellProbability:
		other, ok := m.otherAsset(asset)
		if !ok {
			return SwapProposal{}, false
		}
		amt := fmath.Uniform(m.rng, minSwapFraction, maxSwapFraction) * t.Liquidity[asset]
		if amt <= 0 {
			return SwapProposal{}, false
		}
		return m.Propose(asset, amt, other, prices), true
	}
	return SwapProposal{}, false
}

func (m *SwapManager) otherAsset(asset event.Asset) (event.Asset, bool) {
	assets := m.pool.Assets()
	if len(assets) < 2 {
		return "", false
	}
	idx := m.rng.Intn(len(assets) - 1)
	for _, a := range assets {
		if a.Symbol == asset {
			continue
		}
		if idx == 0 {
			return a.Symbol, true
		}
		idx--
	}
	return "", false
}

func (m *SwapManager) curve(a event.Asset) fmath.FeeCurve {
	if spec, _ := m.pool.Spec(a); spec.IsStable() {
		return m.params.StableCurve
	}
	return m.params.CoinCurve
}

// FeeFor quotes both legs at their post-trade ratios.
func (m *SwapManager) FeeFor(p SwapProposal, prices event.Quotes) fmath.SwapFeeQuote {
	lowIn, lowOut := prices.Low(p.AssetIn), prices.Low(p.AssetOut)
	tvl := m.pool.TVLAt(prices, event.PriceSideLow) + p.AmountIn*lowIn - p.AmountOut*lowOut

	var postIn, postOut float64
	if tvl > 0 {
		postIn = (m.pool.Book(p.AssetIn).Holdings + p.AmountIn) * lowIn / tvl
		postOut = (m.pool.Book(p.AssetOut).Holdings - p.AmountOut) * lowOut / tvl
	}

	inParams, outParams := m.pool.Params(p.AssetIn), m.pool.Params(p.AssetOut)
	return fmath.SwapFee(
		fmath.SwapLeg{Curve: m.curve(p.AssetIn), Bounds: inParams.Bounds, PostRatio: postIn, BaseFee: inParams.SwapBaseFee},
		fmath.SwapLeg{Curve: m.curve(p.AssetOut), Bounds: outParams.Bounds, PostRatio: postOut, BaseFee: outParams.SwapBaseFee},
	)
}

// Execute validates every precondition, then applies both legs. A failed
// check leaves trader and pool untouched.
func (m *SwapManager) Execute(t *Trader, p SwapProposal, prices event.Quotes) SwapResult {
	res := SwapResult{TraderID: t.ID, SwapProposal: p}

	inBook, outBook := m.pool.Book(p.AssetIn), m.pool.Book(p.AssetOut)
	if inBook == nil || outBook == nil || p.AssetIn == p.AssetOut {
		res.Skip = SkipUnknownAsset
		return res
	}
	if p.AmountIn <= 0 || p.AmountOut <= 0 {
		res.Skip = SkipSizing
		return res
	}

	quote := m.FeeFor(p, prices)
	if quote.Rejected() {
		res.Skip = SkipFeeRejected
		return res
	}
	res.FeeIn = quote.InRate * p.AmountIn
	res.FeeOut = quote.OutRate * p.AmountOut

	if t.Liquidity[p.AssetIn] < p.AmountIn+res.FeeIn || p.AmountOut <= res.FeeOut {
		res.Skip = SkipInsufficientLiquidity
		return res
	}
	if !m.pool.CheckAvailability(p.AssetIn, p.AmountIn).Sufficient() ||
		!m.pool.CheckAvailability(p.AssetOut, p.AmountOut).Sufficient() {
		res.Skip = SkipPoolCapacity
		return res
	}

	retain := 1 - GenesisFeeShare
	if m.registry.Genesis() == nil {
		retain = 1
	}
	lowIn, lowOut := prices.Low(p.AssetIn), prices.Low(p.AssetOut)
	holdIn := inBook.Holdings + p.AmountIn + retain*res.FeeIn
	holdOut := outBook.Holdings - p.AmountOut + retain*res.FeeOut
	tvl := m.pool.TVLAt(prices, event.PriceSideLow) +
		(holdIn-inBook.Holdings)*lowIn + (holdOut-outBook.Holdings)*lowOut
	if tvl <= 0 {
		res.Skip = SkipRatioBound
		return res
	}
	if holdIn*lowIn/tvl > m.pool.Params(p.AssetIn).Bounds.Max ||
		holdOut*lowOut/tvl < m.pool.Params(p.AssetOut).Bounds.Min {
		res.Skip = SkipRatioBound
		return res
	}

	t.Liquidity[p.AssetIn] -= p.AmountIn + res.FeeIn
	t.Liquidity[p.AssetOut] += p.AmountOut - res.FeeOut

	inBook.Holdings += p.AmountIn
	outBook.Holdings -= p.AmountOut
	inBook.Volume += p.AmountIn
	outBook.Volume += p.AmountOut
	genesis := m.registry.Genesis()
	routeFee(m.pool, genesis, p.AssetIn, res.FeeIn)
	routeFee(m.pool, genesis, p.AssetOut, res.FeeOut)

	return res
}
