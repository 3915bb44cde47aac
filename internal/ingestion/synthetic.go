package ingestion

import (
	"context"
	"io"
	"math"
	"math/rand"

	"PerpSim/internal/core"
	"PerpSim/internal/event"
)

// WalkAsset configures one asset of a synthetic feed.
type WalkAsset struct {
	Symbol     event.Asset
	Start      float64
	Volatility float64 // Per-step stddev of log returns; 0 pins the price
	Spread     float64 // Full low/high spread as a fraction of mid
}

// DefaultWalkAssets matches the default pool's asset set.
func DefaultWalkAssets() []WalkAsset {
	return []WalkAsset{
		{Symbol: "BTC", Start: 60000, Volatility: 0.0008, Spread: 0.0004},
		{Symbol: "ETH", Start: 3000, Volatility: 0.001, Spread: 0.0006},
		{Symbol: "SOL", Start: 150, Volatility: 0.0015, Spread: 0.001},
		{Symbol: "USDC", Start: 1},
		{Symbol: "USDT", Start: 1},
	}
}

// RandomWalkSource generates geometric random-walk quotes from a seeded
// generator. It is independent of the engine's generator.
type RandomWalkSource struct {
	rng    *rand.Rand
	assets []WalkAsset
	prices []float64
	step   int64
	steps  int64
}

// NewRandomWalkSource yields steps ticks (0 = unbounded) starting at step 0.
func NewRandomWalkSource(rng *rand.Rand, assets []WalkAsset, steps int64) *RandomWalkSource {
	prices := make([]float64, len(assets))
	for i, a := range assets {
		prices[i] = a.Start
	}
	return &RandomWalkSource{rng: rng, assets: assets, prices: prices, steps: steps}
}

func (s *RandomWalkSource) Next(ctx context.Context) (*event.PriceTick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.steps > 0 && s.step >= s.steps {
		return nil, io.EOF
	}

	tick := &event.PriceTick{Step: s.step, Quotes: make(event.Quotes, len(s.assets))}
	for i, a := range s.assets {
		if s.step > 0 && a.Volatility > 0 {
			s.prices[i] *= math.Exp(a.Volatility * s.rng.NormFloat64())
		}
		mid := s.prices[i]
		if a.Spread == 0 {
			tick.Quotes[a.Symbol] = event.StableQuote(mid)
			continue
		}
		half := mid * a.Spread / 2
		tick.Quotes[a.Symbol] = event.PriceQuote{
			Low:       mid - half,
			High:      mid + half,
			Reference: mid,
		}
	}
	s.step++
	return tick, nil
}

// PeekedSource replays one already-read tick before its underlying source.
type PeekedSource struct {
	first *event.PriceTick
	src   core.TickSource
}

// Peek reads the first tick, which seeds genesis, and returns a source that
// yields it again so the engine also applies it as step 0.
func Peek(ctx context.Context, src core.TickSource) (*event.PriceTick, *PeekedSource, error) {
	first, err := src.Next(ctx)
	if err != nil {
		return nil, nil, err
	}
	return first, &PeekedSource{first: first, src: src}, nil
}

func (p *PeekedSource) Next(ctx context.Context) (*event.PriceTick, error) {
	if p.first != nil {
		t := p.first
		p.first = nil
		return t, nil
	}
	return p.src.Next(ctx)
}
