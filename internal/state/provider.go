package state

import (
	"PerpSim/internal/event"

	"github.com/google/uuid"
)

// Provider is a liquidity provider. Funds are uncommitted, Liquidity is
// deployed in the pool and re-marked every step.
type Provider struct {
	ID              uuid.UUID
	Funds           map[event.Asset]float64
	Liquidity       map[event.Asset]float64
	PoolShare       float64
	AddThreshold    map[event.Asset]float64
	RemoveThreshold map[event.Asset]float64
	Genesis         bool
}

func NewProvider(id uuid.UUID) *Provider {
	return &Provider{
		ID:              id,
		Funds:           make(map[event.Asset]float64),
		Liquidity:       make(map[event.Asset]float64),
		AddThreshold:    make(map[event.Asset]float64),
		RemoveThreshold: make(map[event.Asset]float64),
	}
}

// Balance is the low-side value of deployed liquidity.
func (p *Provider) Balance(assets []event.AssetSpec, prices event.Quotes) float64 {
	var total float64
	for _, a := range assets {
		total += p.Liquidity[a.Symbol] * prices.Low(a.Symbol)
	}
	return total
}

func (p *Provider) Clone() *Provider {
	c := *p
	c.Funds = cloneAmounts(p.Funds)
	c.Liquidity = cloneAmounts(p.Liquidity)
	c.AddThreshold = cloneAmounts(p.AddThreshold)
	c.RemoveThreshold = cloneAmounts(p.RemoveThreshold)
	return &c
}

func cloneAmounts(m map[event.Asset]float64) map[event.Asset]float64 {
	c := make(map[event.Asset]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
