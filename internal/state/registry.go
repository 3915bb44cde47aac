package state

import (
	"fmt"

	"github.com/google/uuid"
)

// Registry holds agents in insertion order, which is the processing order
// of every step.
type Registry struct {
	providers   []*Provider
	traders     []*Trader
	providerIdx map[uuid.UUID]int
	traderIdx   map[uuid.UUID]int
	genesis     *Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providerIdx: make(map[uuid.UUID]int),
		traderIdx:   make(map[uuid.UUID]int),
	}
}

// AddProvider appends a provider. At most one genesis provider is allowed.
func (r *Registry) AddProvider(p *Provider) error {
	if _, dup := r.providerIdx[p.ID]; dup {
		return fmt.Errorf("provider %s already registered", p.ID)
	}
	if p.Genesis {
		if r.genesis != nil {
			return fmt.Errorf("genesis provider already registered")
		}
		r.genesis = p
	}
	r.providerIdx[p.ID] = len(r.providers)
	r.providers = append(r.providers, p)
	return nil
}

func (r *Registry) AddTrader(t *Trader) error {
	if _, dup := r.traderIdx[t.ID]; dup {
		return fmt.Errorf("trader %s already registered", t.ID)
	}
	r.traderIdx[t.ID] = len(r.traders)
	r.traders = append(r.traders, t)
	return nil
}

func (r *Registry) Providers() []*Provider { return r.providers }
func (r *Registry) Traders() []*Trader     { return r.traders }
func (r *Registry) Genesis() *Provider     { return r.genesis }

func (r *Registry) Provider(id uuid.UUID) *Provider {
	if i, ok := r.providerIdx[id]; ok {
		return r.providers[i]
	}
	return nil
}

func (r *Registry) Trader(id uuid.UUID) *Trader {
	if i, ok := r.traderIdx[id]; ok {
		return r.traders[i]
	}
	return nil
}

// Clone deep-copies every agent, preserving order.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for _, p := range r.providers {
		_ = c.AddProvider(p.Clone())
	}
	for _, t := range r.traders {
		_ = c.AddTrader(t.Clone())
	}
	return c
}
