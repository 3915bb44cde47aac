package state

import (
	"PerpSim/internal/event"

	"github.com/google/uuid"
)

// Trader holds at most one long and one short per asset.
type Trader struct {
	ID              uuid.UUID
	Liquidity       map[event.Asset]float64
	Longs           map[event.Asset]*LongPosition
	Shorts          map[event.Asset]*ShortPosition
	RiskFactor      float64
	AvgPositionHold float64 // In steps
	PnL             float64 // Realized, quote currency
}

func NewTrader(id uuid.UUID, riskFactor, avgHold float64) *Trader {
	return &Trader{
		ID:              id,
		Liquidity:       make(map[event.Asset]float64),
		Longs:           make(map[event.Asset]*LongPosition),
		Shorts:          make(map[event.Asset]*ShortPosition),
		RiskFactor:      riskFactor,
		AvgPositionHold: avgHold,
	}
}

// PositionState reports whether the trader has an open position on a side.
func (t *Trader) PositionState(a event.Asset, side event.Side) PositionState {
	switch side {
	case event.SideLong:
		if _, ok := t.Longs[a]; ok {
			return PositionStateOpen
		}
	case event.SideShort:
		if _, ok := t.Shorts[a]; ok {
			return PositionStateOpen
		}
	}
	return PositionStateClosed
}

func (t *Trader) Clone() *Trader {
	c := *t
	c.Liquidity = cloneAmounts(t.Liquidity)
	c.Longs = make(map[event.Asset]*LongPosition, len(t.Longs))
	for a, p := range t.Longs {
		cp := *p
		c.Longs[a] = &cp
	}
	c.Shorts = make(map[event.Asset]*ShortPosition, len(t.Shorts))
	for a, p := range t.Shorts {
		cp := *p
		c.Shorts[a] = &cp
	}
	return &c
}
