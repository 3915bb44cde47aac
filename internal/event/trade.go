package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Side represents position direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// PositionOpened is emitted when a trader opens or adds to a position.
type PositionOpened struct {
	Step         int64
	TraderID     uuid.UUID
	Asset        Asset
	Side         Side
	Quantity     float64
	Price        float64
	Collateral   float64
	Denomination Asset // Collateral asset: the coin itself for longs, a stable for shorts
	Fee          float64
	Interest     float64 // Carried interest settled on re-entry
}

func (p *PositionOpened) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:%s:%s:open", p.Step, p.TraderID, p.Asset, p.Side)
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) EventStep() int64 {
	return p.Step
}

// PositionClosed is emitted on a full close, voluntary or forced.
type PositionClosed struct {
	Step         int64
	TraderID     uuid.UUID
	Asset        Asset
	Side         Side
	Quantity     float64
	Price        float64
	Payout       float64 // Amount credited to the trader in Denomination units
	Denomination Asset
	PnL          float64 // Quote-currency PnL
	Interest     float64
	Fee          float64
	Liquidated   bool
}

func (p *PositionClosed) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:%s:%s:close", p.Step, p.TraderID, p.Asset, p.Side)
}

func (p *PositionClosed) EventType() EventType {
	if p.Liquidated {
		return EventTypePositionLiquidated
	}
	return EventTypePositionClosed
}

func (p *PositionClosed) EventStep() int64 {
	return p.Step
}
