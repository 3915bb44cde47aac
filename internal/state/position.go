package state

import (
	"math"

	"PerpSim/internal/event"
)

// PositionState is the lifecycle state of a (trader, asset, side) slot.
type PositionState int32

const (
	PositionStateClosed PositionState = iota
	PositionStateOpen
	PositionStateLiquidated
)

func (s PositionState) String() string {
	switch s {
	case PositionStateClosed:
		return "Closed"
	case PositionStateOpen:
		return "Open"
	case PositionStateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionState) CanTransitionTo(next PositionState) bool {
	validTransitions := map[PositionState][]PositionState{
		PositionStateClosed: {
			PositionStateOpen,
		},
		PositionStateOpen: {
			PositionStateOpen, // Same-side re-entry merges
			PositionStateClosed,
			PositionStateLiquidated,
		},
		PositionStateLiquidated: {
			PositionStateOpen, // Slot is free again next step
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// LongPosition is collateralized in the coin itself.
type LongPosition struct {
	Quantity          float64
	EntryPrice        float64
	Collateral        float64 // Asset units
	NominalCollateral float64 // Collateral valued at the open price(s)
	LastUpdateStep    int64
}

// ShortPosition is collateralized in a stable.
type ShortPosition struct {
	Quantity       float64
	EntryPrice     float64
	Collateral     float64
	Denomination   event.Asset
	LockedNotional float64 // Short interest reserved in Denomination
	LastUpdateStep int64
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *LongPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	buf = appendFloat64LE(buf, p.Quantity)
	buf = appendFloat64LE(buf, p.EntryPrice)
	buf = appendFloat64LE(buf, p.Collateral)
	buf = appendFloat64LE(buf, p.NominalCollateral)
	buf = appendInt64LE(buf, p.LastUpdateStep)
	return buf
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *ShortPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)
	buf = appendFloat64LE(buf, p.Quantity)
	buf = appendFloat64LE(buf, p.EntryPrice)
	buf = appendFloat64LE(buf, p.Collateral)

	// denomination (length-prefixed)
	buf = append(buf, byte(len(p.Denomination)))
	buf = append(buf, []byte(p.Denomination)...)

	buf = appendFloat64LE(buf, p.LockedNotional)
	buf = appendInt64LE(buf, p.LastUpdateStep)
	return buf
}

func appendFloat64LE(buf []byte, v float64) []byte {
	return appendInt64LE(buf, int64(math.Float64bits(v)))
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
