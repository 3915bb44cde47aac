package state

import (
	"PerpSim/internal/event"

	"github.com/google/uuid"
)

// CloseReason explains why a position was closed.
type CloseReason int32

const (
	CloseReasonExpiry CloseReason = iota
	CloseReasonLiquidation
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonExpiry:
		return "Expiry"
	case CloseReasonLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// Settlement splits a closing position's gross value between trader,
// fees and pool. Amounts are in the collateral asset.
type Settlement struct {
	Gross     float64 // Collateral plus realized PnL
	Charges   float64 // Interest plus close fee
	Credited  float64 // Paid to the trader, never negative
	Collected float64 // Charges actually recovered
	PoolDelta float64 // Collateral minus Credited minus Collected
}

// Settle credits the trader what is left after charges and caps the
// recovered charges at what the position can pay.
func Settle(collateral, gross, charges float64) Settlement {
	s := Settlement{Gross: gross, Charges: charges}
	s.Credited = gross - charges
	if s.Credited < 0 {
		s.Credited = 0
	}
	s.Collected = gross - s.Credited
	if s.Collected < 0 {
		s.Collected = 0
	}
	if s.Collected > charges {
		s.Collected = charges
	}
	s.PoolDelta = collateral - s.Credited - s.Collected
	return s
}

// CloseResult is a committed full close.
type CloseResult struct {
	TraderID     uuid.UUID
	Asset        event.Asset
	Side         event.Side
	Reason       CloseReason
	Quantity     float64
	Price        float64
	Denomination event.Asset
	USDPnL       float64
	Interest     float64
	Fee          float64
	Settlement   Settlement
	State        PositionState
}

// OpenResult is an open attempt. Skip is SkipNone when committed.
type OpenResult struct {
	TraderID     uuid.UUID
	Asset        event.Asset
	Side         event.Side
	Quantity     float64
	Price        float64
	Collateral   float64
	Denomination event.Asset
	Fee          float64
	Interest     float64
	Skip         SkipReason
}

func (r OpenResult) Applied() bool {
	return r.Skip == SkipNone
}

// TradeOutcome collects everything that happened for one trader-asset in a step.
type TradeOutcome struct {
	Closes []CloseResult
	Open   *OpenResult
	Swaps  []SwapResult // Collateral swaps made to fund a short
}
