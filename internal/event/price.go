package event

import (
	"fmt"
	"math"
)

// PriceSide selects which end of a quote is used for a valuation.
type PriceSide int32

const (
	PriceSideLow PriceSide = iota
	PriceSideHigh
)

func (s PriceSide) String() string {
	if s == PriceSideHigh {
		return "high"
	}
	return "low"
}

// PriceQuote is one asset's price for one step.
// Stable assets carry a single price in all three fields.
type PriceQuote struct {
	Low             float64
	High            float64
	Reference       float64
	SpreadProblem   bool
	SourceTimestamp int64 // Opaque, passed through from the feed
}

// StableQuote builds a quote for a single-price asset.
func StableQuote(price float64) PriceQuote {
	return PriceQuote{Low: price, High: price, Reference: price}
}

// At returns the low or high end of the quote.
func (q PriceQuote) At(side PriceSide) float64 {
	if side == PriceSideHigh {
		return q.High
	}
	return q.Low
}

// Validate reports why a quote cannot be used for valuation.
func (q PriceQuote) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"low", q.Low}, {"high", q.High}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s price is not finite", f.name)
		}
		if f.v <= 0 {
			return fmt.Errorf("%s price must be > 0, got %g", f.name, f.v)
		}
	}
	if q.High < q.Low {
		return fmt.Errorf("high %g below low %g", q.High, q.Low)
	}
	return nil
}

// Quotes maps each asset to its quote for one step.
type Quotes map[Asset]PriceQuote

// Low returns the low end of an asset's quote, or 0 when unpriced.
func (q Quotes) Low(a Asset) float64 {
	return q[a].Low
}

func (q Quotes) High(a Asset) float64 {
	return q[a].High
}

func (q Quotes) At(a Asset, side PriceSide) float64 {
	return q[a].At(side)
}

// PriceTick carries every asset's quote for one simulation step.
// Idempotency key: step number.
type PriceTick struct {
	Step   int64
	Quotes Quotes
}

func (t *PriceTick) IdempotencyKey() string {
	return fmt.Sprintf("tick:%d", t.Step)
}

func (t *PriceTick) EventType() EventType {
	return EventTypePriceTick
}

func (t *PriceTick) EventStep() int64 {
	return t.Step
}

// Quote returns the quote for an asset and whether it was present.
func (t *PriceTick) Quote(a Asset) (PriceQuote, bool) {
	q, ok := t.Quotes[a]
	return q, ok
}
