package math

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFeeCurve    = errors.New("invalid fee curve")
	ErrInvalidRatioBounds = errors.New("invalid ratio bounds")
)

// RejectReason tags a refused fee quote. RejectNone means accepted.
type RejectReason int32

const (
	RejectNone RejectReason = iota
	RejectRatioAboveMax
	RejectRatioBelowMin
	RejectZeroAmount
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectRatioAboveMax:
		return "ratio_above_max"
	case RejectRatioBelowMin:
		return "ratio_below_min"
	case RejectZeroAmount:
		return "zero_amount"
	default:
		return "unknown"
	}
}

// FeeCurve holds the two anchor rates of a piecewise-linear ratio curve:
// FeeOptimal at the target ratio, FeeMax at the rail.
type FeeCurve struct {
	FeeMax     float64
	FeeOptimal float64
}

// RatioBounds are an asset's allocation limits: 0 <= Min < Target < Max <= 1.
type RatioBounds struct {
	Target float64
	Min    float64
	Max    float64
}

// FeeResult is either an accepted rate or a rejection.
type FeeResult struct {
	Rate   float64
	Reason RejectReason
}

func Accept(rate float64) FeeResult {
	return FeeResult{Rate: rate}
}

func Reject(reason RejectReason) FeeResult {
	return FeeResult{Reason: reason}
}

func (r FeeResult) Rejected() bool {
	return r.Reason != RejectNone
}

// Receiving prices a flow that raises the asset's allocation to r.
// Above target the curve climbs to FeeMax at Max; below target it falls
// away from FeeOptimal with the low-side slope. r > Max is rejected.
func (c FeeCurve) Receiving(b RatioBounds, r float64) FeeResult {
	if r > b.Max {
		return Reject(RejectRatioAboveMax)
	}
	if r > b.Target {
		return Accept(c.towardMax((r - b.Target) / (b.Max - b.Target)))
	}
	return Accept(c.awayFromMax((b.Target - r) / (b.Target - b.Min)))
}

// Paying prices a flow that lowers the asset's allocation to r.
// Mirror of Receiving: FeeMax is reached at Min and r < Min is rejected.
func (c FeeCurve) Paying(b RatioBounds, r float64) FeeResult {
	if r < b.Min {
		return Reject(RejectRatioBelowMin)
	}
	if r < b.Target {
		return Accept(c.towardMax((b.Target - r) / (b.Target - b.Min)))
	}
	return Accept(c.awayFromMax((r - b.Target) / (b.Max - b.Target)))
}

// towardMax interpolates FeeOptimal -> FeeMax. Both ends are returned
// exactly so the curve hits its anchors without rounding drift.
func (c FeeCurve) towardMax(t float64) float64 {
	switch t {
	case 0:
		return c.FeeOptimal
	case 1:
		return c.FeeMax
	}
	return c.FeeOptimal + (c.FeeMax-c.FeeOptimal)*t
}

// awayFromMax continues the line on the other side of the target, floored at 0.
func (c FeeCurve) awayFromMax(t float64) float64 {
	if t == 0 {
		return c.FeeOptimal
	}
	fee := c.FeeOptimal - (c.FeeMax-c.FeeOptimal)*t
	if fee < 0 {
		return 0
	}
	return fee
}

// Validate checks the curve anchors.
func (c FeeCurve) Validate() error {
	if c.FeeOptimal < 0 {
		return fmt.Errorf("%w: fee_optimal must be >= 0, got %g", ErrInvalidFeeCurve, c.FeeOptimal)
	}
	if c.FeeMax < c.FeeOptimal {
		return fmt.Errorf("%w: fee_max (%g) must be >= fee_optimal (%g)", ErrInvalidFeeCurve, c.FeeMax, c.FeeOptimal)
	}
	return nil
}

// Validate rejects bounds that would make a curve slope divide by zero.
func (b RatioBounds) Validate() error {
	if b.Min < 0 || b.Max > 1 {
		return fmt.Errorf("%w: bounds must lie in [0,1], got min=%g max=%g", ErrInvalidRatioBounds, b.Min, b.Max)
	}
	if b.Target <= b.Min {
		return fmt.Errorf("%w: target (%g) must be > min (%g)", ErrInvalidRatioBounds, b.Target, b.Min)
	}
	if b.Max <= b.Target {
		return fmt.Errorf("%w: max (%g) must be > target (%g)", ErrInvalidRatioBounds, b.Max, b.Target)
	}
	return nil
}

// LiquidityFeeParams are the single-sided curve plus its flat base fees.
type LiquidityFeeParams struct {
	Curve         FeeCurve
	AddBaseFee    float64
	RemoveBaseFee float64
}

// LiquidityFee quotes a provider add (amount > 0) or removal (amount < 0)
// whose post-trade allocation is postRatio. Removals pay both base fees.
func LiquidityFee(p LiquidityFeeParams, b RatioBounds, postRatio, amount float64) FeeResult {
	switch {
	case amount > 0:
		res := p.Curve.Receiving(b, postRatio)
		if res.Rejected() {
			return res
		}
		return Accept(res.Rate + p.AddBaseFee)
	case amount < 0:
		res := p.Curve.Paying(b, postRatio)
		if res.Rejected() {
			return res
		}
		return Accept(res.Rate + p.AddBaseFee + p.RemoveBaseFee)
	default:
		return Reject(RejectZeroAmount)
	}
}

// SwapLeg is one side of a swap quote.
type SwapLeg struct {
	Curve     FeeCurve
	Bounds    RatioBounds
	PostRatio float64
	BaseFee   float64
}

// SwapFeeQuote holds the receiving (pool inflow) and paying (pool outflow) rates.
type SwapFeeQuote struct {
	InRate  float64
	OutRate float64
	Reason  RejectReason
}

func (q SwapFeeQuote) Rejected() bool {
	return q.Reason != RejectNone
}

// SwapFee sums a receiving fee on the incoming leg and a paying fee on the
// outgoing leg, each with its own base fee. Either side rejecting rejects the swap.
func SwapFee(in, out SwapLeg) SwapFeeQuote {
	recv := in.Curve.Receiving(in.Bounds, in.PostRatio)
	if recv.Rejected() {
		return SwapFeeQuote{Reason: recv.Reason}
	}
	pay := out.Curve.Paying(out.Bounds, out.PostRatio)
	if pay.Rejected() {
		return SwapFeeQuote{Reason: pay.Reason}
	}
	return SwapFeeQuote{
		InRate:  recv.Rate + in.BaseFee,
		OutRate: pay.Rate + out.BaseFee,
	}
}
