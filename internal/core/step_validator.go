package core

import (
	"fmt"

	"PerpSim/internal/event"
)

// StepValidator checks tick ordering and completeness before the engine
// touches any state.
// Not thread-safe: only accessed from the engine goroutine.
type StepValidator struct {
	expected int64
	assets   []event.AssetSpec
}

func NewStepValidator(startStep int64, assets []event.AssetSpec) *StepValidator {
	return &StepValidator{
		expected: startStep,
		assets:   assets,
	}
}

// Validate returns *StepOrderError for a stale or skipped step and
// *PriceGapError for an incomplete quote set. It does not advance.
func (sv *StepValidator) Validate(tick *event.PriceTick) error {
	if tick == nil {
		return fmt.Errorf("%w: nil tick", ErrStepOutOfOrder)
	}
	if tick.Step != sv.expected {
		return &StepOrderError{Expected: sv.expected, Got: tick.Step}
	}

	for _, a := range sv.assets {
		q, ok := tick.Quote(a.Symbol)
		if !ok {
			return &PriceGapError{Step: tick.Step, Asset: a.Symbol, Reason: "missing quote"}
		}
		if err := q.Validate(); err != nil {
			return &PriceGapError{Step: tick.Step, Asset: a.Symbol, Reason: err.Error()}
		}
	}

	return nil
}

// Advance moves the expected step forward after a successful step.
func (sv *StepValidator) Advance() {
	sv.expected++
}

func (sv *StepValidator) Expected() int64 {
	return sv.expected
}
