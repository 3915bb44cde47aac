package core

import (
	"errors"
	"fmt"

	"PerpSim/internal/event"
)

// ErrStepOutOfOrder is returned when a tick does not carry the next expected step.
var ErrStepOutOfOrder = errors.New("step out of order")

// StepOrderError carries the expected and received step of a rejected tick.
// It matches ErrStepOutOfOrder under errors.Is.
type StepOrderError struct {
	Expected int64
	Got      int64
}

func (e *StepOrderError) Error() string {
	kind := "gap"
	if e.Stale() {
		kind = "stale"
	}
	return fmt.Sprintf("%s: expected=%d, got=%d (%s)", ErrStepOutOfOrder, e.Expected, e.Got, kind)
}

func (e *StepOrderError) Unwrap() error { return ErrStepOutOfOrder }

// Stale reports a tick for a step that was already applied.
func (e *StepOrderError) Stale() bool { return e.Got < e.Expected }

// PriceGapError reports a tick that cannot be used for valuation: a
// configured asset is missing or carries a non-positive or non-finite price.
type PriceGapError struct {
	Step   int64
	Asset  event.Asset
	Reason string
}

func (e *PriceGapError) Error() string {
	return fmt.Sprintf("price gap at step %d for %s: %s", e.Step, e.Asset, e.Reason)
}
