package math

import (
	"errors"
	"fmt"
)

var ErrInvalidRateParams = errors.New("invalid rate params")

// RateParams is a kinked utilization curve. Slopes are rates per native period.
type RateParams struct {
	OptimalUtilization float64
	Slope1             float64
	Slope2             float64
}

func (p RateParams) Validate() error {
	if p.OptimalUtilization <= 0 || p.OptimalUtilization >= 1 {
		return fmt.Errorf("%w: optimal_utilization must be in (0,1), got %g", ErrInvalidRateParams, p.OptimalUtilization)
	}
	if p.Slope1 < 0 || p.Slope2 < 0 {
		return fmt.Errorf("%w: slopes must be >= 0, got %g/%g", ErrInvalidRateParams, p.Slope1, p.Slope2)
	}
	return nil
}

// Utilization is borrowed/holding, or 0 for an empty holding.
func Utilization(borrowed, holding float64) float64 {
	if holding <= 0 {
		return 0
	}
	return borrowed / holding
}

// BorrowRate applies the two-slope curve.
func BorrowRate(utilization float64, p RateParams) float64 {
	if utilization < p.OptimalUtilization {
		return utilization / p.OptimalUtilization * p.Slope1
	}
	return p.Slope1 + (utilization-p.OptimalUtilization)/(1-p.OptimalUtilization)*p.Slope2
}

// AccrueInterest returns the carrying cost of a position of the given size
// held for durationSteps, with stepsPerPeriod steps in one rate period.
func AccrueInterest(size float64, durationSteps int64, utilization float64, p RateParams, stepsPerPeriod float64) float64 {
	if durationSteps <= 0 || size == 0 || stepsPerPeriod <= 0 {
		return 0
	}
	periods := float64(durationSteps) / stepsPerPeriod
	return BorrowRate(utilization, p) * periods * size
}

// UtilizationFeeMultiplier scales an open fee once post-open utilization
// reaches the optimal point: 1 + mult*(u-opt)/(1-opt).
func UtilizationFeeMultiplier(utilization, optimal, mult float64) float64 {
	if utilization < optimal || optimal >= 1 {
		return 1
	}
	return 1 + mult*(utilization-optimal)/(1-optimal)
}
