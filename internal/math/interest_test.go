package math_test

import (
	"errors"
	"math/rand"
	"testing"

	fmath "PerpSim/internal/math"
)

var rates = fmath.RateParams{OptimalUtilization: 0.8, Slope1: 0.1, Slope2: 0.1}

func TestBorrowRate(t *testing.T) {
	cases := []struct {
		u, want float64
	}{
		{0, 0},
		{0.4, 0.05},
		{0.8, 0.1},
		{0.9, 0.15},
		{1, 0.2},
	}
	for _, tc := range cases {
		if got := fmath.BorrowRate(tc.u, rates); !approx(got, tc.want) {
			t.Errorf("BorrowRate(%v): got %v, want %v", tc.u, got, tc.want)
		}
	}
}

func TestAccrueInterest(t *testing.T) {
	// One full period at 5%.
	if got := fmath.AccrueInterest(100, 1440, 0.4, rates, 1440); !approx(got, 5) {
		t.Errorf("one period: got %v, want 5", got)
	}
	if got := fmath.AccrueInterest(100, 720, 0.4, rates, 1440); !approx(got, 2.5) {
		t.Errorf("half period: got %v, want 2.5", got)
	}
	if got := fmath.AccrueInterest(100, 0, 0.4, rates, 1440); got != 0 {
		t.Errorf("zero duration: got %v, want 0", got)
	}
	if got := fmath.AccrueInterest(100, 10, 0.4, rates, 0); got != 0 {
		t.Errorf("zero period length: got %v, want 0", got)
	}
}

func TestUtilization(t *testing.T) {
	if got := fmath.Utilization(25, 100); got != 0.25 {
		t.Errorf("got %v, want 0.25", got)
	}
	if got := fmath.Utilization(25, 0); got != 0 {
		t.Errorf("empty holding: got %v, want 0", got)
	}
}

func TestUtilizationFeeMultiplier(t *testing.T) {
	if got := fmath.UtilizationFeeMultiplier(0.5, 0.8, 1); got != 1 {
		t.Errorf("below optimal: got %v, want 1", got)
	}
	if got := fmath.UtilizationFeeMultiplier(0.9, 0.8, 1); !approx(got, 1.5) {
		t.Errorf("above optimal: got %v, want 1.5", got)
	}
}

func TestRateParams_Validate(t *testing.T) {
	if err := rates.Validate(); err != nil {
		t.Fatalf("valid params: %v", err)
	}
	for _, p := range []fmath.RateParams{
		{OptimalUtilization: 0, Slope1: 0.1, Slope2: 0.1},
		{OptimalUtilization: 1, Slope1: 0.1, Slope2: 0.1},
		{OptimalUtilization: 0.8, Slope1: -0.1, Slope2: 0.1},
	} {
		if err := p.Validate(); !errors.Is(err, fmath.ErrInvalidRateParams) {
			t.Errorf("%+v: got %v, want ErrInvalidRateParams", p, err)
		}
	}
}

func TestUniform_StaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := fmath.Uniform(rng, 2, 5)
		if v < 2 || v >= 5 {
			t.Fatalf("draw %d: got %v, want [2,5)", i, v)
		}
	}
}

func TestChance_Extremes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		if fmath.Chance(rng, 0) {
			t.Fatal("Chance(0) returned true")
		}
		if !fmath.Chance(rng, 1) {
			t.Fatal("Chance(1) returned false")
		}
	}
}
