package math

import "math/rand"

// Uniform draws from [lo, hi). A reversed range draws from (hi, lo].
func Uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// Chance reports whether a single draw falls below p.
func Chance(rng *rand.Rand, p float64) bool {
	return rng.Float64() < p
}
