package math

import (
	"errors"
	gomath "math"
)

// ErrInsufficientData indicates that not enough prices were recorded
// to estimate volatility (need at least 2 points).
var ErrInsufficientData = errors.New("insufficient data points to calculate volatility")

// RelativeVolatility returns the sample standard deviation of prices divided
// by their mean (coefficient of variation).
func RelativeVolatility(prices []float64) (float64, error) {
	n := len(prices)
	if n < 2 {
		return 0, ErrInsufficientData
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 0, ErrInsufficientData
	}

	var sumSqDiff float64
	for _, p := range prices {
		d := p - mean
		sumSqDiff += d * d
	}

	// Sample variance (N-1)
	stdDev := gomath.Sqrt(sumSqDiff / float64(n-1))
	return stdDev / mean, nil
}

// PriceWindow is a fixed-capacity ring of the most recent prices.
type PriceWindow struct {
	buf   []float64
	start int
	size  int
}

func NewPriceWindow(capacity int) *PriceWindow {
	if capacity < 2 {
		capacity = 2
	}
	return &PriceWindow{buf: make([]float64, capacity)}
}

func (w *PriceWindow) Push(p float64) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = p
		w.size++
		return
	}
	w.buf[w.start] = p
	w.start = (w.start + 1) % len(w.buf)
}

// Values returns the window contents, oldest first.
func (w *PriceWindow) Values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

func (w *PriceWindow) Len() int {
	return w.size
}
