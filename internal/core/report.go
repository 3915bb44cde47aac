package core

import (
	"PerpSim/internal/event"
	"PerpSim/internal/state"

	"github.com/google/uuid"
)

// AssetMetrics is one asset's row of a step report.
type AssetMetrics struct {
	Asset event.Asset
	Class event.AssetClass
	state.AssetBook
	Volatility   float64
	GenesisFunds float64
}

// ActionCounts tallies what the agents did in one step.
type ActionCounts struct {
	LongsOpened      int
	ShortsOpened     int
	Closes           int
	Liquidations     int
	Swaps            int
	LiquidityAdds    int
	LiquidityRemoves int
	AgentsJoined     int
	Skips            map[state.SkipReason]int
}

func newActionCounts() ActionCounts {
	return ActionCounts{Skips: make(map[state.SkipReason]int)}
}

func (c *ActionCounts) skip(r state.SkipReason) {
	if r != state.SkipNone {
		c.Skips[r]++
	}
}

// StepReport is the observable output of one applied step.
type StepReport struct {
	RunID     uuid.UUID
	Step      int64
	TVL       float64
	LPShares  float64
	StateHash [32]byte
	PrevHash  [32]byte

	Assets    []AssetMetrics
	Counts    ActionCounts
	Providers int
	Traders   int

	// Post-step invariant failures. A healthy run has none.
	Violations []string

	Events []*event.EventEnvelope

	// Full state copy, attached by the Runner when a consumer needs it.
	Snapshot *state.Snapshot
}

// Asset returns the row for sym, if present.
func (r *StepReport) Asset(sym event.Asset) (AssetMetrics, bool) {
	for _, a := range r.Assets {
		if a.Asset == sym {
			return a, true
		}
	}
	return AssetMetrics{}, false
}
