package core

import (
	"PerpSim/internal/event"

	"github.com/google/uuid"
)

// applyTraction appends at most one provider and one trader. The provider
// draw happens first; newcomers are valued at this step's prices.
func (e *Engine) applyTraction(rep *StepReport, step int64, prices event.Quotes) {
	specs := e.params.Specs()

	if e.rng.Float64() < e.params.Traction.LPRate {
		p := NewRandomProvider(e.rng, specs, prices)
		if err := e.registry.AddProvider(p); err != nil {
			e.logger.Error().Err(err).Msg("traction provider rejected")
		} else {
			e.joined(rep, step, p.ID, event.AgentKindProvider)
		}
	}

	if e.rng.Float64() < e.params.Traction.TraderRate {
		t := NewRandomTrader(e.rng, specs, prices, maxTractionHold)
		if err := e.registry.AddTrader(t); err != nil {
			e.logger.Error().Err(err).Msg("traction trader rejected")
		} else {
			e.joined(rep, step, t.ID, event.AgentKindTrader)
		}
	}
}

func (e *Engine) joined(rep *StepReport, step int64, id uuid.UUID, kind event.AgentKind) {
	rep.Counts.AgentsJoined++
	e.logger.Debug().Int64("step", step).Str("agent", id.String()).Stringer("kind", kind).Msg("agent joined")
	e.emit(rep, step, &event.AgentJoined{Step: step, AgentID: id, Kind: kind})
}
