package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for engine events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePriceTick
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypeSwapExecuted
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeAgentJoined
)

// EventEnvelope wraps an event for the outbound stream
type EventEnvelope struct {
	// Monotonic per run, assigned by the engine
	Sequence int64

	RunID uuid.UUID

	EventType EventType

	// Simulation step the event belongs to (NOT wall-clock)
	Step int64

	// Wall-clock emission time, informational only
	EmittedAt time.Time

	// StateHash of the step that produced the event
	StateHash [32]byte

	Payload Event
}

// Event is the interface all engine events implement
type Event interface {
	// IdempotencyKey returns a key unique within a run
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// EventStep returns the simulation step
	EventStep() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePriceTick:
		return "PriceTick"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeSwapExecuted:
		return "SwapExecuted"
	case EventTypeLiquidityAdded:
		return "LiquidityAdded"
	case EventTypeLiquidityRemoved:
		return "LiquidityRemoved"
	case EventTypeAgentJoined:
		return "AgentJoined"
	default:
		return "Unknown"
	}
}
