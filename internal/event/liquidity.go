package event

import (
	"fmt"

	"github.com/google/uuid"
)

// LiquidityChanged is emitted when a provider adds (Amount > 0) or
// removes (Amount < 0) pool liquidity.
type LiquidityChanged struct {
	Step       int64
	ProviderID uuid.UUID
	Asset      Asset
	Amount     float64
	Fee        float64
	Shares     float64 // LP shares minted (add) or burned (remove), always >= 0
}

func (l *LiquidityChanged) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:%s:liquidity", l.Step, l.ProviderID, l.Asset)
}

func (l *LiquidityChanged) EventType() EventType {
	if l.Amount < 0 {
		return EventTypeLiquidityRemoved
	}
	return EventTypeLiquidityAdded
}

func (l *LiquidityChanged) EventStep() int64 {
	return l.Step
}

// AgentKind distinguishes providers from traders.
type AgentKind int32

const (
	AgentKindProvider AgentKind = iota
	AgentKindTrader
)

func (k AgentKind) String() string {
	if k == AgentKindTrader {
		return "trader"
	}
	return "provider"
}

// AgentJoined is emitted when traction appends a new agent at a step boundary.
type AgentJoined struct {
	Step    int64
	AgentID uuid.UUID
	Kind    AgentKind
}

func (a *AgentJoined) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:joined", a.Step, a.AgentID)
}

func (a *AgentJoined) EventType() EventType {
	return EventTypeAgentJoined
}

func (a *AgentJoined) EventStep() int64 {
	return a.Step
}
