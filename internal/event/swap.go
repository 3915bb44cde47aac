package event

import (
	"fmt"

	"github.com/google/uuid"
)

// SwapExecuted is emitted for a committed two-asset swap.
// AssetIn flows into the pool, AssetOut flows to the trader.
type SwapExecuted struct {
	Step      int64
	TraderID  uuid.UUID
	AssetIn   Asset
	AmountIn  float64
	AssetOut  Asset
	AmountOut float64
	FeeIn     float64 // Charged in AssetIn on top of AmountIn
	FeeOut    float64 // Withheld from AmountOut
	Seq       int     // Position of the swap within the trader's step
}

func (s *SwapExecuted) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:swap:%d", s.Step, s.TraderID, s.Seq)
}

func (s *SwapExecuted) EventType() EventType {
	return EventTypeSwapExecuted
}

func (s *SwapExecuted) EventStep() int64 {
	return s.Step
}
