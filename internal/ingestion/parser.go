package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PerpSim/internal/event"
)

// RawTick is a price message as received from a feed, before parsing.
type RawTick struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the tick is handed to the engine
	NakFunc   func() // NAK for redelivery
	TermFunc  func() // Unparseable: never redeliver
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers.

type priceTickJSON struct {
	Step        int64                `json:"step"`
	Quotes      map[string]quoteJSON `json:"quotes"`
	TimestampUs int64                `json:"timestamp_us"`
}

type quoteJSON struct {
	Low           *float64 `json:"low"`
	High          *float64 `json:"high"`
	Reference     *float64 `json:"reference"`
	Price         *float64 `json:"price"` // Single-price shorthand for stables
	SpreadProblem bool     `json:"spread_problem"`
}

// ParsePriceTick decodes one tick. Structural problems are errors here;
// economic validity (positive, ordered prices) is checked by the engine so
// that it can report a price gap against the step.
func ParsePriceTick(data []byte) (*event.PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceTick: %w", err)
	}
	if j.Step < 0 {
		return nil, fmt.Errorf("parse PriceTick: negative step %d", j.Step)
	}
	if len(j.Quotes) == 0 {
		return nil, fmt.Errorf("parse PriceTick: step %d has no quotes", j.Step)
	}

	tick := &event.PriceTick{
		Step:   j.Step,
		Quotes: make(event.Quotes, len(j.Quotes)),
	}
	for sym, qj := range j.Quotes {
		asset := event.Asset(strings.ToUpper(strings.TrimSpace(sym)))
		if asset == "" {
			return nil, fmt.Errorf("parse PriceTick: empty asset symbol at step %d", j.Step)
		}
		if _, dup := tick.Quotes[asset]; dup {
			return nil, fmt.Errorf("parse PriceTick: duplicate asset %s at step %d", asset, j.Step)
		}
		q, err := qj.toQuote()
		if err != nil {
			return nil, fmt.Errorf("parse PriceTick: %s: %w", asset, err)
		}
		q.SourceTimestamp = j.TimestampUs
		tick.Quotes[asset] = q
	}
	return tick, nil
}

func (qj quoteJSON) toQuote() (event.PriceQuote, error) {
	if qj.Price != nil {
		if qj.Low != nil || qj.High != nil {
			return event.PriceQuote{}, fmt.Errorf("price cannot be combined with low/high")
		}
		q := event.StableQuote(*qj.Price)
		q.SpreadProblem = qj.SpreadProblem
		return q, nil
	}
	if qj.Low == nil || qj.High == nil {
		return event.PriceQuote{}, fmt.Errorf("low and high are required")
	}
	q := event.PriceQuote{
		Low:           *qj.Low,
		High:          *qj.High,
		SpreadProblem: qj.SpreadProblem,
	}
	if qj.Reference != nil {
		q.Reference = *qj.Reference
	}
	return q, nil
}

// EncodePriceTick is the inverse of ParsePriceTick, used by feeders.
func EncodePriceTick(tick *event.PriceTick) ([]byte, error) {
	j := priceTickJSON{
		Step:   tick.Step,
		Quotes: make(map[string]quoteJSON, len(tick.Quotes)),
	}
	for sym, q := range tick.Quotes {
		low, high, ref := q.Low, q.High, q.Reference
		j.Quotes[string(sym)] = quoteJSON{
			Low:           &low,
			High:          &high,
			Reference:     &ref,
			SpreadProblem: q.SpreadProblem,
		}
		if q.SourceTimestamp != 0 {
			j.TimestampUs = q.SourceTimestamp
		}
	}
	return json.Marshal(j)
}
