package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpSim/internal/core"
	"PerpSim/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream     = "PERP_SIM_OUTBOUND"
	stepSubjectPrefix  = "perp.sim.steps"
	eventSubjectPrefix = "perp.sim.events"
)

// Publisher is the subset of jetstream.JetStream the step publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StepPublisher publishes step summaries to perp.sim.steps.{run_id} and
// each engine event to perp.sim.events.{event_type}.
type StepPublisher struct {
	js        Publisher
	inputChan <-chan *core.StepReport
	logger    zerolog.Logger
}

func NewStepPublisher(js Publisher, inputChan <-chan *core.StepReport, logger zerolog.Logger) *StepPublisher {
	return &StepPublisher{js: js, inputChan: inputChan, logger: logger}
}

// StepMessage is the JSON body of a step summary.
type StepMessage struct {
	RunID     string         `json:"run_id"`
	Step      int64          `json:"step"`
	TVL       float64        `json:"tvl"`
	LPShares  float64        `json:"lp_shares"`
	StateHash string         `json:"state_hash"`
	Providers int            `json:"providers"`
	Traders   int            `json:"traders"`
	Assets    []AssetMessage `json:"assets"`
	Counts    map[string]int `json:"counts"`
	Skips     map[string]int `json:"skips,omitempty"`
}

type AssetMessage struct {
	Asset         string  `json:"asset"`
	Holdings      float64 `json:"holdings"`
	Ratio         float64 `json:"ratio"`
	OILong        float64 `json:"oi_long"`
	OIShort       float64 `json:"oi_short"`
	ShortInterest float64 `json:"short_interest"`
	FeesCollected float64 `json:"fees_collected"`
	Volume        float64 `json:"volume"`
	Yield         float64 `json:"yield"`
	Volatility    float64 `json:"volatility"`
}

// EventMessage is the JSON body of one engine event.
type EventMessage struct {
	Sequence       int64       `json:"sequence"`
	RunID          string      `json:"run_id"`
	EventType      string      `json:"event_type"`
	Step           int64       `json:"step"`
	IdempotencyKey string      `json:"idempotency_key"`
	Payload        event.Event `json:"payload"`
	EmittedAt      time.Time   `json:"emitted_at"`
}

// Run publishes until inputChan closes or ctx is cancelled.
func (p *StepPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rep, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, rep); err != nil {
				// Non-fatal: consumers can query persisted steps instead.
				p.logger.Warn().Err(err).Int64("step", rep.Step).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one report and its events.
func (p *StepPublisher) Publish(ctx context.Context, rep *core.StepReport) error {
	data, err := json.Marshal(NewStepMessage(rep))
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", stepSubjectPrefix, rep.RunID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	for _, env := range rep.Events {
		msg := EventMessage{
			Sequence:       env.Sequence,
			RunID:          env.RunID.String(),
			EventType:      env.EventType.String(),
			Step:           env.Step,
			IdempotencyKey: env.Payload.IdempotencyKey(),
			Payload:        env.Payload,
			EmittedAt:      env.EmittedAt,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal event seq=%d: %w", env.Sequence, err)
		}
		subject := fmt.Sprintf("%s.%s", eventSubjectPrefix, env.EventType)
		// Msg ID lets JetStream drop duplicates within its window.
		id := fmt.Sprintf("%s:%s", env.RunID, env.Payload.IdempotencyKey())
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(id)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

func NewStepMessage(rep *core.StepReport) StepMessage {
	msg := StepMessage{
		RunID:     rep.RunID.String(),
		Step:      rep.Step,
		TVL:       rep.TVL,
		LPShares:  rep.LPShares,
		StateHash: hex.EncodeToString(rep.StateHash[:]),
		Providers: rep.Providers,
		Traders:   rep.Traders,
		Assets:    make([]AssetMessage, 0, len(rep.Assets)),
		Counts: map[string]int{
			"longs_opened":      rep.Counts.LongsOpened,
			"shorts_opened":     rep.Counts.ShortsOpened,
			"closes":            rep.Counts.Closes,
			"liquidations":      rep.Counts.Liquidations,
			"swaps":             rep.Counts.Swaps,
			"liquidity_adds":    rep.Counts.LiquidityAdds,
			"liquidity_removes": rep.Counts.LiquidityRemoves,
			"agents_joined":     rep.Counts.AgentsJoined,
		},
	}
	if len(rep.Counts.Skips) > 0 {
		msg.Skips = make(map[string]int, len(rep.Counts.Skips))
		for r, n := range rep.Counts.Skips {
			msg.Skips[r.String()] = n
		}
	}
	for _, a := range rep.Assets {
		msg.Assets = append(msg.Assets, AssetMessage{
			Asset:         string(a.Asset),
			Holdings:      a.Holdings,
			Ratio:         a.Ratio,
			OILong:        a.OILong,
			OIShort:       a.OIShort,
			ShortInterest: a.ShortInterest,
			FeesCollected: a.FeesCollected,
			Volume:        a.Volume,
			Yield:         a.Yield,
			Volatility:    a.Volatility,
		})
	}
	return msg
}

// EnsureOutboundStream creates the stream for step and event subjects.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{stepSubjectPrefix + ".>", eventSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
