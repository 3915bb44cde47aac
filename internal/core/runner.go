package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"PerpSim/internal/event"
	"PerpSim/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TickSource yields ticks in step order. io.EOF ends the run.
type TickSource interface {
	Next(ctx context.Context) (*event.PriceTick, error)
}

// RunnerConfig wires a Runner's sinks. Nil channels are skipped.
type RunnerConfig struct {
	// Blocking: the engine stalls until persistence drains, so no step is lost.
	PersistChan chan<- *StepReport
	// Non-blocking: full channels drop the report.
	ProjectionChan chan<- *StepReport
	PublishChan    chan<- *StepReport

	// MaxSteps stops the run after this many applied steps (0 = until EOF).
	MaxSteps int64
	// StepsPerSecond paces replay in real time (0 = as fast as possible).
	StepsPerSecond float64

	// AttachSnapshots copies the full state into every report, for the
	// agent projection and periodic state snapshots.
	AttachSnapshots bool

	// OnStep is called after every applied step, on the engine goroutine.
	OnStep func(*StepReport)
}

// Runner drives an Engine from a TickSource and fans reports out.
type Runner struct {
	engine  *Engine
	cfg     RunnerConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewRunner(engine *Engine, cfg RunnerConfig, logger zerolog.Logger, metrics *observability.Metrics) *Runner {
	r := &Runner{
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	if cfg.StepsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.StepsPerSecond), 1)
	}
	return r
}

// Run applies ticks until the source is exhausted, MaxSteps is reached or
// ctx is cancelled. Stale ticks (redeliveries) are dropped; any other
// rejected tick aborts the run.
func (r *Runner) Run(ctx context.Context, src TickSource) (*StepReport, error) {
	var last *StepReport
	var applied int64

	for {
		if r.cfg.MaxSteps > 0 && applied >= r.cfg.MaxSteps {
			return last, nil
		}
		if err := ctx.Err(); err != nil {
			return last, err
		}

		tick, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return last, fmt.Errorf("read tick: %w", err)
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return last, err
			}
		}

		rep, err := r.engine.Step(tick)
		if err != nil {
			var order *StepOrderError
			if errors.As(err, &order) && order.Stale() {
				r.logger.Warn().Int64("step", tick.Step).Msg("dropping stale tick")
				continue
			}
			return last, fmt.Errorf("step %d: %w", tick.Step, err)
		}

		if r.cfg.AttachSnapshots {
			rep.Snapshot = r.engine.Snapshot()
		}
		r.dispatch(ctx, rep)
		if r.cfg.OnStep != nil {
			r.cfg.OnStep(rep)
		}

		last = rep
		applied++
	}
}

func (r *Runner) dispatch(ctx context.Context, rep *StepReport) {
	if r.cfg.PersistChan != nil {
		select {
		case r.cfg.PersistChan <- rep:
		default:
			if r.metrics != nil {
				r.metrics.PersistBackpressure.Inc()
			}
			select {
			case r.cfg.PersistChan <- rep:
			case <-ctx.Done():
				return
			}
		}
	}

	if r.cfg.ProjectionChan != nil {
		select {
		case r.cfg.ProjectionChan <- rep:
		default:
			if r.metrics != nil {
				r.metrics.ProjectionDrops.WithLabelValues("agent_balances").Inc()
			}
		}
	}

	if r.cfg.PublishChan != nil {
		select {
		case r.cfg.PublishChan <- rep:
		default:
			if r.metrics != nil {
				r.metrics.PublishDrops.Inc()
			}
		}
	}
}
