package ingestion_test

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"PerpSim/internal/event"
	"PerpSim/internal/ingestion"
)

func drain(t *testing.T, src interface {
	Next(context.Context) (*event.PriceTick, error)
}) []*event.PriceTick {
	t.Helper()
	var out []*event.PriceTick
	for {
		tick, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, tick)
	}
}

func TestRandomWalkSource_Deterministic(t *testing.T) {
	a := drain(t, ingestion.NewRandomWalkSource(rand.New(rand.NewSource(3)), ingestion.DefaultWalkAssets(), 50))
	b := drain(t, ingestion.NewRandomWalkSource(rand.New(rand.NewSource(3)), ingestion.DefaultWalkAssets(), 50))

	if len(a) != 50 || len(b) != 50 {
		t.Fatalf("ticks: got %d/%d, want 50", len(a), len(b))
	}
	for i := range a {
		if a[i].Step != int64(i) {
			t.Fatalf("tick %d has step %d", i, a[i].Step)
		}
		for sym, q := range a[i].Quotes {
			if b[i].Quotes[sym] != q {
				t.Fatalf("step %d %s: runs diverged", i, sym)
			}
		}
	}
}

func TestRandomWalkSource_QuotesAreValid(t *testing.T) {
	ticks := drain(t, ingestion.NewRandomWalkSource(rand.New(rand.NewSource(9)), ingestion.DefaultWalkAssets(), 200))
	for _, tick := range ticks {
		for sym, q := range tick.Quotes {
			if err := q.Validate(); err != nil {
				t.Fatalf("step %d %s: %v", tick.Step, sym, err)
			}
		}
		if usdc := tick.Quotes["USDC"]; usdc.Low != 1 || usdc.High != 1 {
			t.Fatalf("step %d: stable moved to %+v", tick.Step, usdc)
		}
	}
	if first := ticks[0].Quotes["BTC"].Reference; first != 60000 {
		t.Errorf("first BTC reference: got %v, want 60000", first)
	}
}

func TestPeek_ReplaysFirstTick(t *testing.T) {
	src := ingestion.NewRandomWalkSource(rand.New(rand.NewSource(1)), ingestion.DefaultWalkAssets(), 3)

	first, peeked, err := ingestion.Peek(context.Background(), src)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if first.Step != 0 {
		t.Errorf("first step: got %d, want 0", first.Step)
	}

	ticks := drain(t, peeked)
	if len(ticks) != 3 {
		t.Fatalf("ticks: got %d, want 3", len(ticks))
	}
	if ticks[0] != first {
		t.Error("peeked source did not replay the first tick")
	}
}
