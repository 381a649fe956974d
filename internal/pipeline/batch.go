package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Observer is told about each finished item. Observers are called from
// worker goroutines and must be safe for concurrent use.
type Observer interface {
	Observe(ctx context.Context, out Outcome)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ctx context.Context, out Outcome)

func (f ObserverFunc) Observe(ctx context.Context, out Outcome) { f(ctx, out) }

// Orchestrator runs every item of a batch through a Runner.
type Orchestrator struct {
	Runner    *Runner
	Workers   int // items in flight at once; <= 1 runs sequentially
	Observers []Observer
	Logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator with the given concurrency.
func NewOrchestrator(runner *Runner, workers int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{Runner: runner, Workers: workers, Logger: logger}
}

// RunAll returns one record per item, in input order.
func (o *Orchestrator) RunAll(ctx context.Context, items []protocol.FeedbackItem) []protocol.TicketRecord {
	outs := o.RunAllDetailed(ctx, items)
	records := make([]protocol.TicketRecord, len(outs))
	for i, out := range outs {
		records[i] = out.Record
	}
	return records
}

// RunAllDetailed returns one outcome per item, in input order. Results are
// written into input-indexed slots, so completion order does not matter.
func (o *Orchestrator) RunAllDetailed(ctx context.Context, items []protocol.FeedbackItem) []Outcome {
	outs := make([]Outcome, len(items))
	if len(items) == 0 {
		o.Logger.Warn("no feedback items to process")
		return outs
	}

	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	o.Logger.Info("processing feedback items", "total", len(items), "workers", workers)

	var done atomic.Int64
	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			out := o.Runner.RunDetailed(ctx, item)
			outs[i] = out
			o.observe(ctx, out)
			n := done.Add(1)
			o.Logger.Info(fmt.Sprintf("[%d/%d] processed %s %s", n, len(items), item.SourceType, item.ID),
				"item", item.ID,
				"fallback", out.Fallback,
			)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

func (o *Orchestrator) observe(ctx context.Context, out Outcome) {
	for _, obs := range o.Observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					o.Logger.Error("observer panicked", "item", out.Item.ID, "panic", fmt.Sprintf("%v", p))
				}
			}()
			obs.Observe(ctx, out)
		}()
	}
}
