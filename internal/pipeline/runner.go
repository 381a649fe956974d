package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/triage/internal/deliberation"
	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/stage"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// Fallback reasons. They are logged and exposed to observers but never
// appear in the record itself.
const (
	ReasonGenerationError = "generation_error"
	ReasonNoValidJSON     = "no_valid_json"
)

// Deliberator runs one item's deliberation to a terminal state.
type Deliberator interface {
	Run(ctx context.Context, item protocol.FeedbackItem) deliberation.Result
}

// Outcome is everything known about one item after its run.
type Outcome struct {
	Item           protocol.FeedbackItem
	Record         protocol.TicketRecord
	Fallback       bool
	FallbackReason string
	Deliberation   deliberation.Result
	Duration       time.Duration
}

// Runner turns one feedback item into exactly one ticket record.
type Runner struct {
	deliberator Deliberator
	ItemTimeout time.Duration // 0 disables the per-item deadline
	Logger      *slog.Logger
}

// NewRunner creates a runner around d.
func NewRunner(d Deliberator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{deliberator: d, Logger: logger}
}

// Run returns the record for item. It never fails: every problem inside
// the run ends in the fallback record.
func (r *Runner) Run(ctx context.Context, item protocol.FeedbackItem) protocol.TicketRecord {
	return r.RunDetailed(ctx, item).Record
}

// RunDetailed is Run plus the deliberation result and fallback reason.
func (r *Runner) RunDetailed(ctx context.Context, item protocol.FeedbackItem) Outcome {
	start := time.Now()
	out := Outcome{Item: item}

	itemCtx := ctx
	if r.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, r.ItemTimeout)
		defer cancel()
	}

	res, err := r.deliberate(itemCtx, item)
	if err != nil {
		res.Err = err
	}
	out.Deliberation = res
	out.Duration = time.Since(start)

	if res.HasTicket {
		out.Record = ToRecord(item, res.Ticket)
		if res.Err != nil {
			r.Logger.Warn("stage failed after a ticket was extracted, keeping it",
				"item", item.ID,
				"error", res.Err,
			)
		}
		r.Logger.Info("item triaged",
			"item", item.ID,
			"state", res.State.String(),
			"turns", res.TurnsTaken,
			"category", out.Record.Category,
			"priority", out.Record.Priority,
			"duration", out.Duration,
		)
		return out
	}

	out.Record = FallbackRecord(item)
	out.Fallback = true
	if res.Err != nil {
		out.FallbackReason = ReasonGenerationError
		r.Logger.Error("item fell back after generation error",
			"item", item.ID,
			"turns", res.TurnsTaken,
			"fallback_reason", out.FallbackReason,
			"kind", provider.KindOf(res.Err),
			"error", res.Err,
		)
	} else {
		out.FallbackReason = ReasonNoValidJSON
		r.Logger.Warn("item fell back, no valid ticket JSON",
			"item", item.ID,
			"state", res.State.String(),
			"turns", res.TurnsTaken,
			"fallback_reason", out.FallbackReason,
		)
	}
	return out
}

// deliberate shields the runner from a panicking stage.
func (r *Runner) deliberate(ctx context.Context, item protocol.FeedbackItem) (res deliberation.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = deliberation.Result{State: deliberation.Exhausted}
			err = &stage.GenerationError{Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.deliberator.Run(ctx, item), nil
}
