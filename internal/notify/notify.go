// Package notify pushes high-priority tickets to chat channels as soon as
// they are triaged.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/h1v3-io/triage/internal/pipeline"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// DefaultMinPriority is the lowest priority that triggers an alert.
const DefaultMinPriority = protocol.PriorityHigh

// maxDetailLen caps the details section of an alert.
const maxDetailLen = 600

// Alert is one ticket worth telling someone about.
type Alert struct {
	RunID  string
	Record protocol.TicketRecord
}

// Notifier delivers alerts to one external platform.
type Notifier interface {
	// Name returns the platform name (e.g., "slack", "telegram").
	Name() string
	// Notify delivers one alert.
	Notify(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to every notifier. Delivery failures are
// logged and never surface to the caller.
type Dispatcher struct {
	notifiers   []Notifier
	minPriority protocol.Priority
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. An empty min defaults to High.
func NewDispatcher(min protocol.Priority, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if min == "" {
		min = DefaultMinPriority
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifiers: notifiers, minPriority: min, logger: logger}
}

// Len returns the number of configured notifiers.
func (d *Dispatcher) Len() int { return len(d.notifiers) }

// Wants reports whether rec is urgent enough to alert on.
func (d *Dispatcher) Wants(rec protocol.TicketRecord) bool {
	return rec.Priority.AtLeast(d.minPriority)
}

// Dispatch sends a to every notifier if its priority qualifies. It returns
// the number of successful deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) int {
	if !d.Wants(a.Record) {
		return 0
	}
	sent := 0
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			d.logger.Warn("notification failed",
				"notifier", n.Name(),
				"item", a.Record.SourceID,
				"error", err,
			)
			continue
		}
		sent++
		d.logger.Info("notification sent", "notifier", n.Name(), "item", a.Record.SourceID, "priority", a.Record.Priority)
	}
	return sent
}

// Observer returns a pipeline observer that alerts on each qualifying
// outcome of runID. Fallback records are never alerted on.
func (d *Dispatcher) Observer(runID string) pipeline.Observer {
	return pipeline.ObserverFunc(func(ctx context.Context, out pipeline.Outcome) {
		if out.Fallback {
			return
		}
		d.Dispatch(ctx, Alert{RunID: runID, Record: out.Record})
	})
}

// Headline is the one-line summary of an alert.
func Headline(rec protocol.TicketRecord) string {
	return fmt.Sprintf("[%s] %s: %s (%s)", rec.Priority, rec.Category, rec.Title, rec.TicketID)
}

// DetailLines flattens the serialized details into sorted "key: value"
// lines, truncated to a readable length.
func DetailLines(details string) []string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(details), &obj); err != nil || len(obj) == 0 {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	total := 0
	for _, k := range keys {
		var v string
		switch val := obj[k].(type) {
		case string:
			v = val
		default:
			b, _ := json.Marshal(val)
			v = string(b)
		}
		line := k + ": " + v
		total += len(line)
		if total > maxDetailLen {
			lines = append(lines, "…")
			break
		}
		lines = append(lines, line)
	}
	return lines
}

// PlainText renders an alert without markup.
func PlainText(a Alert) string {
	var b strings.Builder
	b.WriteString(Headline(a.Record))
	fmt.Fprintf(&b, "\nSource: %s %s", a.Record.SourceType, a.Record.SourceID)
	for _, l := range DetailLines(a.Record.Details) {
		b.WriteString("\n- " + l)
	}
	return b.String()
}
