// Package triage composes the pipeline with its collaborators: CSV sources
// in, ticket store, reports, transcripts and alerts out.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/triage/internal/api"
	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/deliberation"
	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/notify"
	"github.com/h1v3-io/triage/internal/pipeline"
	"github.com/h1v3-io/triage/internal/report"
	"github.com/h1v3-io/triage/internal/source"
	"github.com/h1v3-io/triage/internal/stage"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/transcript"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// Summary describes one finished batch run.
type Summary struct {
	RunID      string         `json:"run_id"`
	Items      int            `json:"items"`
	Fallback   int            `json:"fallback_tickets"`
	ByCategory map[string]int `json:"by_category"`
	ByPriority map[string]int `json:"by_priority"`
	Warnings   []string       `json:"warnings,omitempty"`
	Files      []string       `json:"files,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Job runs triage batches and single items against one configuration.
type Job struct {
	cfg        *config.Config
	stages     stage.Set
	store      ticket.Store
	archive    *transcript.Archive
	dispatcher *notify.Dispatcher
	logs       *logbuf.Buffer
	logger     *slog.Logger
	baseCtx    context.Context

	ownStore bool
	running  atomic.Bool
}

// Option configures a Job.
type Option func(*Job)

// WithStages replaces the provider-backed stages built from config.
func WithStages(s stage.Set) Option {
	return func(j *Job) { j.stages = s }
}

// WithStore replaces the SQLite store opened from config.store.path.
// The caller keeps ownership of s.
func WithStore(s ticket.Store) Option {
	return func(j *Job) { j.store = s }
}

// WithDispatcher replaces the dispatcher built from config.notify.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(j *Job) { j.dispatcher = d }
}

// WithLogBuffer sets the buffer the processing log is read from. Without
// it, processing_log.csv only has its header.
func WithLogBuffer(b *logbuf.Buffer) Option {
	return func(j *Job) { j.logs = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Job) { j.logger = l }
}

// WithBaseContext sets the context background runs started by StartRun
// inherit. Cancelling it stops them.
func WithBaseContext(ctx context.Context) Option {
	return func(j *Job) { j.baseCtx = ctx }
}

// New creates a job for cfg, opening whatever collaborators the options
// did not supply.
func New(cfg *config.Config, opts ...Option) (*Job, error) {
	j := &Job{cfg: cfg}
	for _, o := range opts {
		o(j)
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	if j.baseCtx == nil {
		j.baseCtx = context.Background()
	}

	if j.stages.Len() == 0 {
		set, err := BuildStages(cfg, j.logger)
		if err != nil {
			return nil, err
		}
		j.stages = set
	}
	if j.dispatcher == nil {
		j.dispatcher = BuildDispatcher(cfg, j.logger)
	}
	if j.store == nil {
		s, err := ticket.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("triage: %w", err)
		}
		j.store = s
		j.ownStore = true
	}
	if cfg.Store.TranscriptsPath != "" {
		a, err := transcript.Open(cfg.Store.TranscriptsPath, j.logger.With("component", "transcripts"))
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("triage: %w", err)
		}
		j.archive = a
	}
	return j, nil
}

// Close releases the store (when opened by New) and the transcript archive.
func (j *Job) Close() error {
	var errs []error
	if j.archive != nil {
		errs = append(errs, j.archive.Close())
	}
	if c, ok := j.store.(interface{ Close() error }); ok && j.ownStore {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Running reports whether a batch is in progress.
func (j *Job) Running() bool { return j.running.Load() }

// Run executes one batch synchronously. It fails with
// api.ErrRunInProgress if another batch is running.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, api.ErrRunInProgress
	}
	defer j.running.Store(false)
	return j.run(ctx, uuid.NewString())
}

// StartRun launches a batch in the background and returns its run ID.
func (j *Job) StartRun() (string, error) {
	if !j.running.CompareAndSwap(false, true) {
		return "", api.ErrRunInProgress
	}
	runID := uuid.NewString()
	go func() {
		defer j.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error("triage run panicked", "run_id", runID, "panic", fmt.Sprintf("%v", r))
			}
		}()
		if _, err := j.run(j.baseCtx, runID); err != nil {
			j.logger.Error("triage run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

func (j *Job) run(ctx context.Context, runID string) (*Summary, error) {
	start := time.Now()
	logger := j.logger.With("run_id", runID)

	sum := &Summary{
		RunID:      runID,
		ByCategory: map[string]int{},
		ByPriority: map[string]int{},
	}

	loader := source.NewLoader(logger.With("component", "source"),
		source.Reviews(j.cfg.Sources.Reviews),
		source.Emails(j.cfg.Sources.Emails),
	)
	items, warnings := loader.Load()
	for _, w := range warnings {
		sum.Warnings = append(sum.Warnings, w.Error())
	}
	if len(items) == 0 {
		logger.Warn("no feedback items to triage", "warnings", len(warnings))
		sum.Duration = time.Since(start)
		return sum, nil
	}

	logger.Info("triage run starting", "items", len(items), "workers", j.cfg.Pipeline.Workers)

	orch, err := j.orchestrator(logger, runID)
	if err != nil {
		return sum, err
	}
	outcomes := orch.RunAllDetailed(ctx, items)

	recs := make([]protocol.TicketRecord, len(outcomes))
	for i, out := range outcomes {
		recs[i] = out.Record
		if out.Fallback {
			sum.Fallback++
		}
		sum.ByCategory[string(out.Record.Category)]++
		sum.ByPriority[string(out.Record.Priority)]++
	}
	sum.Items = len(recs)

	if err := j.store.SaveBatch(recs, runID); err != nil {
		return sum, fmt.Errorf("triage: %w", err)
	}

	sum.Duration = time.Since(start)
	logger.Info("triage run complete",
		"items", sum.Items,
		"fallback", sum.Fallback,
		"duration", sum.Duration.Round(time.Millisecond).String(),
	)

	var entries []logbuf.Entry
	if j.logs != nil {
		entries = j.logs.Query(logbuf.Filter{RunID: runID})
	}
	files, err := report.WriteDir(j.cfg.Output.Dir, report.Batch{
		Records:  recs,
		Fallback: sum.Fallback,
		Log:      entries,
	})
	sum.Files = files
	if err != nil {
		return sum, fmt.Errorf("triage: %w", err)
	}
	return sum, nil
}

// TriageOne runs a single item through the pipeline and stores its record.
func (j *Job) TriageOne(ctx context.Context, item protocol.FeedbackItem) (protocol.TicketRecord, error) {
	runID := uuid.NewString()
	logger := j.logger.With("run_id", runID)

	orch, err := j.orchestrator(logger, runID)
	if err != nil {
		return protocol.TicketRecord{}, err
	}
	rec := orch.RunAll(ctx, []protocol.FeedbackItem{item})[0]
	if err := j.store.Save(rec, runID); err != nil {
		return rec, fmt.Errorf("triage: %w", err)
	}
	return rec, nil
}

// orchestrator wires a fresh scheduler, runner and orchestrator logging
// under logger, with the archive and alert observers for runID attached.
func (j *Job) orchestrator(logger *slog.Logger, runID string) (*pipeline.Orchestrator, error) {
	sched, err := deliberation.New(j.stages,
		deliberation.WithMaxTurns(j.cfg.Pipeline.MaxTurns),
		deliberation.WithTerminationToken(j.cfg.Pipeline.TerminationToken),
		deliberation.WithLogger(logger.With("component", "deliberation")),
	)
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}

	runner := pipeline.NewRunner(sched, logger.With("component", "runner"))
	runner.ItemTimeout = time.Duration(j.cfg.Pipeline.ItemTimeoutSeconds) * time.Second

	orch := pipeline.NewOrchestrator(runner, j.cfg.Pipeline.Workers, logger.With("component", "orchestrator"))
	if j.archive != nil {
		orch.Observers = append(orch.Observers, j.archive.Recorder(runID))
	}
	if j.dispatcher != nil && j.dispatcher.Len() > 0 {
		orch.Observers = append(orch.Observers, j.dispatcher.Observer(runID))
	}
	return orch, nil
}

// --- api.TriageService ---

func (j *Job) ListTickets(filter ticket.Filter) ([]*ticket.StoredTicket, error) {
	return j.store.List(filter)
}

func (j *Job) GetTicket(id string) (*ticket.StoredTicket, error) {
	return j.store.Get(id)
}

func (j *Job) OverrideTicket(id string, o ticket.Override) (*ticket.StoredTicket, error) {
	return j.store.Override(id, o)
}

func (j *Job) Stats() (*ticket.Stats, error) {
	return j.store.Stats()
}

// Transcripts lists the archived deliberations of runID, or nothing when
// archiving is off.
func (j *Job) Transcripts(runID string) ([]transcript.Transcript, error) {
	if j.archive == nil {
		return []transcript.Transcript{}, nil
	}
	return j.archive.List(runID)
}

var _ api.TriageService = (*Job)(nil)
