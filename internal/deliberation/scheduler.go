package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/h1v3-io/triage/internal/extract"
	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/stage"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const (
	DefaultMaxTurns         = 6
	DefaultTerminationToken = stage.DefaultApprovalToken
)

// State is the position of a run in its state machine.
type State int

const (
	Running State = iota
	Approved
	Exhausted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Approved:
		return "approved"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Turn records what happened on one turn.
type Turn struct {
	Number    int // 1-based
	Role      protocol.Role
	Outcome   stage.Outcome
	Candidate bool // the output carried a valid ticket candidate
}

// Result is the terminal state of one run.
type Result struct {
	State        State
	TurnsTaken   int
	Turns        []Turn
	Conversation protocol.Conversation

	// Ticket is the last valid candidate seen, if any.
	Ticket     protocol.ExtractedTicket
	TicketTurn int
	HasTicket  bool

	// Err is the *stage.GenerationError that aborted the run, if any.
	// A run with Err set is always Exhausted.
	Err error
}

// Terminated reports whether the run reached a terminal state.
func (r Result) Terminated() bool { return r.State != Running }

// Scheduler drives deliberations over a fixed stage set. It holds no
// per-run state and may be shared by concurrent runs.
type Scheduler struct {
	stages   stage.Set
	maxTurns int
	token    string
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxTurns caps the number of turns per run. Values <= 0 keep the default.
func WithMaxTurns(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithTerminationToken sets the case-sensitive approval token.
func WithTerminationToken(token string) Option {
	return func(s *Scheduler) {
		if token != "" {
			s.token = token
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scheduler over stages.
func New(stages stage.Set, opts ...Option) (*Scheduler, error) {
	if stages.Len() == 0 {
		return nil, fmt.Errorf("deliberation: no stages")
	}
	s := &Scheduler{
		stages:   stages,
		maxTurns: DefaultMaxTurns,
		token:    DefaultTerminationToken,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxTurns returns the configured turn cap.
func (s *Scheduler) MaxTurns() int { return s.maxTurns }

// TerminationToken returns the configured approval token.
func (s *Scheduler) TerminationToken() string { return s.token }

// Run deliberates over item until approval, the turn cap, or a stage error.
func (s *Scheduler) Run(ctx context.Context, item protocol.FeedbackItem) Result {
	conv := protocol.NewConversation(protocol.Entry{
		Speaker: protocol.SpeakerTask,
		Content: stage.TaskPrompt(item),
	})

	var tracker extract.Tracker
	res := Result{State: Running}

	for res.State == Running {
		if res.TurnsTaken >= s.maxTurns {
			res.State = Exhausted
			break
		}

		proc := s.stages.At(res.TurnsTaken)
		role := proc.Role()
		number := res.TurnsTaken + 1

		out, err := s.produce(ctx, proc, conv)
		if err != nil {
			s.logger.Warn("stage failed, aborting deliberation",
				"item", item.ID,
				"stage", role,
				"turn", number,
				"kind", provider.KindOf(err),
				"error", err,
			)
			res.Err = err
			res.State = Exhausted
			break
		}

		res.TurnsTaken = number
		conv = conv.Append(protocol.Entry{Speaker: string(role), Content: out})

		turn := Turn{
			Number:    number,
			Role:      role,
			Outcome:   stage.ParseOutcome(out),
			Candidate: tracker.Observe(number, out),
		}
		res.Turns = append(res.Turns, turn)

		s.logger.Debug("stage turn",
			"item", item.ID,
			"stage", role,
			"turn", number,
			"outcome", turn.Outcome.Kind.String(),
			"candidate", turn.Candidate,
		)

		if strings.Contains(out, s.token) {
			res.State = Approved
		}
	}

	res.Conversation = conv
	res.Ticket, res.TicketTurn, res.HasTicket = tracker.Ticket()

	s.logger.Debug("deliberation finished",
		"item", item.ID,
		"state", res.State.String(),
		"turns", res.TurnsTaken,
		"has_ticket", res.HasTicket,
	)
	return res
}

func (s *Scheduler) produce(ctx context.Context, proc stage.Processor, conv protocol.Conversation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", stage.NewGenerationError(proc.Role(), err)
	}
	out, err := proc.Produce(ctx, conv)
	if err != nil {
		var genErr *stage.GenerationError
		if !errors.As(err, &genErr) {
			err = stage.NewGenerationError(proc.Role(), err)
		}
		return "", err
	}
	return out, nil
}
