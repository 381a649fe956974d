// Package stage defines the processors that take turns in a deliberation.
//
// A Processor sees the whole conversation so far and answers with text. The
// five roles differ only in the instructions bound to them; the scheduler
// treats every role the same way.
package stage

import (
	"context"
	"fmt"
	"slices"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// Processor produces one stage's contribution to a deliberation.
type Processor interface {
	Role() protocol.Role
	Produce(ctx context.Context, conv protocol.Conversation) (string, error)
}

// GenerationError reports that a stage could not produce output, whether
// from a timeout, a backend fault or rejected credentials. Kind says which.
type GenerationError struct {
	Role protocol.Role
	Kind provider.FailureKind
	Err  error
}

// NewGenerationError wraps err for role, classifying it by failure kind.
func NewGenerationError(role protocol.Role, err error) *GenerationError {
	return &GenerationError{Role: role, Kind: provider.KindOf(err), Err: err}
}

func (e *GenerationError) Error() string {
	if e.Kind != "" && e.Kind != provider.FailureUnknown {
		return fmt.Sprintf("stage %s: generation failed (%s): %v", e.Role, e.Kind, e.Err)
	}
	return fmt.Sprintf("stage %s: generation failed: %v", e.Role, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Func adapts a plain function to a Processor.
type Func struct {
	R protocol.Role
	F func(ctx context.Context, conv protocol.Conversation) (string, error)
}

func (f Func) Role() protocol.Role { return f.R }

func (f Func) Produce(ctx context.Context, conv protocol.Conversation) (string, error) {
	return f.F(ctx, conv)
}

// Set is the full complement of stage processors in round-robin order.
type Set struct {
	procs []Processor
}

// NewSet orders procs by the fixed role sequence. Every role must be
// supplied exactly once.
func NewSet(procs ...Processor) (Set, error) {
	byRole := make(map[protocol.Role]Processor, len(procs))
	for _, p := range procs {
		r := p.Role()
		if !r.Valid() {
			return Set{}, fmt.Errorf("stage: unknown role %q", r)
		}
		if _, dup := byRole[r]; dup {
			return Set{}, fmt.Errorf("stage: duplicate processor for role %q", r)
		}
		byRole[r] = p
	}

	roles := protocol.Roles()
	ordered := make([]Processor, 0, len(roles))
	for _, r := range roles {
		p, ok := byRole[r]
		if !ok {
			return Set{}, fmt.Errorf("stage: missing processor for role %q", r)
		}
		ordered = append(ordered, p)
	}
	return Set{procs: ordered}, nil
}

// Len returns the number of stages in the cycle.
func (s Set) Len() int { return len(s.procs) }

// At returns the processor that takes the given zero-based turn.
func (s Set) At(turn int) Processor {
	return s.procs[turn%len(s.procs)]
}

// Processors returns the processors in turn order.
func (s Set) Processors() []Processor {
	return slices.Clone(s.procs)
}
