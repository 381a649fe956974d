package stage

import (
	"strings"

	"github.com/h1v3-io/triage/internal/extract"
)

// OutcomeKind tags what a stage's output amounted to.
type OutcomeKind int

const (
	// Freeform output carried no JSON object, e.g. a critic's corrections.
	Freeform OutcomeKind = iota
	// Active output carried structured details.
	Active
	// Skipped output declared the stage not applicable to this item.
	Skipped
)

func (k OutcomeKind) String() string {
	switch k {
	case Active:
		return "active"
	case Skipped:
		return "skipped"
	default:
		return "freeform"
	}
}

// Outcome is the parsed form of one stage's output.
type Outcome struct {
	Kind    OutcomeKind
	Details map[string]any // set when Kind is Active
}

// Contributed reports whether the stage supplied structured details.
func (o Outcome) Contributed() bool { return o.Kind == Active }

// ParseOutcome classifies content. A JSON object whose "status" is
// "skipped" marks the stage as not applicable.
func ParseOutcome(content string) Outcome {
	obj, ok := extract.Object(content)
	if !ok {
		return Outcome{Kind: Freeform}
	}
	if status, _ := obj["status"].(string); strings.EqualFold(strings.TrimSpace(status), "skipped") {
		return Outcome{Kind: Skipped}
	}
	return Outcome{Kind: Active, Details: obj}
}
