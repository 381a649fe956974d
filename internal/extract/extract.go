// Package extract recovers ticket JSON embedded in free-form stage output.
//
// Extraction is best-effort: it never validates against a strict schema and
// never fails a run. A message either yields a candidate or it does not.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Object returns the JSON object spanning the first '{' and the last '}' in
// content, if that span parses.
func Object(content string) (map[string]any, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// Extract returns the ticket carried by content. A candidate must be a
// parseable object with a "title" key.
func Extract(content string) (protocol.ExtractedTicket, bool) {
	obj, ok := Object(content)
	if !ok {
		return protocol.ExtractedTicket{}, false
	}
	if _, ok := obj["title"]; !ok {
		return protocol.ExtractedTicket{}, false
	}
	return ToTicket(obj), true
}

// ToTicket maps a decoded candidate onto the ticket schema, normalizing the
// loosely typed fields models tend to produce.
func ToTicket(obj map[string]any) protocol.ExtractedTicket {
	t := protocol.ExtractedTicket{
		Title:    stringValue(obj["title"]),
		Category: protocol.CategoryUncategorized,
		Priority: protocol.PriorityLow,
	}
	if s, ok := obj["category"].(string); ok {
		if c, ok := protocol.ParseCategory(s); ok {
			t.Category = c
		}
	}
	if s, ok := obj["priority"].(string); ok {
		if p, ok := protocol.ParsePriority(s); ok {
			t.Priority = p
		}
	}
	switch d := obj["details"].(type) {
	case nil:
	case map[string]any:
		t.Details = d
	default:
		t.Details = map[string]any{"value": d}
	}
	if s, ok := obj["reasoning"].(string); ok {
		t.Reasoning = s
	}
	return t
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// Tracker holds the accepted candidate for one item's run. Later valid
// candidates replace earlier ones; messages without a candidate leave the
// accepted one untouched.
type Tracker struct {
	ticket   protocol.ExtractedTicket
	turn     int
	accepted bool
}

// Observe scans one message produced on the given turn and reports whether
// it supplied a new candidate.
func (t *Tracker) Observe(turn int, content string) bool {
	ticket, ok := Extract(content)
	if !ok {
		return false
	}
	t.ticket = ticket
	t.turn = turn
	t.accepted = true
	return true
}

// Ticket returns the accepted candidate and the turn it came from.
func (t *Tracker) Ticket() (protocol.ExtractedTicket, int, bool) {
	return t.ticket, t.turn, t.accepted
}
