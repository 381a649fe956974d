package pipeline

import (
	"encoding/json"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// FallbackError is the details payload of every fallback record.
const FallbackError = "Agents did not produce valid JSON"

// ToRecord maps an extracted ticket onto the output schema for item.
func ToRecord(item protocol.FeedbackItem, t protocol.ExtractedTicket) protocol.TicketRecord {
	return protocol.TicketRecord{
		TicketID:   protocol.TicketID(item.ID),
		Title:      t.Title,
		Category:   t.Category,
		Priority:   t.Priority,
		Details:    marshalDetails(t.Details),
		Reasoning:  t.Reasoning,
		SourceID:   item.ID,
		SourceType: item.SourceType,
	}
}

// FallbackRecord is the deterministic record for an item whose run yielded
// no ticket.
func FallbackRecord(item protocol.FeedbackItem) protocol.TicketRecord {
	return protocol.TicketRecord{
		TicketID:   protocol.TicketID(item.ID),
		Title:      "Error Processing " + item.ID,
		Category:   protocol.CategoryError,
		Priority:   protocol.PriorityLow,
		Details:    marshalDetails(map[string]any{"error": FallbackError}),
		SourceID:   item.ID,
		SourceType: item.SourceType,
	}
}

func marshalDetails(details map[string]any) string {
	if details == nil {
		return "{}"
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(b)
}
