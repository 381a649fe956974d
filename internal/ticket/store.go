// Package ticket persists triaged ticket records and their manual review state.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// ErrNotFound is returned when no ticket has the requested ID.
var ErrNotFound = errors.New("ticket not found")

// ErrAmbiguous is returned when a ticket ID names more than one stored
// ticket. Use the ticket's key instead.
var ErrAmbiguous = errors.New("ticket id matches several tickets")

// ErrInvalidOverride wraps every validation failure from Override.
var ErrInvalidOverride = errors.New("invalid override")

// ReviewStatus tracks a human reviewer's verdict on a generated ticket.
type ReviewStatus string

const (
	ReviewPending         ReviewStatus = "pending"
	ReviewApproved        ReviewStatus = "approved"
	ReviewNeedsCorrection ReviewStatus = "needs_correction"
)

// ParseReviewStatus accepts the stored form and the display form
// ("Needs Correction").
func ParseReviewStatus(s string) (ReviewStatus, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_") {
	case "pending":
		return ReviewPending, true
	case "approved":
		return ReviewApproved, true
	case "needs_correction":
		return ReviewNeedsCorrection, true
	}
	return "", false
}

// Key identifies the stored ticket of one feedback item: the source type
// and source ID, plus the occurrence number when the same item appears more
// than once in a batch. Ticket IDs alone collide across sources.
func Key(sourceType protocol.SourceType, sourceID string, occurrence int) string {
	k := strings.ToLower(string(sourceType)) + ":" + sourceID
	if occurrence > 1 {
		k += fmt.Sprintf("#%d", occurrence)
	}
	return k
}

// StoredTicket is a ticket record plus its bookkeeping columns.
type StoredTicket struct {
	Key string `json:"key"`
	protocol.TicketRecord
	ReviewStatus ReviewStatus `json:"review_status"`
	RunID        string       `json:"run_id"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Override is a manual correction. Nil fields are left unchanged.
type Override struct {
	Title        *string            `json:"title,omitempty"`
	Category     *protocol.Category `json:"category,omitempty"`
	Priority     *protocol.Priority `json:"priority,omitempty"`
	Details      *string            `json:"details,omitempty"`
	ReviewStatus *ReviewStatus      `json:"review_status,omitempty"`
}

// Empty reports whether the override changes nothing.
func (o Override) Empty() bool {
	return o.Title == nil && o.Category == nil && o.Priority == nil && o.Details == nil && o.ReviewStatus == nil
}

// Stats summarizes the stored tickets.
type Stats struct {
	Total          int            `json:"total_tickets"`
	Fallback       int            `json:"fallback_tickets"`
	ByCategory     map[string]int `json:"by_category"`
	ByPriority     map[string]int `json:"by_priority"`
	ByReviewStatus map[string]int `json:"by_review_status"`
}

// Store is the persistence interface for ticket records.
type Store interface {
	// Save creates or replaces the ticket for rec's feedback item. Replacing
	// resets the review status to pending.
	Save(rec protocol.TicketRecord, runID string) error
	// SaveBatch saves all records in one transaction, one row per record.
	// Records repeating a source item get numbered keys.
	SaveBatch(recs []protocol.TicketRecord, runID string) error
	// Get retrieves a ticket by key, or by ticket ID when exactly one
	// ticket carries it.
	Get(id string) (*StoredTicket, error)
	// List returns tickets matching the filter, newest first.
	List(filter Filter) ([]*StoredTicket, error)
	// Count returns the number of tickets matching the filter.
	Count(filter Filter) (int, error)
	// Override applies a manual correction and returns the updated ticket.
	// id resolves as in Get.
	Override(id string, o Override) (*StoredTicket, error)
	// Stats aggregates over every stored ticket.
	Stats() (*Stats, error)
}

// Filter constrains ticket list queries.
type Filter struct {
	Category     protocol.Category
	Priority     protocol.Priority
	SourceType   protocol.SourceType
	ReviewStatus ReviewStatus
	RunID        string
	Query        string // text search on title and details
	Limit        int    // 0 = no limit
}
