package protocol

import (
	"strings"
)

// SourceType identifies where a feedback item came from.
type SourceType string

const (
	SourceReview SourceType = "Review"
	SourceEmail  SourceType = "Email"
)

// ParseSourceType maps a case-insensitive name to a SourceType.
func ParseSourceType(s string) (SourceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "review":
		return SourceReview, true
	case "email":
		return SourceEmail, true
	}
	return "", false
}

// FeedbackItem is one input row. It is never modified after loading.
type FeedbackItem struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"source_type"`
	Text       string     `json:"text"`
}

// Category is the classification assigned to a ticket.
type Category string

const (
	CategoryBug            Category = "Bug"
	CategoryFeatureRequest Category = "Feature Request"
	CategoryPraise         Category = "Praise"
	CategoryComplaint      Category = "Complaint"
	CategorySpam           Category = "Spam"
	CategoryError          Category = "Error"
	// CategoryUncategorized is used when a ticket omits or garbles its category.
	CategoryUncategorized Category = "Uncategorized"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryBug, CategoryFeatureRequest, CategoryPraise, CategoryComplaint,
	CategorySpam, CategoryError, CategoryUncategorized,
}

// ParseCategory normalizes model output like "feature_request" or
// "FeatureRequest" to a canonical Category.
func ParseCategory(s string) (Category, bool) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch key {
	case "bug":
		return CategoryBug, true
	case "featurerequest", "feature":
		return CategoryFeatureRequest, true
	case "praise":
		return CategoryPraise, true
	case "complaint":
		return CategoryComplaint, true
	case "spam":
		return CategorySpam, true
	case "error":
		return CategoryError, true
	case "uncategorized":
		return CategoryUncategorized, true
	}
	return "", false
}

// Priority is the urgency assigned to a ticket.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority maps a case-insensitive name to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium", "med":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	}
	return "", false
}

// Rank orders priorities: Critical is 4, Low is 1, unknown is 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether p is as urgent as min.
func (p Priority) AtLeast(min Priority) bool {
	return p.Rank() >= min.Rank()
}

// ExtractedTicket is the ticket payload recovered from stage output.
type ExtractedTicket struct {
	Title     string         `json:"title"`
	Category  Category       `json:"category"`
	Priority  Priority       `json:"priority"`
	Details   map[string]any `json:"details"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// TicketRecord is the persisted output row, one per FeedbackItem.
type TicketRecord struct {
	TicketID   string     `json:"ticket_id"`
	Title      string     `json:"title"`
	Category   Category   `json:"category"`
	Priority   Priority   `json:"priority"`
	Details    string     `json:"details"`
	Reasoning  string     `json:"reasoning,omitempty"`
	SourceID   string     `json:"source_id"`
	SourceType SourceType `json:"source_type"`
}

// TicketID derives the ticket identifier for a feedback item.
func TicketID(itemID string) string {
	return "TKT-" + itemID
}
