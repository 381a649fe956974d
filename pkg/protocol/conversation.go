package protocol

import "slices"

// Role is one of the fixed deliberation stages.
type Role string

const (
	RoleClassifier       Role = "classifier"
	RoleBugAnalyst       Role = "bug_analyst"
	RoleFeatureExtractor Role = "feature_extractor"
	RoleTicketCreator    Role = "ticket_creator"
	RoleCritic           Role = "critic"
)

// Roles returns the stages in their fixed round-robin order.
func Roles() []Role {
	return []Role{RoleClassifier, RoleBugAnalyst, RoleFeatureExtractor, RoleTicketCreator, RoleCritic}
}

// DisplayName is the speaker name shown to other stages.
func (r Role) DisplayName() string {
	switch r {
	case RoleClassifier:
		return "Feedback_Classifier"
	case RoleBugAnalyst:
		return "Bug_Analyst"
	case RoleFeatureExtractor:
		return "Feature_Extractor"
	case RoleTicketCreator:
		return "Ticket_Creator"
	case RoleCritic:
		return "Quality_Critic"
	}
	return string(r)
}

// Valid reports whether r is one of the five stage roles.
func (r Role) Valid() bool {
	return slices.Contains(Roles(), r)
}

// SpeakerTask marks the seeded task entry at the head of a conversation.
const SpeakerTask = "task"

// Entry is one message in a deliberation.
type Entry struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Conversation is an append-only log of entries. Append returns a new value
// and never mutates the receiver, so a Conversation can be handed to a stage
// without the stage being able to reorder or drop earlier entries.
type Conversation struct {
	entries []Entry
}

// NewConversation starts a conversation with the given entries.
func NewConversation(entries ...Entry) Conversation {
	return Conversation{entries: slices.Clone(entries)}
}

// Append returns a conversation with e added at the end.
func (c Conversation) Append(e Entry) Conversation {
	return Conversation{entries: append(slices.Clip(c.entries), e)}
}

// Len returns the number of entries.
func (c Conversation) Len() int { return len(c.entries) }

// Entries returns a copy of all entries, oldest first.
func (c Conversation) Entries() []Entry {
	return slices.Clone(c.entries)
}

// Last returns the most recent entry.
func (c Conversation) Last() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}
