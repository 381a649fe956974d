package stage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// DefaultApprovalToken is the word the critic uses to end a deliberation.
const DefaultApprovalToken = "APPROVED"

// DefaultInstructions returns the built-in instructions for a role. The
// critic is told to answer with approvalToken when satisfied.
func DefaultInstructions(role protocol.Role, approvalToken string) string {
	if approvalToken == "" {
		approvalToken = DefaultApprovalToken
	}
	switch role {
	case protocol.RoleClassifier:
		return `You are an expert Feedback Classifier.
Your ONLY job is to categorize the input text into ONE of:
[Bug, Feature Request, Praise, Complaint, Spam].
Also assign a Priority: [Critical, High, Medium, Low].
Output strictly JSON: {"category": "...", "priority": "..."}`
	case protocol.RoleBugAnalyst:
		return `You are a QA Engineer.
IF the category is 'Bug':
- Extract 'steps_to_reproduce' (list)
- Identify 'device_info' (if present)
- Estimate 'severity'
IF NOT a Bug, return {"status": "skipped"}.
Output strictly JSON.`
	case protocol.RoleFeatureExtractor:
		return `You are a Product Manager.
IF the category is 'Feature Request':
- Extract 'requested_feature' (concise description)
- Estimate 'user_impact' (High/Med/Low)
IF NOT a Feature Request, return {"status": "skipped"}.
Output strictly JSON.`
	case protocol.RoleTicketCreator:
		return `You are a Jira Admin.
Compile the final ticket based on previous agent outputs.
Schema:
{
    "title": "Title",
    "category": "Category",
    "priority": "Priority",
    "details": { ...merge bug/feature details... },
    "reasoning": "Why this priority?"
}
Return ONLY valid JSON.`
	case protocol.RoleCritic:
		return fmt.Sprintf(`You are a Senior Reviewer.
Check the Ticket Creator's output.
- Is the title clear?
- Is the priority reasonable?
- Is the JSON valid?
If GOOD, reply "%s".
If BAD, explain what to fix.`, approvalToken)
	}
	return ""
}

// TaskPrompt is the opening message of every deliberation.
func TaskPrompt(item protocol.FeedbackItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PROCESS THIS FEEDBACK (ID: %s, source: %s): %q\n\n", item.ID, item.SourceType, item.Text)
	b.WriteString("Pipeline:\n")
	b.WriteString("1. Classifier: Categorize.\n")
	b.WriteString("2. Bug_Analyst & Feature_Extractor: Extract details.\n")
	b.WriteString("3. Ticket_Creator: Draft JSON.\n")
	b.WriteString("4. Quality_Critic: Review.\n\n")
	b.WriteString("Ticket_Creator: Output final JSON before approval.\n")
	return b.String()
}

// ConfigurationContext renders classification settings as a prompt block.
// It returns "" when there is nothing to say.
func ConfigurationContext(thresholds map[string]float64, defaultPriorities map[string]string) string {
	var b strings.Builder
	if len(defaultPriorities) > 0 {
		b.WriteString("Default priority by category (use unless the feedback clearly warrants otherwise):\n")
		for _, k := range sortedKeys(defaultPriorities) {
			fmt.Fprintf(&b, "- %s: %s\n", k, defaultPriorities[k])
		}
	}
	if len(thresholds) > 0 {
		b.WriteString("Minimum confidence required to assign a category (otherwise prefer Complaint):\n")
		for _, k := range sortedKeys(thresholds) {
			fmt.Fprintf(&b, "- %s: %.2f\n", k, thresholds[k])
		}
	}
	return b.String()
}

// BuildSystemPrompt assembles the system prompt for a stage from its
// identity, instructions and any scoped context blocks.
func BuildSystemPrompt(role protocol.Role, instructions string, scoped map[string]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Stage: %s\n", role.DisplayName())
	b.WriteString("\n")
	b.WriteString(instructions)
	b.WriteString("\n\n")

	if len(scoped) > 0 {
		b.WriteString("# Context\n")
		for _, k := range sortedKeys(scoped) {
			if strings.TrimSpace(scoped[k]) == "" {
				continue
			}
			fmt.Fprintf(&b, "## %s\n%s\n\n", k, scoped[k])
		}
	}

	b.WriteString("# Rules\n")
	fmt.Fprintf(&b, "- You are %s. Speak only for yourself; earlier messages are prefixed with the speaker's name.\n", role.DisplayName())
	b.WriteString("- Do not repeat other participants' output verbatim unless asked.\n")
	b.WriteString("- Be concise.\n")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
