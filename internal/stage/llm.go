package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// LLMStage is a Processor backed by a chat provider.
type LLMStage struct {
	role         protocol.Role
	Provider     provider.Provider
	Instructions string
	Model        string            // optional per-stage model override
	Temperature  float64           // 0 leaves the provider default
	MaxTokens    int               // 0 leaves the provider default
	Context      map[string]string // scoped prompt blocks, e.g. "Configuration"
	Logger       *slog.Logger
}

// NewLLM creates a stage for role with the built-in instructions.
func NewLLM(role protocol.Role, prov provider.Provider) *LLMStage {
	return &LLMStage{
		role:         role,
		Provider:     prov,
		Instructions: DefaultInstructions(role, DefaultApprovalToken),
		Logger:       slog.Default(),
	}
}

func (s *LLMStage) Role() protocol.Role { return s.role }

// Produce sends the conversation to the provider and returns its reply.
// Provider failures come back as *GenerationError.
func (s *LLMStage) Produce(ctx context.Context, conv protocol.Conversation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewGenerationError(s.role, err)
	}

	req := protocol.ChatRequest{
		Model:       s.Model,
		Messages:    s.Messages(conv),
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
	}

	s.logger().Debug("stage chat request",
		"stage", s.role,
		"provider", s.Provider.Name(),
		"messages", len(req.Messages),
	)

	resp, err := s.Provider.Chat(ctx, req)
	if err != nil {
		return "", NewGenerationError(s.role, err)
	}

	s.logger().Debug("stage response",
		"stage", s.role,
		"content_len", len(resp.Content),
		"tokens", resp.Usage.TotalTokens(),
	)
	return resp.Content, nil
}

// Messages builds the chat history this stage sees: its system prompt, the
// task as a user message, its own earlier turns as assistant messages and
// every other stage's turns as user messages prefixed with the speaker.
func (s *LLMStage) Messages(conv protocol.Conversation) []protocol.ChatMessage {
	entries := conv.Entries()
	messages := make([]protocol.ChatMessage, 0, len(entries)+1)
	messages = append(messages, protocol.ChatMessage{
		Role:    "system",
		Content: BuildSystemPrompt(s.role, s.Instructions, s.Context),
	})

	for _, e := range entries {
		switch e.Speaker {
		case protocol.SpeakerTask:
			messages = append(messages, protocol.ChatMessage{Role: "user", Content: e.Content})
		case string(s.role):
			messages = append(messages, protocol.ChatMessage{Role: "assistant", Content: e.Content})
		default:
			messages = append(messages, protocol.ChatMessage{
				Role:    "user",
				Content: fmt.Sprintf("[%s]: %s", protocol.Role(e.Speaker).DisplayName(), e.Content),
			})
		}
	}
	return messages
}

func (s *LLMStage) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
