package stage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// mockProvider is a test provider that returns a sequence of responses.
type mockProvider struct {
	responses []string
	err       error
	callIdx   int
	calls     []protocol.ChatRequest
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(_ context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.callIdx >= len(m.responses) {
		return nil, fmt.Errorf("mock: no more responses (call %d)", m.callIdx)
	}
	resp := m.responses[m.callIdx]
	m.callIdx++
	return &protocol.ChatResponse{Content: resp}, nil
}

func fixed(role protocol.Role) Processor {
	return Func{R: role, F: func(context.Context, protocol.Conversation) (string, error) {
		return string(role), nil
	}}
}

func TestNewSet_OrdersByRole(t *testing.T) {
	set, err := NewSet(
		fixed(protocol.RoleCritic),
		fixed(protocol.RoleTicketCreator),
		fixed(protocol.RoleClassifier),
		fixed(protocol.RoleFeatureExtractor),
		fixed(protocol.RoleBugAnalyst),
	)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if set.Len() != 5 {
		t.Fatalf("len = %d", set.Len())
	}
	for i, want := range protocol.Roles() {
		if got := set.At(i).Role(); got != want {
			t.Errorf("At(%d) = %s, want %s", i, got, want)
		}
	}
	if set.At(5).Role() != protocol.RoleClassifier {
		t.Errorf("turn 6 should wrap to the classifier, got %s", set.At(5).Role())
	}
}

func TestNewSet_Rejects(t *testing.T) {
	all := func() []Processor {
		var ps []Processor
		for _, r := range protocol.Roles() {
			ps = append(ps, fixed(r))
		}
		return ps
	}

	if _, err := NewSet(all()[:4]...); err == nil {
		t.Error("expected error for missing role")
	}
	if _, err := NewSet(append(all(), fixed(protocol.RoleCritic))...); err == nil {
		t.Error("expected error for duplicate role")
	}
	if _, err := NewSet(append(all()[:4], fixed("planner"))...); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		content string
		want    OutcomeKind
	}{
		{`{"status": "skipped"}`, Skipped},
		{"Not a bug.\n{\"status\": \"Skipped\"}", Skipped},
		{`{"steps_to_reproduce": ["open app", "tap login"]}`, Active},
		{"APPROVED", Freeform},
		{`{"broken": `, Freeform},
	}
	for _, tc := range cases {
		got := ParseOutcome(tc.content)
		if got.Kind != tc.want {
			t.Errorf("ParseOutcome(%q) = %s, want %s", tc.content, got.Kind, tc.want)
		}
	}

	o := ParseOutcome(`{"requested_feature": "dark mode", "user_impact": "High"}`)
	if !o.Contributed() || o.Details["requested_feature"] != "dark mode" {
		t.Errorf("unexpected outcome %+v", o)
	}
}

func TestLLMStage_Messages(t *testing.T) {
	prov := &mockProvider{responses: []string{`{"status": "skipped"}`}}
	s := NewLLM(protocol.RoleBugAnalyst, prov)
	s.Context = map[string]string{"Configuration": "- Bug: High"}

	conv := protocol.NewConversation(protocol.Entry{Speaker: protocol.SpeakerTask, Content: "PROCESS THIS FEEDBACK"}).
		Append(protocol.Entry{Speaker: string(protocol.RoleClassifier), Content: `{"category": "Praise"}`}).
		Append(protocol.Entry{Speaker: string(protocol.RoleBugAnalyst), Content: `{"status": "skipped"}`}).
		Append(protocol.Entry{Speaker: string(protocol.RoleCritic), Content: "Looks fine"})

	out, err := s.Produce(context.Background(), conv)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if out != `{"status": "skipped"}` {
		t.Errorf("output = %q", out)
	}

	msgs := prov.calls[0].Messages
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "QA Engineer") {
		t.Errorf("system prompt missing instructions: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "## Configuration\n- Bug: High") {
		t.Errorf("system prompt missing configuration block: %q", msgs[0].Content)
	}
	if msgs[1].Role != "user" || msgs[1].Content != "PROCESS THIS FEEDBACK" {
		t.Errorf("task message = %+v", msgs[1])
	}
	if msgs[2].Content != `[Feedback_Classifier]: {"category": "Praise"}` {
		t.Errorf("classifier message = %q", msgs[2].Content)
	}
	if msgs[3].Role != "assistant" {
		t.Errorf("own turn should be assistant, got %q", msgs[3].Role)
	}
	if msgs[4].Content != "[Quality_Critic]: Looks fine" {
		t.Errorf("critic message = %q", msgs[4].Content)
	}
}

func TestLLMStage_GenerationError(t *testing.T) {
	backendErr := errors.New("401 invalid api key")
	s := NewLLM(protocol.RoleClassifier, &mockProvider{err: backendErr})

	_, err := s.Produce(context.Background(), protocol.NewConversation())
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Role != protocol.RoleClassifier {
		t.Errorf("role = %s", genErr.Role)
	}
	if !errors.Is(err, backendErr) {
		t.Error("expected backend error to be wrapped")
	}
}

func TestLLMStage_GenerationErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer srv.Close()

	s := NewLLM(protocol.RoleTicketCreator, provider.NewOpenAI("bad-key", provider.WithBaseURL(srv.URL)))
	_, err := s.Produce(context.Background(), protocol.NewConversation())

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Kind != provider.FailureAuth {
		t.Errorf("kind = %q, want auth", genErr.Kind)
	}
	if !strings.Contains(err.Error(), "(auth)") || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("error = %q", err)
	}
}

func TestLLMStage_CancelledContext(t *testing.T) {
	prov := &mockProvider{responses: []string{"never"}}
	s := NewLLM(protocol.RoleCritic, prov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Produce(ctx, protocol.NewConversation()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(prov.calls) != 0 {
		t.Errorf("provider should not be called, got %d calls", len(prov.calls))
	}
	if _, err := s.Produce(ctx, protocol.NewConversation()); provider.KindOf(err) != provider.FailureCanceled {
		t.Errorf("kind = %q, want canceled", provider.KindOf(err))
	}
}

func TestDefaultInstructions_CriticToken(t *testing.T) {
	got := DefaultInstructions(protocol.RoleCritic, "LGTM")
	if !strings.Contains(got, `reply "LGTM"`) {
		t.Errorf("critic instructions should name the token: %q", got)
	}
	for _, r := range protocol.Roles() {
		if DefaultInstructions(r, "") == "" {
			t.Errorf("no instructions for %s", r)
		}
	}
}

func TestConfigurationContext(t *testing.T) {
	if ConfigurationContext(nil, nil) != "" {
		t.Error("expected empty context")
	}
	got := ConfigurationContext(map[string]float64{"Spam": 0.9}, map[string]string{"Bug": "High", "Praise": "Low"})
	if !strings.Contains(got, "- Bug: High\n- Praise: Low\n") {
		t.Errorf("priorities not sorted/rendered: %q", got)
	}
	if !strings.Contains(got, "- Spam: 0.90") {
		t.Errorf("thresholds not rendered: %q", got)
	}
}

func TestTaskPrompt(t *testing.T) {
	got := TaskPrompt(protocol.FeedbackItem{ID: "R1", SourceType: protocol.SourceReview, Text: "App crashes on login"})
	if !strings.Contains(got, `(ID: R1, source: Review): "App crashes on login"`) {
		t.Errorf("task prompt = %q", got)
	}
}
