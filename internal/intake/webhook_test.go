package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/triage/pkg/protocol"
)

type capturedItems struct {
	mu    sync.Mutex
	items []protocol.FeedbackItem
	err   error
}

func (c *capturedItems) TriageOne(_ context.Context, item protocol.FeedbackItem) (protocol.TicketRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return protocol.TicketRecord{}, c.err
	}
	c.items = append(c.items, item)
	return protocol.TicketRecord{
		TicketID:   protocol.TicketID(item.ID),
		Title:      "triaged",
		Category:   protocol.CategoryBug,
		Priority:   protocol.PriorityHigh,
		Details:    "{}",
		SourceID:   item.ID,
		SourceType: item.SourceType,
	}, nil
}

func (c *capturedItems) last() protocol.FeedbackItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[len(c.items)-1]
}

func newTestHandler(endpoints map[string]EndpointConfig) (*Handler, *capturedItems) {
	captured := &capturedItems{}
	return New(Config{Endpoints: endpoints}, captured, nil), captured
}

func post(h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhook_BasicPost(t *testing.T) {
	h, captured := newTestHandler(map[string]EndpointConfig{"appstore": {}})

	w := post(h, "/api/webhook/appstore", `{"id":"R77","source_type":"review","text":"App crashes on login"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	item := captured.last()
	if item.ID != "R77" || item.SourceType != protocol.SourceReview || item.Text != "App crashes on login" {
		t.Errorf("unexpected item %+v", item)
	}

	var rec protocol.TicketRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.TicketID != "TKT-R77" {
		t.Errorf("ticket_id = %q", rec.TicketID)
	}
}

func TestWebhook_EndpointDefaultsAndGeneratedID(t *testing.T) {
	h, captured := newTestHandler(map[string]EndpointConfig{"helpdesk": {SourceType: "Email"}})

	w := post(h, "/api/webhook/helpdesk", `{"text":"Refund please","metadata":{"plan":"pro"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	item := captured.last()
	if item.SourceType != protocol.SourceEmail {
		t.Errorf("source_type = %q", item.SourceType)
	}
	if !strings.HasPrefix(item.ID, "WH-") || len(item.ID) != 11 {
		t.Errorf("unexpected generated id %q", item.ID)
	}
	if !strings.Contains(item.Text, `[Metadata: {"plan":"pro"}]`) {
		t.Errorf("metadata not appended: %q", item.Text)
	}
}

func TestWebhook_BadRequests(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"appstore": {}})

	cases := map[string]struct {
		path, body string
		want       int
	}{
		"unknown endpoint": {"/api/webhook/nope", `{"text":"x"}`, http.StatusNotFound},
		"invalid json":     {"/api/webhook/appstore", `{`, http.StatusBadRequest},
		"missing text":     {"/api/webhook/appstore", `{"id":"R1"}`, http.StatusBadRequest},
		"bad source type":  {"/api/webhook/appstore", `{"text":"x","source_type":"fax"}`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		if w := post(h, tc.path, tc.body, nil); w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", name, w.Code, tc.want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/webhook/appstore", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d", w.Code)
	}
}

func TestWebhook_BearerAuth(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"ci": {BearerToken: "secret123"}})
	payload := `{"text":"build broke the login page"}`

	if w := post(h, "/api/webhook/ci", payload, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without auth, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/ci", payload, map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/ci", payload, map[string]string{"Authorization": "Bearer secret123"}); w.Code != http.StatusOK {
		t.Errorf("expected 200 with correct token, got %d", w.Code)
	}
}

func TestWebhook_HMACAuth(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"relay": {Secret: "whsec_test"}})
	payload := `{"text":"love the new update"}`

	if w := post(h, "/api/webhook/relay", payload, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/relay", payload, map[string]string{"X-Hub-Signature-256": "sha256=deadbeef"}); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad signature, got %d", w.Code)
	}
	sig := ComputeSignature([]byte(payload), "whsec_test")
	if w := post(h, "/api/webhook/relay", payload, map[string]string{"X-Signature-256": sig}); w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid signature, got %d", w.Code)
	}
}

func TestWebhook_TriageError(t *testing.T) {
	h, captured := newTestHandler(map[string]EndpointConfig{"appstore": {}})
	captured.err = errors.New("store unavailable")

	if w := post(h, "/api/webhook/appstore", `{"text":"x"}`, nil); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestExtractName(t *testing.T) {
	for path, want := range map[string]string{
		"/api/webhook/appstore":  "appstore",
		"/api/webhook/appstore/": "appstore",
		"appstore":               "appstore",
	} {
		if got := extractName(path); got != want {
			t.Errorf("extractName(%q) = %q, want %q", path, got, want)
		}
	}
}
