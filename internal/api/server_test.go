package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/transcript"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// mockTriageService implements TriageService for testing.
type mockTriageService struct {
	tickets     []*ticket.StoredTicket
	lastFilter  ticket.Filter
	overrides   []ticket.Override
	running     bool
	runs        int
	triaged     []protocol.FeedbackItem
	transcripts map[string][]transcript.Transcript
}

func (m *mockTriageService) ListTickets(f ticket.Filter) ([]*ticket.StoredTicket, error) {
	m.lastFilter = f
	return m.tickets, nil
}

func (m *mockTriageService) GetTicket(id string) (*ticket.StoredTicket, error) {
	var byID []*ticket.StoredTicket
	for _, t := range m.tickets {
		if t.Key == id {
			return t, nil
		}
		if t.TicketID == id {
			byID = append(byID, t)
		}
	}
	switch len(byID) {
	case 0:
		return nil, fmt.Errorf("ticket %q: %w", id, ticket.ErrNotFound)
	case 1:
		return byID[0], nil
	}
	return nil, fmt.Errorf("ticket %q: %w", id, ticket.ErrAmbiguous)
}

func (m *mockTriageService) OverrideTicket(id string, o ticket.Override) (*ticket.StoredTicket, error) {
	t, err := m.GetTicket(id)
	if err != nil {
		return nil, err
	}
	if o.Title != nil && strings.TrimSpace(*o.Title) == "" {
		return nil, fmt.Errorf("title must not be empty: %w", ticket.ErrInvalidOverride)
	}
	m.overrides = append(m.overrides, o)
	if o.ReviewStatus != nil {
		t.ReviewStatus = *o.ReviewStatus
	}
	if o.Title != nil {
		t.Title = *o.Title
	}
	return t, nil
}

func (m *mockTriageService) Stats() (*ticket.Stats, error) {
	return &ticket.Stats{
		Total:      len(m.tickets),
		ByCategory: map[string]int{"Bug": len(m.tickets)},
	}, nil
}

func (m *mockTriageService) StartRun() (string, error) {
	if m.running {
		return "", ErrRunInProgress
	}
	m.running = true
	m.runs++
	return fmt.Sprintf("run-%d", m.runs), nil
}

func (m *mockTriageService) TriageOne(_ context.Context, item protocol.FeedbackItem) (protocol.TicketRecord, error) {
	m.triaged = append(m.triaged, item)
	return protocol.TicketRecord{
		TicketID:   protocol.TicketID(item.ID),
		Title:      "Login crash",
		Category:   protocol.CategoryBug,
		Priority:   protocol.PriorityHigh,
		Details:    "{}",
		SourceID:   item.ID,
		SourceType: item.SourceType,
	}, nil
}

func (m *mockTriageService) Transcripts(runID string) ([]transcript.Transcript, error) {
	return m.transcripts[runID], nil
}

func stored(id string) *ticket.StoredTicket {
	return &ticket.StoredTicket{
		Key: ticket.Key(protocol.SourceReview, id, 1),
		TicketRecord: protocol.TicketRecord{
			TicketID:   protocol.TicketID(id),
			Title:      "Ticket " + id,
			Category:   protocol.CategoryBug,
			Priority:   protocol.PriorityHigh,
			Details:    "{}",
			SourceID:   id,
			SourceType: protocol.SourceReview,
		},
		ReviewStatus: ticket.ReviewPending,
	}
}

func newTestServer(svc TriageService, key string) *Server {
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	w := do(t, srv.Handler(), "GET", "/api/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListTickets(t *testing.T) {
	svc := &mockTriageService{tickets: []*ticket.StoredTicket{stored("R1"), stored("R2")}}
	srv := newTestServer(svc, "")
	w := do(t, srv.Handler(), "GET", "/api/tickets?category=feature_request&priority=high&source_type=email&review_status=Needs%20Correction&q=login&limit=10", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got []ticket.StoredTicket
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 2 {
		t.Errorf("got %d tickets", len(got))
	}
	f := svc.lastFilter
	if f.Category != protocol.CategoryFeatureRequest || f.Priority != protocol.PriorityHigh ||
		f.SourceType != protocol.SourceEmail || f.ReviewStatus != ticket.ReviewNeedsCorrection ||
		f.Query != "login" || f.Limit != 10 {
		t.Errorf("filter = %+v", f)
	}
}

func TestListTickets_EmptyIsArray(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	w := do(t, srv.Handler(), "GET", "/api/tickets", "")

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

func TestListTickets_BadFilter(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	for _, q := range []string{"category=weather", "priority=urgent", "source_type=fax", "review_status=maybe"} {
		w := do(t, srv.Handler(), "GET", "/api/tickets?"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestGetTicket(t *testing.T) {
	svc := &mockTriageService{tickets: []*ticket.StoredTicket{stored("R1")}}
	srv := newTestServer(svc, "")
	w := do(t, srv.Handler(), "GET", "/api/tickets/TKT-R1", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got ticket.StoredTicket
	json.NewDecoder(w.Body).Decode(&got)
	if got.TicketID != "TKT-R1" || got.ReviewStatus != ticket.ReviewPending {
		t.Errorf("got %+v", got)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	w := do(t, srv.Handler(), "GET", "/api/tickets/nope", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetTicket_SharedIDNeedsKey(t *testing.T) {
	email := stored("1")
	email.Key = ticket.Key(protocol.SourceEmail, "1", 1)
	email.SourceType = protocol.SourceEmail
	svc := &mockTriageService{tickets: []*ticket.StoredTicket{stored("1"), email}}
	srv := newTestServer(svc, "")

	if w := do(t, srv.Handler(), "GET", "/api/tickets/TKT-1", ""); w.Code != http.StatusConflict {
		t.Errorf("shared ticket id: status = %d, want 409", w.Code)
	}
	if w := do(t, srv.Handler(), "PATCH", "/api/tickets/TKT-1", `{"review_status":"approved"}`); w.Code != http.StatusConflict {
		t.Errorf("patch shared ticket id: status = %d, want 409", w.Code)
	}

	w := do(t, srv.Handler(), "GET", "/api/tickets/email:1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("by key: status = %d", w.Code)
	}
	var got ticket.StoredTicket
	json.NewDecoder(w.Body).Decode(&got)
	if got.Key != "email:1" || got.SourceType != protocol.SourceEmail {
		t.Errorf("got %+v", got)
	}
}

func TestPatchTicket(t *testing.T) {
	svc := &mockTriageService{tickets: []*ticket.StoredTicket{stored("R1")}}
	srv := newTestServer(svc, "")
	w := do(t, srv.Handler(), "PATCH", "/api/tickets/TKT-R1", `{"title":"Crash on login","review_status":"approved"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(svc.overrides) != 1 {
		t.Fatalf("expected 1 override, got %d", len(svc.overrides))
	}
	var got ticket.StoredTicket
	json.NewDecoder(w.Body).Decode(&got)
	if got.Title != "Crash on login" || got.ReviewStatus != ticket.ReviewApproved {
		t.Errorf("got %+v", got)
	}
}

func TestPatchTicket_Errors(t *testing.T) {
	svc := &mockTriageService{tickets: []*ticket.StoredTicket{stored("R1")}}
	srv := newTestServer(svc, "")

	cases := []struct {
		name, path, body string
		want             int
	}{
		{"invalid json", "/api/tickets/TKT-R1", `{`, http.StatusBadRequest},
		{"empty override", "/api/tickets/TKT-R1", `{}`, http.StatusBadRequest},
		{"validation", "/api/tickets/TKT-R1", `{"title":"  "}`, http.StatusBadRequest},
		{"not found", "/api/tickets/TKT-R9", `{"title":"x"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		w := do(t, srv.Handler(), "PATCH", tc.path, tc.body)
		if w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestMetrics(t *testing.T) {
	svc := &mockTriageService{tickets: []*ticket.StoredTicket{stored("R1")}}
	srv := newTestServer(svc, "")
	w := do(t, srv.Handler(), "GET", "/api/metrics", "")

	var st ticket.Stats
	json.NewDecoder(w.Body).Decode(&st)
	if st.Total != 1 || st.ByCategory["Bug"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStartRun(t *testing.T) {
	svc := &mockTriageService{}
	srv := newTestServer(svc, "")

	w := do(t, srv.Handler(), "POST", "/api/runs", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["run_id"] != "run-1" {
		t.Errorf("body = %v", body)
	}

	w = do(t, srv.Handler(), "POST", "/api/runs", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second run: status = %d, want 409", w.Code)
	}
}

func TestTranscripts(t *testing.T) {
	svc := &mockTriageService{transcripts: map[string][]transcript.Transcript{
		"run-1": {{RunID: "run-1", ItemID: "R1", State: "approved", TurnsTaken: 5}},
	}}
	srv := newTestServer(svc, "")

	w := do(t, srv.Handler(), "GET", "/api/runs/run-1/transcripts", "")
	var got []transcript.Transcript
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 1 || got[0].ItemID != "R1" {
		t.Errorf("got %+v", got)
	}

	w = do(t, srv.Handler(), "GET", "/api/runs/run-x/transcripts", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("unknown run body = %q", w.Body.String())
	}
}

func TestPostFeedback(t *testing.T) {
	svc := &mockTriageService{}
	srv := newTestServer(svc, "")
	w := do(t, srv.Handler(), "POST", "/api/feedback", `{"id":"R1","source_type":"email","text":"App crashes on login"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(svc.triaged) != 1 || svc.triaged[0].SourceType != protocol.SourceEmail {
		t.Fatalf("triaged = %+v", svc.triaged)
	}
	var rec protocol.TicketRecord
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.TicketID != "TKT-R1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPostFeedback_DefaultsToReview(t *testing.T) {
	svc := &mockTriageService{}
	srv := newTestServer(svc, "")
	do(t, srv.Handler(), "POST", "/api/feedback", `{"id":"R1","text":"great app"}`)

	if len(svc.triaged) != 1 || svc.triaged[0].SourceType != protocol.SourceReview {
		t.Errorf("triaged = %+v", svc.triaged)
	}
}

func TestPostFeedback_Invalid(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	for _, body := range []string{`nope`, `{"id":"R1"}`, `{"text":"hi"}`, `{"id":"R1","text":"hi","source_type":"fax"}`} {
		w := do(t, srv.Handler(), "POST", "/api/feedback", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestGetLogs(t *testing.T) {
	buf := logbuf.New(10)
	now := time.Now()
	buf.Write(logbuf.Entry{Time: now, Level: "DEBUG", Message: "turn", Item: "R1"})
	buf.Write(logbuf.Entry{Time: now, Level: "WARN", Message: "fallback", Item: "R1", RunID: "run-1"})
	buf.Write(logbuf.Entry{Time: now, Level: "INFO", Message: "done", Item: "R2"})

	srv := NewServer(&mockTriageService{}, Config{}, nil, buf)

	w := do(t, srv.Handler(), "GET", "/api/logs", "")
	var all []logbuf.Entry
	json.NewDecoder(w.Body).Decode(&all)
	if len(all) != 3 {
		t.Errorf("default query returned %d entries, want 3", len(all))
	}

	w = do(t, srv.Handler(), "GET", "/api/logs?item=R1&level=warn", "")
	var filtered []logbuf.Entry
	json.NewDecoder(w.Body).Decode(&filtered)
	if len(filtered) != 1 || filtered[0].Message != "fallback" {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestGetLogs_NoBuffer(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	w := do(t, srv.Handler(), "GET", "/api/logs", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestMount(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "secret-key")
	srv.Mount("/api/webhook/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	// Mounted handlers authenticate themselves.
	w := do(t, srv.Handler(), "POST", "/api/webhook/appstore", `{}`)
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "secret-key")

	// No auth header
	req := httptest.NewRequest("GET", "/api/tickets", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}

	// Wrong key
	req = httptest.NewRequest("GET", "/api/tickets", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	// Correct key
	req = httptest.NewRequest("GET", "/api/tickets", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", w.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "secret-key")
	w := do(t, srv.Handler(), "GET", "/api/health", "")

	// Health should NOT require auth
	if w.Code != http.StatusOK {
		t.Errorf("health should not require auth, status = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(&mockTriageService{}, "")
	w := do(t, srv.Handler(), "OPTIONS", "/api/tickets", "")

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Errorf("CORS methods = %q", got)
	}
}
