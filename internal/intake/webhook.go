// Package intake accepts feedback pushed by external systems (app store
// relays, helpdesk forwarders) and triages it immediately.
package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Config holds webhook intake configuration.
type Config struct {
	// Endpoints maps endpoint names to their settings.
	// e.g., {"appstore": {...}, "zendesk": {...}}
	Endpoints map[string]EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256 header).
	// If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	// SourceType applied when the payload omits one. Defaults to Review.
	SourceType string `json:"source_type,omitempty" yaml:"source_type,omitempty"`
}

// Payload is the expected JSON body for intake requests.
type Payload struct {
	ID         string         `json:"id"`
	SourceType string         `json:"source_type"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Triager turns one feedback item into its ticket record.
type Triager interface {
	TriageOne(ctx context.Context, item protocol.FeedbackItem) (protocol.TicketRecord, error)
}

// Handler provides HTTP handlers for intake endpoints.
type Handler struct {
	config  Config
	triager Triager
	logger  *slog.Logger
}

// New creates a new intake handler.
func New(cfg Config, triager Triager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		triager: triager,
		logger:  logger,
	}
}

// ServeHTTP handles requests at /api/webhook/{name}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path)
	if name == "" || name == "webhook" {
		http.Error(w, "missing endpoint name in path", http.StatusBadRequest)
		return
	}

	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	item, err := payload.item(endpoint)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("feedback received via webhook", "endpoint", name, "item", item.ID)

	rec, err := h.triager.TriageOne(r.Context(), item)
	if err != nil {
		h.logger.Error("webhook triage error",
			"endpoint", name,
			"item", item.ID,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(rec)
}

func (p Payload) item(endpoint EndpointConfig) (protocol.FeedbackItem, error) {
	if strings.TrimSpace(p.Text) == "" {
		return protocol.FeedbackItem{}, fmt.Errorf("text is required")
	}

	raw := p.SourceType
	if raw == "" {
		raw = endpoint.SourceType
	}
	st := protocol.SourceReview
	if raw != "" {
		var ok bool
		if st, ok = protocol.ParseSourceType(raw); !ok {
			return protocol.FeedbackItem{}, fmt.Errorf("unknown source_type %q", raw)
		}
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = "WH-" + uuid.NewString()[:8]
	}

	text := p.Text
	if len(p.Metadata) > 0 {
		metaJSON, _ := json.Marshal(p.Metadata)
		text = fmt.Sprintf("%s\n\n[Metadata: %s]", text, string(metaJSON))
	}
	return protocol.FeedbackItem{ID: id, SourceType: st, Text: text}, nil
}

func authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	// HMAC signature verification
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+endpoint.BearerToken
	}

	// No auth configured, allow (for development)
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	expectedMAC, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ComputeSignature generates an HMAC-SHA256 signature for testing/external use.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
