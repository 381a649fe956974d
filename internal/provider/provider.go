package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Provider is the abstraction over LLM APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}

// New builds a provider by type name. An empty kind means "openai".
func New(kind, apiKey, baseURL, model string) (Provider, error) {
	switch kind {
	case "anthropic":
		var opts []AnthropicOption
		if baseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(baseURL))
		}
		if model != "" {
			opts = append(opts, WithAnthropicModel(model))
		}
		return NewAnthropic(apiKey, opts...), nil
	case "", "openai":
		var opts []OpenAIOption
		if baseURL != "" {
			opts = append(opts, WithBaseURL(baseURL))
		}
		if model != "" {
			opts = append(opts, WithModel(model))
		}
		return NewOpenAI(apiKey, opts...), nil
	default:
		return nil, fmt.Errorf("provider: unknown type %q", kind)
	}
}

// postJSON sends body to url and decodes a 200 response into out. Every
// failure comes back as *Error.
func postJSON(ctx context.Context, client *http.Client, name, url string, header http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Provider: name, Kind: FailureBadRequest, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &Error{Provider: name, Kind: FailureBadRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return transportError(name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(name, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(name, resp, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return malformedError(name, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
