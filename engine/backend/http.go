package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxReplyBytes caps how much of a reply body is read.
const maxReplyBytes = 4 << 20

// HTTPBackend calls handlers at {BaseURL}/functions/v1/{name}.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	guard   Guard
}

// NewHTTP creates an HTTPBackend. A nil client gets an otelhttp transport.
func NewHTTP(baseURL, apiKey string, client *http.Client, guard Guard) *HTTPBackend {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		guard:   guard,
	}
}

// Invoke posts body to the named handler and returns the reply JSON.
func (b *HTTPBackend) Invoke(ctx context.Context, name string, body map[string]any) ([]byte, error) {
	return b.guard.Do(ctx, name, func(ctx context.Context) ([]byte, error) {
		return b.post(ctx, name, body)
	})
}

func (b *HTTPBackend) post(ctx context.Context, name string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/functions/v1/"+name, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
		req.Header.Set("apikey", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}
	if msg, only := errorOnly(raw); only {
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return raw, nil
}

// errorMessage extracts {"error": "..."} from a failure body.
func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// errorOnly reports whether a success body is just {"error": "..."}.
func errorOnly(raw []byte) (string, bool) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || len(body) != 1 {
		return "", false
	}
	rawErr, ok := body["error"]
	if !ok {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(rawErr, &msg); err != nil || msg == "" {
		return "", false
	}
	return msg, true
}
