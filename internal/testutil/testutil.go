// Package testutil provides fixtures shared by CarePipe's HTTP-level tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/prefill"
	"github.com/BTreeMap/CarePipe/internal/script"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Fixture bundles an engine with the in-memory collaborators behind it.
type Fixture struct {
	Engine     *flow.Engine
	Store      *store.InMemoryStore
	Bridge     *prefill.Bridge
	Dispatcher *contact.Dispatcher
	Metrics    *metrics.Metrics
}

// NewScriptedFixture builds an engine in scripted mode with no AI backend and no
// representative number, so hand-offs fall back to the contact form.
func NewScriptedFixture(t *testing.T) *Fixture {
	t.Helper()
	f := &Fixture{
		Store:      store.NewInMemoryStore(),
		Dispatcher: contact.NewDispatcher(),
		Metrics:    metrics.New(),
	}
	table := script.Default()
	f.Bridge = prefill.NewBridge(f.Store, table, prefill.WithBaseURL("https://example.org"))

	cfg := models.DefaultChatConfig()
	cfg.Mode = models.ChatModeScripted
	engine, err := flow.NewEngine(context.Background(), flow.Dependencies{
		Questions: table,
		State:     flow.NewStoreBasedStateManager(f.Store),
		Responses: f.Store,
		Prefill:   f.Bridge,
		Contact:   contact.NewChannel("", f.Store, f.Dispatcher),
		Metrics:   f.Metrics,
	}, flow.WithChatConfig(cfg))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	f.Engine = engine
	return f
}

// Envelope mirrors models.APIResponse with the result left undecoded.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DoJSON sends a request with an optional raw JSON body and decodes the envelope.
func DoJSON(t *testing.T, method, url, body string) (int, Envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return resp.StatusCode, env
}

// MustDecodeResult unmarshals the envelope result into target.
func MustDecodeResult(t *testing.T, env Envelope, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Result, target); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertResponseCount checks how many answers the store holds for a session.
func AssertResponseCount(t *testing.T, st store.Store, sessionID string, expected int) {
	t.Helper()
	responses, err := st.GetSessionResponses(sessionID)
	if err != nil {
		t.Fatalf("failed to get responses: %v", err)
	}
	if len(responses) != expected {
		t.Errorf("expected %d responses for %s, got %d", expected, sessionID, len(responses))
	}
}
