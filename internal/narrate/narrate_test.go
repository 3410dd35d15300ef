package narrate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

const messageJSON = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [{"type": "text", "text": "  Acme is solvent.  "}],
	"stop_reason": "end_turn",
	"stop_sequence": null,
	"usage": {"input_tokens": 12, "output_tokens": 5}
}`

// fakeAPI serves canned Messages responses and records request bodies.
type fakeAPI struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(raw, &req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Options: []option.RequestOption{option.WithMaxRetries(0)},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := NewClient(ClientConfig{})
	if err == nil {
		t.Fatal("NewClient should fail without API key")
	}
	if want := "ANTHROPIC_API_KEY environment variable is not set"; err.Error() != want {
		t.Errorf("Error = %q, want %q", err.Error(), want)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(ClientConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", c.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
	if c.maxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", c.maxTokens, DefaultMaxTokens)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
		{"my-custom-model", "my-custom-model"},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			if got := translateModelForBedrock(tt.in); got != tt.want {
				t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestComplete(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: messageJSON}
	c := newTestClient(t, api)

	got, err := c.Complete(context.Background(), "be brief", "summarise")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "  Acme is solvent.  " {
		t.Errorf("Complete() = %q", got)
	}

	in, out := c.Tracker().Total()
	if in != 12 || out != 5 || c.Tracker().Calls() != 1 {
		t.Errorf("tracker = %d in, %d out, %d calls; want 12, 5, 1", in, out, c.Tracker().Calls())
	}

	if len(api.requests) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(api.requests))
	}
	req := api.requests[0]
	if req["model"] != string(anthropic.ModelClaudeSonnet4_20250514) {
		t.Errorf("request model = %v", req["model"])
	}
	if req["max_tokens"] != float64(DefaultMaxTokens) {
		t.Errorf("request max_tokens = %v", req["max_tokens"])
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.FailureKind
	}{
		{"rate limited", http.StatusTooManyRequests, models.FailureTransient},
		{"overloaded", 529, models.FailureTransient},
		{"server error", http.StatusInternalServerError, models.FailureTransient},
		{"bad request", http.StatusBadRequest, models.FailurePermanent},
		{"unauthorized", http.StatusUnauthorized, models.FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: tt.status, body: `{"type":"error","error":{"type":"api_error","message":"nope"}}`}
			c := newTestClient(t, api)

			_, err := c.Complete(context.Background(), "s", "p")
			if err == nil {
				t.Fatal("Complete succeeded, want error")
			}
			if got := agent.Classify(err); got != tt.want {
				t.Errorf("Classify() = %q, want %q (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestComplete_NoText(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: strings.Replace(messageJSON,
		`[{"type": "text", "text": "  Acme is solvent.  "}]`, `[]`, 1)}
	c := newTestClient(t, api)

	_, err := c.Complete(context.Background(), "s", "p")
	if agent.Classify(err) != models.FailurePermanent {
		t.Errorf("Complete() error = %v, want permanent", err)
	}
}

// stubCompleter returns a fixed reply and records prompts.
type stubCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (s *stubCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.reply, s.err
}

func narrativeDescriptor() models.Descriptor {
	return models.Descriptor{
		Name:     "narrative",
		Requires: []string{"risk", "financials"},
		Produces: []string{"narrative"},
	}
}

func seededStore(t *testing.T) *record.Store {
	t.Helper()
	descs := []models.Descriptor{narrativeDescriptor()}
	s := record.New(descs)
	if err := s.Seed("financials", map[string]any{"revenue": 10.0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed("risk", map[string]any{"summary": "low"}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewAgent_Validation(t *testing.T) {
	if _, err := NewAgent(models.Descriptor{Name: "n"}, &stubCompleter{}); err == nil {
		t.Error("NewAgent accepted a descriptor with no outputs")
	}
	if _, err := NewAgent(narrativeDescriptor(), nil); err == nil {
		t.Error("NewAgent accepted a nil completer")
	}
}

func TestAgent_Execute(t *testing.T) {
	stub := &stubCompleter{reply: " Revenue is 10 and risk is low. "}
	a, err := NewAgent(narrativeDescriptor(), stub)
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	store := seededStore(t)

	if missing := a.Prepare(store); len(missing) != 0 {
		t.Fatalf("Prepare() = %v, want ready", missing)
	}

	env := a.Execute(context.Background(), store, store.WriterFor("narrative"))
	want := map[string]any{"narrative": map[string]any{"text": "Revenue is 10 and risk is low."}}
	if env.Status != models.AgentStatusSuccess {
		t.Fatalf("Status = %s, errors %v", env.Status, env.Errors)
	}
	if diff := cmp.Diff(want, env.Data); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}

	prompt := stub.prompts[0]
	if fi, ri := strings.Index(prompt, "## financials"), strings.Index(prompt, "## risk"); fi < 0 || ri < fi {
		t.Errorf("prompt sections not sorted:\n%s", prompt)
	}
	if !strings.Contains(prompt, `"summary": "low"`) {
		t.Errorf("prompt missing section content:\n%s", prompt)
	}
}

func TestAgent_MissingInput(t *testing.T) {
	a, err := NewAgent(narrativeDescriptor(), &stubCompleter{})
	if err != nil {
		t.Fatal(err)
	}
	s := record.New([]models.Descriptor{narrativeDescriptor()})
	if err := s.Seed("risk", map[string]any{"summary": "low"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"financials"}, a.Prepare(s)); diff != "" {
		t.Errorf("Prepare mismatch (-want +got):\n%s", diff)
	}
}

func TestAgent_CompleterFailure(t *testing.T) {
	stub := &stubCompleter{err: agent.Transient(errors.New("overloaded"))}
	a, err := NewAgent(narrativeDescriptor(), stub)
	if err != nil {
		t.Fatal(err)
	}
	store := seededStore(t)

	env := a.Execute(context.Background(), store, store.WriterFor("narrative"))
	if env.Status != models.AgentStatusFailed {
		t.Fatalf("Status = %s, want failed", env.Status)
	}
	if !agent.IsTransient(env.Err) {
		t.Errorf("Err = %v, want transient", env.Err)
	}
}
