package hooks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

type capturedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

type captureServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	t.Helper()

	cs := &captureServer{status: status}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		cs.mu.Lock()
		cs.requests = append(cs.requests, capturedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		cs.mu.Unlock()

		w.WriteHeader(cs.status)
		_, _ = w.Write([]byte("ok"))
	}))

	t.Cleanup(cs.Close)

	return cs
}

func (cs *captureServer) Requests() []capturedRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return append([]capturedRequest(nil), cs.requests...)
}

func testEvent(eventType EventType, failures int) Event {
	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	state := store.StateRunning

	switch eventType {
	case EventRunFinish:
		state = store.StateCompleted
	case EventRunTimeout:
		state = store.StateTimedOut
	}

	return Event{
		Type: eventType,
		Run: store.Run{
			RunID:     "run-1",
			ProjectID: "web",
			CIBuildID: "build-1",
			Commit:    store.Commit{SHA: "abc123", Branch: "main"},
		},
		Group: store.Group{
			RunID:          "run-1",
			GroupID:        "chrome",
			State:          state,
			CreatedAt:      created,
			StateChangedAt: created.Add(90 * time.Second),
			Progress: results.Progress{
				OverallSpecsCount:   2,
				ClaimedSpecsCount:   2,
				CompletedSpecsCount: 2,
				Tests:               results.TestCounts{Overall: 3, Passes: 3 - failures, Failures: failures},
			},
		},
		RunURL:    "https://dash.example.com/run/run-1",
		Timestamp: created,
	}
}

func TestGitHubReporter(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		failures  int
		wantState string
		wantDesc  string
	}{
		{name: "start is pending", eventType: EventRunStart, wantState: "pending"},
		{name: "clean finish is success", eventType: EventRunFinish, wantState: "success"},
		{name: "finish with failures", eventType: EventRunFinish, failures: 1, wantState: "failure"},
		{name: "timeout", eventType: EventRunTimeout, wantState: "failure", wantDesc: "timedout - "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCaptureServer(t, http.StatusCreated)

			hook := config.HookConfig{
				ID:        "gh",
				Kind:      config.HookKindGitHub,
				URL:       "https://github.com/org/app",
				Token:     "tok",
				BuildName: "e2e",
				Options:   map[string]any{"api_url": srv.URL},
			}

			err := NewGitHubReporter(srv.Client()).Report(
				context.Background(), hook, testEvent(tt.eventType, tt.failures),
			)
			require.NoError(t, err)

			reqs := srv.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, "/repos/org/app/statuses/abc123", reqs[0].Path)
			assert.Equal(t, "Bearer tok", reqs[0].Headers.Get("Authorization"))

			var status githubStatus
			require.NoError(t, json.Unmarshal(reqs[0].Body, &status))
			assert.Equal(t, tt.wantState, status.State)
			assert.Equal(t, "e2e: chrome", status.Context)
			assert.True(t, strings.HasPrefix(status.Description, tt.wantDesc))
			assert.Equal(t, "https://dash.example.com/run/run-1", status.TargetURL)
		})
	}
}

func TestGitHubReporter_MissingToken(t *testing.T) {
	err := NewGitHubReporter(http.DefaultClient).Report(
		context.Background(),
		config.HookConfig{ID: "gh", Kind: config.HookKindGitHub, URL: "https://github.com/org/app"},
		testEvent(EventRunStart, 0),
	)
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestBitbucketReporter(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)

	hook := config.HookConfig{
		ID:       "bb",
		Kind:     config.HookKindBitbucket,
		URL:      srv.URL + "/2.0/repositories/ws/app/",
		Username: "user",
		Token:    "pass",
	}

	err := NewBitbucketReporter(srv.Client()).Report(
		context.Background(), hook, testEvent(EventRunFinish, 1),
	)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/2.0/repositories/ws/app/commit/abc123/statuses/build", reqs[0].Path)
	assert.Equal(t,
		"Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")),
		reqs[0].Headers.Get("Authorization"))

	var status bitbucketStatus
	require.NoError(t, json.Unmarshal(reqs[0].Body, &status))
	assert.Equal(t, "FAILED", status.State)
	assert.Equal(t, "director: chrome", status.Name)
	assert.Equal(t, StatusKey("bb", "director: chrome"), status.Key)
	assert.Equal(t, "failed:1 passed:2 skipped:0", status.Description)
}

func TestBitbucketReporter_MissingCredentials(t *testing.T) {
	err := NewBitbucketReporter(http.DefaultClient).Report(
		context.Background(),
		config.HookConfig{ID: "bb", Kind: config.HookKindBitbucket, URL: "https://bb", Username: "user"},
		testEvent(EventRunFinish, 0),
	)
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestWebhookReporter_Signature(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted)

	hook := config.HookConfig{
		ID:     "wh",
		Kind:   config.HookKindWebhook,
		URL:    srv.URL + "/events",
		Secret: "s3cret",
	}

	event := testEvent(EventInstanceFinish, 0)
	event.Instance = &store.Instance{InstanceID: "i1", Spec: "a.js", Finalized: true}

	require.NoError(t, NewWebhookReporter(srv.Client()).Report(context.Background(), hook, event))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, Sign("s3cret", reqs[0].Body), reqs[0].Headers.Get(SignatureHeader))
	assert.Equal(t, string(EventInstanceFinish), reqs[0].Headers.Get(EventHeader))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(reqs[0].Body, &payload))
	assert.Equal(t, "chrome", payload.GroupID)
	require.NotNil(t, payload.Instance)
	assert.Equal(t, "a.js", payload.Instance.Spec)
}

func TestWebhookReporter_Successful(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		failures  int
		expected  bool
	}{
		{name: "completed without failures", eventType: EventRunFinish, expected: true},
		{name: "completed with failures", eventType: EventRunFinish, failures: 1, expected: false},
		{name: "timed out without failures", eventType: EventRunTimeout, expected: false},
		{name: "running", eventType: EventRunStart, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCaptureServer(t, http.StatusOK)

			hook := config.HookConfig{ID: "wh", Kind: config.HookKindWebhook, URL: srv.URL}

			require.NoError(t, NewWebhookReporter(srv.Client()).Report(
				context.Background(), hook, testEvent(tt.eventType, tt.failures),
			))

			reqs := srv.Requests()
			require.Len(t, reqs, 1)

			var payload WebhookPayload
			require.NoError(t, json.Unmarshal(reqs[0].Body, &payload))
			assert.Equal(t, tt.expected, payload.Successful)
		})
	}
}

func TestSlackReporter_DefaultEvents(t *testing.T) {
	events := NewSlackReporter(http.DefaultClient).DefaultEvents()

	assert.ElementsMatch(t, []EventType{EventRunFinish, EventRunTimeout}, events)
	assert.NotContains(t, events, EventRunStart)
}

func TestWebhookReporter_Non2xx(t *testing.T) {
	srv := newCaptureServer(t, http.StatusBadGateway)

	err := NewWebhookReporter(srv.Client()).Report(
		context.Background(),
		config.HookConfig{ID: "wh", Kind: config.HookKindWebhook, URL: srv.URL},
		testEvent(EventRunStart, 0),
	)

	var deliveryErr *HookDeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, http.StatusBadGateway, deliveryErr.StatusCode)
	assert.Equal(t, "wh", deliveryErr.HookID)
}

func TestSlackReporter_ResultFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		failures int
		wantPost bool
	}{
		{name: "all posts success", filter: ResultFilterAll, wantPost: true},
		{name: "failed skips success", filter: ResultFilterFailed, wantPost: false},
		{name: "failed posts failure", filter: ResultFilterFailed, failures: 1, wantPost: true},
		{name: "successful skips failure", filter: ResultFilterSuccessful, failures: 1, wantPost: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCaptureServer(t, http.StatusOK)

			hook := config.HookConfig{
				ID:      "chat",
				Kind:    config.HookKindSlack,
				URL:     srv.URL,
				Options: map[string]any{"result_filter": tt.filter},
			}

			err := NewSlackReporter(srv.Client()).Report(
				context.Background(), hook, testEvent(EventRunFinish, tt.failures),
			)
			require.NoError(t, err)

			reqs := srv.Requests()
			if !tt.wantPost {
				assert.Empty(t, reqs)

				return
			}

			require.Len(t, reqs, 1)

			var msg map[string]any
			require.NoError(t, json.Unmarshal(reqs[0].Body, &msg))
			assert.Contains(t, msg["text"], "director: chrome")
		})
	}
}
