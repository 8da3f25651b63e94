package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/searchpulse/internal/config"
	"github.com/kalambet/searchpulse/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useTestServer points the review commands at ts for the duration of the test.
func useTestServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return rootCmd.ExecuteContext(context.Background())
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	if !client.healthy(ctx) {
		t.Fatal("expected healthy server")
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()
	ts.server.Close()

	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
	if client.healthy(ctx) {
		t.Error("stopped server reported healthy")
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"illegal insight transition: RESOLVED -> NEW","type":"conflict_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.post(ctx, "/insights/x/transition", map[string]string{"status": "NEW"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "illegal insight transition") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestInsightsList_BuildsQuery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /insights": `[{"id":"in-1","status":"NEW","category":"anomaly","source":"clicks","title":"Clicks dropped"}]`,
	})
	useTestServer(t, ts)

	if err := execute(t, "insights", "list", "--property", "sc-domain:example.com", "--status", "NEW", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	path := ts.requests[0].Path
	for _, want := range []string{"property=sc-domain%3Aexample.com", "status=NEW", "limit=5"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
}

func TestActionsList_DateRange(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /actions": `[]`,
	})
	useTestServer(t, ts)

	if err := execute(t, "actions", "list", "--status", "completed", "--from", "2024-03-01", "--to", "2024-03-31"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := ts.requests[0].Path
	for _, want := range []string{"status=completed", "from=2024-03-01", "to=2024-03-31"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
}

func TestInsightsTransition(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /insights/in-1/transition": `{"insight_id":"in-1","from":"NEW","to":"DISMISSED"}`,
	})
	useTestServer(t, ts)

	if err := execute(t, "insights", "transition", "in-1", "DISMISSED", "--reason", "seasonal"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "DISMISSED" || body["reason"] != "seasonal" {
		t.Errorf("body = %v", body)
	}
}

func TestActionsComplete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /actions/act-1/complete": `{"id":"act-1","status":"completed"}`,
	})
	useTestServer(t, ts)

	if err := execute(t, "actions", "complete", "act-1", "--outcome", "not json"); err == nil {
		t.Error("expected error for invalid outcome")
	}
	if len(ts.requests) != 0 {
		t.Fatalf("invalid outcome reached the server")
	}

	if err := execute(t, "actions", "complete", "act-1", "--outcome", `{"clicks_recovered":true}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Outcome map[string]bool `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Outcome["clicks_recovered"] {
		t.Errorf("outcome = %v", body.Outcome)
	}
}

func TestActionsGenerate_ByInsight(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /actions": `{"id":"act-1","insight_id":"in-1","title":"Recover clicks"}`,
	})
	useTestServer(t, ts)

	if err := execute(t, "actions", "generate", "in-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"insight_id":"in-1"`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestActionsStart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /actions/act-1/start": `{"id":"act-1","status":"in_progress"}`,
	})
	useTestServer(t, ts)

	if err := execute(t, "actions", "start", "act-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := execute(t, "actions", "cancel", "act-2"); err == nil {
		t.Error("expected 404 error for unknown action")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestParseCategories(t *testing.T) {
	got, err := parseCategories("anomaly, diagnosis")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != storage.CategoryAnomaly || got[1] != storage.CategoryDiagnosis {
		t.Errorf("got %v", got)
	}
	if _, err := parseCategories("anomaly,trend"); err == nil {
		t.Error("expected error for unknown category")
	}
	if got, _ := parseCategories(""); got != nil {
		t.Errorf("empty = %v, want nil", got)
	}
}

func TestLoaderConfigMapping(t *testing.T) {
	lc := loaderConfig(config.LoaderConfig{
		BatchSize: 10, RejectThreshold: 0.2, RetryAttempts: 5, RetryDelay: time.Second,
	}, nil)
	if lc.BatchSize != 10 || lc.RejectThreshold != 0.2 || lc.Retry.Attempts != 5 || lc.Retry.BaseDelay != time.Second {
		t.Errorf("loader config = %+v", lc)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
