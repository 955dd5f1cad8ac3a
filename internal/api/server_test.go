package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/connwatch"
	"github.com/nugget/reeve/internal/eventlog"
)

type fakeRunner struct {
	lastReq agent.Request
	resp    *agent.Response
	err     error
}

func (f *fakeRunner) Turn(ctx context.Context, req agent.Request) (*agent.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestServer(t *testing.T, runner TurnRunner) (*httptest.Server, *eventlog.Store) {
	t.Helper()
	store, err := eventlog.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if runner == nil {
		runner = &fakeRunner{resp: &agent.Response{Content: "ok"}}
	}
	s := NewServer("", 0, runner, store, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleTurn(t *testing.T) {
	runner := &fakeRunner{resp: &agent.Response{
		Content:   "forty-two",
		Model:     "test-model",
		Rounds:    2,
		ToolCalls: 1,
	}}
	srv, _ := newTestServer(t, runner)

	resp := postJSON(t, srv.URL+"/v1/turn", `{"conversation_id":"conv1","message":"what is the answer?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body turnResponse
	decodeBody(t, resp, &body)
	if body.Content != "forty-two" {
		t.Errorf("content = %q", body.Content)
	}
	if body.Rounds != 2 || body.ToolCalls != 1 {
		t.Errorf("rounds/calls = %d/%d", body.Rounds, body.ToolCalls)
	}
	if body.RequestID == "" {
		t.Error("request_id missing")
	}

	if runner.lastReq.ConversationID != "conv1" {
		t.Errorf("conversation id = %q", runner.lastReq.ConversationID)
	}
	if runner.lastReq.UserText != "what is the answer?" {
		t.Errorf("user text = %q", runner.lastReq.UserText)
	}
}

func TestHandleTurnValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{not json`},
		{"missing conversation", `{"message":"hi"}`},
		{"missing message", `{"conversation_id":"c1"}`},
		{"unusable conversation id", `{"conversation_id":"///","message":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/turn", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestHandleTurnRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("model backend unreachable")}
	srv, _ := newTestServer(t, runner)

	resp := postJSON(t, srv.URL+"/v1/turn", `{"conversation_id":"c1","message":"hi"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHandleConversationList(t *testing.T) {
	srv, store := newTestServer(t, nil)

	if err := store.Append("alpha", eventlog.Event{
		Role: eventlog.RoleUser, Kind: eventlog.KindMessage, Content: "hi",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Conversations []string `json:"conversations"`
	}
	decodeBody(t, resp, &body)
	if len(body.Conversations) != 1 || body.Conversations[0] != "alpha" {
		t.Errorf("conversations = %v", body.Conversations)
	}
}

func TestHandleConversationEvents(t *testing.T) {
	srv, store := newTestServer(t, nil)

	seed := []eventlog.Event{
		{Role: eventlog.RoleUser, Kind: eventlog.KindMessage, Content: "question"},
		{Role: eventlog.RoleAssistant, Kind: eventlog.KindMessage, Content: "answer"},
	}
	for _, ev := range seed {
		if err := store.Append("conv1", ev); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/conversations/conv1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		ConversationID string           `json:"conversation_id"`
		Events         []eventlog.Event `json:"events"`
	}
	decodeBody(t, resp, &body)
	if body.ConversationID != "conv1" {
		t.Errorf("conversation_id = %q", body.ConversationID)
	}
	if len(body.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(body.Events))
	}
	if body.Events[1].Content != "answer" {
		t.Errorf("events[1] = %+v", body.Events[1])
	}
}

func TestHandleConversationEventsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/conversations/never-seen/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want empty list not error", resp.StatusCode)
	}

	var body struct {
		Events []eventlog.Event `json:"events"`
	}
	decodeBody(t, resp, &body)
	if len(body.Events) != 0 {
		t.Errorf("events = %v, want empty", body.Events)
	}
}

func TestHandleConversationExport(t *testing.T) {
	srv, store := newTestServer(t, nil)

	seed := []eventlog.Event{
		{Role: eventlog.RoleUser, Kind: eventlog.KindMessage, Content: "hello **world**"},
		{Role: eventlog.RoleAssistant, Kind: eventlog.KindToolCall, Tool: &eventlog.ToolInfo{Name: "web.search"}},
		{Role: eventlog.RoleSystem, Kind: eventlog.KindToolResult, ToolResult: &eventlog.ToolResult{OK: true}},
		{Role: eventlog.RoleAssistant, Kind: eventlog.KindMessage, Content: "done", Synthetic: true},
	}
	for _, ev := range seed {
		if err := store.Append("conv1", ev); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/conversations/conv1/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	html := string(data)
	if !strings.Contains(html, "<strong>world</strong>") {
		t.Error("markdown content not rendered")
	}
	if !strings.Contains(html, "web.search") {
		t.Error("tool call not summarized")
	}
	if !strings.Contains(html, "synthesized") {
		t.Error("synthesized message not labeled")
	}
}

func TestHandleConversationExportSanitizesID(t *testing.T) {
	srv, store := newTestServer(t, nil)

	if err := store.Append("conv1", eventlog.Event{
		Role: eventlog.RoleUser, Kind: eventlog.KindMessage, Content: "hi",
	}); err != nil {
		t.Fatal(err)
	}

	// A raw id that sanitizes to conv1 serves conv1's transcript but
	// must never echo the raw path segment into the HTML.
	resp, err := http.Get(srv.URL + "/v1/conversations/" + url.PathEscape("<>conv1") + "/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	html := string(data)
	if strings.Contains(html, "&lt;&gt;conv1") || strings.Contains(html, "<>conv1") {
		t.Error("raw id leaked into rendered transcript")
	}
	if !strings.Contains(html, "conv1") {
		t.Error("sanitized id missing from transcript heading")
	}
}

func TestHandleConversationExportMissing(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/conversations/ghost/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]string
	decodeBody(t, resp, &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	resp2, err := http.Get(srv.URL + "/v1/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var version map[string]string
	decodeBody(t, resp2, &version)
	if version["version"] == "" {
		t.Errorf("version = %v", version)
	}
}

type fakeStatusSource struct {
	services map[string]connwatch.ServiceStatus
}

func (f *fakeStatusSource) Status() map[string]connwatch.ServiceStatus {
	return f.services
}

func TestHandleHealthReportsServices(t *testing.T) {
	store, err := eventlog.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer("", 0, &fakeRunner{resp: &agent.Response{}}, store, nil, nil)
	s.SetStatusSource(&fakeStatusSource{services: map[string]connwatch.ServiceStatus{
		"ollama": {Name: "ollama", Ready: false, LastError: "connection refused"},
	}})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health struct {
		Status   string                             `json:"status"`
		Services map[string]connwatch.ServiceStatus `json:"services"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if svc, ok := health.Services["ollama"]; !ok || svc.LastError != "connection refused" {
		t.Errorf("services = %+v", health.Services)
	}
}
