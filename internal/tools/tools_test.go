package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"herobot/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:tools_%s?mode=memory&cache=shared", t.Name())
	s, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBuildSpecs(t *testing.T) {
	specs, byName, err := BuildSpecs([]storage.Tool{
		{
			ID:          10,
			Name:        "Get Weather",
			Description: "Look up the weather",
			ParamsJSON:  `[{"name":"city","type":"string","description":"City name","required":true}]`,
		},
		{ID: 11, Name: "Get Weather", ParamsJSON: `[]`},
	})
	if err != nil {
		t.Fatalf("build specs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Name != "Get_Weather" {
		t.Fatalf("unexpected name %q", specs[0].Name)
	}
	if specs[1].Name != "Get_Weather_2" {
		t.Fatalf("collision not suffixed: %q", specs[1].Name)
	}
	if byName["Get_Weather"] != 10 || byName["Get_Weather_2"] != 11 {
		t.Fatalf("dispatch table wrong: %+v", byName)
	}

	var schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(specs[0].Parameters, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema.Type != "object" {
		t.Fatalf("unexpected schema type %q", schema.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "city" {
		t.Fatalf("required list wrong: %+v", schema.Required)
	}
}

func TestExecuteRendersTemplate(t *testing.T) {
	var gotBody string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"temp":21}`))
	}))
	defer srv.Close()

	s := newTestStore(t)
	toolID, _ := s.CreateTool(context.Background(), storage.Tool{
		TeamID: 1, BotID: 2, Name: "weather", URL: srv.URL, Active: true,
		ParamsJSON:   `[{"name":"city","type":"string","required":true}]`,
		HeadersJSON:  `{"Authorization":"Bearer token-{{city}}"}`,
		BodyTemplate: `{"location":"{{city}}","units":"metric"}`,
	})
	tool, _ := s.GetTool(context.Background(), toolID)

	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	out, err := e.Execute(context.Background(), tool, 2, `{"city":"Oslo"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotBody != `{"location":"Oslo","units":"metric"}` {
		t.Fatalf("template not rendered: %q", gotBody)
	}
	if gotAuth != "Bearer token-Oslo" {
		t.Fatalf("header template not rendered: %q", gotAuth)
	}

	var res Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !res.Success || res.Status != 200 || res.Body != `{"temp":21}` {
		t.Fatalf("unexpected result %+v", res)
	}

	exec, err := s.GetToolExecution(context.Background(), 1)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != storage.ExecutionStatusCompleted || exec.DurationMS == nil {
		t.Fatalf("execution not finalized: %+v", exec)
	}
}

func TestExecuteNon2xxIsCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such city"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	toolID, _ := s.CreateTool(context.Background(), storage.Tool{
		TeamID: 1, BotID: 2, Name: "weather", URL: srv.URL, Active: true,
	})
	tool, _ := s.GetTool(context.Background(), toolID)

	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	out, err := e.Execute(context.Background(), tool, 2, `{}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var res Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Success || res.Status != 404 || res.Body != "no such city" {
		t.Fatalf("unexpected result %+v", res)
	}

	exec, _ := s.GetToolExecution(context.Background(), 1)
	if exec.Status != storage.ExecutionStatusCompleted {
		t.Fatalf("non-2xx should still complete, got %q", exec.Status)
	}
}

func TestExecuteTransportErrorFails(t *testing.T) {
	s := newTestStore(t)
	toolID, _ := s.CreateTool(context.Background(), storage.Tool{
		TeamID: 1, BotID: 2, Name: "broken", URL: "http://127.0.0.1:1", Active: true,
	})
	tool, _ := s.GetTool(context.Background(), toolID)

	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	if _, err := e.Execute(context.Background(), tool, 2, `{}`); err == nil {
		t.Fatal("expected transport error")
	}

	exec, _ := s.GetToolExecution(context.Background(), 1)
	if exec.Status != storage.ExecutionStatusFailed {
		t.Fatalf("expected failed execution, got %q", exec.Status)
	}
}

func TestExecuteMissingRequiredParam(t *testing.T) {
	s := newTestStore(t)
	toolID, _ := s.CreateTool(context.Background(), storage.Tool{
		TeamID: 1, BotID: 2, Name: "weather", URL: "https://example.test", Active: true,
		ParamsJSON: `[{"name":"city","type":"string","required":true}]`,
	})
	tool, _ := s.GetTool(context.Background(), toolID)

	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	_, err := e.Execute(context.Background(), tool, 2, `{"country":"NO"}`)
	if err == nil || !strings.Contains(err.Error(), "city") {
		t.Fatalf("expected missing-parameter error, got %v", err)
	}

	// The invocation still leaves a finalized execution record.
	exec, err := s.GetToolExecution(context.Background(), 1)
	if err != nil {
		t.Fatalf("validation failure left no execution record: %v", err)
	}
	if exec.Status != storage.ExecutionStatusFailed {
		t.Fatalf("expected failed execution, got %q", exec.Status)
	}
	if exec.OutputJSON == nil || !strings.Contains(*exec.OutputJSON, "city") {
		t.Fatalf("failure cause not recorded: %+v", exec.OutputJSON)
	}
}

func TestExecuteInactiveTool(t *testing.T) {
	s := newTestStore(t)
	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	_, err := e.Execute(context.Background(), storage.Tool{Name: "off", Active: false}, 2, `{}`)
	if err == nil {
		t.Fatal("expected error for inactive tool")
	}
}

func TestExecuteGetUsesQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	toolID, _ := s.CreateTool(context.Background(), storage.Tool{
		TeamID: 1, BotID: 2, Name: "lookup", Method: "GET", URL: srv.URL, Active: true,
	})
	tool, _ := s.GetTool(context.Background(), toolID)

	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	if _, err := e.Execute(context.Background(), tool, 2, `{"order_id":"A42","count":3}`); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(gotQuery, "order_id=A42") || !strings.Contains(gotQuery, "count=3") {
		t.Fatalf("query params missing: %q", gotQuery)
	}
}

func TestExecuteRendersQueryTemplate(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	toolID, _ := s.CreateTool(context.Background(), storage.Tool{
		TeamID: 1, BotID: 2, Name: "lookup", Method: "GET", URL: srv.URL, Active: true,
		QueryJSON: `{"id":"{{order_id}}","lang":"en"}`,
	})
	tool, _ := s.GetTool(context.Background(), toolID)

	e := NewExecutor(ExecutorConfig{Store: s, Logger: zerolog.Nop()})
	if _, err := e.Execute(context.Background(), tool, 2, `{"order_id":"A42","count":3}`); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(gotQuery, "id=A42") || !strings.Contains(gotQuery, "lang=en") {
		t.Fatalf("query template not rendered: %q", gotQuery)
	}
	// A configured query replaces the argument dump entirely.
	if strings.Contains(gotQuery, "count=3") {
		t.Fatalf("unconfigured argument leaked into query: %q", gotQuery)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"text", "text"},
		{float64(3), "3"},
		{float64(2.5), "2.5"},
		{true, "true"},
		{nil, ""},
		{map[string]any{"a": 1.0}, `{"a":1}`},
	}
	for _, c := range cases {
		if got := stringify(c.in); got != c.want {
			t.Fatalf("stringify(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
