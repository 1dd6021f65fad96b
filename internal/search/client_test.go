package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/config"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name    string
		rawArgs string
		want    string
	}{
		{"well formed", `{"query":"accra weather"}`, "accra weather"},
		{"whitespace trimmed", `{"query":"  accra weather  "}`, "accra weather"},
		{"missing field", `{}`, ""},
		{"malformed json", `{"query":`, ""},
		{"empty buffer", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseQuery(tt.rawArgs); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExecuteFormatsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"answer": "It is sunny in Accra.",
			"results": [
				{"title": "Accra Weather", "url": "https://example.com/wx", "content": "Sunny, 31C."}
			]
		}`))
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{URL: srv.URL, MaxResults: 5}, zap.NewNop())
	out := c.Execute(context.Background(), "accra weather")

	for _, want := range []string{
		`Search results for "accra weather":`,
		"Summary: It is sunny in Accra.",
		"1. Accra Weather (https://example.com/wx)",
		"Sunny, 31C.",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestExecuteEmptyQuery(t *testing.T) {
	c := NewClient(config.SearchConfig{}, zap.NewNop())
	out := c.Execute(context.Background(), "")
	if out != "No search query was provided." {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestExecuteFailureBecomesResultText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{URL: srv.URL}, zap.NewNop())
	out := c.Execute(context.Background(), "accra weather")
	if !strings.Contains(out, "failed") || !strings.Contains(out, "accra weather") {
		t.Fatalf("expected soft failure text naming the query, got %q", out)
	}
}

func TestExecuteNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer": "", "results": []}`))
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{URL: srv.URL}, zap.NewNop())
	out := c.Execute(context.Background(), "obscure thing")
	if !strings.Contains(out, "No results found.") {
		t.Fatalf("expected no-results text, got %q", out)
	}
}
