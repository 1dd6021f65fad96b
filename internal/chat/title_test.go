package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/kasa-chat/kasa/internal/llm"
)

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Accra Weather", "Accra Weather"},
		{"markup stripped", "**Accra** `Weather` _report_", "Accra Weather report"},
		{"quotes stripped", `"Accra" 'Weather' “again”`, "Accra Weather again"},
		{"control chars become spaces", "Accra\nWeather\tReport", "Accra Weather Report"},
		{"whitespace collapsed", "  Accra   Weather  ", "Accra Weather"},
		{"heading markers stripped", "# Accra > Weather", "Accra Weather"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeTitle(tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSanitizeTitleCapsLength(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := SanitizeTitle(long)
	if len([]rune(got)) > 80 {
		t.Fatalf("expected at most 80 runes, got %d", len([]rune(got)))
	}
	if strings.HasSuffix(got, " ") {
		t.Fatalf("truncation must not leave trailing space: %q", got)
	}
}

func TestTitleFallsBackToUserInput(t *testing.T) {
	f := newFixture(t, [][]llm.Event{
		{text("Hi there."), {Type: llm.EventTurnEnd}},
	})
	f.titles.title = ""
	f.titles.err = context.DeadlineExceeded

	sink := &memSink{}
	err := f.orch.Run(context.Background(), Request{Conversation: f.conv, Message: "what is **the** weather"}, sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var title string
	for _, ev := range sink.events {
		if ev.Title != "" {
			title = ev.Title
		}
	}
	if title != "what is the weather" {
		t.Fatalf("expected sanitized fallback title, got %q", title)
	}
}

func TestTitleOutputIsSanitized(t *testing.T) {
	f := newFixture(t, [][]llm.Event{
		{text("Hi."), {Type: llm.EventTurnEnd}},
	})
	f.titles.title = "\"Accra\" *Weather*\n"

	sink := &memSink{}
	err := f.orch.Run(context.Background(), Request{Conversation: f.conv, Message: "weather"}, sink)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var title string
	for _, ev := range sink.events {
		if ev.Title != "" {
			title = ev.Title
		}
	}
	if title != "Accra Weather" {
		t.Fatalf("expected sanitized title, got %q", title)
	}

	conv, err := f.db.GetConversation(context.Background(), "c1")
	if err != nil || conv == nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.Title != "Accra Weather" {
		t.Fatalf("stored title must match emitted title, got %q", conv.Title)
	}
}
