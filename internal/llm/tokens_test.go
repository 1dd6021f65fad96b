package llm

import (
	"strings"
	"testing"

	"github.com/kasa-chat/kasa/internal/domain"
)

func newTestBudgeter(t *testing.T, limit int) *Budgeter {
	t.Helper()
	b, err := NewBudgeter(limit)
	if err != nil {
		// The encoding is fetched on first use; skip when unavailable.
		t.Skipf("encoding unavailable: %v", err)
	}
	return b
}

func TestBudgeterTrimDropsOldestFirst(t *testing.T) {
	b := newTestBudgeter(t, 40)

	long := strings.Repeat("alpha beta gamma ", 20)
	turns := []domain.Turn{
		domain.TextTurn(domain.RoleUser, long),
		domain.TextTurn(domain.RoleAssistant, "short reply"),
		domain.TextTurn(domain.RoleUser, "and a follow-up"),
	}

	trimmed := b.Trim(turns)
	if len(trimmed) == 0 || len(trimmed) >= len(turns) {
		t.Fatalf("expected a strict suffix, got %d of %d turns", len(trimmed), len(turns))
	}
	if trimmed[len(trimmed)-1].Content != "and a follow-up" {
		t.Fatalf("newest turn must survive trimming, got %+v", trimmed)
	}
	if trimmed[0].Content == long {
		t.Fatalf("expected the oldest turn dropped")
	}
}

func TestBudgeterKeepsNewestEvenOverBudget(t *testing.T) {
	b := newTestBudgeter(t, 5)

	turns := []domain.Turn{
		domain.TextTurn(domain.RoleUser, strings.Repeat("words and more words ", 10)),
	}
	trimmed := b.Trim(turns)
	if len(trimmed) != 1 {
		t.Fatalf("expected the single turn kept, got %d", len(trimmed))
	}
}

func TestBudgeterKeepsToolPairsTogether(t *testing.T) {
	longArgs := `{"query":"` + strings.Repeat("long search terms ", 15) + `"}`
	turns := []domain.Turn{
		domain.TextTurn(domain.RoleUser, strings.Repeat("background context ", 15)),
		domain.ToolCallTurn(domain.ToolInvocation{ID: "call_1", Name: "web_search", RawArgs: longArgs}),
		domain.ToolResultTurn("call_1", strings.Repeat("result text ", 10)),
		domain.TextTurn(domain.RoleAssistant, "short answer"),
	}

	// Whatever the budget lands on, a kept tool result must be preceded
	// by its call turn; a suffix opening with a bare result is invalid.
	for _, limit := range []int{10, 30, 60, 120, 500} {
		b := newTestBudgeter(t, limit)
		trimmed := b.Trim(turns)
		if len(trimmed) == 0 {
			t.Fatalf("limit %d: trim must keep at least the newest turn", limit)
		}
		if trimmed[0].ToolResult != nil {
			t.Fatalf("limit %d: suffix starts with an orphaned tool result: %+v", limit, trimmed)
		}
		for j, turn := range trimmed {
			if turn.ToolResult != nil && (j == 0 || trimmed[j-1].ToolCall == nil) {
				t.Fatalf("limit %d: tool result at %d separated from its call", limit, j)
			}
		}
	}
}

func TestBudgeterZeroLimitPassesThrough(t *testing.T) {
	b := newTestBudgeter(t, 0)

	turns := []domain.Turn{
		domain.TextTurn(domain.RoleUser, "one"),
		domain.TextTurn(domain.RoleAssistant, "two"),
	}
	trimmed := b.Trim(turns)
	if len(trimmed) != 2 {
		t.Fatalf("expected passthrough with zero limit, got %d turns", len(trimmed))
	}
}

func TestBudgeterNilPassesThrough(t *testing.T) {
	var b *Budgeter
	turns := []domain.Turn{domain.TextTurn(domain.RoleUser, "one")}
	if got := b.Trim(turns); len(got) != 1 {
		t.Fatalf("expected nil budgeter passthrough, got %d turns", len(got))
	}
}
