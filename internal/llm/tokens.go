package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kasa-chat/kasa/internal/domain"
)

// Budgeter trims the working message list to a token budget before a model
// call, dropping the oldest turns first. The newest turn is always kept.
type Budgeter struct {
	enc   *tiktoken.Tiktoken
	limit int
}

// NewBudgeter creates a budgeter. A limit of zero disables trimming.
func NewBudgeter(limit int) (*Budgeter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding: %w", err)
	}
	return &Budgeter{enc: enc, limit: limit}, nil
}

// Trim returns the longest suffix of turns that fits the budget. A tool
// result is only valid on the wire together with the call turn that
// produced it, so the pair is kept or dropped as one unit.
func (b *Budgeter) Trim(turns []domain.Turn) []domain.Turn {
	if b == nil || b.limit <= 0 || len(turns) == 0 {
		return turns
	}
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		lo := i
		cost := b.count(turns[i])
		if turns[i].ToolResult != nil && i > 0 && turns[i-1].ToolCall != nil {
			lo = i - 1
			cost += b.count(turns[i-1])
		}
		total += cost
		if total > b.limit && start < len(turns) {
			break
		}
		start = lo
		i = lo
	}
	return turns[start:]
}

func (b *Budgeter) count(turn domain.Turn) int {
	text := turn.Content
	if turn.ToolCall != nil {
		text = turn.ToolCall.RawArgs
	}
	if turn.ToolResult != nil {
		text = turn.ToolResult.Content
	}
	// A few tokens of per-message framing overhead.
	return len(b.enc.Encode(text, nil, nil)) + 4
}
