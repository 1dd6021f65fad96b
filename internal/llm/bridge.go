// Package llm wraps the model provider's streaming completion API behind a
// normalized event sequence.
package llm

import (
	"context"

	"github.com/kasa-chat/kasa/internal/domain"
)

// EventType identifies a normalized stream event.
type EventType string

const (
	EventTextFragment    EventType = "text_fragment"
	EventToolOpen        EventType = "tool_open"
	EventToolArgFragment EventType = "tool_arg_fragment"
	EventToolClose       EventType = "tool_close"
	EventTurnEnd         EventType = "turn_end"
)

// Event is one normalized event from a model turn. Which fields are set
// depends on Type: Text for text fragments and argument fragments, ToolID
// and ToolName for tool_open.
type Event struct {
	Type     EventType
	Text     string
	ToolID   string
	ToolName string
}

// Tool declares one callable tool to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// StreamFunc receives normalized events in provider order.
type StreamFunc func(Event) error

// Bridge streams one model turn as normalized events. It is a pure
// translation layer: no persistence, no quota, no retries. A provider error
// aborts the turn and is returned to the caller.
type Bridge interface {
	StreamTurn(ctx context.Context, turns []domain.Turn, tools []Tool, system string, fn StreamFunc) error
}

// Summarizer produces a short conversation title from the opening message.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}
