package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kasa-chat/kasa/internal/config"
	"github.com/kasa-chat/kasa/internal/domain"
)

// OpenAIBridge implements Bridge and Summarizer over the OpenAI chat
// completions API.
type OpenAIBridge struct {
	client *openai.Client
	cfg    config.OpenAIConfig
}

// NewOpenAIBridge creates a bridge for the configured models.
func NewOpenAIBridge(cfg config.OpenAIConfig) *OpenAIBridge {
	return &OpenAIBridge{
		client: openai.NewClient(cfg.APIKey),
		cfg:    cfg,
	}
}

// StreamTurn streams one completion turn, translating provider chunks into
// normalized events.
func (b *OpenAIBridge) StreamTurn(ctx context.Context, turns []domain.Turn, tools []Tool, system string, fn StreamFunc) error {
	req := openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    toProviderMessages(turns, system),
		Tools:       toProviderTools(tools),
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: float32(b.cfg.Temperature),
		Stream:      true,
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var tr translator
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("completion stream failed: %w", err)
		}
		if err := tr.feed(resp, fn); err != nil {
			return err
		}
	}
	return tr.finish(fn)
}

// Summarize makes one short non-streaming call to the title model.
func (b *OpenAIBridge) Summarize(ctx context.Context, content string) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     b.cfg.TitleModel,
		MaxTokens: 30,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Summarize the user's message as a conversation title of at most " +
					"five words. Respond with the title only, no quotes or punctuation.",
			},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
	})
	if err != nil {
		return "", fmt.Errorf("title completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// translator folds provider stream chunks into the normalized event
// sequence. Tool-call argument deltas arrive as raw JSON fragments keyed by
// call index; only the first announced call is tracked, matching the single
// pending call the orchestrator drives per iteration.
type translator struct {
	openCallID string
}

func (t *translator) feed(resp openai.ChatCompletionStreamResponse, fn StreamFunc) error {
	if len(resp.Choices) == 0 {
		return nil
	}
	delta := resp.Choices[0].Delta

	if delta.Content != "" {
		if err := fn(Event{Type: EventTextFragment, Text: delta.Content}); err != nil {
			return err
		}
	}

	for _, tc := range delta.ToolCalls {
		if tc.ID != "" && tc.Function.Name != "" {
			if t.openCallID != "" {
				// A second parallel call; the loop executes one call per
				// iteration, so extra calls are dropped.
				continue
			}
			t.openCallID = tc.ID
			if err := fn(Event{Type: EventToolOpen, ToolID: tc.ID, ToolName: tc.Function.Name}); err != nil {
				return err
			}
		}
		if tc.Function.Arguments != "" && t.openCallID != "" {
			if err := fn(Event{Type: EventToolArgFragment, Text: tc.Function.Arguments}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *translator) finish(fn StreamFunc) error {
	if t.openCallID != "" {
		if err := fn(Event{Type: EventToolClose}); err != nil {
			return err
		}
		t.openCallID = ""
	}
	return fn(Event{Type: EventTurnEnd})
}

func toProviderMessages(turns []domain.Turn, system string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range turns {
		switch {
		case turn.ToolCall != nil:
			args := turn.ToolCall.RawArgs
			if args == "" {
				args = "{}"
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   turn.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      turn.ToolCall.Name,
						Arguments: args,
					},
				}},
			})
		case turn.ToolResult != nil:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: turn.ToolResult.CallID,
				Content:    turn.ToolResult.Content,
			})
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    turn.Role,
				Content: turn.Content,
			})
		}
	}
	return msgs
}

func toProviderTools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
