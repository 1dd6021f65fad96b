package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kasa-chat/kasa/internal/domain"
)

// buildTurns assembles the working message list for one turn. The three
// entry modes share this contract:
//
//   - send: full history plus the new user message, persisted before the
//     model is invoked so a crash mid-turn never loses the user's input;
//   - regenerate from index i: persisted suffix after i deleted, history
//     truncated through i, no duplicate user turn appended;
//   - edit at index i: persisted rows from i on deleted, edited text
//     persisted and appended as a new user turn.
//
// userInput is the text the title fallback derives from; firstTurn reports
// whether the pre-turn history was empty.
func (o *Orchestrator) buildTurns(ctx context.Context, req Request) (turns []domain.Turn, userInput string, firstTurn bool, err error) {
	convID := req.Conversation.ConversationID

	// Regenerate is only defined relative to a position; without one the
	// request must not fall through to the send branch.
	if req.Regenerate && req.RegenerateFromIndex == nil {
		return nil, "", false, domain.ErrInvalidInput
	}

	messages, err := o.store.GetMessages(ctx, convID)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to load history: %w", err)
	}

	switch {
	case req.Regenerate && req.RegenerateFromIndex != nil:
		i := *req.RegenerateFromIndex
		if i < 0 || i >= len(messages) {
			return nil, "", false, domain.ErrInvalidInput
		}
		if err := o.deleteSuffix(ctx, convID, messages[i+1:]); err != nil {
			return nil, "", false, err
		}
		kept := messages[:i+1]
		return domain.TurnsFromMessages(kept), messages[i].Content, false, nil

	case req.EditFromMessageIndex != nil:
		i := *req.EditFromMessageIndex
		if i < 0 || i >= len(messages) {
			return nil, "", false, domain.ErrInvalidInput
		}
		if err := o.deleteSuffix(ctx, convID, messages[i:]); err != nil {
			return nil, "", false, err
		}
		kept := messages[:i]
		firstTurn = len(kept) == 0
		if err := o.persistUserMessage(ctx, convID, req.Message); err != nil {
			return nil, "", false, err
		}
		turns = append(domain.TurnsFromMessages(kept), domain.TextTurn(domain.RoleUser, req.Message))
		return turns, req.Message, firstTurn, nil

	default:
		firstTurn = len(messages) == 0
		if err := o.persistUserMessage(ctx, convID, req.Message); err != nil {
			return nil, "", false, err
		}
		turns = append(domain.TurnsFromMessages(messages), domain.TextTurn(domain.RoleUser, req.Message))
		return turns, req.Message, firstTurn, nil
	}
}

// deleteSuffix removes a contiguous suffix of the conversation. The delete
// is filtered by both message ids and the conversation id.
func (o *Orchestrator) deleteSuffix(ctx context.Context, conversationID string, suffix []domain.Message) error {
	if len(suffix) == 0 {
		return nil
	}
	ids := make([]string, 0, len(suffix))
	for _, m := range suffix {
		ids = append(ids, m.MessageID)
	}
	if err := o.store.DeleteMessages(ctx, conversationID, ids); err != nil {
		return fmt.Errorf("failed to truncate history: %w", err)
	}
	return nil
}

// persistUserMessage saves the user's input. This is the one write that
// must never be silently skipped: on failure the turn aborts before the
// model is invoked.
func (o *Orchestrator) persistUserMessage(ctx context.Context, conversationID, content string) error {
	msg := &domain.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	return nil
}
