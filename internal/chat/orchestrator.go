// Package chat drives the streaming conversation loop: model turns, tool
// round-trips, segment persistence, and the client event protocol.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/domain"
	"github.com/kasa-chat/kasa/internal/llm"
	"github.com/kasa-chat/kasa/internal/quota"
	"github.com/kasa-chat/kasa/internal/search"
	"github.com/kasa-chat/kasa/internal/store"
)

const defaultMaxToolRounds = 5

// Sink receives client-facing stream events. Send errors mean the client
// went away; the loop does not stop for them.
type Sink interface {
	Send(domain.StreamEvent) error
}

// Executor runs the web-search tool for a parsed query.
type Executor interface {
	Execute(ctx context.Context, query string) string
}

// Guard is the quota surface the orchestrator needs.
type Guard interface {
	Authorize(ctx context.Context, userID string) (quota.Decision, error)
	RecordCompletedTurn(ctx context.Context, userID string) error
}

// Request is one inbound send/edit/regenerate. Conversation has already
// been resolved to one owned by the authenticated caller.
type Request struct {
	Conversation         *domain.Conversation
	Message              string
	Regenerate           bool
	RegenerateFromIndex  *int
	EditFromMessageIndex *int
}

// Options tunes the loop.
type Options struct {
	SystemPrompt  string
	MaxToolRounds int
}

// Orchestrator composes the quota guard, model bridge, tool executor and
// store into the turn loop.
type Orchestrator struct {
	store  store.Store
	guard  Guard
	bridge llm.Bridge
	tool   Executor
	titles llm.Summarizer
	budget *llm.Budgeter
	opts   Options
	logger *zap.Logger
}

// New creates an orchestrator.
func New(db store.Store, guard Guard, bridge llm.Bridge, tool Executor, titles llm.Summarizer, budget *llm.Budgeter, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	return &Orchestrator{
		store:  db,
		guard:  guard,
		bridge: bridge,
		tool:   tool,
		titles: titles,
		budget: budget,
		opts:   opts,
		logger: logger,
	}
}

// Run executes one turn. It returns an error only from the pre-flight
// phase (quota, history assembly, user-message persistence), before any
// stream event has been sent, so the transport can still answer with a
// plain status. Once streaming starts, failures are reported through the
// event protocol and Run returns nil.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) error {
	decision, err := o.guard.Authorize(ctx, req.Conversation.UserID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return domain.ErrQuotaExceeded
	}

	turns, userInput, firstTurn, err := o.buildTurns(ctx, req)
	if err != nil {
		return err
	}

	r := &run{o: o, conv: req.Conversation, sink: sink}
	r.loop(ctx, turns, userInput, firstTurn)
	return nil
}

// run is the per-turn loop state.
type run struct {
	o          *Orchestrator
	conv       *domain.Conversation
	sink       Sink
	sinkBroken bool
}

// loop is the core state machine: stream text, detect a tool call, execute
// it, feed the result back, repeat until the model stops or the round
// ceiling is hit.
func (r *run) loop(ctx context.Context, turns []domain.Turn, userInput string, firstTurn bool) {
	o := r.o
	var segments []string
	var segment strings.Builder
	tools := []llm.Tool{search.Spec()}

	for round := 0; ; round++ {
		var pending *domain.ToolInvocation

		working := o.budget.Trim(turns)
		err := o.bridge.StreamTurn(ctx, working, tools, o.opts.SystemPrompt, func(ev llm.Event) error {
			switch ev.Type {
			case llm.EventTextFragment:
				segment.WriteString(ev.Text)
				r.emit(domain.TextEvent(ev.Text))
			case llm.EventToolOpen:
				pending = &domain.ToolInvocation{ID: ev.ToolID, Name: ev.ToolName}
			case llm.EventToolArgFragment:
				if pending != nil {
					pending.RawArgs += ev.Text
				}
			case llm.EventToolClose, llm.EventTurnEnd:
				// Loop decisions happen once the stream returns.
			}
			return nil
		})
		if err != nil {
			o.logger.Error("model turn failed",
				zap.String("conversation_id", r.conv.ConversationID), zap.Error(err))
			if segment.Len() > 0 {
				segments = append(segments, segment.String())
			}
			r.finish(ctx, segments, userInput, firstTurn, "The assistant could not finish this reply. Please try again.")
			return
		}

		if pending == nil {
			if segment.Len() > 0 {
				segments = append(segments, segment.String())
			}
			break
		}
		if round >= o.opts.MaxToolRounds {
			o.logger.Warn("tool round ceiling reached",
				zap.String("conversation_id", r.conv.ConversationID),
				zap.Int("rounds", round))
			if segment.Len() > 0 {
				segments = append(segments, segment.String())
			}
			break
		}

		// Close the current segment before the tool runs so the client
		// stops treating the in-progress message as mutable.
		if segment.Len() > 0 {
			segments = append(segments, segment.String())
			segment.Reset()
			r.emit(domain.FinalizeEvent())
		}

		query := search.ParseQuery(pending.RawArgs)
		r.emit(domain.SearchingEvent(query))
		result := o.tool.Execute(ctx, query)

		turns = append(turns,
			domain.ToolCallTurn(*pending),
			domain.ToolResultTurn(pending.ID, result))
		r.emit(domain.SearchDoneEvent())
	}

	r.finish(ctx, segments, userInput, firstTurn, "")
}

// finish persists segments in order, bumps the lifetime counter, handles
// the first-turn title, and emits the terminal event.
func (r *run) finish(ctx context.Context, segments []string, userInput string, firstTurn bool, errMsg string) {
	o := r.o

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		msg := &domain.Message{
			MessageID:      uuid.New().String(),
			ConversationID: r.conv.ConversationID,
			Role:           domain.RoleAssistant,
			Content:        seg,
			CreatedAt:      time.Now(),
		}
		if err := o.store.CreateMessage(ctx, msg); err != nil {
			o.logger.Error("failed to persist assistant segment",
				zap.String("conversation_id", r.conv.ConversationID), zap.Error(err))
			r.emit(domain.ErrorEvent("Your reply could not be saved."))
			return
		}
	}

	if err := o.guard.RecordCompletedTurn(ctx, r.conv.UserID); err != nil {
		o.logger.Error("failed to record completed turn",
			zap.String("user_id", r.conv.UserID), zap.Error(err))
	}

	if errMsg != "" {
		r.emit(domain.ErrorEvent(errMsg))
		return
	}

	if firstTurn {
		title := r.title(ctx, userInput)
		if title != "" {
			if err := o.store.SetConversationTitle(ctx, r.conv.ConversationID, title); err != nil {
				o.logger.Error("failed to store title",
					zap.String("conversation_id", r.conv.ConversationID), zap.Error(err))
			}
			r.emit(domain.TitleEvent(title))
		}
	}

	r.emit(domain.DoneEvent())
}

// emit pushes one event to the client. A dead sink is logged once and then
// ignored: the turn runs to completion and persists regardless (the client
// recovers by re-fetching the conversation).
func (r *run) emit(ev domain.StreamEvent) {
	if r.sinkBroken {
		return
	}
	if err := r.sink.Send(ev); err != nil {
		r.sinkBroken = true
		r.o.logger.Warn("client stream closed early",
			zap.String("conversation_id", r.conv.ConversationID), zap.Error(err))
	}
}
