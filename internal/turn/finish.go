package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/internal/chat"
	"github.com/relaychat/internal/stream"
)

// accumulator folds stream events into the set of finished messages that
// the termination handler persists. Generated messages receive their
// identity here; in resume mode the trailing assistant message from the
// replacement list is continued in place so the tool-approval round updates
// it instead of duplicating it.
type accumulator struct {
	mode   Mode
	chatID string
	newID  func() string
	now    func() time.Time

	base    []chat.Message
	baseIdx int // index into base of the continued message, -1 if none
	current *chat.Message
}

func newAccumulator(mode Mode, chatID string, base []chat.Message, newID func() string, now func() time.Time) *accumulator {
	acc := &accumulator{
		mode:    mode,
		chatID:  chatID,
		newID:   newID,
		now:     now,
		base:    append([]chat.Message{}, base...),
		baseIdx: -1,
	}

	if mode == ModeResume && len(acc.base) > 0 {
		last := acc.base[len(acc.base)-1]
		if last.Role == chat.RoleAssistant {
			cp := last
			cp.Parts = append([]chat.Part{}, last.Parts...)
			acc.current = &cp
			acc.baseIdx = len(acc.base) - 1
		}
	}

	return acc
}

func (a *accumulator) observe(ev stream.Event) {
	switch ev.Type {
	case stream.EventTextDelta:
		a.appendDelta(chat.PartText, ev.Delta)

	case stream.EventReasoningDelta:
		a.appendDelta(chat.PartReasoning, ev.Delta)

	case stream.EventToolCall:
		msg := a.ensureCurrent()
		msg.Parts = append(msg.Parts, chat.Part{
			Type:       chat.PartToolCall,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Args:       ev.Args,
		})

	case stream.EventToolResult:
		msg := a.ensureCurrent()
		msg.Parts = append(msg.Parts, chat.Part{
			Type:       chat.PartToolResult,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Result:     ev.Result,
		})
	}
	// chat-title, error, and done events are not message content.
}

func (a *accumulator) appendDelta(kind chat.PartType, delta string) {
	if delta == "" {
		return
	}
	msg := a.ensureCurrent()
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == kind {
		msg.Parts[n-1].Text += delta
		return
	}
	msg.Parts = append(msg.Parts, chat.Part{Type: kind, Text: delta})
}

func (a *accumulator) ensureCurrent() *chat.Message {
	if a.current == nil {
		a.current = &chat.Message{
			ID:        a.newID(),
			ChatID:    a.chatID,
			Role:      chat.RoleAssistant,
			CreatedAt: a.now(),
		}
	}
	return a.current
}

// finished returns the messages produced during the turn. In fresh mode
// that is the single generated assistant message; in resume mode it is the
// replacement list with the continued assistant message swapped in.
func (a *accumulator) finished() []chat.Message {
	if a.mode == ModeFresh {
		if a.current == nil {
			return nil
		}
		return []chat.Message{*a.current}
	}

	out := append([]chat.Message{}, a.base...)
	if a.current != nil {
		if a.baseIdx >= 0 {
			out[a.baseIdx] = *a.current
		} else {
			out = append(out, *a.current)
		}
	}
	return out
}

// finishTurn reconciles the finished messages against persisted state. The
// reconciliation is idempotent: every write is an insert-or-update keyed by
// message identity, so re-delivering the same set creates no duplicates.
func (o *Orchestrator) finishTurn(ctx context.Context, req Request, finished []chat.Message) error {
	if len(finished) == 0 {
		return nil
	}

	if req.Mode == ModeResume {
		requestIDs := make(map[string]bool, len(req.Messages))
		for _, m := range req.Messages {
			requestIDs[m.ID] = true
		}

		for _, msg := range finished {
			o.stamp(&msg, req.ChatID)
			if requestIDs[msg.ID] {
				// The tool-approval round produced new parts for a message
				// the client already holds: update it in place.
				if err := o.store.UpdateMessage(ctx, msg); err != nil {
					return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
				}
			} else {
				if err := o.store.SaveMessages(ctx, []chat.Message{msg}); err != nil {
					return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
				}
			}
		}
		return nil
	}

	stamped := make([]chat.Message, 0, len(finished))
	for _, msg := range finished {
		o.stamp(&msg, req.ChatID)
		stamped = append(stamped, msg)
	}
	if err := o.store.SaveMessages(ctx, stamped); err != nil {
		return fmt.Errorf("failed to save finished messages: %w", err)
	}

	return nil
}

func (o *Orchestrator) stamp(msg *chat.Message, chatID string) {
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = o.now()
	}
}
