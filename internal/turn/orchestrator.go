// Package turn orchestrates one chat turn: validation, persistence, model
// invocation, the concurrent title computation, and final reconciliation of
// produced messages.
package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaychat/internal/chat"
	"github.com/relaychat/internal/chaterr"
	"github.com/relaychat/internal/entitlements"
	"github.com/relaychat/internal/model"
	"github.com/relaychat/internal/resume"
	"github.com/relaychat/internal/stream"
)

// Mode selects how the turn is processed. It is an explicit request field,
// validated separately, rather than being inferred from payload shape.
type Mode string

const (
	// ModeFresh is a normal turn carrying one new user message.
	ModeFresh Mode = "fresh"

	// ModeResume continues a prior turn after a human approved or rejected
	// a pending tool invocation. The request carries a full replacement
	// message list instead of a single new message.
	ModeResume Mode = "tool-approval-resume"
)

const (
	rateLimitWindowHours = 24
	placeholderTitle     = "New chat"
	turnTimeout          = 5 * time.Minute

	regularPrompt = "You are a friendly assistant! Keep your responses concise and helpful."
)

// User identifies the authenticated caller of a turn.
type User struct {
	ID   string
	Type entitlements.UserType
}

// GeoHints carry advisory location data from the transport layer. They are
// folded into the system prompt and never required for correctness.
type GeoHints struct {
	Longitude string
	Latitude  string
	City      string
	Country   string
}

// Request is one incoming chat turn.
type Request struct {
	ChatID        string
	Mode          Mode
	Message       *chat.Message  // fresh mode: the new user message
	Messages      []chat.Message // resume mode: full replacement list
	SelectedModel string
	Visibility    chat.Visibility
	Hints         GeoHints
	User          User
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetChatByID(ctx context.Context, id string) (*chat.Chat, error)
	SaveChat(ctx context.Context, c *chat.Chat) error
	UpdateChatTitleByID(ctx context.Context, chatID, title string) error
	GetMessagesByChatID(ctx context.Context, chatID string) ([]chat.Message, error)
	SaveMessages(ctx context.Context, messages []chat.Message) error
	UpdateMessage(ctx context.Context, msg chat.Message) error
	GetMessageCountByUserID(ctx context.Context, userID string, windowHours int) (int, error)
	SaveStreamID(ctx context.Context, streamID, chatID string) error
}

// Titler computes a conversation title from the first user message.
type Titler interface {
	Generate(ctx context.Context, message string) (string, error)
}

// ToolFactory builds the tool registry bound to the acting user.
type ToolFactory func(userID string) model.ToolRegistry

// Orchestrator drives chat turns end to end.
type Orchestrator struct {
	store    Store
	provider model.Provider
	titler   Titler
	registry resume.Registry
	toolsFor ToolFactory

	now   func() time.Time
	newID func() string
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(store Store, provider model.Provider, titler Titler, registry resume.Registry, toolsFor ToolFactory) *Orchestrator {
	return &Orchestrator{
		store:    store,
		provider: provider,
		titler:   titler,
		registry: registry,
		toolsFor: toolsFor,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// HandleTurn validates and runs one turn, returning the merged output event
// sequence. Validation failures are returned as taxonomy errors before any
// persistence or model call. Once streaming starts, failures surface inside
// the sequence as a terminal error event.
//
// The caller's ctx governs delivery only: if the caller disconnects, the
// turn keeps driving the model to completion and persists final state so a
// reconnecting client can recover the output.
func (o *Orchestrator) HandleTurn(ctx context.Context, req Request) (<-chan stream.Event, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	count, err := o.store.GetMessageCountByUserID(ctx, req.User.ID, rateLimitWindowHours)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err)
	}
	if count >= entitlements.ForUserType(req.User.Type).MaxMessagesPerDay {
		return nil, chaterr.New(chaterr.TypeRateLimit, chaterr.SurfaceChat)
	}

	existing, err := o.store.GetChatByID(ctx, req.ChatID)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err)
	}
	if existing != nil && existing.UserID != req.User.ID {
		return nil, chaterr.New(chaterr.TypeForbidden, chaterr.SurfaceChat)
	}

	var history []chat.Message
	if req.Mode == ModeFresh && existing != nil {
		history, err = o.store.GetMessagesByChatID(ctx, req.ChatID)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err)
		}
	}

	// The turn must outlive the caller's connection. Delivery uses ctx;
	// everything else runs on a detached context bounded by turnTimeout.
	turnCtx, cancelTurn := context.WithTimeout(context.WithoutCancel(ctx), turnTimeout)

	var titleCh chan string
	if existing == nil {
		if req.Mode != ModeFresh {
			cancelTurn()
			return nil, chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceChat)
		}

		newChat := &chat.Chat{
			ID:         req.ChatID,
			UserID:     req.User.ID,
			Title:      placeholderTitle,
			Visibility: req.Visibility,
			CreatedAt:  o.now(),
		}
		if err := o.store.SaveChat(ctx, newChat); err != nil {
			cancelTurn()
			return nil, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err)
		}

		titleCh = o.scheduleTitle(turnCtx, req.Message.TextContent())
	}

	// Persist the user message before invoking the model, so a crash
	// mid-stream still leaves the user's input durable.
	if req.Mode == ModeFresh {
		userMsg := *req.Message
		userMsg.ChatID = req.ChatID
		userMsg.Role = chat.RoleUser
		if userMsg.CreatedAt.IsZero() {
			userMsg.CreatedAt = o.now()
		}
		if err := o.store.SaveMessages(ctx, []chat.Message{userMsg}); err != nil {
			cancelTurn()
			return nil, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err)
		}
	}

	uiMessages := req.Messages
	if req.Mode == ModeFresh {
		uiMessages = append(append([]chat.Message{}, history...), *req.Message)
	}

	modelReq := model.TurnRequest{
		SystemPrompt: buildSystemPrompt(req.Hints),
		Model:        req.SelectedModel,
		History:      uiMessages,
		StepBudget:   model.DefaultStepBudget,
	}
	if model.IsReasoningModel(req.SelectedModel) {
		modelReq.ThinkingBudget = model.DefaultThinkingBudget
	} else if o.toolsFor != nil {
		modelReq.Tools = o.toolsFor(req.User.ID)
	}

	modelCh := o.provider.StreamTurn(turnCtx, modelReq)

	onTitle := func(title string) {
		if err := o.store.UpdateChatTitleByID(turnCtx, req.ChatID, title); err != nil {
			log.Warn().Err(err).Str("chat_id", req.ChatID).Msg("failed to update chat title")
		}
	}
	merged := stream.Merge(turnCtx, modelCh, titleCh, onTitle)

	sink := o.registerStream(turnCtx, req.ChatID)

	acc := newAccumulator(req.Mode, req.ChatID, req.Messages, o.newID, o.now)

	out := make(chan stream.Event, 16)
	go o.pump(ctx, turnCtx, cancelTurn, req, merged, out, sink, acc)

	return out, nil
}

// pump forwards merged events to the caller, mirrors them into the
// resumable stream sink, folds them into the finished-message accumulator,
// and reconciles persistence once the sequence completes. Caller disconnect
// stops delivery but not the turn.
func (o *Orchestrator) pump(callerCtx, turnCtx context.Context, cancelTurn context.CancelFunc, req Request, merged <-chan stream.Event, out chan<- stream.Event, sink resume.Sink, acc *accumulator) {
	defer cancelTurn()
	defer close(out)
	defer sink.Close()

	delivering := true
	for ev := range merged {
		acc.observe(ev)
		sink.Publish(ev)

		if !delivering {
			continue
		}
		select {
		case out <- ev:
		case <-callerCtx.Done():
			delivering = false
			log.Info().Str("chat_id", req.ChatID).Msg("caller disconnected, continuing turn to completion")
		}
	}

	if err := o.finishTurn(turnCtx, req, acc.finished()); err != nil {
		log.Error().Err(err).Str("chat_id", req.ChatID).Msg("failed to persist finished messages")
	}
}

// scheduleTitle starts the asynchronous title computation. It never blocks
// the start of model output; the merger races it against the stream.
func (o *Orchestrator) scheduleTitle(ctx context.Context, message string) chan string {
	titleCh := make(chan string, 1)
	go func() {
		defer close(titleCh)
		title, err := o.titler.Generate(ctx, message)
		if err != nil {
			log.Warn().Err(err).Msg("title generation failed")
			return
		}
		titleCh <- title
	}()
	return titleCh
}

// registerStream generates a stream id, records it, and registers the live
// sequence. All failures here are swallowed: losing resumability must never
// fail the primary turn.
func (o *Orchestrator) registerStream(ctx context.Context, chatID string) resume.Sink {
	streamID := o.newID()
	if err := o.store.SaveStreamID(ctx, streamID, chatID); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to record stream id")
	}
	return o.registry.Register(ctx, streamID)
}

func validate(req Request) error {
	if req.ChatID == "" || req.User.ID == "" {
		return chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceAPI)
	}
	if req.SelectedModel == "" {
		return chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceChat)
	}

	switch req.Mode {
	case ModeFresh:
		if req.Message == nil || req.Message.ID == "" || req.Message.Role != chat.RoleUser {
			return chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceChat)
		}
	case ModeResume:
		if len(req.Messages) == 0 {
			return chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceChat)
		}
	default:
		return chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceChat)
	}

	return nil
}

func buildSystemPrompt(h GeoHints) string {
	if h == (GeoHints{}) {
		return regularPrompt
	}
	return fmt.Sprintf(`%s

About the origin of the user's request:
- lat: %s
- lon: %s
- city: %s
- country: %s`, regularPrompt, h.Latitude, h.Longitude, h.City, h.Country)
}
