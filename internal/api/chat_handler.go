package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/relaychat/internal/api/auth"
	"github.com/relaychat/internal/chat"
	"github.com/relaychat/internal/chaterr"
	"github.com/relaychat/internal/resume"
	"github.com/relaychat/internal/stream"
	"github.com/relaychat/internal/turn"
)

// ChatTurnRequest is the wire form of one chat turn.
type ChatTurnRequest struct {
	ID                     string          `json:"id"`
	Mode                   string          `json:"mode,omitempty"`
	Message                *chat.Message   `json:"message,omitempty"`
	Messages               []chat.Message  `json:"messages,omitempty"`
	SelectedChatModel      string          `json:"selectedChatModel"`
	SelectedVisibilityType chat.Visibility `json:"selectedVisibilityType"`
}

// ChatStore is the persistence surface the handlers use directly, beyond
// what the orchestrator owns.
type ChatStore interface {
	GetChatByID(ctx context.Context, id string) (*chat.Chat, error)
	DeleteChatByID(ctx context.Context, id string) (*chat.Chat, error)
	GetLatestStreamID(ctx context.Context, chatID string) (string, error)
}

const (
	// limiterIdleTTL bounds how long an unused burst limiter is kept; idle
	// entries are swept once the map passes limiterSweepSize, keeping
	// memory flat under churning guest sessions.
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 1024
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChatHandler serves the turn, deletion, and stream re-attachment endpoints.
type ChatHandler struct {
	orch     *turn.Orchestrator
	store    ChatStore
	registry resume.Registry

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

// NewChatHandler creates the chat handler.
func NewChatHandler(orch *turn.Orchestrator, store ChatStore, registry resume.Registry) *ChatHandler {
	return &ChatHandler{
		orch:     orch,
		store:    store,
		registry: registry,
		limiters: make(map[string]*userLimiter),
	}
}

// HandleTurn accepts one chat turn and streams the response as SSE.
func (h *ChatHandler) HandleTurn(c echo.Context) error {
	user, ok := auth.CurrentUser(c)
	if !ok {
		return errorResponse(c, chaterr.New(chaterr.TypeUnauthorized, chaterr.SurfaceChat))
	}

	// Burst guard in front of the rolling-window entitlement check.
	if !h.limiterFor(user.ID).Allow() {
		return errorResponse(c, chaterr.New(chaterr.TypeRateLimit, chaterr.SurfaceChat))
	}

	var req ChatTurnRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceAPI))
	}

	mode := turn.Mode(req.Mode)
	if mode == "" {
		// Legacy clients omit the mode; fall back to payload shape.
		if len(req.Messages) > 0 {
			mode = turn.ModeResume
		} else {
			mode = turn.ModeFresh
		}
	}

	events, err := h.orch.HandleTurn(c.Request().Context(), turn.Request{
		ChatID:        req.ID,
		Mode:          mode,
		Message:       req.Message,
		Messages:      req.Messages,
		SelectedModel: req.SelectedChatModel,
		Visibility:    req.SelectedVisibilityType,
		Hints:         geoHints(c),
		User:          user,
	})
	if err != nil {
		if ce := chaterr.FromError(err); ce != nil {
			if ce.Type == chaterr.TypeOffline {
				log.Error().Err(err).Str("chat_id", req.ID).Msg("turn failed before streaming")
			}
			return errorResponse(c, ce)
		}
		log.Error().Err(err).Str("chat_id", req.ID).Msg("unhandled error in chat turn")
		return errorResponse(c, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err))
	}

	return writeSSE(c, events)
}

// HandleDelete deletes a chat owned by the caller.
func (h *ChatHandler) HandleDelete(c echo.Context) error {
	user, ok := auth.CurrentUser(c)
	if !ok {
		return errorResponse(c, chaterr.New(chaterr.TypeUnauthorized, chaterr.SurfaceChat))
	}

	id := c.Param("id")
	if id == "" {
		return errorResponse(c, chaterr.New(chaterr.TypeBadRequest, chaterr.SurfaceAPI))
	}

	existing, err := h.store.GetChatByID(c.Request().Context(), id)
	if err != nil {
		log.Error().Err(err).Str("chat_id", id).Msg("failed to load chat for deletion")
		return errorResponse(c, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err))
	}
	if existing == nil || existing.UserID != user.ID {
		return errorResponse(c, chaterr.New(chaterr.TypeForbidden, chaterr.SurfaceChat))
	}

	deleted, err := h.store.DeleteChatByID(c.Request().Context(), id)
	if err != nil {
		log.Error().Err(err).Str("chat_id", id).Msg("failed to delete chat")
		return errorResponse(c, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceChat, err))
	}

	return c.JSON(http.StatusOK, deleted)
}

// HandleAttach re-attaches to the most recent in-flight stream of a chat.
func (h *ChatHandler) HandleAttach(c echo.Context) error {
	user, ok := auth.CurrentUser(c)
	if !ok {
		return errorResponse(c, chaterr.New(chaterr.TypeUnauthorized, chaterr.SurfaceChat))
	}

	id := c.Param("id")
	existing, err := h.store.GetChatByID(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceStream, err))
	}
	if existing == nil || existing.UserID != user.ID {
		return errorResponse(c, chaterr.New(chaterr.TypeForbidden, chaterr.SurfaceChat))
	}

	if !h.registry.Enabled() {
		return c.NoContent(http.StatusNoContent)
	}

	streamID, err := h.store.GetLatestStreamID(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, chaterr.Wrap(chaterr.TypeOffline, chaterr.SurfaceStream, err))
	}
	if streamID == "" {
		return c.NoContent(http.StatusNoContent)
	}

	return writeSSE(c, h.registry.Attach(c.Request().Context(), streamID))
}

func (h *ChatHandler) limiterFor(userID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if len(h.limiters) >= limiterSweepSize {
		for id, ul := range h.limiters {
			if now.Sub(ul.lastSeen) > limiterIdleTTL {
				delete(h.limiters, id)
			}
		}
	}

	ul, ok := h.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(1), 5)}
		h.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter
}

// writeSSE streams events to the client until the sequence ends or the
// client goes away. The producer is never blocked by a gone client.
func writeSSE(c echo.Context, events <-chan stream.Event) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for ev := range events {
		frame, err := ev.EncodeSSE()
		if err != nil {
			log.Warn().Err(err).Msg("failed to encode stream event")
			continue
		}
		if _, err := resp.Write(frame); err != nil {
			// Client is gone; the orchestrator keeps driving the turn.
			return nil
		}
		resp.Flush()
	}

	return nil
}

func errorResponse(c echo.Context, e *chaterr.ChatError) error {
	return c.JSON(e.HTTPStatus(), e.ToResponse())
}

func geoHints(c echo.Context) turn.GeoHints {
	head := c.Request().Header
	return turn.GeoHints{
		Longitude: head.Get("X-Geo-Longitude"),
		Latitude:  head.Get("X-Geo-Latitude"),
		City:      head.Get("X-Geo-City"),
		Country:   head.Get("X-Geo-Country"),
	}
}
