package turn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/internal/chat"
	"github.com/relaychat/internal/chaterr"
	"github.com/relaychat/internal/entitlements"
	"github.com/relaychat/internal/model"
	"github.com/relaychat/internal/resume"
	"github.com/relaychat/internal/stream"
)

// fakeStore is an in-memory Store that records call ordering. All methods
// are safe for the concurrent access the orchestrator performs.
type fakeStore struct {
	mu sync.Mutex

	chats        map[string]*chat.Chat
	messages     map[string]chat.Message
	streamIDs    map[string]string // stream id -> chat id
	messageCount int

	countErr error
	calls    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:     make(map[string]*chat.Chat),
		messages:  make(map[string]chat.Message),
		streamIDs: make(map[string]string),
	}
}

func (f *fakeStore) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeStore) GetChatByID(_ context.Context, id string) (*chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetChatByID")
	c, ok := f.chats[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) SaveChat(_ context.Context, c *chat.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SaveChat")
	if _, exists := f.chats[c.ID]; exists {
		return nil
	}
	cp := *c
	f.chats[c.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateChatTitleByID(_ context.Context, chatID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateChatTitleByID")
	if c, ok := f.chats[chatID]; ok {
		c.Title = title
	}
	return nil
}

func (f *fakeStore) GetMessagesByChatID(_ context.Context, chatID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetMessagesByChatID")
	var out []chat.Message
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveMessages(_ context.Context, messages []chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SaveMessages")
	for _, m := range messages {
		f.messages[m.ID] = m
	}
	return nil
}

func (f *fakeStore) UpdateMessage(_ context.Context, msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateMessage")
	f.messages[msg.ID] = msg
	return nil
}

func (f *fakeStore) GetMessageCountByUserID(_ context.Context, _ string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetMessageCountByUserID")
	return f.messageCount, f.countErr
}

func (f *fakeStore) SaveStreamID(_ context.Context, streamID, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SaveStreamID")
	f.streamIDs[streamID] = chatID
	return nil
}

func (f *fakeStore) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeStore) message(id string) (chat.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	return m, ok
}

// fakeProvider emits a scripted event sequence and records when it was
// invoked relative to store calls.
type fakeProvider struct {
	store  *fakeStore
	events []stream.Event

	mu  sync.Mutex
	req model.TurnRequest
}

func (p *fakeProvider) StreamTurn(_ context.Context, req model.TurnRequest) <-chan stream.Event {
	p.mu.Lock()
	p.req = req
	p.mu.Unlock()

	if p.store != nil {
		p.store.mu.Lock()
		p.store.record("StreamTurn")
		p.store.mu.Unlock()
	}

	out := make(chan stream.Event, len(p.events))
	for _, ev := range p.events {
		out <- ev
	}
	close(out)
	return out
}

func (p *fakeProvider) lastRequest() model.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.req
}

type fakeTitler struct {
	title string
	err   error
}

func (f *fakeTitler) Generate(context.Context, string) (string, error) {
	return f.title, f.err
}

func testOrchestrator(store *fakeStore, provider model.Provider, titler Titler) *Orchestrator {
	o := NewOrchestrator(store, provider, titler, resume.NewNoopRegistry(), nil)
	n := 0
	o.newID = func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
	o.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return o
}

func userMessage(id, text string) *chat.Message {
	return &chat.Message{
		ID:    id,
		Role:  chat.RoleUser,
		Parts: []chat.Part{{Type: chat.PartText, Text: text}},
	}
}

func freshRequest() Request {
	return Request{
		ChatID:        "chat-1",
		Mode:          ModeFresh,
		Message:       userMessage("msg-1", "hello"),
		SelectedModel: "gpt-4o",
		Visibility:    chat.VisibilityPrivate,
		User:          User{ID: "u1", Type: entitlements.UserTypeRegular},
	}
}

func drainEvents(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()

	var out []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestHandleTurnFreshNewChat(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{store: store, events: []stream.Event{
		{Type: stream.EventTextDelta, Delta: "Hi "},
		{Type: stream.EventTextDelta, Delta: "there"},
		{Type: stream.EventDone},
	}}
	o := testOrchestrator(store, provider, &fakeTitler{title: "Greeting"})

	events, err := o.HandleTurn(context.Background(), freshRequest())
	require.NoError(t, err)
	got := drainEvents(t, events)

	// The sequence ends with done and contains the title exactly once.
	require.NotEmpty(t, got)
	assert.Equal(t, stream.EventDone, got[len(got)-1].Type)
	titles := 0
	for _, ev := range got {
		if ev.Type == stream.EventChatTitle {
			titles++
			assert.Equal(t, "Greeting", ev.Title)
		}
	}
	assert.Equal(t, 1, titles)

	// Chat created with the placeholder first, then renamed.
	c := store.chats["chat-1"]
	require.NotNil(t, c)
	assert.Equal(t, "Greeting", c.Title)
	assert.Equal(t, "u1", c.UserID)

	// User message persisted, assistant message reconciled with folded text.
	userMsg, ok := store.message("msg-1")
	require.True(t, ok)
	assert.Equal(t, "chat-1", userMsg.ChatID)

	assistant, ok := store.message("gen-2")
	require.True(t, ok)
	assert.Equal(t, chat.RoleAssistant, assistant.Role)
	require.Len(t, assistant.Parts, 1)
	assert.Equal(t, "Hi there", assistant.Parts[0].Text)

	// Stream id recorded for re-attachment.
	assert.Equal(t, map[string]string{"gen-1": "chat-1"}, store.streamIDs)
}

func TestHandleTurnPersistsUserMessageBeforeModelCall(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{store: store, events: []stream.Event{{Type: stream.EventDone}}}
	o := testOrchestrator(store, provider, &fakeTitler{title: "t"})

	events, err := o.HandleTurn(context.Background(), freshRequest())
	require.NoError(t, err)
	drainEvents(t, events)

	calls := store.callOrder()
	saveIdx, streamIdx := -1, -1
	for i, call := range calls {
		if call == "SaveMessages" && saveIdx == -1 {
			saveIdx = i
		}
		if call == "StreamTurn" {
			streamIdx = i
		}
	}
	require.NotEqual(t, -1, saveIdx)
	require.NotEqual(t, -1, streamIdx)
	assert.Less(t, saveIdx, streamIdx, "user message must be durable before the model is invoked")
}

func TestHandleTurnRateLimited(t *testing.T) {
	store := newFakeStore()
	store.messageCount = 20
	o := testOrchestrator(store, &fakeProvider{}, &fakeTitler{})

	req := freshRequest()
	req.User.Type = entitlements.UserTypeGuest

	_, err := o.HandleTurn(context.Background(), req)
	require.Error(t, err)

	ce := chaterr.FromError(err)
	require.NotNil(t, ce)
	assert.Equal(t, "rate_limit:chat", ce.Code())

	// Nothing was persisted.
	assert.Empty(t, store.chats)
	assert.Empty(t, store.messages)
}

func TestHandleTurnGuestUnderLimitProceeds(t *testing.T) {
	store := newFakeStore()
	store.messageCount = 19
	provider := &fakeProvider{events: []stream.Event{{Type: stream.EventDone}}}
	o := testOrchestrator(store, provider, &fakeTitler{title: "t"})

	req := freshRequest()
	req.User.Type = entitlements.UserTypeGuest

	events, err := o.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	drainEvents(t, events)
}

func TestHandleTurnForbiddenForForeignChat(t *testing.T) {
	store := newFakeStore()
	store.chats["chat-1"] = &chat.Chat{ID: "chat-1", UserID: "someone-else"}
	o := testOrchestrator(store, &fakeProvider{}, &fakeTitler{})

	_, err := o.HandleTurn(context.Background(), freshRequest())
	ce := chaterr.FromError(err)
	require.NotNil(t, ce)
	assert.Equal(t, "forbidden:chat", ce.Code())
}

func TestHandleTurnValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing chat id", func(r *Request) { r.ChatID = "" }},
		{"missing model", func(r *Request) { r.SelectedModel = "" }},
		{"fresh without message", func(r *Request) { r.Message = nil }},
		{"fresh with non-user message", func(r *Request) { r.Message.Role = chat.RoleAssistant }},
		{"unknown mode", func(r *Request) { r.Mode = "replay" }},
		{"resume without messages", func(r *Request) {
			r.Mode = ModeResume
			r.Message = nil
			r.Messages = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			o := testOrchestrator(store, &fakeProvider{}, &fakeTitler{})

			req := freshRequest()
			tt.mutate(&req)

			_, err := o.HandleTurn(context.Background(), req)
			ce := chaterr.FromError(err)
			require.NotNil(t, ce)
			assert.Equal(t, chaterr.TypeBadRequest, ce.Type)
			assert.Empty(t, store.callOrder(), "validation must precede side effects")
		})
	}
}

func TestHandleTurnResumeRejectsUnknownChat(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, &fakeProvider{}, &fakeTitler{})

	req := Request{
		ChatID:        "chat-1",
		Mode:          ModeResume,
		Messages:      []chat.Message{{ID: "m1", Role: chat.RoleUser}},
		SelectedModel: "gpt-4o",
		User:          User{ID: "u1"},
	}

	_, err := o.HandleTurn(context.Background(), req)
	ce := chaterr.FromError(err)
	require.NotNil(t, ce)
	assert.Equal(t, chaterr.TypeBadRequest, ce.Type)
}

func TestHandleTurnResumeUpdatesContinuedMessage(t *testing.T) {
	store := newFakeStore()
	store.chats["chat-1"] = &chat.Chat{ID: "chat-1", UserID: "u1", Title: "Weather"}

	// The client holds an assistant message that ended in a tool call; the
	// approval round streams the result and the closing text.
	assistant := chat.Message{
		ID:     "a1",
		ChatID: "chat-1",
		Role:   chat.RoleAssistant,
		Parts: []chat.Part{
			{Type: chat.PartToolCall, ToolCallID: "call_1", ToolName: "getWeather"},
		},
	}
	store.messages["a1"] = assistant

	provider := &fakeProvider{events: []stream.Event{
		{Type: stream.EventToolResult, ToolCallID: "call_1", ToolName: "getWeather", Result: []byte(`{"temperature":21}`)},
		{Type: stream.EventTextDelta, Delta: "It is 21 degrees."},
		{Type: stream.EventDone},
	}}
	o := testOrchestrator(store, provider, &fakeTitler{})

	events, err := o.HandleTurn(context.Background(), Request{
		ChatID:        "chat-1",
		Mode:          ModeResume,
		Messages:      []chat.Message{*userMessage("m1", "weather?"), assistant},
		SelectedModel: "gpt-4o",
		User:          User{ID: "u1"},
	})
	require.NoError(t, err)
	drainEvents(t, events)

	// The continued assistant message was updated in place, not duplicated.
	got, ok := store.message("a1")
	require.True(t, ok)
	require.Len(t, got.Parts, 3)
	assert.Equal(t, chat.PartToolCall, got.Parts[0].Type)
	assert.Equal(t, chat.PartToolResult, got.Parts[1].Type)
	assert.Equal(t, "It is 21 degrees.", got.Parts[2].Text)

	assert.Contains(t, store.callOrder(), "UpdateMessage")
}

func TestHandleTurnResumeInsertsUnseenMessage(t *testing.T) {
	store := newFakeStore()
	store.chats["chat-1"] = &chat.Chat{ID: "chat-1", UserID: "u1", Title: "Weather"}

	// Replacement list ends in a user message, so the approval round
	// produces a brand-new assistant message.
	provider := &fakeProvider{events: []stream.Event{
		{Type: stream.EventTextDelta, Delta: "Fresh answer."},
		{Type: stream.EventDone},
	}}
	o := testOrchestrator(store, provider, &fakeTitler{})

	events, err := o.HandleTurn(context.Background(), Request{
		ChatID:        "chat-1",
		Mode:          ModeResume,
		Messages:      []chat.Message{*userMessage("m1", "weather?")},
		SelectedModel: "gpt-4o",
		User:          User{ID: "u1"},
	})
	require.NoError(t, err)
	drainEvents(t, events)

	generated, ok := store.message("gen-2")
	require.True(t, ok)
	assert.Equal(t, chat.RoleAssistant, generated.Role)
	assert.Equal(t, "chat-1", generated.ChatID)
	assert.Equal(t, "Fresh answer.", generated.Parts[0].Text)
}

func TestHandleTurnReasoningModelGetsNoTools(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{events: []stream.Event{{Type: stream.EventDone}}}
	o := NewOrchestrator(store, provider, &fakeTitler{title: "t"}, resume.NewNoopRegistry(),
		func(string) model.ToolRegistry {
			t.Fatal("tool factory must not run for reasoning models")
			return nil
		})

	req := freshRequest()
	req.SelectedModel = "chat-model-reasoning"

	events, err := o.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	drainEvents(t, events)

	got := provider.lastRequest()
	assert.Nil(t, got.Tools)
	assert.Equal(t, model.DefaultThinkingBudget, got.ThinkingBudget)
}

func TestHandleTurnExistingChatSkipsTitle(t *testing.T) {
	store := newFakeStore()
	store.chats["chat-1"] = &chat.Chat{ID: "chat-1", UserID: "u1", Title: "Existing"}

	provider := &fakeProvider{events: []stream.Event{{Type: stream.EventDone}}}
	o := testOrchestrator(store, provider, &fakeTitler{title: "must not appear"})

	events, err := o.HandleTurn(context.Background(), freshRequest())
	require.NoError(t, err)
	got := drainEvents(t, events)

	for _, ev := range got {
		assert.NotEqual(t, stream.EventChatTitle, ev.Type)
	}
	assert.Equal(t, "Existing", store.chats["chat-1"].Title)
}

func TestHandleTurnSurvivesCallerDisconnect(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{events: []stream.Event{
		{Type: stream.EventTextDelta, Delta: "long "},
		{Type: stream.EventTextDelta, Delta: "answer"},
		{Type: stream.EventDone},
	}}
	o := testOrchestrator(store, provider, &fakeTitler{title: "t"})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.HandleTurn(ctx, freshRequest())
	require.NoError(t, err)

	// Caller goes away immediately without reading anything.
	cancel()

	require.Eventually(t, func() bool {
		_, ok := store.message("gen-2")
		return ok
	}, 5*time.Second, 10*time.Millisecond, "turn must finish and persist despite disconnect")

	assistant, _ := store.message("gen-2")
	assert.Equal(t, "long answer", assistant.Parts[0].Text)

	drainEvents(t, events)
}

func TestFinishTurnIsIdempotent(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(store, &fakeProvider{}, &fakeTitler{})

	req := freshRequest()
	finished := []chat.Message{{
		ID:     "a1",
		Role:   chat.RoleAssistant,
		Parts:  []chat.Part{{Type: chat.PartText, Text: "answer"}},
		ChatID: "chat-1",
	}}

	require.NoError(t, o.finishTurn(context.Background(), req, finished))
	first := store.messages["a1"]

	require.NoError(t, o.finishTurn(context.Background(), req, finished))

	assert.Len(t, store.messages, 1)
	if diff := cmp.Diff(first, store.messages["a1"]); diff != "" {
		t.Errorf("repeated reconciliation changed state (-first +second):\n%s", diff)
	}
}
