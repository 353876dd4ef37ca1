// Package tools implements the tool registry declared to the model during
// a turn: weather lookup and document manipulation. Tool argument JSON
// emitted by the model is repaired before unmarshalling, since models
// routinely produce slightly malformed JSON.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/relaychat/internal/chat"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Call(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// DocumentStore is the persistence surface needed by the document tools.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *chat.Document) error
	GetDocumentByID(ctx context.Context, id string) (*chat.Document, error)
}

// Completer produces a plain-text completion; used by tools that need a
// secondary model call without depending on the provider package.
type Completer func(ctx context.Context, prompt string) (string, error)

// Registry holds the active tool set for a turn.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools, preserving order.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if _, dup := r.tools[t.Name()]; dup {
			continue
		}
		r.order = append(r.order, t.Name())
		r.tools[t.Name()] = t
	}
	return r
}

// Definitions returns the tool declarations in model wire format.
func (r *Registry) Definitions() []llms.Tool {
	defs := make([]llms.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a named tool. The raw argument string is repaired before
// unmarshalling. The result is returned as JSON.
func (r *Registry) Execute(ctx context.Context, name string, arguments string) (json.RawMessage, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	args, err := RepairArguments(arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments for %s: %w", name, err)
	}

	result, err := t.Call(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", name, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", name, err)
	}

	return encoded, nil
}

// RepairArguments normalizes a model-emitted argument string into valid
// JSON. Empty input becomes an empty object.
func RepairArguments(arguments string) (json.RawMessage, error) {
	if arguments == "" {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments), nil
	}

	repaired, err := jsonrepair.JSONRepair(arguments)
	if err != nil {
		return nil, fmt.Errorf("argument JSON could not be repaired: %w", err)
	}
	if !json.Valid([]byte(repaired)) {
		return nil, fmt.Errorf("argument JSON still invalid after repair")
	}

	log.Debug().Int("original_len", len(arguments)).Int("repaired_len", len(repaired)).Msg("repaired tool argument JSON")
	return json.RawMessage(repaired), nil
}

// --- weather ---

const openMeteoBaseURL = "https://api.open-meteo.com/v1/forecast"

// WeatherTool fetches current weather for a coordinate pair.
type WeatherTool struct {
	client  *http.Client
	baseURL string
}

// NewWeatherTool creates the weather tool. baseURL overrides the open-meteo
// endpoint, mainly for tests; empty selects the default.
func NewWeatherTool(baseURL string) *WeatherTool {
	if baseURL == "" {
		baseURL = openMeteoBaseURL
	}
	return &WeatherTool{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

func (w *WeatherTool) Name() string { return "getWeather" }

func (w *WeatherTool) Description() string {
	return "Get the current weather at a location"
}

func (w *WeatherTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"latitude":  map[string]interface{}{"type": "number"},
			"longitude": map[string]interface{}{"type": "number"},
		},
		"required": []string{"latitude", "longitude"},
	}
}

func (w *WeatherTool) Call(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid weather arguments: %w", err)
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", params.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", params.Longitude))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build weather request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read weather response: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode weather response: %w", err)
	}

	return data, nil
}

// --- documents ---

// CreateDocumentTool creates a new document artifact for the user.
type CreateDocumentTool struct {
	store  DocumentStore
	userID string
	now    func() time.Time
}

// NewCreateDocumentTool creates the tool bound to the acting user.
func NewCreateDocumentTool(store DocumentStore, userID string) *CreateDocumentTool {
	return &CreateDocumentTool{store: store, userID: userID, now: time.Now}
}

func (t *CreateDocumentTool) Name() string { return "createDocument" }

func (t *CreateDocumentTool) Description() string {
	return "Create a document artifact with a title, kind, and initial content"
}

func (t *CreateDocumentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title":   map[string]interface{}{"type": "string"},
			"kind":    map[string]interface{}{"type": "string", "enum": []string{"text", "code", "sheet"}},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"title", "kind"},
	}
}

func (t *CreateDocumentTool) Call(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Title   string `json:"title"`
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid createDocument arguments: %w", err)
	}
	if params.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	doc := &chat.Document{
		ID:        uuid.NewString(),
		UserID:    t.userID,
		Title:     params.Title,
		Kind:      params.Kind,
		Content:   params.Content,
		CreatedAt: t.now(),
	}
	if err := t.store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":    doc.ID,
		"title": doc.Title,
		"kind":  doc.Kind,
	}, nil
}

// UpdateDocumentTool replaces the content of an existing document.
type UpdateDocumentTool struct {
	store  DocumentStore
	userID string
}

// NewUpdateDocumentTool creates the tool bound to the acting user.
func NewUpdateDocumentTool(store DocumentStore, userID string) *UpdateDocumentTool {
	return &UpdateDocumentTool{store: store, userID: userID}
}

func (t *UpdateDocumentTool) Name() string { return "updateDocument" }

func (t *UpdateDocumentTool) Description() string {
	return "Update the content of an existing document artifact"
}

func (t *UpdateDocumentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":      map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"id", "content"},
	}
}

func (t *UpdateDocumentTool) Call(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid updateDocument arguments: %w", err)
	}

	doc, err := t.store.GetDocumentByID(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s not found", params.ID)
	}
	if doc.UserID != t.userID {
		return nil, fmt.Errorf("document %s belongs to another user", params.ID)
	}

	doc.Content = params.Content
	if err := t.store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}

	return map[string]interface{}{"id": doc.ID, "updated": true}, nil
}

// RequestSuggestionsTool asks a secondary model for edit suggestions on a
// document.
type RequestSuggestionsTool struct {
	store    DocumentStore
	complete Completer
}

// NewRequestSuggestionsTool creates the suggestions tool.
func NewRequestSuggestionsTool(store DocumentStore, complete Completer) *RequestSuggestionsTool {
	return &RequestSuggestionsTool{store: store, complete: complete}
}

func (t *RequestSuggestionsTool) Name() string { return "requestSuggestions" }

func (t *RequestSuggestionsTool) Description() string {
	return "Request writing suggestions for an existing document artifact"
}

func (t *RequestSuggestionsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"documentId": map[string]interface{}{"type": "string"},
		},
		"required": []string{"documentId"},
	}
}

func (t *RequestSuggestionsTool) Call(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		DocumentID string `json:"documentId"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid requestSuggestions arguments: %w", err)
	}

	doc, err := t.store.GetDocumentByID(ctx, params.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s not found", params.DocumentID)
	}

	prompt := fmt.Sprintf(
		"Give up to three short suggestions to improve the following document. One suggestion per line.\n\n%s",
		doc.Content,
	)
	out, err := t.complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate suggestions: %w", err)
	}

	return map[string]interface{}{
		"documentId":  doc.ID,
		"suggestions": out,
	}, nil
}
