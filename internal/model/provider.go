// Package model wraps the language-model backend behind a lazy event
// sequence. A turn invocation streams text deltas as they are produced and
// drives the model-then-tool round-trip loop up to a fixed step budget.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/relaychat/internal/chat"
	"github.com/relaychat/internal/stream"
)

const (
	// DefaultStepBudget caps model-then-tool round trips per turn to bound
	// worst-case latency and cost.
	DefaultStepBudget = 5

	// DefaultThinkingBudget is the token budget granted to reasoning
	// variants in place of tools.
	DefaultThinkingBudget = 10000
)

// IsReasoningModel reports whether the selected model identifier names a
// reasoning variant. Reasoning variants receive no tools and an elevated
// thinking budget instead.
func IsReasoningModel(modelID string) bool {
	id := strings.ToLower(modelID)
	return strings.Contains(id, "reasoning") || strings.Contains(id, "thinking")
}

// ToolRegistry is the declared tool set handed to the model. Execute runs a
// named tool with the raw argument JSON emitted by the model.
type ToolRegistry interface {
	Definitions() []llms.Tool
	Execute(ctx context.Context, name string, arguments string) (json.RawMessage, error)
}

// TurnRequest carries everything needed for one model invocation.
type TurnRequest struct {
	SystemPrompt   string
	Model          string
	History        []chat.Message
	Tools          ToolRegistry // nil disables tool use
	StepBudget     int
	ThinkingBudget int // >0 only for reasoning variants
}

// Provider produces a lazy, non-restartable, finite event sequence for a
// turn. The sequence always ends with a done event and the channel is
// closed afterwards.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest) <-chan stream.Event
}

// LangchainProvider implements Provider on top of a langchaingo model.
type LangchainProvider struct {
	llm         llms.Model
	temperature float64
}

// NewLangchainProvider creates a provider backed by the given model client.
func NewLangchainProvider(llm llms.Model, temperature float64) *LangchainProvider {
	return &LangchainProvider{llm: llm, temperature: temperature}
}

// StreamTurn begins streaming model output. Events preserve the model's
// emission order.
func (p *LangchainProvider) StreamTurn(ctx context.Context, req TurnRequest) <-chan stream.Event {
	events := make(chan stream.Event, 16)

	go func() {
		defer close(events)
		p.run(ctx, req, events)
	}()

	return events
}

func (p *LangchainProvider) run(ctx context.Context, req TurnRequest, events chan<- stream.Event) {
	emit := func(ev stream.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	history := toModelMessages(req.SystemPrompt, req.History)

	budget := req.StepBudget
	if budget <= 0 {
		budget = DefaultStepBudget
	}

	for step := 0; step < budget; step++ {
		opts := p.callOptions(ctx, req, emit)

		resp, err := p.llm.GenerateContent(ctx, history, opts...)
		if err != nil {
			log.Error().Err(err).Str("model", req.Model).Int("step", step).Msg("model invocation failed")
			emit(stream.Event{Type: stream.EventError, ErrorText: "Oops, an error occurred!"})
			emit(stream.Event{Type: stream.EventDone})
			return
		}
		if len(resp.Choices) == 0 {
			emit(stream.Event{Type: stream.EventDone})
			return
		}

		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			emit(stream.Event{Type: stream.EventDone})
			return
		}

		history = append(history, assistantToolCallMessage(choice))

		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}

			if !emit(stream.Event{
				Type:       stream.EventToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.FunctionCall.Name,
				Args:       rawJSON(tc.FunctionCall.Arguments),
			}) {
				return
			}

			result := p.executeTool(ctx, req.Tools, tc)

			if !emit(stream.Event{
				Type:       stream.EventToolResult,
				ToolCallID: tc.ID,
				ToolName:   tc.FunctionCall.Name,
				Result:     result,
			}) {
				return
			}

			history = append(history, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       tc.FunctionCall.Name,
					Content:    string(result),
				}},
			})
		}
	}

	// Step budget exhausted: end the sequence cleanly rather than looping on.
	log.Warn().Str("model", req.Model).Int("budget", budget).Msg("step budget exhausted")
	emit(stream.Event{Type: stream.EventDone})
}

func (p *LangchainProvider) callOptions(ctx context.Context, req TurnRequest, emit func(stream.Event) bool) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(req.Model)}

	if p.temperature > 0 {
		opts = append(opts, llms.WithTemperature(p.temperature))
	}

	if req.ThinkingBudget > 0 {
		opts = append(opts,
			llms.WithMaxTokens(req.ThinkingBudget),
			llms.WithStreamingReasoningFunc(func(_ context.Context, reasoningChunk, chunk []byte) error {
				if len(reasoningChunk) > 0 {
					emit(stream.Event{Type: stream.EventReasoningDelta, Delta: string(reasoningChunk)})
				}
				if len(chunk) > 0 {
					emit(stream.Event{Type: stream.EventTextDelta, Delta: string(chunk)})
				}
				return nil
			}),
		)
	} else {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				emit(stream.Event{Type: stream.EventTextDelta, Delta: string(chunk)})
			}
			return nil
		}))
	}

	if req.Tools != nil {
		if defs := req.Tools.Definitions(); len(defs) > 0 {
			opts = append(opts, llms.WithTools(defs))
		}
	}

	return opts
}

func (p *LangchainProvider) executeTool(ctx context.Context, registry ToolRegistry, tc llms.ToolCall) json.RawMessage {
	if registry == nil {
		return rawJSON(fmt.Sprintf(`{"error":%q}`, "no tools available"))
	}

	result, err := registry.Execute(ctx, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
	if err != nil {
		log.Warn().Err(err).Str("tool", tc.FunctionCall.Name).Msg("tool execution failed")
		return rawJSON(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}

	return result
}

// assistantToolCallMessage rebuilds the assistant turn that requested the
// tool calls, so the follow-up invocation sees it in history.
func assistantToolCallMessage(choice *llms.ContentChoice) llms.MessageContent {
	parts := []llms.ContentPart{}
	if choice.Content != "" {
		parts = append(parts, llms.TextContent{Text: choice.Content})
	}
	for _, tc := range choice.ToolCalls {
		parts = append(parts, tc)
	}
	return llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts}
}

// toModelMessages converts persisted chat messages into the model wire
// format. Tool results recorded as message parts become tool messages so
// resumed tool-approval turns replay correctly.
func toModelMessages(systemPrompt string, history []chat.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history)+1)

	if systemPrompt != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}

	for _, msg := range history {
		switch msg.Role {
		case chat.RoleUser:
			if text := msg.TextContent(); text != "" {
				out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, text))
			}

		case chat.RoleSystem:
			if text := msg.TextContent(); text != "" {
				out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, text))
			}

		case chat.RoleAssistant:
			var parts []llms.ContentPart
			var toolResponses []llms.ContentPart

			for _, p := range msg.Parts {
				switch p.Type {
				case chat.PartText:
					if p.Text != "" {
						parts = append(parts, llms.TextContent{Text: p.Text})
					}
				case chat.PartToolCall:
					parts = append(parts, llms.ToolCall{
						ID:   p.ToolCallID,
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      p.ToolName,
							Arguments: string(p.Args),
						},
					})
				case chat.PartToolResult:
					toolResponses = append(toolResponses, llms.ToolCallResponse{
						ToolCallID: p.ToolCallID,
						Name:       p.ToolName,
						Content:    string(p.Result),
					})
				}
			}

			if len(parts) > 0 {
				out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
			}
			if len(toolResponses) > 0 {
				out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeTool, Parts: toolResponses})
			}

		case chat.RoleTool:
			var toolResponses []llms.ContentPart
			for _, p := range msg.Parts {
				if p.Type == chat.PartToolResult {
					toolResponses = append(toolResponses, llms.ToolCallResponse{
						ToolCallID: p.ToolCallID,
						Name:       p.ToolName,
						Content:    string(p.Result),
					})
				}
			}
			if len(toolResponses) > 0 {
				out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeTool, Parts: toolResponses})
			}
		}
	}

	return out
}

// rawJSON returns s as raw JSON when it already is valid, quoting it
// otherwise so events always carry well-formed payloads.
func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return json.RawMessage(quoted)
}
