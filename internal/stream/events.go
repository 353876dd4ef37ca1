// Package stream defines the typed event sequence delivered to chat
// clients, and the merger that combines model output with side-channel
// events into one ordered sequence.
package stream

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the closed set of output event kinds.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventChatTitle      EventType = "chat-title"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Event is one element of a turn's output sequence. Fields are populated
// according to Type; unused fields stay empty.
type Event struct {
	Type EventType `json:"type"`

	// For text-delta and reasoning-delta
	Delta string `json:"delta,omitempty"`

	// For tool-call and tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// For chat-title
	Title string `json:"title,omitempty"`

	// For error
	ErrorText string `json:"errorText,omitempty"`
}

// EncodeJSON renders the event as its JSON form.
func (e Event) EncodeJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// EncodeSSE renders the event as a server-sent-events frame.
func (e Event) EncodeSSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

// Decode parses an event from its JSON form.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

// Terminal reports whether the event ends the sequence.
func (e Event) Terminal() bool {
	return e.Type == EventDone
}
