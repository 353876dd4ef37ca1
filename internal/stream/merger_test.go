package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()

	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

func TestMergePassesModelEventsThroughInOrder(t *testing.T) {
	model := make(chan Event, 4)
	model <- Event{Type: EventTextDelta, Delta: "a"}
	model <- Event{Type: EventTextDelta, Delta: "b"}
	model <- Event{Type: EventDone}
	close(model)

	got := collect(t, Merge(context.Background(), model, nil, nil))

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Delta)
	assert.Equal(t, "b", got[1].Delta)
	assert.Equal(t, EventDone, got[2].Type)
}

func TestMergeInterleavesEarlyTitle(t *testing.T) {
	model := make(chan Event)
	title := make(chan string, 1)
	title <- "Weather in Berlin"
	close(title)

	var calls atomic.Int32
	out := Merge(context.Background(), model, title, func(string) { calls.Add(1) })

	go func() {
		// Let the title win the race, then stream the model output.
		time.Sleep(50 * time.Millisecond)
		model <- Event{Type: EventTextDelta, Delta: "It is sunny"}
		model <- Event{Type: EventDone}
		close(model)
	}()

	got := collect(t, out)

	require.Len(t, got, 3)
	assert.Equal(t, EventChatTitle, got[0].Type)
	assert.Equal(t, "Weather in Berlin", got[0].Title)
	assert.Equal(t, EventDone, got[2].Type)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMergeHoldsDoneUntilLateTitle(t *testing.T) {
	model := make(chan Event, 2)
	model <- Event{Type: EventTextDelta, Delta: "hi"}
	model <- Event{Type: EventDone}
	close(model)

	title := make(chan string, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		title <- "Greetings"
		close(title)
	}()

	got := collect(t, Merge(context.Background(), model, title, nil))

	require.Len(t, got, 3)
	assert.Equal(t, EventTextDelta, got[0].Type)
	assert.Equal(t, EventChatTitle, got[1].Type)
	assert.Equal(t, "Greetings", got[1].Title)
	assert.Equal(t, EventDone, got[2].Type)
}

func TestMergeEmitsTitleAtMostOnce(t *testing.T) {
	model := make(chan Event, 1)
	model <- Event{Type: EventDone}
	close(model)

	title := make(chan string, 1)
	title <- "Once"
	close(title)

	got := collect(t, Merge(context.Background(), model, title, nil))

	titles := 0
	for _, ev := range got {
		if ev.Type == EventChatTitle {
			titles++
		}
	}
	assert.Equal(t, 1, titles)
}

func TestMergeSkipsFailedTitle(t *testing.T) {
	model := make(chan Event, 1)
	model <- Event{Type: EventDone}
	close(model)

	// Closed without a value, as after a failed title generation.
	title := make(chan string)
	close(title)

	var calls atomic.Int32
	got := collect(t, Merge(context.Background(), model, title, func(string) { calls.Add(1) }))

	require.Len(t, got, 1)
	assert.Equal(t, EventDone, got[0].Type)
	assert.Equal(t, int32(0), calls.Load())
}

func TestMergeSkipsEmptyTitle(t *testing.T) {
	model := make(chan Event, 1)
	model <- Event{Type: EventDone}
	close(model)

	title := make(chan string, 1)
	title <- ""
	close(title)

	got := collect(t, Merge(context.Background(), model, title, nil))

	require.Len(t, got, 1)
	assert.Equal(t, EventDone, got[0].Type)
}

func TestMergeDrainsModelOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	model := make(chan Event)
	out := Merge(ctx, model, nil, nil)

	cancel()

	// The producer must not block even though the consumer is gone.
	sent := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			model <- Event{Type: EventTextDelta, Delta: "x"}
		}
		close(model)
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked after cancellation")
	}

	collect(t, out)
}
