package stream

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Merge combines the model's event sequence with an optional pending title
// computation into one ordered output sequence.
//
// Model events pass through in emission order. The title, if the channel is
// non-nil, races the model: when it resolves first its event is interleaved
// early; when it resolves last it is injected just before done. The title
// event is observed at most once, and onTitle runs at most once per turn.
//
// The returned channel is closed after the done event has been forwarded.
func Merge(ctx context.Context, model <-chan Event, title <-chan string, onTitle func(title string)) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		titleCh := title
		emitTitle := func(t string) {
			if t == "" {
				return
			}
			if onTitle != nil {
				onTitle(t)
			}
			select {
			case out <- Event{Type: EventChatTitle, Title: t}:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case t, ok := <-titleCh:
				titleCh = nil
				if ok {
					emitTitle(t)
				}

			case ev, ok := <-model:
				if !ok {
					// Model sequence ended without an explicit done.
					// Wait for the title so it is never dropped, then
					// close the output.
					if titleCh != nil {
						waitTitle(ctx, titleCh, emitTitle)
					}
					return
				}

				if ev.Terminal() {
					// Hold back done until the title resolved, so the
					// single title event lands inside the sequence.
					if titleCh != nil {
						waitTitle(ctx, titleCh, emitTitle)
						titleCh = nil
					}
					select {
					case out <- ev:
					case <-ctx.Done():
					}
					// Drain any straggler events so the producer never
					// blocks, then finish.
					go drain(model)
					return
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					log.Debug().Msg("merge cancelled while forwarding model event")
					go drain(model)
					return
				}

			case <-ctx.Done():
				go drain(model)
				return
			}
		}
	}()

	return out
}

func waitTitle(ctx context.Context, title <-chan string, emit func(string)) {
	select {
	case t, ok := <-title:
		if ok {
			emit(t)
		}
	case <-ctx.Done():
	}
}

func drain(ch <-chan Event) {
	for range ch {
	}
}
