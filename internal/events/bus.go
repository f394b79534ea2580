// Package events provides a publish/subscribe event bus for operational
// observability. The engine, the Discord bridge and the janitor publish
// what they are doing; `mobo serve` subscribes and logs the stream at
// debug level. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the message pipeline.
	SourceEngine = "engine"
	// SourceDiscord identifies events from the Discord bridge.
	SourceDiscord = "discord"
	// SourceJanitor identifies events from retention sweeps.
	SourceJanitor = "janitor"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals that an inbound message entered the pipeline.
	// Data: turn_id, channel_id, actor_id, is_bot.
	KindTurnStart = "turn_start"
	// KindState signals a pipeline state transition.
	// Data: turn_id, state.
	KindState = "state"
	// KindLLMCall signals completion of an LLM API call.
	// Data: turn_id, step, model, elapsed_ms, then input_tokens,
	// output_tokens, tool_calls on success or error on failure.
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: turn_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: turn_id, tool, error (bool), elapsed_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of the pipeline.
	// Data: turn_id, state, silent, path, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindMessageReceived signals a Discord message the bot will handle.
	// Data: message_id, channel_id, author_id, is_bot.
	KindMessageReceived = "message_received"
	// KindReplySent signals a reply was delivered.
	// Data: turn_id, channel_id, parts.
	KindReplySent = "reply_sent"

	// KindSweepComplete signals the end of a retention sweep.
	// Data: run_id, status, counters_removed, buckets_removed.
	KindSweepComplete = "sweep_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LogEvents subscribes to b and writes every event to logger at debug
// level until ctx is done.
func LogEvents(ctx context.Context, b *Bus, logger *slog.Logger) {
	ch := b.Subscribe(64)
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			attrs := make([]any, 0, 2+2*len(e.Data))
			attrs = append(attrs, "source", e.Source)
			for k, v := range e.Data {
				attrs = append(attrs, k, v)
			}
			logger.Debug("event "+e.Kind, attrs...)
		}
	}
}
