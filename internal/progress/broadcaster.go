// Package progress carries typed progress events from the extraction core
// to presentation layers.
//
// A Broadcaster fans one event stream out to any number of subscribers.
// Sends never block the pipeline: a subscriber that falls behind is dropped
// and its channel closed.
package progress

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/joshband/copy-that/internal/types"
)

// Phase is the pipeline stage an event belongs to
type Phase string

const (
	PhaseBatch     Phase = "batch"
	PhaseExtract   Phase = "extract"
	PhaseAggregate Phase = "aggregate"
	PhaseGraph     Phase = "graph"
)

// Status values used by the core
const (
	StatusStarted       = "started"
	StatusUnitCompleted = "unit_completed"
	StatusUnitSkipped   = "unit_skipped"
	StatusTokenCreated  = "token_created"
	StatusTokenMerged   = "token_merged"
	StatusCompleted     = "completed"
)

// Event is one progress update
type Event struct {
	BatchID   string         `json:"batch_id,omitempty"`
	Phase     Phase          `json:"phase"`
	Status    string         `json:"status"`
	Category  types.Category `json:"category,omitempty"`
	Payload   any            `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts progress events
type Publisher interface {
	Publish(Event)
}

// Broadcaster implements the broadcast server pattern: a single goroutine
// owns the subscriber list and all changes go through channels
type Broadcaster struct {
	source         chan Event
	listeners      []chan Event
	addListener    chan chan Event
	removeListener chan (<-chan Event)
	done           chan struct{}
	bufferSize     int
	dropped        atomic.Int64
}

// NewBroadcaster creates a broadcaster. bufferSize bounds both the inbound
// queue and each subscriber's channel.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Broadcaster{
		source:         make(chan Event, bufferSize),
		addListener:    make(chan chan Event),
		removeListener: make(chan (<-chan Event)),
		done:           make(chan struct{}),
		bufferSize:     bufferSize,
	}
}

// Publish queues an event without blocking. Events are dropped when the
// queue is full or the broadcaster has stopped.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.source <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Serve runs the broadcast loop until ctx is done
func (b *Broadcaster) Serve(ctx context.Context) {
	defer b.cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.source:
			b.broadcast(ev)
		case l := <-b.addListener:
			b.listeners = append(b.listeners, l)
			slog.Debug("Progress subscriber added", "total_subscribers", len(b.listeners))
		case l := <-b.removeListener:
			b.removeListenerFromSlice(l)
			slog.Debug("Progress subscriber removed", "total_subscribers", len(b.listeners))
		}
	}
}

// Subscribe registers a new subscriber. The channel is closed when the
// subscriber is removed, dropped for being slow, or the broadcaster stops.
func (b *Broadcaster) Subscribe() <-chan Event {
	l := make(chan Event, b.bufferSize)
	select {
	case b.addListener <- l:
	case <-b.done:
		close(l)
	}
	return l
}

// Unsubscribe removes a subscription
func (b *Broadcaster) Unsubscribe(sub <-chan Event) {
	select {
	case b.removeListener <- sub:
	case <-b.done:
	}
}

// broadcast sends to every subscriber without blocking
func (b *Broadcaster) broadcast(ev Event) {
	for i := len(b.listeners) - 1; i >= 0; i-- {
		select {
		case b.listeners[i] <- ev:
		default:
			slog.Warn("Removing slow progress subscriber", "subscriber_index", i)
			close(b.listeners[i])
			b.removeListenerByIndex(i)
		}
	}
}

func (b *Broadcaster) removeListenerFromSlice(target <-chan Event) {
	for i, l := range b.listeners {
		if l == target {
			b.removeListenerByIndex(i)
			close(l)
			return
		}
	}
}

// removeListenerByIndex swaps with the last element; order does not matter
func (b *Broadcaster) removeListenerByIndex(i int) {
	last := len(b.listeners) - 1
	if i != last {
		b.listeners[i] = b.listeners[last]
	}
	b.listeners = b.listeners[:last]
}

func (b *Broadcaster) cleanup() {
	close(b.done)
	for _, l := range b.listeners {
		close(l)
	}
	b.listeners = nil
}
