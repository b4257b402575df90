package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity bounds each subscriber queue. A slow consumer must
// never block the workflow, so overflow drops the oldest envelope.
const DefaultCapacity = 1000

// DrainTimeout is how long Close waits for subscribers to catch up.
const DrainTimeout = 5 * time.Second

// Aggregator is the per-session event bus. It is the single
// synchronization point between the orchestrator, the interceptor, the
// pollers and the outward-facing consumers. All mutation is append
// (publish) or drain (consume); there are no in-place edits.
type Aggregator struct {
	sessionID string
	capacity  int

	mu      sync.Mutex
	seq     uint64
	seen    map[string]struct{}
	subs    map[int]chan Envelope
	nextSub int
	closed  bool

	dropped atomic.Uint64
}

// New creates an aggregator for one session. capacity <= 0 uses
// DefaultCapacity.
func New(sessionID string, capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		sessionID: sessionID,
		capacity:  capacity,
		seen:      make(map[string]struct{}),
		subs:      make(map[int]chan Envelope),
	}
}

// Publish appends an event to the bus. dedupKey may be empty for events
// only one source can produce; when set, later publishes with the same
// key are silently collapsed. Returns the envelope actually published,
// or false when it was deduplicated or the bus is closed.
func (a *Aggregator) Publish(kind Kind, data any, dedupKey string) (Envelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Envelope{}, false
	}
	if dedupKey != "" {
		if _, dup := a.seen[dedupKey]; dup {
			return Envelope{}, false
		}
		a.seen[dedupKey] = struct{}{}
	}

	a.seq++
	env := Envelope{
		Seq:       a.seq,
		Kind:      kind,
		SessionID: a.sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range a.subs {
		select {
		case ch <- env:
		default:
			// Queue full: drop the oldest envelope to make room.
			select {
			case <-ch:
				a.dropped.Add(1)
			default:
			}
			select {
			case ch <- env:
			default:
				a.dropped.Add(1)
			}
		}
	}
	return env, true
}

// Subscribe attaches a consumer. The returned channel is closed by
// cancel or by Close. The aggregator is not coupled to any subscriber's
// lifetime: detaching never stops the bus.
func (a *Aggregator) Subscribe() (<-chan Envelope, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan Envelope, a.capacity)
	if a.closed {
		close(ch)
		return ch, func() {}
	}

	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Dropped returns how many envelopes were lost to overflow. Exposed for
// operational monitoring; overflow is never fatal to the workflow.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped.Load()
}

// Seq returns the last assigned sequence number.
func (a *Aggregator) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Close drains subscriber queues for up to DrainTimeout, then closes
// every subscriber channel.
func (a *Aggregator) Close(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	deadline := time.Now().Add(DrainTimeout)
	for time.Now().Before(deadline) {
		if a.allDrained() || ctx.Err() != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	if n := a.dropped.Load(); n > 0 {
		slog.Info("Aggregator closed with dropped events", "session_id", a.sessionID, "dropped", n)
	}
}

func (a *Aggregator) allDrained() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		if len(ch) > 0 {
			return false
		}
	}
	return true
}
