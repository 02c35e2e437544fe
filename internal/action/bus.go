package action

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Envelope tags an emitted action with the identity of its originating
// turn. AgentID and MonitorID are optional: a tool running outside any
// agent-scoped context (e.g. a background sweep) may leave them empty,
// in which case every bridge subscription receives the action.
type Envelope struct {
	Action    Action
	AgentID   string
	MonitorID string
	RequestID string
}

// Subscriber receives emitted envelopes. It must not block: the bus
// guarantees at most one synchronous delivery per subscription per
// emission, and a slow subscriber would stall every other one.
type Subscriber func(Envelope)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the process-wide publish-subscribe bus tool invocations emit
// actions onto. It is the one piece of core state that genuinely must be
// global (§9 of the design notes): tool execution happens in an ambient
// context that does not itself know which Agent Session it belongs to,
// so filtering by AgentID/MonitorID is left to each subscription (the
// per-turn bridge in internal/agentsession).
//
// Implementation mirrors the teacher's event bus: a watermill gochannel
// is held for future middleware/routing, but dispatch itself goes
// through a plain subscriber slice to preserve Go's static typing end to
// end (watermill payloads would otherwise have to be serialized).
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers []subscriberEntry
	nextID      uint64
	closed      bool

	pending map[string]chan any
}

var global = newBus()

func newBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100, Persistent: false},
			watermill.NopLogger{},
		),
		pending: make(map[string]chan any),
	}
}

// NewBus creates an independent bus instance, used by tests that must
// not interfere with other tests sharing the global bus.
func NewBus() *Bus { return newBus() }

// Global returns the process-wide bus.
func Global() *Bus { return global }

// Reset replaces the global bus with a fresh one (test hook).
func Reset() {
	global.Close()
	global = newBus()
}

func (b *Bus) newID() uint64 { return atomic.AddUint64(&b.nextID, 1) }

// Subscribe registers fn for every emitted envelope. The returned
// function unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers = append(b.subscribers, subscriberEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.subscribers {
		if e.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Emit publishes env to every current subscriber synchronously, in
// registration order. Synchronous delivery (rather than the teacher's
// fire-and-forget goroutine-per-subscriber) is required here because the
// per-turn bridge must observe actions in emission order before the
// turn's handle_message call returns (spec.md §5 ordering guarantees).
func (b *Bus) Emit(env Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, len(b.subscribers))
	for i, e := range b.subscribers {
		subs[i] = e.fn
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(env)
	}
}

// Emit publishes on the global bus.
func Emit(env Envelope) { global.Emit(env) }

// Subscribe registers fn on the global bus.
func Subscribe(fn Subscriber) func() { return global.Subscribe(fn) }

// ErrFeedbackTimeout is returned by EmitAndWait when no consumer resolves
// the feedback key before the deadline.
var ErrFeedbackTimeout = errors.New("action: feedback timed out")

// EmitAndWait emits env and blocks until some consumer calls
// ResolveFeedback(key, result) or timeout elapses. Used for rendering
// acknowledgments such as iframe-load success/failure.
func (b *Bus) EmitAndWait(ctx context.Context, env Envelope, key string, timeout time.Duration) (any, error) {
	ch := make(chan any, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrFeedbackTimeout
	}
	b.pending[key] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	b.Emit(env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return nil, ErrFeedbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveFeedback delivers result to a pending EmitAndWait call waiting
// on key. It is a no-op if no such wait is pending (already timed out,
// or no one ever asked).
func (b *Bus) ResolveFeedback(key string, result any) {
	b.mu.RLock()
	ch, ok := b.pending[key]
	b.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// EmitAndWait delegates to the global bus.
func EmitAndWait(ctx context.Context, env Envelope, key string, timeout time.Duration) (any, error) {
	return global.EmitAndWait(ctx, env, key, timeout)
}

// ResolveFeedback delegates to the global bus.
func ResolveFeedback(key string, result any) { global.ResolveFeedback(key, result) }

// Close shuts the bus down: subsequent Subscribe calls are no-ops and
// Emit becomes a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
