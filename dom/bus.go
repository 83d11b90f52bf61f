package dom

import (
	"context"
	"log/slog"
	"sync"
)

// EventKind enumerates what a host can report.
type EventKind int

const (
	// BeforeFetch fires when the page is about to navigate away (Turbo
	// fetch after a click).
	BeforeFetch EventKind = iota + 1
	// Visit fires on history navigation (back/forward).
	Visit
	// Render fires once the host site finished rendering an in-page route.
	Render
	// Load fires when a new document replaced the previous one.
	Load
	DOMReady
	Match
	PageError
	Rejection
	// Action fires when the user clicks a control injected by a feature.
	Action

	barrier
)

var kindNames = map[EventKind]string{
	BeforeFetch: "before_fetch",
	Visit:       "visit",
	Render:      "render",
	Load:        "load",
	DOMReady:    "dom_ready",
	Match:       "match",
	PageError:   "page_error",
	Rejection:   "rejection",
	Action:      "action",
	barrier:     "barrier",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseEventKind is the inverse of EventKind.String for the kinds a host
// may publish.
func ParseEventKind(s string) (EventKind, bool) {
	for k, name := range kindNames {
		if name == s && k != barrier {
			return k, true
		}
	}
	return 0, false
}

// Event is one page notification.
type Event struct {
	Kind    EventKind
	URL     string
	Watch   string  // Match
	Element Element // Match, Action
	Name    string  // Action
	Payload string  // Action
	Message string  // PageError, Rejection
	Stack   string  // PageError, Rejection

	fn   func()
	done chan struct{}
}

// Handler receives events on the bus goroutine. Handlers must not block on
// other bus events.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus serialises page events onto one goroutine.
type Bus struct {
	logger *slog.Logger
	ch     chan Event

	mu   sync.Mutex
	next uint64
	subs map[EventKind][]subscription
}

// NewBus creates a Bus. Call Run to start dispatching.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		ch:     make(chan Event, 4096),
		subs:   make(map[EventKind][]subscription),
	}
}

// On subscribes fn to one kind of event. The returned func unsubscribes and
// is safe to call more than once.
func (b *Bus) On(kind EventKind, fn Handler) (off func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[kind]
			for i, s := range list {
				if s.id == id {
					b.subs[kind] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish enqueues an event. It blocks while the queue is full.
func (b *Bus) Publish(e Event) {
	b.ch <- e
}

// Flush blocks until every event published before the call was dispatched,
// or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	return b.Exec(ctx, nil)
}

// Exec runs fn on the bus goroutine, after every event already queued, and
// waits for it. It must not be called from a handler.
func (b *Bus) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case b.ch <- Event{Kind: barrier, fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.ch:
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	if e.Kind == barrier {
		if e.fn != nil {
			b.call(func(Event) { e.fn() }, e)
		}
		close(e.done)
		return
	}

	b.mu.Lock()
	list := append([]subscription(nil), b.subs[e.Kind]...)
	b.mu.Unlock()

	for _, s := range list {
		b.call(s.fn, e)
	}
}

// call isolates handler panics: one broken subscriber must not stop the page.
func (b *Bus) call(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dom: handler panic", "kind", e.Kind.String(), "panic", r)
		}
	}()
	fn(e)
}
