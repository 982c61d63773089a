// Package events implements the typed, single-threaded pub/sub transport
// SPEC_FULL.md §4.7 calls the event bus: the sole channel through which the
// engine tells any observer (control-API SSE client, log fan-out, analytics
// store) that something happened.
//
// Grounded in tomasbasham-har-capture's internal/capture/capture.go
// chromedp.ListenTarget callback-dispatch idiom: one goroutine receives
// events off a channel and fans each one out to registered callbacks in
// order, so a slow or panicking subscriber cannot block or crash the
// producer. That file dispatches one CDP event source to a type switch of
// handlers; this one generalizes it to many topics and many subscribers per
// topic.
package events

import (
	"log/slog"
	"sort"
	"sync"
)

// Kind is one of the named event kinds in SPEC_FULL.md §4.7.
type Kind string

const (
	KindDownloadStarted   Kind = "DownloadStarted"
	KindDownloadProgress  Kind = "DownloadProgress"
	KindDownloadCompleted Kind = "DownloadCompleted"
	KindDownloadError     Kind = "DownloadError"
	KindDownloadPaused    Kind = "DownloadPaused"
	KindDownloadResumed   Kind = "DownloadResumed"

	KindUrlStarted   Kind = "UrlStarted"
	KindUrlCompleted Kind = "UrlCompleted"
	KindUrlSkipped   Kind = "UrlSkipped"

	KindProgressBarCreated Kind = "ProgressBarCreated"
	KindProgressBarUpdated Kind = "ProgressBarUpdated"
	KindProgressBarRemoved Kind = "ProgressBarRemoved"

	KindGuiUpdateRequired          Kind = "GuiUpdateRequired"
	KindStatusChanged              Kind = "StatusChanged"
	KindCircuitOpened               Kind = "CircuitOpened"
	KindManualInterventionRequired Kind = "ManualInterventionRequired"
)

// Event is one occurrence published on the bus. Payload is kind-specific
// (e.g. a gallery.ProgressEvent for KindDownloadProgress); subscribers type
// assert it.
type Event struct {
	Kind    Kind
	URL     string
	Payload any
}

// Handler observes one published Event. It must not block for long: it does
// not delay the producer (Publish never blocks on a handler), but a single
// dispatcher goroutine serves every kind, so a slow handler delays every
// event queued behind the one it is handling, whatever its kind.
type Handler func(Event)

// subscription is an opaque unsubscribe handle returned by Subscribe.
type subscription struct {
	kind Kind
	id   int
}

// Bus is a single-threaded dispatcher backed by a bounded queue of 4096
// events: Publish enqueues and returns immediately; one internal goroutine
// drains the queue and invokes handlers in registration order. The queue is
// not unbounded: when it is full, Publish discards the oldest queued event
// to make room, so a producer that outruns the dispatcher loses events. PublishSync bypasses the queue
// for callers (the session state machine) that must observe subscriber side
// effects before continuing.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]map[int]Handler
	nextID   int

	queue chan Event
	done  chan struct{}
}

// New builds a Bus and starts its dispatcher goroutine. Close stops it.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:   logger,
		handlers: make(map[Kind]map[int]Handler),
		queue:    make(chan Event, 4096),
		done:     make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.done:
			// Drain whatever is already queued before exiting so a Close
			// right after a Publish doesn't silently drop it.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[ev.Kind]))
	for id := range b.handlers[ev.Kind] {
		ids = append(ids, id)
	}
	sort.Ints(ids) // ids are handed out in increasing order by Subscribe
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[ev.Kind][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

// invoke calls h, recovering a panic so one bad subscriber never drops
// delivery to the others (SPEC_FULL.md §4.7).
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	h(ev)
}

// Subscribe registers fn for kind and returns an unsubscribe function.
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	b.handlers[kind][id] = fn
	b.mu.Unlock()

	sub := subscription{kind: kind, id: id}
	return func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[sub.kind], sub.id)
}

// Publish enqueues ev for asynchronous delivery and returns immediately.
func (b *Bus) Publish(ev Event) {
	select {
	case b.queue <- ev:
	default:
		// Queue is full: drop the oldest queued event by reading one off
		// and retry once. Only a failed retry is logged; the dropped
		// oldest event is not.
		select {
		case <-b.queue:
		default:
		}
		select {
		case b.queue <- ev:
		default:
			b.logger.Warn("event bus queue full, dropping event", "kind", ev.Kind)
		}
	}
}

// PublishSync delivers ev to all current subscribers of its kind
// synchronously, in registration order, before returning. Used by the
// session state machine (§4.1) which must guarantee StatusChanged has been
// observed before the transition call returns.
func (b *Bus) PublishSync(ev Event) {
	b.deliver(ev)
}

// Close stops the dispatcher goroutine after draining any queued events.
func (b *Bus) Close() {
	close(b.done)
}
