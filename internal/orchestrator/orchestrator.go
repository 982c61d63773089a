// Package orchestrator also supplies the Orchestrator itself: the component
// GLOSSARY names as "the component that advances the queue and enforces
// single-active-gallery" (SPEC_FULL.md §4.7, §9). It owns the Queue above,
// subscribes to the event bus for the three events that mean a gallery has
// left the active slot (UrlCompleted, UrlSkipped, DownloadError), and pops
// the next task each time one fires.
//
// Grounded in internal/core/engine.go's downloadLoop/processNextInQueue
// pair: a single worker goroutine that pops from the queue, runs one task
// to a terminal state, and loops. That file's "proceed to next" was an ad
// hoc pair of booleans guarding re-entrancy (SPEC_FULL.md §9 flags this);
// singleflightAdvance below is the named replacement, a small utility type
// instead of loose fields, so duplicate or concurrent advance triggers
// collapse into at most one extra pass rather than launching two workers.
package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"ehcore/internal/analytics"
	"ehcore/internal/events"
	"ehcore/internal/gallery"
	"ehcore/internal/state"
	"ehcore/internal/storage"
)

// frontPriority is used for PushFront re-queues (resume, restart) so the
// interrupted gallery always runs before any other queued gallery,
// regardless of its original priority.
const frontPriority = math.MaxInt32

// singleflightAdvance serializes calls to a single advance function: a
// call already running absorbs any calls that arrive while it runs (one
// extra pass once it finishes) instead of running concurrently. This makes
// "proceed to next" idempotent under duplicate fires, the idempotency
// SPEC_FULL.md §8 Property 1 (one active gallery) and §9's re-entrant
// "proceed to next" note require.
type singleflightAdvance struct {
	mu      sync.Mutex
	running bool
	pending bool
}

// trigger runs fn in its own goroutine unless one is already in flight, in
// which case it records a pending re-run and returns immediately.
func (s *singleflightAdvance) trigger(fn func()) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.loop(fn)
}

func (s *singleflightAdvance) loop(fn func()) {
	for {
		fn()
		s.mu.Lock()
		if s.pending {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.mu.Unlock()
		return
	}
}

// Orchestrator serializes gallery processing to the capacity-1 worker §5
// mandates and persists a GalleryHistoryRecord for every gallery that
// reaches a terminal status. It is not itself a worker pool: at most one
// processor.Process call is ever in flight, enforced by only popping the
// next task from a completion-triggered advance.
type Orchestrator struct {
	Queue     *Queue
	Processor *gallery.Processor
	Bus       *events.Bus
	States    *state.Store
	Stats     *analytics.StatsManager
	Logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	advance singleflightAdvance

	mu          sync.Mutex
	current     *gallery.GalleryTask
	currentDone chan struct{}
	unsubs      []func()
}

// NewOrchestrator wires bus subscriptions but does not start popping
// tasks; call StartSequence for that (start_sequence inbound command).
func NewOrchestrator(queue *Queue, processor *gallery.Processor, bus *events.Bus, states *state.Store, stats *analytics.StatsManager, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{Queue: queue, Processor: processor, Bus: bus, States: states, Stats: stats, Logger: logger}
	o.unsubs = append(o.unsubs,
		bus.Subscribe(events.KindUrlCompleted, o.onTerminal("completed")),
		bus.Subscribe(events.KindUrlSkipped, o.onTerminal("skipped")),
		bus.Subscribe(events.KindDownloadError, o.onTerminal("error")),
	)
	return o
}

// onTerminal builds the subscriber for one of the three advance-triggering
// kinds. It frees the active slot before recording history and kicking
// singleflightAdvance, so the free-then-advance ordering is fixed by the
// bus's single dispatcher goroutine rather than racing runOne's own
// goroutine (which never touches current for these three kinds — only the
// cooperative-interrupt paths in Stop/SkipCurrent/RestartCurrent do that
// directly, since a cooperative stop returns without publishing any of
// these three kinds).
func (o *Orchestrator) onTerminal(finalStatus string) events.Handler {
	return func(ev events.Event) {
		o.mu.Lock()
		if o.current != nil && o.current.URL == ev.URL {
			o.current = nil
			o.currentDone = nil
		}
		o.mu.Unlock()

		o.recordHistory(ev.URL, finalStatus)
		o.advance.trigger(o.advanceOnce)
	}
}

func (o *Orchestrator) recordHistory(url, finalStatus string) {
	var pages int
	var title string
	if snap, ok := o.States.GetSnapshot(url); ok {
		pages = snap.CurrentPage
		title = snap.Title
	}

	if o.Stats == nil {
		return
	}
	rec := storage.GalleryHistoryRecord{
		URL:         url,
		Title:       title,
		CompletedAt: time.Now().Format(time.RFC3339),
		PagesSaved:  pages,
		FinalStatus: finalStatus,
	}
	if err := o.Stats.TrackGalleryCompleted(rec); err != nil && o.Logger != nil {
		o.Logger.Warn("failed to record gallery history", "url", url, "err", err)
	}
}

// StartSequence begins (or resumes after a full stop) popping tasks off
// the queue. Calling it while already running is a no-op.
func (o *Orchestrator) StartSequence(ctx context.Context) {
	o.mu.Lock()
	if o.ctx != nil && o.ctx.Err() == nil {
		o.mu.Unlock()
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.States.ClearStopRequest()
	o.States.ClearPauseRequest()
	o.States.SetRunning(true)
	o.advance.trigger(o.advanceOnce)
}

// advanceOnce is the body singleflightAdvance serializes: pop the next
// task (non-blocking) and run it to completion in the background. If the
// queue is empty, the sequence is considered finished.
func (o *Orchestrator) advanceOnce() {
	o.mu.Lock()
	if o.current != nil {
		// A gallery is still active; nothing to advance yet. This is the
		// defensive check behind singleflightAdvance's own serialization.
		o.mu.Unlock()
		return
	}
	if o.ctx == nil || o.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	task, ok := o.Queue.TryPop()
	if !ok {
		o.mu.Unlock()
		o.States.SetRunning(false)
		o.Bus.Publish(events.Event{Kind: events.KindDownloadCompleted})
		return
	}
	done := make(chan struct{})
	o.current = &task
	o.currentDone = done
	ctx := o.ctx
	o.mu.Unlock()

	go o.runOne(ctx, task, done)
}

// runOne drives one gallery to a terminal outcome. It deliberately does not
// clear o.current itself: for the three bus kinds that mean "this gallery
// left the active slot" (UrlCompleted, UrlSkipped, DownloadError),
// onTerminal clears it; for a pause or a manual-intervention outcome,
// current stays set until Resume, SkipCurrent, or RestartCurrent act on
// it; for a cooperative stop (no event published at all), the caller that
// requested it clears current itself after waitCurrent returns.
func (o *Orchestrator) runOne(ctx context.Context, task gallery.GalleryTask, done chan struct{}) {
	defer close(done)
	if err := o.Processor.Process(ctx, task); err != nil && o.Logger != nil {
		o.Logger.Error("gallery processing returned a fatal setup error", "url", task.URL, "err", err)
	}
}

// Pause requests a cooperative pause; the active Process call observes it
// at the next page boundary (§5) and returns after persisting a resume
// point, without firing one of the three advance-triggering events.
func (o *Orchestrator) Pause() {
	o.States.RequestPause()
}

// Resume clears the pause request and re-queues the interrupted gallery
// ahead of everything else, then advances to pick it back up. Pausing
// never fires UrlCompleted/UrlSkipped/DownloadError, so nothing else would
// restart the sequence on its own.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	var requeue *gallery.GalleryTask
	if o.current != nil {
		t := *o.current
		requeue = &t
		o.current = nil
		o.currentDone = nil
	}
	o.mu.Unlock()

	o.States.ClearPauseRequest()
	o.Bus.Publish(events.Event{Kind: events.KindDownloadResumed})
	if requeue != nil {
		o.Queue.PushFront(*requeue, frontPriority)
	}
	o.advance.trigger(o.advanceOnce)
}

// Stop requests a full halt: the active gallery's Process call observes
// the cooperative stop flag and returns without publishing a terminal
// event, so the sequence simply does not advance again until
// StartSequence is called.
func (o *Orchestrator) Stop() {
	o.States.RequestStop()
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.waitCurrent()
	o.mu.Lock()
	o.current = nil
	o.currentDone = nil
	o.mu.Unlock()
	o.States.SetRunning(false)
}

// SkipCurrent interrupts whatever gallery is active, waits for its
// processor goroutine to actually return, then reports it as skipped and
// advances. There is no per-gallery skip flag in the cooperative-check
// vocabulary the processor polls (§5 only exposes pause/stop), so this
// reuses the stop flag to interrupt quickly and converts the outcome to a
// skip once control is back.
func (o *Orchestrator) SkipCurrent() {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur == nil {
		return
	}
	url := cur.URL

	o.States.RequestStop()
	o.waitCurrent()
	o.States.ClearStopRequest()

	o.mu.Lock()
	if o.current != nil && o.current.URL == url {
		o.current = nil
	}
	o.mu.Unlock()

	o.States.SetStatus(url, state.StatusSkipped)
	o.Bus.Publish(events.Event{Kind: events.KindUrlSkipped, URL: url})
}

// RestartCurrent interrupts the active gallery, clears its state-store
// tracking, and re-queues it ahead of everything else. The URL's resume
// checkpoint is not cleared, so when one exists Process picks up from that
// checkpoint rather than from page 1.
func (o *Orchestrator) RestartCurrent() {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur == nil {
		return
	}
	task := *cur

	o.States.RequestStop()
	o.waitCurrent()
	o.States.ClearStopRequest()

	o.mu.Lock()
	if o.current != nil && o.current.URL == task.URL {
		o.current = nil
	}
	o.mu.Unlock()

	o.States.Clear(task.URL)
	o.Queue.PushFront(task, frontPriority)
	o.advance.trigger(o.advanceOnce)
}

// ClearAll empties the backlog and marks the sequence not running,
// stopping the active gallery first if one is running. Per-URL state in the
// state store (statuses, snapshots, ranges) is not reset, so a URL already
// marked completed stays completed.
func (o *Orchestrator) ClearAll() {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur != nil {
		o.States.RequestStop()
		o.waitCurrent()
		o.States.ClearStopRequest()
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}
	o.Queue.Clear()
	o.States.SetRunning(false)
}

// waitCurrent blocks until the in-flight processor.Process call (if any)
// returns, with no timeout: the cooperative stop check is polled at every
// page boundary, so this is bounded by one page's remaining work.
func (o *Orchestrator) waitCurrent() {
	o.mu.Lock()
	done := o.currentDone
	o.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// Close unsubscribes from the event bus; call once during engine shutdown.
func (o *Orchestrator) Close() {
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
}
