package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ehcore/internal/errs"
	"ehcore/internal/events"
	"ehcore/internal/httpclient"
	"ehcore/internal/resume"
	"ehcore/internal/retry"
	"ehcore/internal/session"
	"ehcore/internal/state"
)

// fakeMetadataFetcher returns a fixed gallery of pages pages, each served by
// srv, so no real network traffic is involved.
type fakeMetadataFetcher struct {
	pageURL string
	pages   int
}

func (f fakeMetadataFetcher) FetchMetadata(ctx context.Context, client *httpclient.Client, galleryURL string) (Metadata, int, error) {
	urls := make([]string, f.pages)
	for i := range urls {
		urls[i] = f.pageURL
	}
	return Metadata{Title: "Test Gallery", TotalPages: f.pages, PageURLs: urls}, http.StatusOK, nil
}

// newTestProcessor wires a Processor against an httptest server that always
// succeeds, the way internal/orchestrator/orchestrator_test.go's
// newTestProcessor does for its end-to-end run.
func newTestProcessor(t *testing.T, pages int) (*Processor, *events.Bus) {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Write([]byte(fmt.Sprintf("<html><img id=\"img\" src=\"%s/image.jpg\"/></html>", srv.URL)))
		case "/image.jpg":
			w.Header().Set("Content-Length", "4")
			w.Write([]byte("data"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	resumeStore, err := resume.Open(filepath.Join(t.TempDir(), "resume.json"))
	if err != nil {
		t.Fatalf("resume.Open: %v", err)
	}
	t.Cleanup(resumeStore.Close)

	bus := events.New(nil)
	t.Cleanup(bus.Close)

	policy := errs.NewPolicy()
	breaker := retry.NewCircuitBreaker()

	proc := &Processor{
		NewClient: func() *httpclient.Client { return httpclient.New("test-agent", 5*time.Second) },
		Metadata:  fakeMetadataFetcher{pageURL: srv.URL + "/page", pages: pages},
		Naming:    DefaultNamingProvider{},
		Saver:     NewSaver(),

		Sessions: session.NewStore(),
		States:   state.NewStore(),
		Resume:   resumeStore,
		Bus:      bus,
		Policy:   policy,

		MetadataExecutor:   retry.NewExecutor(policy, breaker, nil, errs.StageMetadata),
		ImagePageExecutor:  retry.NewExecutor(policy, breaker, nil, errs.StageImagePage),
		ImageFetchExecutor: retry.NewExecutor(policy, breaker, nil, errs.StageImageFetch),
	}
	return proc, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestProcessHappyPathEventOrder exercises scenario S1: a 3-page gallery
// completes with the event sequence spec.md:324 names, UrlStarted strictly
// before any progress or terminal event for the same URL (Property 8), and
// ProgressBarUpdated's CurrentPage monotonic across the run.
func TestProcessHappyPathEventOrder(t *testing.T) {
	proc, bus := newTestProcessor(t, 3)

	var kinds []events.Kind
	var progressPages []int
	done := make(chan struct{})
	for _, k := range []events.Kind{
		events.KindDownloadStarted, events.KindUrlStarted,
		events.KindProgressBarCreated, events.KindProgressBarUpdated,
		events.KindUrlCompleted, events.KindDownloadCompleted,
	} {
		k := k
		bus.Subscribe(k, func(ev events.Event) {
			kinds = append(kinds, k)
			if k == events.KindProgressBarUpdated {
				progressPages = append(progressPages, ev.Payload.(ProgressEvent).CurrentPage)
			}
			if k == events.KindDownloadCompleted {
				close(done)
			}
		})
	}

	task := GalleryTask{URL: "https://example.test/gallery/1", BaseDir: t.TempDir(), FolderPolicy: DuplicateOverwrite, FilePolicy: DuplicateOverwrite}
	if err := proc.Process(context.Background(), task); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	<-done

	wantOrder := []events.Kind{
		events.KindDownloadStarted, events.KindUrlStarted, events.KindProgressBarCreated,
		events.KindProgressBarUpdated, events.KindProgressBarUpdated, events.KindProgressBarUpdated,
		events.KindUrlCompleted, events.KindDownloadCompleted,
	}
	if len(kinds) != len(wantOrder) {
		t.Fatalf("event order = %v, want %v", kinds, wantOrder)
	}
	for i, k := range wantOrder {
		if kinds[i] != k {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, kinds[i], k, kinds)
		}
	}

	for i, p := range progressPages {
		if p != i+1 {
			t.Fatalf("progressPages = %v, want [1 2 3]", progressPages)
		}
	}

	status, ok := proc.States.GetStatus(task.URL)
	if !ok || status != state.StatusCompleted {
		t.Fatalf("expected completed status, got %v (ok=%v)", status, ok)
	}
}

// TestProcessCheckpointsBeforeEachPage asserts §4.4's stage-aware
// checkpointing: the resume store has an up-to-date checkpoint for the
// gallery by the time the run finishes, reflecting the final saved page.
func TestProcessCheckpointsBeforeEachPage(t *testing.T) {
	proc, bus := newTestProcessor(t, 2)
	completed := make(chan struct{})
	bus.Subscribe(events.KindDownloadCompleted, func(events.Event) { close(completed) })

	task := GalleryTask{URL: "https://example.test/gallery/2", BaseDir: t.TempDir(), FolderPolicy: DuplicateOverwrite, FilePolicy: DuplicateOverwrite}
	if err := proc.Process(context.Background(), task); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	<-completed

	cp, ok := proc.Resume.Get(task.URL)
	if !ok {
		t.Fatal("expected a checkpoint to exist after completion")
	}
	if !cp.Success {
		t.Fatal("expected checkpoint Success=true after the gallery completes")
	}
	if cp.AbsolutePageNumber != 2 {
		t.Fatalf("expected final checkpoint at page 2, got %d", cp.AbsolutePageNumber)
	}
	if proc.Resume.IsResumable(task.URL) {
		t.Fatal("a successful checkpoint must not be reported resumable")
	}
}

// recordingHandler is a minimal slog.Handler that records every message
// logged at Warn level or above, so a test can assert on absence/presence
// of a specific log line without a third-party assertion library.
type recordingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) has(substr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.messages {
		if m == substr {
			return true
		}
	}
	return false
}

// TestProcessNoSpuriousSessionTransitionRejection guards against the
// redundant ActionStart call regressing: a completed run must never log
// "rejected session transition" (processor.go's transition() warning for an
// *session.ErrInvalidTransition), and the session must actually reach
// StatusCompleted via the table in internal/session/session.go.
func TestProcessNoSpuriousSessionTransitionRejection(t *testing.T) {
	proc, bus := newTestProcessor(t, 1)
	rec := &recordingHandler{}
	proc.Logger = slog.New(rec)

	var lastStatus session.Status
	bus.Subscribe(events.KindStatusChanged, func(ev events.Event) {
		lastStatus = ev.Payload.(session.Status)
	})

	completed := make(chan struct{})
	bus.Subscribe(events.KindDownloadCompleted, func(events.Event) { close(completed) })

	task := GalleryTask{URL: "https://example.test/gallery/3", BaseDir: t.TempDir(), FolderPolicy: DuplicateOverwrite, FilePolicy: DuplicateOverwrite}
	if err := proc.Process(context.Background(), task); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	<-completed

	if rec.has("rejected session transition") {
		t.Fatal("Process logged a rejected session transition; the redundant ActionStart call regressed")
	}
	if lastStatus != session.StatusCompleted {
		t.Fatalf("expected the session's final StatusChanged to be Completed, got %s", lastStatus)
	}
}
