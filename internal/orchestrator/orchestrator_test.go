package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ehcore/internal/errs"
	"ehcore/internal/events"
	"ehcore/internal/gallery"
	"ehcore/internal/httpclient"
	"ehcore/internal/resume"
	"ehcore/internal/retry"
	"ehcore/internal/session"
	"ehcore/internal/state"
)

// fakeMetadataFetcher returns a fixed, tiny gallery pointed at srv for every
// page, so the processor's HTTP traffic never leaves the test server.
type fakeMetadataFetcher struct {
	pageURL string
	pages   int
}

func (f fakeMetadataFetcher) FetchMetadata(ctx context.Context, client *httpclient.Client, galleryURL string) (gallery.Metadata, int, error) {
	urls := make([]string, f.pages)
	for i := range urls {
		urls[i] = f.pageURL
	}
	return gallery.Metadata{Title: "Test Gallery", TotalPages: f.pages, PageURLs: urls}, http.StatusOK, nil
}

func newTestProcessor(t *testing.T, pages int) (*gallery.Processor, *events.Bus) {
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

	proc := &gallery.Processor{
		NewClient: func() *httpclient.Client { return httpclient.New("test-agent", 5*time.Second) },
		Metadata:  fakeMetadataFetcher{pageURL: srv.URL + "/page", pages: pages},
		Naming:    gallery.DefaultNamingProvider{},
		Saver:     gallery.NewSaver(),

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

func TestStartSequenceDrainsQueueToCompletion(t *testing.T) {
	proc, bus := newTestProcessor(t, 1)
	q := NewQueue()

	var completed atomic.Bool
	bus.Subscribe(events.KindDownloadCompleted, func(ev events.Event) {
		if ev.URL == "" {
			completed.Store(true)
		}
	})

	o := NewOrchestrator(q, proc, bus, proc.States, nil, nil)
	task := gallery.GalleryTask{URL: "https://example.test/gallery/1", BaseDir: t.TempDir(), FolderPolicy: gallery.DuplicateOverwrite, FilePolicy: gallery.DuplicateOverwrite}
	q.Push(task, 1)

	o.StartSequence(context.Background())
	waitFor(t, 5*time.Second, completed.Load)

	status, ok := proc.States.GetStatus(task.URL)
	if !ok || status != state.StatusCompleted {
		t.Fatalf("expected gallery to complete, got %v (ok=%v)", status, ok)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue to be drained, got len=%d", q.Len())
	}
}

func TestClearAllEmptiesBacklog(t *testing.T) {
	proc, bus := newTestProcessor(t, 1)
	q := NewQueue()
	o := NewOrchestrator(q, proc, bus, proc.States, nil, nil)

	for i := 0; i < 3; i++ {
		q.Push(gallery.GalleryTask{URL: fmt.Sprintf("https://example.test/g/%d", i), BaseDir: t.TempDir()}, 1)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", q.Len())
	}

	o.ClearAll()
	if q.Len() != 0 {
		t.Fatalf("expected queue cleared, got len=%d", q.Len())
	}
	if proc.States.IsRunning() {
		t.Fatal("expected running to be false after ClearAll")
	}
}

// TestSingleflightAdvanceCoalescesDuplicateFires asserts Property 1's
// supporting invariant: concurrent/duplicate triggers never run fn
// concurrently, and a burst of triggers while fn is in flight collapses
// into exactly one extra pass.
func TestSingleflightAdvanceCoalescesDuplicateFires(t *testing.T) {
	var (
		mu        sync.Mutex
		active    int
		maxActive int
		calls     int
	)

	var adv singleflightAdvance
	fn := func() {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		calls++
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adv.trigger(fn)
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 0
	})

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 1 {
		t.Fatalf("expected at most one concurrent advance pass, observed %d", maxActive)
	}
	if calls < 1 || calls > 2 {
		t.Fatalf("expected 10 duplicate fires to collapse into 1-2 passes, got %d", calls)
	}
}
