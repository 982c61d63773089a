package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxAge     = 24 * time.Hour
	defaultMaxEntries = 100
)

// Store is the durable, JSON-file-backed checkpoint store. Reads are
// synchronous and lock-protected; writes are queued and flushed by a single
// background goroutine so a burst of per-page checkpoints never blocks the
// gallery processor's hot path on disk I/O.
type Store struct {
	path string

	mu     sync.RWMutex
	points map[string]Point

	maxAge     time.Duration
	maxEntries int

	now func() time.Time

	pendingMu sync.Mutex
	pending   map[string]Point
	wake      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// Open loads path (creating an empty document if it doesn't exist yet),
// migrates any legacy shape, prunes stale/excess entries, and starts the
// coalescing writer goroutine.
func Open(path string) (*Store, error) {
	s := &Store{
		path:       path,
		points:     make(map[string]Point),
		maxAge:     defaultMaxAge,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		pending:    make(map[string]Point),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.CleanupOld()
	go s.writeLoop()
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ResumePoints != nil {
		for url, p := range doc.ResumePoints {
			s.points[url] = p
		}
	}
	// Legacy singular shape: fold into the map keyed by the point's own url.
	if doc.ResumePoint != nil {
		s.points[doc.ResumePoint.URL] = *doc.ResumePoint
	}
	return nil
}

// queueWrite enqueues p for the async writer, replacing any not-yet-flushed
// entry for the same URL (most-recent-wins coalescing per §4.8).
func (s *Store) queueWrite(p Point) {
	s.pendingMu.Lock()
	s.pending[p.URL] = p
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]Point)
	s.pendingMu.Unlock()

	s.mu.Lock()
	for url, p := range batch {
		s.points[url] = p
	}
	s.mu.Unlock()

	s.persist()
}

// persist serializes the full document and replaces the file atomically so
// a reader (or a crash mid-write) never observes a half-written document.
func (s *Store) persist() error {
	s.mu.RLock()
	doc := document{ResumePoints: make(map[string]Point, len(s.points))}
	for url, p := range s.points {
		doc.ResumePoints[url] = p
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Create records a new checkpoint for url at stage, with no prior state.
func (s *Store) Create(url, stage string) {
	s.Update(url, Point{URL: url, Stage: stage, Reason: ReasonProgress})
}

// Update overwrites url's checkpoint with p, stamping the timestamp so it
// is monotonically non-decreasing on overwrite (§3 ResumePoint invariant).
// A URL already marked Success is not overwritten: IsResumable stays false
// until an explicit Clear, matching Property 3's terminal-persistence rule
// carried over from the state store onto the resume document. Reads
// through Get so a not-yet-flushed pending write is the version checked,
// not a stale committed one.
func (s *Store) Update(url string, p Point) {
	existing, ok := s.Get(url)
	if ok && existing.Success {
		return
	}

	p.URL = url
	now := s.now()
	if ok && !now.After(existing.Timestamp) {
		now = existing.Timestamp.Add(time.Nanosecond)
	}
	p.Timestamp = now
	s.queueWrite(p)
}

// MarkSuccess flags url's checkpoint as complete; after this, IsResumable
// returns false. It reads through Get so a checkpoint still sitting in the
// pending write queue (the common case: the last page's Update is almost
// always unflushed when the gallery finishes) is the one marked, not a
// stale committed copy.
func (s *Store) MarkSuccess(url string) {
	p, ok := s.Get(url)
	if !ok {
		p = Point{URL: url}
	}
	p.Success = true
	p.Timestamp = s.now()
	s.queueWrite(p)
}

// Get returns url's checkpoint, including any not-yet-flushed pending
// write (a reader must see its own most recent Update immediately).
func (s *Store) Get(url string) (Point, bool) {
	s.pendingMu.Lock()
	if p, ok := s.pending[url]; ok {
		s.pendingMu.Unlock()
		return p, true
	}
	s.pendingMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[url]
	return p, ok
}

// IsResumable reports whether url has a checkpoint that has not succeeded.
func (s *Store) IsResumable(url string) bool {
	p, ok := s.Get(url)
	return ok && !p.Success
}

// ResumeFrom returns url's checkpoint if it is resumable.
func (s *Store) ResumeFrom(url string) (Point, bool) {
	p, ok := s.Get(url)
	if !ok || p.Success {
		return Point{}, false
	}
	return p, true
}

// CleanupOld prunes entries older than maxAge or, if over maxEntries,
// the oldest-by-timestamp excess. Returns the count removed.
func (s *Store) CleanupOld() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for url, p := range s.points {
		if p.Timestamp.Before(cutoff) {
			delete(s.points, url)
			removed++
		}
	}

	if len(s.points) > s.maxEntries {
		type entry struct {
			url string
			ts  time.Time
		}
		entries := make([]entry, 0, len(s.points))
		for url, p := range s.points {
			entries = append(entries, entry{url, p.Timestamp})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
		excess := len(entries) - s.maxEntries
		for i := 0; i < excess; i++ {
			delete(s.points, entries[i].url)
			removed++
		}
	}

	if removed > 0 {
		go s.persist()
	}
	return removed
}

// Close flushes any pending write and stops the background writer.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
	})
}

// BackupTo writes the current resume document to destPath, used by the
// control API's backup bundle (SPEC_FULL.md §6 filesystem layout).
func (s *Store) BackupTo(destPath string) error {
	s.mu.RLock()
	doc := document{ResumePoints: make(map[string]Point, len(s.points))}
	for url, p := range s.points {
		doc.ResumePoints[url] = p
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(destPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(destPath, data, 0o644)
}

// RestoreFrom atomically replaces the live resume document with the
// contents of srcPath (restore_from_backup). Any in-flight queued writes
// are flushed first so a concurrent checkpoint write cannot clobber the
// restored state.
func (s *Store) RestoreFrom(srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	s.pendingMu.Lock()
	s.pending = make(map[string]Point)
	s.pendingMu.Unlock()

	s.mu.Lock()
	s.points = make(map[string]Point, len(doc.ResumePoints))
	for url, p := range doc.ResumePoints {
		s.points[url] = p
	}
	if doc.ResumePoint != nil {
		s.points[doc.ResumePoint.URL] = *doc.ResumePoint
	}
	s.mu.Unlock()

	return s.persist()
}

// TranslateRange computes the relative page number for absolutePage within
// [start, end] (Testable Property 5), and the inverse.
func TranslateRange(absolutePage, start, end int) (relativePage int, ok bool) {
	if absolutePage < start || absolutePage > end {
		return 0, false
	}
	return absolutePage - start + 1, true
}

// AbsoluteFromRelative is TranslateRange's inverse.
func AbsoluteFromRelative(relativePage, start, end int) (absolutePage int, ok bool) {
	abs := start + relativePage - 1
	if abs < start || abs > end {
		return 0, false
	}
	return abs, true
}
