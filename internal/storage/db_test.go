package storage

import (
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return s
}

func TestAppSettingsCRUD(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	val, err := s.GetString("missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if val != "" {
		t.Errorf("expected empty string for unset key, got %q", val)
	}

	if err := s.SetString("control_api_token", "secret-123"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	val, err = s.GetString("control_api_token")
	if err != nil {
		t.Fatalf("get string: %v", err)
	}
	if val != "secret-123" {
		t.Errorf("expected 'secret-123', got %q", val)
	}

	if err := s.SetString("control_api_token", "rotated-456"); err != nil {
		t.Fatalf("upsert string: %v", err)
	}
	val, _ = s.GetString("control_api_token")
	if val != "rotated-456" {
		t.Errorf("expected upsert to replace value, got %q", val)
	}
}

func TestDailyStatistics(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.IncrementDailyBytes(100); err != nil {
		t.Fatalf("increment bytes: %v", err)
	}
	if err := s.IncrementDailyBytes(150); err != nil {
		t.Fatalf("increment bytes again: %v", err)
	}
	s.IncrementDailyFiles()
	s.IncrementDailyFiles()

	total, err := s.GetTotalLifetime()
	if err != nil {
		t.Fatalf("get total: %v", err)
	}
	if total != 250 {
		t.Errorf("expected 250 bytes, got %d", total)
	}

	files, err := s.GetTotalFiles()
	if err != nil {
		t.Fatalf("get files: %v", err)
	}
	if files != 2 {
		t.Errorf("expected 2 files, got %d", files)
	}

	history, err := s.GetDailyHistory(7)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 day of history, got %d", len(history))
	}
	if history[0].Bytes != 250 || history[0].Files != 2 {
		t.Errorf("unexpected history row: %+v", history[0])
	}
}

func TestGalleryHistory(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.RecordGalleryHistory(GalleryHistoryRecord{
		URL:         "https://e-hentai.org/g/1/abc/",
		Title:       "Example Gallery",
		PagesSaved:  20,
		BytesSaved:  1 << 20,
		FinalStatus: "completed",
	}); err != nil {
		t.Fatalf("record gallery history: %v", err)
	}

	rows, err := s.GetGalleryHistory(10)
	if err != nil {
		t.Fatalf("get gallery history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(rows))
	}
	if rows[0].Title != "Example Gallery" || rows[0].FinalStatus != "completed" {
		t.Errorf("unexpected history row: %+v", rows[0])
	}
}

func TestCategoryCounters(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.IncrementCategoryCounter("net.timeout", "transient"); err != nil {
		t.Fatalf("increment counter: %v", err)
	}
	if err := s.IncrementCategoryCounter("net.timeout", "transient"); err != nil {
		t.Fatalf("increment counter: %v", err)
	}
	if err := s.IncrementCategoryCounter("auth.session_expired", "fatal"); err != nil {
		t.Fatalf("increment counter: %v", err)
	}

	counters, err := s.GetCategoryCounters()
	if err != nil {
		t.Fatalf("get counters: %v", err)
	}
	if len(counters) != 2 {
		t.Fatalf("expected 2 distinct counters, got %d", len(counters))
	}

	var timeoutCount int64
	for _, c := range counters {
		if c.Category == "net.timeout" && c.Severity == "transient" {
			timeoutCount = c.Count
		}
	}
	if timeoutCount != 2 {
		t.Errorf("expected net.timeout counter of 2, got %d", timeoutCount)
	}
}

func TestSpeedTestHistory(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	if err := s.RecordSpeedTest(SpeedTestHistory{
		DownloadSpeed: 95.4,
		UploadSpeed:   12.1,
		Ping:          18,
		ISP:           "Example ISP",
		Timestamp:     "2026-07-31T00:00:00Z",
	}); err != nil {
		t.Fatalf("record speed test: %v", err)
	}

	rows, err := s.GetSpeedTestHistory(5)
	if err != nil {
		t.Fatalf("get speed test history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 speed test row, got %d", len(rows))
	}
	if rows[0].ISP != "Example ISP" {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}
