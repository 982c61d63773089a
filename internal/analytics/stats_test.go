package analytics

import (
	"path/filepath"
	"testing"

	"ehcore/internal/storage"
)

func mockDownloadPathFn() (string, error) {
	return filepath.Join(string(filepath.Separator), "downloads"), nil
}

func newTestStatsManager(t *testing.T) *StatsManager {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStatsManager(s, mockDownloadPathFn)
}

func TestStatsManagerBasics(t *testing.T) {
	sm := newTestStatsManager(t)

	sm.TrackDownloadBytes(1024)
	sm.TrackFileCompleted()

	if _, err := sm.GetLifetimeStats(); err != nil {
		t.Errorf("GetLifetimeStats returned error: %v", err)
	}
	if _, err := sm.GetTotalFiles(); err != nil {
		t.Errorf("GetTotalFiles returned error: %v", err)
	}

	daily, err := sm.GetDailyStats(7)
	if err != nil {
		t.Errorf("GetDailyStats returned error: %v", err)
	}
	if len(daily) > 7 {
		t.Errorf("expected at most 7 days of stats, got %d", len(daily))
	}

	usage := sm.GetDiskUsage()
	if usage.Percent < 0 || usage.Percent > 100 {
		t.Errorf("disk usage percent out of range: %f", usage.Percent)
	}

	analyticsData := sm.GetAnalytics()
	if len(analyticsData.DailyHistory) > 7 {
		t.Errorf("expected at most 7 days of history, got %d", len(analyticsData.DailyHistory))
	}
}

func TestSpeedGauge(t *testing.T) {
	sm := newTestStatsManager(t)

	sm.UpdateDownloadSpeed(5_000_000)
	if got := sm.GetCurrentSpeed(); got != 5_000_000 {
		t.Errorf("expected speed 5000000, got %d", got)
	}
}

func TestErrorSummaryAndGalleryHistory(t *testing.T) {
	sm := newTestStatsManager(t)

	sm.TrackError("net.timeout", "transient")
	sm.TrackError("net.timeout", "transient")
	sm.TrackError("fs.disk_full", "fatal")

	// TrackError fires async; poll briefly for the counters to settle
	// rather than asserting on a fixed sleep.
	var summary []ErrorSummaryEntry
	var err error
	for i := 0; i < 50; i++ {
		summary, err = sm.GetErrorSummary()
		if err != nil {
			t.Fatalf("get error summary: %v", err)
		}
		if len(summary) == 2 {
			break
		}
	}
	if len(summary) != 2 {
		t.Fatalf("expected 2 distinct counters eventually, got %d", len(summary))
	}

	if err := sm.TrackGalleryCompleted(storage.GalleryHistoryRecord{
		URL:         "https://e-hentai.org/g/1/abc/",
		Title:       "Example Gallery",
		PagesSaved:  10,
		FinalStatus: "completed",
	}); err != nil {
		t.Fatalf("track gallery completed: %v", err)
	}

	history, err := sm.GetGalleryHistory(5)
	if err != nil {
		t.Fatalf("get gallery history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 gallery history row, got %d", len(history))
	}
}
