// Package analytics provides download statistics, disk usage tracking,
// and the read-only error-counter/history surface the control API exposes
// (SPEC_FULL.md §2.3, §3.1). Grounded in the teacher's
// internal/analytics/stats.go StatsManager — the disk-usage probe via
// gopsutil/v3, the atomic current-speed gauge, and the SQL-upsert daily
// counters carry over unchanged; GetErrorSummary and GetGalleryHistory are
// additions surfacing storage.CategoryCounter and
// storage.GalleryHistoryRecord, the "rolling counters by category and
// severity" and per-gallery completion log SPEC_FULL.md names that the
// teacher's AnalyticsData had no equivalent for.
package analytics

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"ehcore/internal/storage"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsageInfo holds disk space information.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// ErrorSummaryEntry is one (category, severity) rolling counter row.
type ErrorSummaryEntry struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Count    int64  `json:"count"`
}

// AnalyticsData holds all analytics information for the control API.
type AnalyticsData struct {
	TotalDownloaded int64               `json:"total_downloaded"`
	TotalFiles      int64               `json:"total_files"`
	DailyHistory    map[string]int64    `json:"daily_history"`
	DiskUsage       DiskUsageInfo       `json:"disk_usage"`
	ErrorSummary    []ErrorSummaryEntry `json:"error_summary"`
}

// StatsManager tracks download statistics and analytics.
type StatsManager struct {
	storage        *storage.Storage
	mu             sync.Mutex
	cache          map[string]interface{}
	currentSpeed   int64 // Atomic
	downloadPathFn func() (string, error)
}

// NewStatsManager creates a stats manager with storage backend.
func NewStatsManager(s *storage.Storage, downloadPathFn func() (string, error)) *StatsManager {
	return &StatsManager{
		storage:        s,
		cache:          make(map[string]interface{}),
		downloadPathFn: downloadPathFn,
	}
}

// UpdateDownloadSpeed updates the current global download speed (atomic).
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the instant speed.
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// TrackDownloadBytes increments today's download stats using SQL upsert.
func (sm *StatsManager) TrackDownloadBytes(bytes int64) {
	go func() {
		sm.storage.IncrementDailyBytes(bytes)
	}()
}

// TrackFileCompleted increments today's file count using SQL upsert.
func (sm *StatsManager) TrackFileCompleted() {
	go func() {
		sm.storage.IncrementDailyFiles()
	}()
}

// TrackError bumps the rolling (category, severity) counter for an error
// occurrence, surfaced read-only via GetErrorSummary.
func (sm *StatsManager) TrackError(category, severity string) {
	go func() {
		sm.storage.IncrementCategoryCounter(category, severity)
	}()
}

// TrackGalleryCompleted records a terminal-status gallery in the
// completion history, written by the orchestrator on UrlCompleted,
// UrlSkipped, or DownloadError.
func (sm *StatsManager) TrackGalleryCompleted(rec storage.GalleryHistoryRecord) error {
	return sm.storage.RecordGalleryHistory(rec)
}

// GetGalleryHistory returns the most recent n gallery completion records.
func (sm *StatsManager) GetGalleryHistory(n int) ([]storage.GalleryHistoryRecord, error) {
	return sm.storage.GetGalleryHistory(n)
}

// GetErrorSummary returns every rolling (category, severity) counter.
func (sm *StatsManager) GetErrorSummary() ([]ErrorSummaryEntry, error) {
	rows, err := sm.storage.GetCategoryCounters()
	if err != nil {
		return nil, err
	}
	out := make([]ErrorSummaryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ErrorSummaryEntry{Category: r.Category, Severity: r.Severity, Count: r.Count})
	}
	return out, nil
}

// GetLifetimeStats returns total bytes downloaded using SQL SUM.
func (sm *StatsManager) GetLifetimeStats() (int64, error) {
	return sm.storage.GetTotalLifetime()
}

// GetTotalFiles returns total files downloaded using SQL SUM.
func (sm *StatsManager) GetTotalFiles() (int64, error) {
	return sm.storage.GetTotalFiles()
}

// GetDailyStats returns the last N days of stats from SQLite.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	stats, err := sm.storage.GetDailyHistory(days)
	if err != nil {
		return make(map[string]int64), err
	}

	res := make(map[string]int64)
	for _, stat := range stats {
		res[stat.Date] = stat.Bytes
	}
	return res, nil
}

// GetDiskUsage returns disk space info for the download drive.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.downloadPathFn == nil {
		return DiskUsageInfo{}
	}

	downloadPath, err := sm.downloadPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}

	volumePath := filepath.VolumeName(downloadPath)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += "\\"
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics returns comprehensive analytics data for the control API's
// diagnostics endpoint.
func (sm *StatsManager) GetAnalytics() AnalyticsData {
	lifetime, _ := sm.GetLifetimeStats()
	totalFiles, _ := sm.GetTotalFiles()
	daily, _ := sm.GetDailyStats(7)
	diskUsage := sm.GetDiskUsage()
	errSummary, _ := sm.GetErrorSummary()

	return AnalyticsData{
		TotalDownloaded: lifetime,
		TotalFiles:      totalFiles,
		DailyHistory:    daily,
		DiskUsage:       diskUsage,
		ErrorSummary:    errSummary,
	}
}
