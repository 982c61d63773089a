// Package storage is the supplementary analytics/history store SPEC_FULL.md
// §2.2 and §3.1 describe: a gorm-over-sqlite schema separate from the JSON
// resume document the resume store (internal/resume) owns. It persists
// engine configuration (AppSetting), per-gallery completion history
// (GalleryHistoryRecord), rolling error counters by category and severity
// (CategoryCounter), daily byte/file totals (DailyStat), and speed-test
// history (SpeedTestHistory).
//
// Grounded in the teacher's internal/storage/models.go gorm schema:
// DailyStat, AppSetting, and SpeedTestHistory carry over with their
// original shape and table names. DownloadTask, PartState, ResumeState,
// and DownloadLocation are the teacher's generic byte-range-download
// schema and have no SPEC_FULL.md component to serve — the gallery
// domain's checkpoint data lives in the mandated JSON resume store, not
// here — so they are replaced by GalleryHistoryRecord and CategoryCounter
// rather than carried forward unused.
package storage

// DailyStat tracks daily download statistics for analytics.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // Format: "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores key-value engine configuration (EngineConfig, §3.1),
// the storage-backed analogue of the teacher's own settings table.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// SpeedTestHistory stores past speed-test results (network.SpeedTest,
// wired to the control API's diagnostics endpoint).
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string { return "speed_test_history" }

// GalleryHistoryRecord is one row per gallery that reaches a terminal
// status (SPEC_FULL.md §3.1), written by the orchestrator on
// UrlCompleted/UrlSkipped/DownloadError.
type GalleryHistoryRecord struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	URL         string `gorm:"index" json:"url"`
	Title       string `json:"title"`
	CompletedAt string `json:"completed_at"`
	PagesSaved  int    `json:"pages_saved"`
	BytesSaved  int64  `json:"bytes_saved"`
	FinalStatus string `gorm:"index" json:"final_status"`
}

func (GalleryHistoryRecord) TableName() string { return "gallery_history" }

// CategoryCounter is the "rolling counters by category and severity,
// success counts" error log SPEC_FULL.md §6 and §2.3 name, given a
// queryable home instead of being purely a JSON blob.
type CategoryCounter struct {
	Category string `gorm:"primaryKey" json:"category"`
	Severity string `gorm:"primaryKey" json:"severity"`
	Count    int64  `json:"count"`
}

func (CategoryCounter) TableName() string { return "category_counters" }
