// Package resume implements the durable per-URL checkpoint store C8
// describes: one JSON document mapping normalized URL to ResumePoint, an
// async coalescing writer, and legacy-shape migration on load.
//
// Grounded in internal/core/state.go's StateManager (Load/Serialize/
// Validate, ETag/Last-Modified validator fields mapped here onto
// DownloadRangeInfo validity) for the single-record shape, and in
// internal/database/bitcask.go's async Put path (lock, compress, write,
// unlock around every mutation) for the coalescing-writer idiom — there a
// gzip-on-Put to a bitcask log, here a debounced map of pending per-URL
// writes drained by one goroutine. The atomic whole-file replace is the
// same os.CreateTemp+os.Rename idiom internal/downloader/downloader.go uses
// for image writes, applied to the resume document itself.
package resume

import "time"

// Reason explains why a checkpoint was written.
type Reason string

const (
	ReasonProgress Reason = "progress"
	ReasonPause    Reason = "pause"
	ReasonError    Reason = "error"
)

// DownloadRangeInfo records the user-applied absolute page range and its
// translation into the gallery's relative page numbering (§4.4 step 3-4).
type DownloadRangeInfo struct {
	Enabled       bool `json:"enabled"`
	Start         int  `json:"start"`
	End           int  `json:"end"`
	RelativePage  int  `json:"relative_page"`
	RelativeTotal int  `json:"relative_total"`
	AbsolutePage  int  `json:"absolute_page"`
}

// GalleryMetadata is the subset of fetched gallery metadata worth
// persisting across a crash so a resumed run doesn't refetch it.
type GalleryMetadata struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	TotalPages int    `json:"total_pages"`
}

// Point is one URL's durable checkpoint (SPEC_FULL.md §3 ResumePoint).
type Point struct {
	URL      string `json:"url"`
	Stage    string `json:"stage"`
	SubStage string `json:"sub_stage"`

	AbsolutePageNumber int `json:"absolute_page_number"`
	RelativePage       int `json:"relative_page"`

	DownloadRangeInfo DownloadRangeInfo `json:"download_range_info"`

	SaveFolder      string          `json:"save_folder"`
	GalleryMetadata GalleryMetadata `json:"gallery_metadata"`

	StageData map[string]string `json:"stage_data,omitempty"`

	RetryCount int       `json:"retry_count"`
	Reason     Reason    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`

	Success bool `json:"success"`
}

// document is the on-disk shape: the canonical form is resume_points-only,
// plus an optional pointer to the most recently touched URL.
type document struct {
	ResumePoints map[string]Point `json:"resume_points"`

	// ResumePoint is the legacy singular shape some older documents use;
	// migrated into ResumePoints on load and never written again (Open
	// Question 3: pick one canonical shape on save, translate on load).
	ResumePoint *Point `json:"resume_point,omitempty"`

	CurrentResumePoint string `json:"current_resume_point,omitempty"`
}
