// Package gallery implements the gallery-processing pipeline (C4) and the
// image fetcher/saver (C5): given a queued GalleryTask, fetch its metadata,
// enumerate per-page image URLs, and drive each page through the retry
// executor to a saved file.
//
// Grounded in internal/core/engine.go's executeTask (channel-driven
// part-producer/consumer loop) for the processor's iterate-and-checkpoint
// shape, restructured here from byte-range parts to gallery pages, and in
// internal/downloader/downloader.go's DownloadFile (temp file + atomic
// rename) for the per-image write.
package gallery

import "time"

// DuplicatePolicy governs what happens when a save-folder or target file
// already exists.
type DuplicatePolicy string

const (
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateRename     DuplicatePolicy = "rename"
	DuplicateSkip       DuplicatePolicy = "skip"
)

// GalleryTask is one queued gallery (SPEC_FULL.md §3).
type GalleryTask struct {
	URL        string
	QueueIndex int

	SaveFolder string

	RangeEnabled bool
	RangeStart   int
	RangeEnd     int

	FolderPolicy DuplicatePolicy
	FilePolicy   DuplicatePolicy

	UserMaxRetriesOverride int
	BaseDir                string
}

// ImagePageRef is one page within a gallery, enumerated lazily as the
// processor walks it.
type ImagePageRef struct {
	RelativePage int
	AbsolutePage int
	ImagePageURL string
	TargetPath   string
}

// Metadata is the fetched gallery metadata (title, artist, per-page URLs).
type Metadata struct {
	Title      string
	Artist     string
	Tags       []string
	TotalPages int
	PageURLs   []string // index i is absolute page i+1
}

// ProgressEvent is the payload of a KindDownloadProgress / url progress
// event published by the processor after each page.
type ProgressEvent struct {
	URL          string
	CurrentPage  int
	TotalPages   int
	Title        string
	SavedPath    string
	At           time.Time
}
