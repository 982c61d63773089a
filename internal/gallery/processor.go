package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"ehcore/internal/analytics"
	"ehcore/internal/errs"
	"ehcore/internal/events"
	"ehcore/internal/httpclient"
	"ehcore/internal/network"
	"ehcore/internal/resume"
	"ehcore/internal/retry"
	"ehcore/internal/session"
	"ehcore/internal/state"
)

// FallbackFetcher is the headless-browser last resort (C6). Process calls it
// when the retry executor signals Action=continue with a fallback reason;
// a nil Fallback treats that outcome the same as exhaustion.
type FallbackFetcher interface {
	FetchImage(ctx context.Context, imagePageURL string) ([]byte, error)
}

// Processor drives one GalleryTask through resolve-metadata, apply-range,
// resume-translation, and per-page fetch-and-save, per SPEC_FULL.md §4.4.
// A Processor instance is not safe for concurrent Process calls on
// different tasks sharing the same URL; the orchestrator's capacity-1
// worker already guarantees only one gallery runs at a time (§5).
type Processor struct {
	NewClient func() *httpclient.Client
	Metadata  MetadataFetcher
	Naming    NamingProvider
	Saver     *Saver
	Fallback  FallbackFetcher

	Sessions *session.Store
	States   *state.Store
	Resume   *resume.Store
	Bus      *events.Bus
	Policy   *errs.Policy
	Logger   *slog.Logger

	MetadataExecutor   *retry.Executor
	ImagePageExecutor  *retry.Executor
	ImageFetchExecutor *retry.Executor

	// Stats, when set, records per-page byte/file counters and
	// per-category error counters into the analytics store (§2.3, §3.1).
	Stats *analytics.StatsManager

	// Congestion, when set, is fed each image fetch's latency/outcome so
	// its per-host AIMD estimate reflects real traffic. The control API
	// does not expose that estimate.
	Congestion *network.CongestionController
}

// Process runs task to completion (success, skip, pause, or abort). It
// always returns nil: every terminal outcome, including an unresolvable save
// folder (reported as a DownloadError abort), is communicated through the
// event bus and state store, per §7 (no exceptions cross boundaries). A
// non-empty task.SaveFolder is used as the folder name under task.BaseDir
// instead of the naming provider's resolved name.
func (p *Processor) Process(ctx context.Context, task GalleryTask) error {
	client := p.NewClient()
	sessionID := p.Sessions.Create(task.URL)
	p.transition(sessionID, session.ActionStart)

	p.Bus.Publish(events.Event{Kind: events.KindDownloadStarted, URL: task.URL})
	p.Bus.Publish(events.Event{Kind: events.KindUrlStarted, URL: task.URL})
	p.States.SetStatus(task.URL, state.StatusDownloading)

	meta, ok := p.fetchMetadata(ctx, client, task, sessionID)
	if !ok {
		return nil
	}

	saveFolder := task.SaveFolder
	if saveFolder != "" {
		saveFolder = filepath.Join(task.BaseDir, saveFolder)
	} else {
		resolved, err := p.Naming.ResolveSaveFolder(meta, task.BaseDir, task.FolderPolicy)
		if err != nil {
			p.abort(task, sessionID, err)
			return nil
		}
		saveFolder = resolved
	}

	start, end := 1, len(meta.PageURLs)
	if task.RangeEnabled {
		if task.RangeStart > start {
			start = task.RangeStart
		}
		if task.RangeEnd > 0 && task.RangeEnd < end {
			end = task.RangeEnd
		}
	}
	p.States.SetRange(task.URL, start, end)

	resumePage := start
	if cp, ok := p.Resume.ResumeFrom(task.URL); ok {
		resumePage = p.translateResume(cp, start, end)
	}

	p.Bus.Publish(events.Event{Kind: events.KindProgressBarCreated, URL: task.URL})

	for abs := resumePage; abs <= end; abs++ {
		if p.States.IsStopRequested() {
			return nil
		}
		if p.States.IsPauseRequested() {
			p.pause(task, sessionID, abs, start, end, meta, saveFolder)
			return nil
		}

		rel := abs - start + 1
		imagePageURL := ""
		if abs-1 < len(meta.PageURLs) {
			imagePageURL = meta.PageURLs[abs-1]
		}
		targetPath := filepath.Join(saveFolder, fmt.Sprintf("%04d.jpg", abs))

		pageOK, action, perr := p.processPage(ctx, client, task, imagePageURL, targetPath, abs, rel, start, end, meta, saveFolder)
		if !pageOK {
			stop := p.applyFailureAction(task, sessionID, action, abs, rel, start, end, meta, saveFolder, perr)
			if stop {
				return nil
			}
			continue
		}

		p.States.SetSnapshot(task.URL, state.ProgressSnapshot{CurrentPage: rel, TotalPages: end - start + 1, Title: meta.Title, RangeStart: start, RangeEnd: end})
		progress := ProgressEvent{URL: task.URL, CurrentPage: rel, TotalPages: end - start + 1, Title: meta.Title, SavedPath: targetPath, At: time.Now()}
		p.Bus.Publish(events.Event{Kind: events.KindDownloadProgress, URL: task.URL, Payload: progress})
		p.Bus.Publish(events.Event{Kind: events.KindProgressBarUpdated, URL: task.URL, Payload: progress})
		p.Resume.Update(task.URL, resume.Point{Stage: string(errs.StageImageWrite), SubStage: "after", AbsolutePageNumber: abs, RelativePage: rel, DownloadRangeInfo: rangeInfo(task, start, end, abs, rel), SaveFolder: saveFolder, GalleryMetadata: toResumeMeta(meta), Reason: resume.ReasonProgress})
	}

	p.transition(sessionID, session.ActionComplete)
	p.States.SetStatus(task.URL, state.StatusCompleted)
	p.Resume.MarkSuccess(task.URL)
	p.Bus.Publish(events.Event{Kind: events.KindProgressBarRemoved, URL: task.URL})
	p.Bus.Publish(events.Event{Kind: events.KindUrlCompleted, URL: task.URL})
	p.Bus.Publish(events.Event{Kind: events.KindDownloadCompleted, URL: task.URL})
	return nil
}

func (p *Processor) fetchMetadata(ctx context.Context, client *httpclient.Client, task GalleryTask, sessionID string) (Metadata, bool) {
	p.transition(sessionID, session.ActionStart)
	var meta Metadata
	op := func(ctx context.Context) (any, int, error) {
		m, status, err := p.Metadata.FetchMetadata(ctx, client, task.URL)
		meta = m
		return m, status, err
	}
	result := p.MetadataExecutor.Execute(ctx, op, task.UserMaxRetriesOverride, p.States.IsPauseRequested)
	if result.OK {
		return meta, true
	}
	p.applyFailureAction(task, sessionID, result.Action, 0, 0, 0, 0, Metadata{}, "", result.Err)
	return Metadata{}, false
}

// processPage resolves the image page and saves the image, wrapping each
// network step in its own retry executor so stage-specific policy applies
// (§4.4's stage-aware checkpointing). ok=false means the caller must run
// applyFailureAction with the returned action/err; action is meaningless
// when ok is true.
func (p *Processor) processPage(ctx context.Context, client *httpclient.Client, task GalleryTask, imagePageURL, targetPath string, abs, rel, start, end int, meta Metadata, saveFolder string) (ok bool, action errs.FinalAction, err error) {
	p.Resume.Update(task.URL, resume.Point{Stage: string(errs.StageImagePage), SubStage: "before", AbsolutePageNumber: abs, RelativePage: rel, DownloadRangeInfo: rangeInfo(task, start, end, abs, rel), SaveFolder: saveFolder, GalleryMetadata: toResumeMeta(meta), Reason: resume.ReasonProgress})

	var resolved ResolvedImage
	pageOp := func(ctx context.Context) (any, int, error) {
		r, status, err := ResolveImagePage(ctx, client, imagePageURL)
		resolved = r
		return r, status, err
	}
	pageResult := p.ImagePageExecutor.Execute(ctx, pageOp, task.UserMaxRetriesOverride, p.States.IsPauseRequested)
	if !pageResult.OK {
		if pageResult.Action == errs.ActionContinue {
			return p.runFallback(ctx, task, imagePageURL, targetPath)
		}
		return false, pageResult.Action, pageResult.Err
	}

	p.Resume.Update(task.URL, resume.Point{Stage: string(errs.StageImagePage), SubStage: "after", AbsolutePageNumber: abs, RelativePage: rel, DownloadRangeInfo: rangeInfo(task, start, end, abs, rel), SaveFolder: saveFolder, GalleryMetadata: toResumeMeta(meta), Reason: resume.ReasonProgress})
	p.Resume.Update(task.URL, resume.Point{Stage: string(errs.StageImageFetch), SubStage: "before", AbsolutePageNumber: abs, RelativePage: rel, DownloadRangeInfo: rangeInfo(task, start, end, abs, rel), SaveFolder: saveFolder, GalleryMetadata: toResumeMeta(meta), Reason: resume.ReasonProgress})

	host := hostOf(resolved.ImageURL)
	fetchStart := time.Now()
	var savedSize int64
	fetchOp := func(ctx context.Context) (any, int, error) {
		path, ok, err := p.Saver.Save(ctx, client, resolved.ImageURL, targetPath, task.FilePolicy)
		if ok {
			if info, statErr := osStat(path); statErr == nil {
				savedSize = info
			}
		}
		return nil, 0, err
	}
	fetchResult := p.ImageFetchExecutor.Execute(ctx, fetchOp, task.UserMaxRetriesOverride, p.States.IsPauseRequested)
	if p.Congestion != nil && host != "" {
		p.Congestion.RecordOutcome(host, time.Since(fetchStart), fetchResult.Err)
	}
	if !fetchResult.OK {
		if p.Stats != nil {
			p.Stats.TrackError(string(errs.Classify(fetchResult.Err, errs.StageImageFetch, 0)), "")
		}
		if fetchResult.Action == errs.ActionContinue {
			return p.runFallback(ctx, task, imagePageURL, targetPath)
		}
		return false, fetchResult.Action, fetchResult.Err
	}
	if p.Stats != nil {
		p.Stats.TrackFileCompleted()
		if savedSize > 0 {
			p.Stats.TrackDownloadBytes(savedSize)
		}
	}
	return true, "", nil
}

func (p *Processor) runFallback(ctx context.Context, task GalleryTask, imagePageURL, targetPath string) (ok bool, action errs.FinalAction, err error) {
	if p.Fallback == nil {
		return false, errs.ActionSkipImage, fmt.Errorf("gallery: fallback required but not configured")
	}
	data, err := p.Fallback.FetchImage(ctx, imagePageURL)
	if err != nil {
		return false, errs.ActionSkipImage, err
	}
	if _, _, err := p.Saver.SaveBytes(data, targetPath, task.FilePolicy); err != nil {
		return false, errs.ActionSkipImage, err
	}
	return true, "", nil
}

// applyFailureAction implements the failure-action table in §4.4. It
// returns true if the caller should stop processing this gallery.
func (p *Processor) applyFailureAction(task GalleryTask, sessionID string, action errs.FinalAction, abs, rel, start, end int, meta Metadata, saveFolder string, cause error) bool {
	switch action {
	case errs.ActionSkipImage:
		if p.Logger != nil {
			p.Logger.Warn("skipping image", "url", task.URL, "page", abs, "err", cause)
		}
		return false
	case errs.ActionSkipURL:
		p.States.SetStatus(task.URL, state.StatusSkipped)
		p.Bus.Publish(events.Event{Kind: events.KindProgressBarRemoved, URL: task.URL})
		p.Bus.Publish(events.Event{Kind: events.KindUrlSkipped, URL: task.URL})
		return true
	case errs.ActionPause:
		p.pause(task, sessionID, abs, start, end, meta, saveFolder)
		return true
	case errs.ActionManual:
		p.pause(task, sessionID, abs, start, end, meta, saveFolder)
		p.Bus.Publish(events.Event{Kind: events.KindManualInterventionRequired, URL: task.URL, Payload: cause})
		return true
	case errs.ActionAbort:
		p.abort(task, sessionID, cause)
		return true
	default:
		p.abort(task, sessionID, cause)
		return true
	}
}

func (p *Processor) pause(task GalleryTask, sessionID string, abs, start, end int, meta Metadata, saveFolder string) {
	p.transition(sessionID, session.ActionPause)
	p.States.SetStatus(task.URL, state.StatusPaused)
	p.Resume.Update(task.URL, resume.Point{Stage: string(errs.StageImageFetch), AbsolutePageNumber: abs, RelativePage: abs - start + 1, DownloadRangeInfo: rangeInfo(task, start, end, abs, abs-start+1), SaveFolder: saveFolder, GalleryMetadata: toResumeMeta(meta), Reason: resume.ReasonPause})
	p.Bus.Publish(events.Event{Kind: events.KindDownloadPaused, URL: task.URL})
}

func (p *Processor) abort(task GalleryTask, sessionID string, cause error) {
	p.transition(sessionID, session.ActionAbort)
	p.States.RequestStop()
	p.States.SetStatus(task.URL, state.StatusError)
	p.Bus.Publish(events.Event{Kind: events.KindDownloadError, URL: task.URL, Payload: cause})
}

func (p *Processor) transition(sessionID string, action session.Action) {
	status, err := p.Sessions.Apply(sessionID, action)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("rejected session transition", "err", err)
		}
		return
	}
	p.Bus.PublishSync(events.Event{Kind: events.KindStatusChanged, Payload: status})
}

// translateResume implements §4.4 step 4: resume translation across a
// changed download range.
func (p *Processor) translateResume(cp resume.Point, start, end int) int {
	info := cp.DownloadRangeInfo
	if info.Enabled && (info.Start != start || info.End != end) {
		if abs := cp.AbsolutePageNumber; abs >= start && abs <= end {
			return abs
		}
		if cp.AbsolutePageNumber < start {
			return start
		}
		return end
	}
	if cp.RelativePage > 0 {
		if abs, ok := resume.AbsoluteFromRelative(cp.RelativePage, start, end); ok {
			return abs
		}
	}
	return start
}

func rangeInfo(task GalleryTask, start, end, abs, rel int) resume.DownloadRangeInfo {
	return resume.DownloadRangeInfo{
		Enabled:       task.RangeEnabled,
		Start:         start,
		End:           end,
		RelativePage:  rel,
		RelativeTotal: end - start + 1,
		AbsolutePage:  abs,
	}
}

func toResumeMeta(m Metadata) resume.GalleryMetadata {
	return resume.GalleryMetadata{Title: m.Title, Artist: m.Artist, TotalPages: m.TotalPages}
}

// hostOf extracts the host component of a URL for congestion tracking,
// returning "" on a malformed URL rather than failing the fetch.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// osStat returns the size of the file at path, used to feed
// StatsManager.TrackDownloadBytes after a successful save.
func osStat(path string) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("gallery: empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
