package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"ehcore/internal/errs"
	"ehcore/internal/filesystem"
	"ehcore/internal/httpclient"
	"ehcore/internal/integrity"
	"ehcore/internal/network"
)

var (
	imgSrcRe = regexp.MustCompile(`<img[^>]+id="img"[^>]+src="([^"]+)"`)
	nlTokenRe = regexp.MustCompile(`nl\(['"]([^'"]+)['"]\)`)
)

// ResolvedImage is what ResolveImagePage discovers from one image page.
type ResolvedImage struct {
	ImageURL string
	NLToken  string
}

// ResolveImagePage fetches imagePageURL and extracts the single <img> src
// and the "nl" reload token E-Hentai embeds for load-failure retries.
func ResolveImagePage(ctx context.Context, client *httpclient.Client, imagePageURL string) (ResolvedImage, int, error) {
	req, err := client.NewRequest(ctx, http.MethodGet, imagePageURL)
	if err != nil {
		return ResolvedImage{}, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ResolvedImage{}, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return ResolvedImage{}, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return ResolvedImage{}, resp.StatusCode, fmt.Errorf("gallery: unexpected status %d fetching image page", resp.StatusCode)
	}

	m := imgSrcRe.FindSubmatch(body)
	if m == nil {
		return ResolvedImage{}, resp.StatusCode, fmt.Errorf("gallery: no image found on page %s", imagePageURL)
	}
	out := ResolvedImage{ImageURL: string(m[1])}
	if nl := nlTokenRe.FindSubmatch(body); nl != nil {
		out.NLToken = string(nl[1])
	}
	return out, resp.StatusCode, nil
}

// Saver fetches an already-resolved image URL and writes it to targetPath
// atomically, applying the duplicate-file policy and a pre-write disk-space
// check. Grounded in internal/downloader/downloader.go's DownloadFile
// (os.CreateTemp in the target directory, deferred cleanup-unless-renamed
// flag, atomic os.Rename) and internal/filesystem/allocator.go's
// checkDiskSpace.
type Saver struct {
	Allocator *filesystem.Allocator

	// Bandwidth, when set, paces each write against the engine's global
	// bandwidth cap (EngineConfig.GlobalBandwidthBytesPerSec, §3.1)
	// before bytes are committed to disk. Nil means unpaced.
	Bandwidth *network.BandwidthManager

	// Verifier, when set, recomputes a hash over the just-written file
	// (EngineConfig.EnableIntegrityCheck, §2.1); a read failure is returned
	// as a wrapped "integrity check failed" error and classified by
	// errs.Classify like any other error, not as fs.corrupt. Nil disables
	// the check.
	Verifier *integrity.FileVerifier
}

func NewSaver() *Saver {
	return &Saver{Allocator: filesystem.NewAllocator()}
}

// Save downloads imageURL and writes it to targetPath per policy. It
// returns the actual path written (which may differ from targetPath under
// DuplicateRename) or "" with ok=false if DuplicateSkip applied to an
// already-present file.
func (s *Saver) Save(ctx context.Context, client *httpclient.Client, imageURL, targetPath string, policy DuplicatePolicy) (savedPath string, ok bool, err error) {
	req, err := client.NewRequest(ctx, http.MethodGet, imageURL)
	if err != nil {
		return "", false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("gallery: unexpected status %d fetching image", resp.StatusCode)
	}

	var contentLength int64
	if n, parseErr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); parseErr == nil {
		contentLength = n
	}
	if s.Bandwidth != nil && contentLength > 0 {
		if err := s.Bandwidth.Wait(ctx, imageURL, int(contentLength)); err != nil {
			return "", false, err
		}
	}
	return s.writeAtomic(targetPath, policy, resp.Body, contentLength)
}

// SaveBytes writes already-fetched bytes (the headless-browser fallback
// path, which extracts image data in-process rather than streaming an HTTP
// response) through the same duplicate-policy and atomic-rename path.
func (s *Saver) SaveBytes(data []byte, targetPath string, policy DuplicatePolicy) (savedPath string, ok bool, err error) {
	return s.writeAtomic(targetPath, policy, bytes.NewReader(data), int64(len(data)))
}

func (s *Saver) writeAtomic(targetPath string, policy DuplicatePolicy, r io.Reader, knownSize int64) (savedPath string, ok bool, err error) {
	if _, statErr := os.Stat(targetPath); statErr == nil {
		switch policy {
		case DuplicateSkip:
			return "", false, nil
		case DuplicateRename:
			targetPath = nextAvailableName(targetPath)
		case DuplicateOverwrite:
			// fall through, temp+rename below overwrites in place.
		}
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("gallery: creating save directory %s: %w", dir, err)
	}

	if err := s.Allocator.CheckDiskSpace(targetPath, knownSize); err != nil {
		if errors.Is(err, filesystem.ErrDiskFull) {
			return "", false, fmt.Errorf("%w: %v", errs.ErrDiskFull, err)
		}
		return "", false, err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(targetPath)+".*.tmp")
	if err != nil {
		return "", false, fmt.Errorf("gallery: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	shouldCleanup := true
	defer func() {
		tmp.Close()
		if shouldCleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return "", false, fmt.Errorf("gallery: writing temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, fmt.Errorf("gallery: closing temp file %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, targetPath); err != nil {
		return "", false, fmt.Errorf("gallery: renaming temp file to %s: %w", targetPath, err)
	}
	shouldCleanup = false

	if s.Verifier != nil {
		if _, err := s.Verifier.VerifyWritten(targetPath); err != nil {
			return "", false, fmt.Errorf("gallery: integrity check failed for %s: %w", targetPath, err)
		}
	}

	return targetPath, true, nil
}

func nextAvailableName(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
