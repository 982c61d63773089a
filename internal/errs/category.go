// Package errs classifies failures into a closed set of categories and
// derives the retry policy, severity, and final action attached to each one.
//
// It replaces the teacher's ad hoc friendlyError/friendlyHTTPError string
// matching (internal/core/engine.go) with a table-driven classifier: the
// shape stays the same (inspect an error/status and return something the
// caller can act on), but the output is a closed Category instead of a
// human sentence, because every downstream component (retry executor,
// gallery processor, session state machine) needs to branch on it.
package errs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Category is a closed classification of a failure. The zero value is
// never used; Classify always returns one of the named constants.
type Category string

const (
	CategoryNetTimeout     Category = "net.timeout"
	CategoryNetConn        Category = "net.conn"
	CategoryNetRateLimit   Category = "net.rate_limit"
	CategoryNetServerError Category = "net.server_error"
	CategoryNetClientError Category = "net.client_error"
	CategoryNetSSL         Category = "net.ssl"

	CategoryFSPermission Category = "fs.permission"
	CategoryFSNotFound   Category = "fs.not_found"
	CategoryFSDiskFull   Category = "fs.disk_full"
	CategoryFSLocked     Category = "fs.locked"
	CategoryFSCorrupt    Category = "fs.corrupt"

	CategoryParsing    Category = "parsing"
	CategoryValidation Category = "validation"

	CategorySelDriver  Category = "sel.driver"
	CategorySelTimeout Category = "sel.timeout"
	CategorySelScript  Category = "sel.script"

	CategoryUnknown Category = "unknown"
)

// Stage identifies which phase of gallery processing produced the error,
// used both for classification hints and as the stage recorded in resume
// checkpoints.
type Stage string

const (
	StageMetadata   Stage = "metadata"
	StagePageList   Stage = "page_list"
	StageImagePage  Stage = "image_page"
	StageImageFetch Stage = "image_fetch"
	StageImageWrite Stage = "image_write"
)

// ErrDiskFull is returned by the image saver when a pre-write disk-space
// check (gopsutil) determines there isn't enough room for the file.
var ErrDiskFull = errors.New("errs: insufficient disk space")

// ErrCorruptState is returned when a resume checkpoint fails its own
// internal consistency check (e.g. relative page outside the applied range).
var ErrCorruptState = errors.New("errs: corrupt resume state")

// Classify inspects err (and, for HTTP operations, the response status code)
// and returns the category that governs its retry policy. httpStatus is 0
// when the error did not originate from a completed HTTP round trip.
func Classify(err error, stage Stage, httpStatus int) Category {
	if err == nil && httpStatus == 0 {
		return CategoryUnknown
	}

	if httpStatus != 0 {
		switch {
		case httpStatus == http.StatusTooManyRequests:
			return CategoryNetRateLimit
		case httpStatus >= 500:
			return CategoryNetServerError
		case httpStatus >= 400:
			return CategoryNetClientError
		}
	}

	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetTimeout
	case errors.Is(err, ErrDiskFull):
		return CategoryFSDiskFull
	case errors.Is(err, ErrCorruptState):
		return CategoryFSCorrupt
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryNetTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls") || strings.Contains(msg, "x509") || strings.Contains(msg, "certificate"):
		return CategoryNetSSL
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host"):
		return CategoryNetConn
	case strings.Contains(msg, "permission denied"):
		return CategoryFSPermission
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "not found"):
		return CategoryFSNotFound
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full"):
		return CategoryFSDiskFull
	case strings.Contains(msg, "resource busy") || strings.Contains(msg, "locked"):
		return CategoryFSLocked
	case strings.Contains(msg, "chromedp") || strings.Contains(msg, "devtools"):
		return CategorySelDriver
	case strings.Contains(msg, "context deadline exceeded") && stage == StageImagePage:
		return CategorySelTimeout
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unexpected element"):
		return CategoryParsing
	}

	if stage == StageMetadata || stage == StagePageList {
		return CategoryParsing
	}
	return CategoryUnknown
}

// Severity is the logging/escalation dimension, orthogonal to Category.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DeriveSeverity implements §7's severity rule: consecutive errors escalate
// to medium; exhausting retries on a write-stage error escalates to high;
// a cancelled context (process shutting down) is always critical.
func DeriveSeverity(err error, consecutiveErrors, retryCount, maxRetries int, stage Stage) Severity {
	if errors.Is(err, context.Canceled) {
		return SeverityCritical
	}
	if stage == StageImageWrite && retryCount >= maxRetries {
		return SeverityHigh
	}
	if consecutiveErrors >= 3 {
		return SeverityMedium
	}
	return SeverityLow
}
