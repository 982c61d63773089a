// Package network provides the global bandwidth cap and the per-host AIMD
// congestion estimator the gallery image saver consults.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthManager enforces EngineConfig.GlobalBandwidthBytesPerSec
// (SPEC_FULL.md §3.1) with zero overhead when disabled. Grounded in the
// teacher's internal/network/bandwidth.go BandwidthManager: the same
// rate.Limiter-backed token bucket sized in bytes rather than requests,
// generalized here from "TaskID" to a gallery URL as the unit a priority
// is attached to (a queued GalleryTask's priority, rather than a generic
// download task's).
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	mu            sync.RWMutex

	// Map of gallery URL -> priority level (1=Low, 2=Normal, 3=High),
	// sourced from the queued GalleryTask's priority.
	urlPriorities map[string]int
}

// NewBandwidthManager creates a bandwidth manager with no limit.
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
		urlPriorities: make(map[string]int),
	}
}

// SetLimit updates the global speed limit in bytes per second; 0 means
// unlimited.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
	} else {
		bm.limitEnabled.Store(true)
		bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
		bm.globalLimiter.SetBurst(bytesPerSec) // allow a 1s burst
	}
}

// SetURLPriority sets the priority for a specific gallery URL.
func (bm *BandwidthManager) SetURLPriority(url string, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.urlPriorities[url] = priority
}

// Wait blocks until the requested bytes can be consumed, returning
// immediately if the limit is disabled.
func (bm *BandwidthManager) Wait(ctx context.Context, url string, bytes int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}

	bm.mu.RLock()
	priority, ok := bm.urlPriorities[url]
	bm.mu.RUnlock()
	if !ok {
		priority = 2 // default normal
	}

	if err := bm.globalLimiter.WaitN(ctx, bytes); err != nil {
		return err
	}

	if priority == 1 {
		// Yield briefly so a low-priority gallery doesn't starve a
		// higher-priority one queued behind it.
		time.Sleep(10 * time.Millisecond)
	}

	return nil
}
