package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetStatusRejectsOverwriteAfterCompleted(t *testing.T) {
	s := NewStore()
	s.SetStatus("u1", StatusDownloading)
	s.SetStatus("u1", StatusCompleted)
	s.SetStatus("u1", StatusError)

	st, ok := s.GetStatus("u1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, st)
}

func TestClearAllowsReuse(t *testing.T) {
	s := NewStore()
	s.SetStatus("u1", StatusCompleted)
	s.Clear("u1")
	s.SetStatus("u1", StatusPending)

	st, ok := s.GetStatus("u1")
	require.True(t, ok)
	require.Equal(t, StatusPending, st)
}

// TestActiveURLsSingleSlot exercises Property 1: at most one URL occupies
// the active download slot at a time.
func TestActiveURLsSingleSlot(t *testing.T) {
	s := NewStore()
	s.SetStatus("u1", StatusDownloading)
	require.Equal(t, []string{"u1"}, s.ActiveURLs())

	s.SetStatus("u1", StatusCompleted)
	require.Empty(t, s.ActiveURLs())
}

func TestNotifyFiresOutsideLock(t *testing.T) {
	s := NewStore()
	var got string
	s.Subscribe("url_status", func(topic, url string) {
		got = url
		// Re-entering the store from inside a notification must not
		// deadlock: the lock is released before notify runs.
		s.GetStatus(url)
	})
	s.SetStatus("u9", StatusDownloading)
	require.Equal(t, "u9", got)
}

func TestPauseAndStopFlags(t *testing.T) {
	s := NewStore()
	require.False(t, s.IsPauseRequested())
	s.RequestPause()
	require.True(t, s.IsPauseRequested())
	s.ClearPauseRequest()
	require.False(t, s.IsPauseRequested())

	require.False(t, s.IsStopRequested())
	s.RequestStop()
	require.True(t, s.IsStopRequested())
}

func TestConcurrentStatusWrites(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SetStatus("shared", StatusDownloading)
			s.SetSnapshot("shared", ProgressSnapshot{CurrentPage: i})
		}(i)
	}
	wg.Wait()

	_, ok := s.GetSnapshot("shared")
	require.True(t, ok)
}
