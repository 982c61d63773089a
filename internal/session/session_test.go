package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleHappyPath(t *testing.T) {
	s := NewStore()
	id := s.Create("https://e-hentai.org/g/1/a")

	st, err := s.Apply(id, ActionStart)
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, st)

	st, err = s.Apply(id, ActionStart)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, st)

	st, err = s.Apply(id, ActionComplete)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := NewStore()
	id := s.Create("u")
	_, err := s.Apply(id, ActionComplete) // idle has no "complete"
	require.Error(t, err)
	var invalid *ErrInvalidTransition
	assert.ErrorAs(t, err, &invalid)

	sess, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusIdle, sess.Status) // unchanged
}

func TestErrorRetryRoundTrip(t *testing.T) {
	s := NewStore()
	id := s.Create("u")
	s.Apply(id, ActionStart)
	s.Apply(id, ActionStart)
	st, err := s.Apply(id, ActionError)
	require.NoError(t, err)
	assert.Equal(t, StatusError, st)

	st, err = s.Apply(id, ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, st)

	st, err = s.Apply(id, ActionStart)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, st)
}

func TestActiveCountReflectsOccupyingStates(t *testing.T) {
	s := NewStore()
	id1 := s.Create("u1")
	id2 := s.Create("u2")

	assert.Equal(t, 0, s.ActiveCount())

	s.Apply(id1, ActionStart)
	assert.Equal(t, 1, s.ActiveCount())

	s.Apply(id1, ActionStart) // -> downloading
	s.Apply(id2, ActionStart) // -> initializing
	assert.Equal(t, 2, s.ActiveCount())

	s.Apply(id1, ActionComplete)
	assert.Equal(t, 1, s.ActiveCount())
}
