package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateGetResumeFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.Update("https://e-hentai.org/g/1/aaaa", Point{
		Stage:              "image_fetch",
		AbsolutePageNumber: 3,
		RelativePage:       3,
	})

	p, ok := s.Get("https://e-hentai.org/g/1/aaaa")
	require.True(t, ok)
	require.Equal(t, 3, p.AbsolutePageNumber)

	require.True(t, s.IsResumable("https://e-hentai.org/g/1/aaaa"))
	rp, ok := s.ResumeFrom("https://e-hentai.org/g/1/aaaa")
	require.True(t, ok)
	require.Equal(t, 3, rp.RelativePage)
}

func TestMarkSuccessBlocksFurtherWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	url := "https://e-hentai.org/g/2/bbbb"
	s.Create(url, "metadata")
	s.MarkSuccess(url)

	require.False(t, s.IsResumable(url))

	s.Update(url, Point{AbsolutePageNumber: 99})
	p, ok := s.Get(url)
	require.True(t, ok)
	require.True(t, p.Success)
	require.NotEqual(t, 99, p.AbsolutePageNumber)
}

// TestResumeDeterminism exercises Property 4: save, load, parse yields the
// same ResumePoint modulo timestamp.
func TestResumeDeterminism(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	s, err := Open(path)
	require.NoError(t, err)

	url := "https://e-hentai.org/g/3/cccc"
	s.Update(url, Point{
		Stage:              "image_fetch",
		SubStage:           "after",
		AbsolutePageNumber: 12,
		RelativePage:       12,
		SaveFolder:         "/downloads/gallery",
		GalleryMetadata:    GalleryMetadata{Title: "t", Artist: "a", TotalPages: 40},
		StageData:          map[string]string{"target_path": "/downloads/gallery/012.jpg"},
	})
	s.flush()
	s.Close()

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(url)
	require.True(t, ok)
	require.Equal(t, 12, got.AbsolutePageNumber)
	require.Equal(t, "image_fetch", got.Stage)
	require.Equal(t, "/downloads/gallery/012.jpg", got.StageData["target_path"])
}

func TestLegacySingularShapeMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	legacy := document{
		ResumePoint: &Point{URL: "https://e-hentai.org/g/4/dddd", AbsolutePageNumber: 5, Timestamp: time.Now()},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	p, ok := s.Get("https://e-hentai.org/g/4/dddd")
	require.True(t, ok)
	require.Equal(t, 5, p.AbsolutePageNumber)

	// Canonical save never re-emits the legacy key.
	s.flush()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Nil(t, doc.ResumePoint)
	require.Contains(t, doc.ResumePoints, "https://e-hentai.org/g/4/dddd")
}

func TestCleanupOldPrunesByAgeAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	s.maxAge = time.Hour
	s.maxEntries = 2

	clock := time.Now()
	s.now = func() time.Time { return clock }

	s.Update("u1", Point{})
	s.flush()
	clock = clock.Add(2 * time.Hour) // now stale
	s.now = func() time.Time { return clock }
	s.Update("u2", Point{})
	s.flush()
	s.Update("u3", Point{})
	s.flush()

	removed := s.CleanupOld()
	require.GreaterOrEqual(t, removed, 1)
	require.False(t, s.IsResumable("u1"))
}

func TestTranslateRangeRoundTrip(t *testing.T) {
	start, end := 10, 25
	for abs := start; abs <= end; abs++ {
		rel, ok := TranslateRange(abs, start, end)
		require.True(t, ok)
		back, ok := AbsoluteFromRelative(rel, start, end)
		require.True(t, ok)
		require.Equal(t, abs, back)
	}

	_, ok := TranslateRange(9, start, end)
	require.False(t, ok)
	_, ok = TranslateRange(26, start, end)
	require.False(t, ok)
}

func TestPersistIsAtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.Update("u1", Point{AbsolutePageNumber: 1})
	s.flush()

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}
