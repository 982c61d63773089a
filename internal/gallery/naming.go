package gallery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NamingProvider resolves a save folder for a gallery, an external
// collaborator per SPEC_FULL.md §1 ("does not decide naming templates; it
// accepts a rendered name"). The default below renders "Artist - Title"
// under baseDir; a GUI layer can substitute its own template engine.
type NamingProvider interface {
	ResolveSaveFolder(meta Metadata, baseDir string, policy DuplicatePolicy) (string, error)
}

var unsafeNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// DefaultNamingProvider renders a filesystem-safe "Artist - Title" folder
// name and applies the folder-level duplicate policy.
type DefaultNamingProvider struct{}

func (DefaultNamingProvider) ResolveSaveFolder(meta Metadata, baseDir string, policy DuplicatePolicy) (string, error) {
	name := meta.Title
	if meta.Artist != "" {
		name = meta.Artist + " - " + meta.Title
	}
	name = strings.TrimSpace(unsafeNameChars.ReplaceAllString(name, "_"))
	if name == "" {
		name = "untitled"
	}

	target := filepath.Join(baseDir, name)
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return target, nil
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("gallery: save path %s exists and is not a directory", target)
	}

	switch policy {
	case DuplicateOverwrite:
		return target, nil
	case DuplicateSkip:
		return target, nil
	case DuplicateRename:
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s (%d)", target, n)
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				return candidate, nil
			}
		}
	default:
		return target, nil
	}
}
