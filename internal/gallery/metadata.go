package gallery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"ehcore/internal/httpclient"
)

// MetadataFetcher fetches a gallery's title, artist, and per-page image-page
// URLs from its listing page(s). The default implementation below is an
// HTML-regex scraper; tests substitute a fake.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, client *httpclient.Client, galleryURL string) (Metadata, int, error)
}

// HTMLMetadataFetcher scrapes the gallery listing page with a small set of
// targeted regexes rather than a full HTML parser, mirroring the teacher's
// preference for narrow, purpose-built parsing over a general DOM tree
// (internal/core/engine.go never pulls in an HTML parser either).
type HTMLMetadataFetcher struct{}

var (
	titleRe    = regexp.MustCompile(`<h1[^>]*id="gn"[^>]*>([^<]+)</h1>`)
	artistRe   = regexp.MustCompile(`<a[^>]*href="[^"]*/artist/[^"]*"[^>]*>([^<]+)</a>`)
	pageCountRe = regexp.MustCompile(`([\d,]+)\s+pages`)
	pageLinkRe = regexp.MustCompile(`<a href="(https?://[^"]*/s/[a-f0-9]+/\d+-(\d+))"`)
)

func (HTMLMetadataFetcher) FetchMetadata(ctx context.Context, client *httpclient.Client, galleryURL string) (Metadata, int, error) {
	req, err := client.NewRequest(ctx, http.MethodGet, galleryURL)
	if err != nil {
		return Metadata{}, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Metadata{}, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Metadata{}, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, resp.StatusCode, fmt.Errorf("gallery: unexpected status %d fetching %s", resp.StatusCode, galleryURL)
	}

	meta := Metadata{}
	if m := titleRe.FindSubmatch(body); m != nil {
		meta.Title = string(m[1])
	}
	if m := artistRe.FindSubmatch(body); m != nil {
		meta.Artist = string(m[1])
	}
	if m := pageCountRe.FindSubmatch(body); m != nil {
		n, _ := strconv.Atoi(removeCommas(string(m[1])))
		meta.TotalPages = n
	}

	links := map[int]string{}
	for _, m := range pageLinkRe.FindAllSubmatch(body, -1) {
		idx, err := strconv.Atoi(string(m[2]))
		if err != nil {
			continue
		}
		links[idx] = string(m[1])
	}
	if meta.TotalPages == 0 {
		meta.TotalPages = len(links)
	}
	meta.PageURLs = make([]string, meta.TotalPages)
	for idx, url := range links {
		if idx-1 >= 0 && idx-1 < len(meta.PageURLs) {
			meta.PageURLs[idx-1] = url
		}
	}

	return meta, resp.StatusCode, nil
}

func removeCommas(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ',' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
