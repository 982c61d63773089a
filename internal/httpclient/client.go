// Package httpclient builds the per-worker HTTP sessions the gallery
// processor and image fetcher use, and paces outbound requests with a
// token-bucket limiter. Grounded in internal/core/engine.go's newRequest/
// ProbeURL helpers (generic header/cookie handling, a Range-based probe
// that avoids a separate HEAD request) and internal/core/bandwidth.go's
// rate.Limiter-backed BandwidthManager, generalized from "download
// bytes" pacing to "request" pacing at the client level.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Client wraps an *http.Client with the headers, cookies, and pacing every
// gallery-processor worker session needs. One Client is created per
// gallery-processor goroutine at task start (§5: "HTTP sessions are not
// shared across threads").
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
	Cookies   string

	limiter *rate.Limiter
}

// New builds a session-scoped client. userAgent empty uses DefaultUserAgent.
func New(userAgent string, timeout time.Duration) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		HTTP: &http.Client{
			Timeout: timeout,
		},
		UserAgent: userAgent,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
}

// SetRequestsPerSecond reconfigures request pacing; rps<=0 disables limiting.
func (c *Client) SetRequestsPerSecond(rps float64) {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
}

// SetHeadersJSON parses a headers payload that may be a JSON object or a
// raw "Key: Value\n" block, mirroring engine.go's tolerant header parsing
// (galleries are frequently configured via hand-edited text fields).
func (c *Client) SetHeadersJSON(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "{") {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return fmt.Errorf("httpclient: invalid headers json: %w", err)
		}
		c.Headers = m
		return nil
	}
	m := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		m[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	c.Headers = m
	return nil
}

// NewRequest builds a request with the given method carrying this client's
// identity headers.
func (c *Client) NewRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.9,en;q=0.8")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if c.Cookies != "" {
		req.Header.Set("Cookie", c.Cookies)
	}
	return req, nil
}

// Do paces the request through the limiter and then issues it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.HTTP.Do(req)
}

// ProbeInfo is what Probe discovers without a dedicated HEAD request.
type ProbeInfo struct {
	StatusCode    int
	ContentLength int64
	ETag          string
	LastModified  string
	AcceptRanges  bool
}

// Probe issues a ranged GET for byte 0 only, which most servers answer with
// 206 plus the full Content-Range/ETag/Last-Modified metadata — avoiding a
// separate HEAD round trip some gallery hosts reject. Grounded directly in
// engine.go's ProbeURL.
func (c *Client) Probe(ctx context.Context, url string) (ProbeInfo, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, url)
	if err != nil {
		return ProbeInfo{}, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.Do(req)
	if err != nil {
		return ProbeInfo{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	info := ProbeInfo{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes" || resp.StatusCode == http.StatusPartialContent,
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 && idx+1 < len(cr) {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				info.ContentLength = n
			}
		}
	}
	if info.ContentLength == 0 {
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			info.ContentLength = n
		}
	}
	return info, nil
}
