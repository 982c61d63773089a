// Package fallback drives a headless browser (C6) as the last-resort path
// for image pages gated by JavaScript or bot defences that plain HTTP
// retries cannot get past.
//
// Grounded in tomasbasham-har-capture's internal/capture/capture.go:
// chromedp.NewExecAllocator + chromedp.NewContext with no-op
// WithLogf/WithErrorf/WithDebugf, a hard context.WithTimeout wrapped around
// the browser-bound operation, and an idempotent close guard (there
// onceCloser over a channel; here the same idea applied to releasing the
// allocator). The per-attempt extraction strategies are modeled the way
// that file models lifecycle stages: an ordered list tried in sequence,
// first usable result wins.
package fallback

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"ehcore/internal/httpclient"
)

const startupTimeout = 30 * time.Second

// Options configures the browser session acquisition step.
type Options struct {
	// BrowserPath, if set, is used instead of chromedp's default binary
	// discovery (prefer user-supplied path per §4.6 step 1).
	BrowserPath string
	NavTimeout  time.Duration
}

// Executor acquires a scoped browser session per FetchImage call and
// guarantees its release, implementing gallery.FallbackFetcher.
type Executor struct {
	Options Options
	Client  *httpclient.Client
}

func New(client *httpclient.Client, opts Options) *Executor {
	if opts.NavTimeout == 0 {
		opts.NavTimeout = 15 * time.Second
	}
	return &Executor{Options: opts, Client: client}
}

// FetchImage implements gallery.FallbackFetcher: it acquires an isolated
// browser session, navigates to imagePageURL, and tries each extraction
// strategy in order until one returns non-empty bytes.
func (e *Executor) FetchImage(ctx context.Context, imagePageURL string) ([]byte, error) {
	sessionCtx, release, err := e.acquireSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("fallback: acquiring browser session: %w", err)
	}
	defer release()

	navCtx, cancelNav := context.WithTimeout(sessionCtx, e.Options.NavTimeout)
	defer cancelNav()

	if err := chromedp.Run(navCtx, chromedp.Navigate(imagePageURL)); err != nil {
		return nil, fmt.Errorf("fallback: navigation failed: %w", err)
	}

	var imgSrc string
	_ = chromedp.Run(sessionCtx, chromedp.AttributeValue(`#img`, "src", &imgSrc, nil))

	for _, strategy := range e.strategies(imgSrc) {
		data, err := strategy(sessionCtx)
		if err == nil && len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("fallback: all extraction strategies failed for %s", imagePageURL)
}

// strategy is one image-byte extraction method, tried once per image.
type strategy func(ctx context.Context) ([]byte, error)

// strategies returns the three ordered extraction methods from §4.6 step 3:
// canvas->toDataURL->base64, direct GET on the discovered <img>.src, and
// canvas->toBlob->FileReader.
func (e *Executor) strategies(imgSrc string) []strategy {
	return []strategy{
		e.canvasDataURL,
		func(ctx context.Context) ([]byte, error) { return e.directGET(ctx, imgSrc) },
		e.canvasToBlob,
	}
}

const canvasDataURLScript = `(() => {
	const img = document.querySelector('#img');
	if (!img) return '';
	const canvas = document.createElement('canvas');
	canvas.width = img.naturalWidth;
	canvas.height = img.naturalHeight;
	canvas.getContext('2d').drawImage(img, 0, 0);
	return canvas.toDataURL('image/jpeg');
})()`

func (e *Executor) canvasDataURL(ctx context.Context) ([]byte, error) {
	var dataURL string
	if err := chromedp.Run(ctx, chromedp.Evaluate(canvasDataURLScript, &dataURL)); err != nil {
		return nil, err
	}
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, fmt.Errorf("fallback: unexpected data URL shape")
	}
	return base64.StdEncoding.DecodeString(dataURL[idx+1:])
}

func (e *Executor) directGET(ctx context.Context, imgSrc string) ([]byte, error) {
	if imgSrc == "" {
		return nil, fmt.Errorf("fallback: no <img> src discovered")
	}
	req, err := e.Client.NewRequest(ctx, http.MethodGet, imgSrc)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback: unexpected status %d", resp.StatusCode)
	}
	buf := make([]byte, 0, 64<<10)
	tmp := make([]byte, 32<<10)
	for {
		n, readErr := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

// canvasToBlob is the third-choice strategy: blob + FileReader base64
// round trip, for pages whose canvas is tainted for toDataURL but still
// permits a same-origin blob read.
const canvasToBlobScript = `new Promise((resolve) => {
	const img = document.querySelector('#img');
	if (!img) { resolve(''); return; }
	const canvas = document.createElement('canvas');
	canvas.width = img.naturalWidth;
	canvas.height = img.naturalHeight;
	canvas.getContext('2d').drawImage(img, 0, 0);
	canvas.toBlob((blob) => {
		if (!blob) { resolve(''); return; }
		const reader = new FileReader();
		reader.onloadend = () => resolve(reader.result);
		reader.readAsDataURL(blob);
	}, 'image/jpeg');
})`

func (e *Executor) canvasToBlob(ctx context.Context) ([]byte, error) {
	var dataURL string
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := chromedp.Run(ctx, chromedp.Evaluate(canvasToBlobScript, &dataURL, awaitPromise)); err != nil {
		return nil, err
	}
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, fmt.Errorf("fallback: unexpected data URL shape")
	}
	return base64.StdEncoding.DecodeString(dataURL[idx+1:])
}

// acquireSession starts an isolated browser allocator (fresh user-data
// directory, random debug port) hard-timeboxed at 30s, per §4.6 step 1.
// release always tears down the allocator and removes the user-data dir,
// even on a failed acquisition.
func (e *Executor) acquireSession(parent context.Context) (context.Context, func(), error) {
	userDataDir, err := os.MkdirTemp("", "ehcore-browser-*")
	if err != nil {
		return nil, nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserDataDir(userDataDir),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", randomDebugPort())),
	)
	if e.Options.BrowserPath != "" {
		opts = append(opts, chromedp.ExecPath(e.Options.BrowserPath))
	}

	// The allocator lives on parent, not on a startup-scoped context: the
	// browser is torn down when its allocator context ends, and the session
	// must outlive this function. Only the first Run below is timeboxed.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(string, ...any) {}),
		chromedp.WithErrorf(func(string, ...any) {}),
		chromedp.WithDebugf(func(string, ...any) {}),
	)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		cancelTab()
		cancelAlloc()
		os.RemoveAll(userDataDir)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- chromedp.Run(tabCtx) }()
	select {
	case err := <-startErr:
		if err != nil {
			release()
			return nil, nil, err
		}
	case <-time.After(startupTimeout):
		release()
		return nil, nil, fmt.Errorf("fallback: browser startup exceeded %s", startupTimeout)
	}

	return tabCtx, release, nil
}

func randomDebugPort() int {
	return 30000 + rand.Intn(20000)
}
