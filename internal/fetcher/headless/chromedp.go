// Package headless renders pages in headless Chrome for sites whose menus
// are filled in by JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/oddlid/rlunch/internal/lunch"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWaitSelector      = "body"
	defaultSettle            = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps open tabs. Zero means no cap.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector must match before the DOM is captured.
	WaitSelector string
	// Settle is an extra pause for scripts that fill the menu after load.
	// Negative disables it.
	Settle time.Duration
}

// Fetcher implements lunch.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg     Config
	tabs    *semaphore.Weighted
	browser context.Context
	stop    context.CancelFunc
}

var _ lunch.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher backed by chromedp. No browser is
// started until the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	if cfg.Settle == 0 {
		cfg.Settle = defaultSettle
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	f.browser, f.stop = chromedp.NewExecAllocator(context.Background(), allocatorOptions()...)
	return f, nil
}

func allocatorOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.stop()
}

// Fetch renders request.URL in a fresh tab and returns the DOM once
// WaitSelector matches. Only GET can be rendered. A non-2xx document
// response is a *lunch.FetchError carrying the status.
func (f *Fetcher) Fetch(ctx context.Context, request lunch.FetchRequest) (lunch.FetchResponse, error) {
	if m := strings.ToUpper(strings.TrimSpace(request.Method)); m != "" && m != http.MethodGet {
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: fmt.Errorf("cannot render %s requests", m)}
	}
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: fmt.Errorf("wait for browser tab: %w", err)}
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	p, err := f.render(tab, request)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: err}
	}
	resp := doc.response(request.URL, p)
	resp.Duration = time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return lunch.FetchResponse{}, &lunch.FetchError{
			URL:        resp.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

type page struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request lunch.FetchRequest) (page, error) {
	var p page
	tasks := chromedp.Tasks{
		f.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	if f.cfg.Settle > 0 {
		tasks = append(tasks, chromedp.Sleep(f.cfg.Settle))
	}
	tasks = append(tasks,
		chromedp.Location(&p.location),
		chromedp.OuterHTML("html", &p.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return page{}, fmt.Errorf("render: %w", err)
	}
	return p, nil
}

// prepare enables network events and applies the user agent and any
// request headers to the tab.
func (f *Fetcher) prepare(headers http.Header) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if extra := extraHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	}
}

// document records the first document response of a tab, which is the
// navigated page. Later documents belong to frames.
type document struct {
	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *document) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := headerValues(e.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = headers
}

// response fills the gaps left when no document event was seen, e.g. for
// pages served from the browser cache.
func (d *document) response(requestURL string, p page) lunch.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := lunch.FetchResponse{
		URL:        d.url,
		StatusCode: d.status,
		Headers:    d.headers.Clone(),
		Body:       []byte(p.html),
	}
	if resp.URL == "" {
		resp.URL = p.location
	}
	if resp.URL == "" {
		resp.URL = requestURL
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp
}

func headerValues(src network.Headers) http.Header {
	out := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				out.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

// extraHeaders flattens h for CDP, which takes one string per header.
func extraHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
