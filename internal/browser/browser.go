// Package browser manages headless Chrome instances and the shared pool that
// hands them out to fetch workers.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
)

// Config controls a single browser instance.
type Config struct {
	Headless   bool
	UserAgent  string
	Proxy      string
	NavTimeout time.Duration
}

// Handle is the capability fetch workers need from a browser: render a page,
// then eventually shut the browser down. *Browser is the chromedp-backed
// implementation; tests substitute fakes.
type Handle interface {
	fetch.Navigator
	Close()
}

// Browser owns one headless Chrome process. Each Navigate call opens a fresh
// tab so concurrent fetches do not share page state.
type Browser struct {
	cfg         Config
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	logger      *zap.Logger
}

// New launches a Chrome process with anti-automation flags applied. The
// launch is eager so a broken Chrome install fails here instead of on the
// first fetch.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Running with no actions forces the process to start now.
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &Browser{
		cfg:         cfg,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		logger:      logger,
	}, nil
}

// Navigate renders the URL in a new tab and returns the document once the
// body is ready and the settle delay has elapsed. Failures come back as
// classified fetch errors: HTTP >= 400 on the document response maps to a
// navigation error and challenge interstitials map to a captcha error.
func (b *Browser) Navigate(ctx context.Context, url string, settle time.Duration) (fetch.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	defer cancel()

	// Caller cancellation has to propagate into the tab.
	stopWatch := propagateCancel(ctx, tabCancel)
	defer stopWatch()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		b.sessionSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return fetch.Page{}, fetch.NewError(fetch.Classify(err), fmt.Sprintf("navigate %s", url), err)
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if status >= 400 {
		return fetch.Page{}, fetch.NavigationError(status, fmt.Sprintf("document response %d for %s", status, url))
	}
	if fetch.IsChallenge(html) {
		return fetch.Page{}, fetch.CaptchaError(url)
	}

	return fetch.Page{HTML: html, StatusCode: status, FinalURL: responseURL}, nil
}

// Close tears down the Chrome process. Safe to call more than once.
func (b *Browser) Close() {
	b.browserStop()
	b.allocCancel()
}

func (b *Browser) sessionSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// propagateCancel cancels the tab when the caller context ends. The returned
// stop func must be called to release the watcher goroutine.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok {
		return
	}
	if resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	return status, url
}
