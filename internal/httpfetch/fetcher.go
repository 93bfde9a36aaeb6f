// Package httpfetch retrieves pages over plain HTTP with replayed clearance
// cookies. It is the lightweight path for hosts that only gate on cookies,
// where spinning up a browser would be wasted work.
package httpfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/cookies"
	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/hash/sha256"
)

// Config controls collector behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// RetryDelay is the fixed pause between failed attempts in FetchOne.
	RetryDelay time.Duration
}

// Fetcher executes single GETs through a Colly collector, attaching the
// domain's clearance cookies when a cookie manager is wired in.
type Fetcher struct {
	cfg           Config
	cookieManager *cookies.Manager
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher. manager may be nil, in which case requests go out
// bare.
func New(cfg Config, manager *cookies.Manager, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		cookieManager: manager,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves rawURL. On a 403 or 429 with a cookie manager present, the
// session is refreshed once and the request replayed, since those statuses
// usually mean the clearance cookies went stale.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (fetch.Page, error) {
	session := f.lookupSession(ctx, rawURL)

	page, err := f.fetchOnce(ctx, rawURL, session)
	if err == nil && !blocked(page) {
		return f.finish(rawURL, page, nil)
	}
	if f.cookieManager == nil || ctx.Err() != nil {
		return f.finish(rawURL, page, err)
	}
	if err != nil && fetch.StatusCodeOf(err) == 0 {
		return fetch.Page{}, err
	}

	f.logger.Info("refreshing clearance cookies after block",
		zap.String("url", rawURL),
		zap.Int("status_code", page.StatusCode))
	session, refreshErr := f.cookieManager.Refresh(ctx, rawURL)
	if refreshErr != nil {
		return fetch.Page{}, fmt.Errorf("refresh cookies: %w", refreshErr)
	}

	page, err = f.fetchOnce(ctx, rawURL, session)
	return f.finish(rawURL, page, err)
}

// FetchOne adapts Fetch to the scheduler's per-URL contract: failures come
// back as classified error results, never as Go errors. Failed attempts are
// retried up to opts.RetryCount times with a fixed delay in between; the
// cookie-refresh replay inside Fetch is separate and happens per attempt.
func (f *Fetcher) FetchOne(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result {
	start := time.Now()
	attempts := opts.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var (
		page fetch.Page
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		page, err = f.Fetch(ctx, rawURL)
		if err == nil {
			break
		}
		if attempt < attempts-1 {
			f.logger.Warn("fetch attempt failed",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
			if sleepErr := f.retryWait(ctx); sleepErr != nil {
				err = sleepErr
				break
			}
		}
	}

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return fetch.ErrorResult(rawURL, elapsed, err)
	}
	return fetch.Result{
		URL:            rawURL,
		Status:         fetch.ResultSuccess,
		HTMLContent:    page.HTML,
		ContentHash:    contentHash(page.HTML),
		StatusCode:     page.StatusCode,
		ResponseTimeMs: elapsed,
	}
}

func (f *Fetcher) retryWait(ctx context.Context) error {
	timer := time.NewTimer(f.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}

func contentHash(html string) string {
	digest, err := sha256.New().Hash([]byte(html))
	if err != nil {
		return ""
	}
	return digest
}

// FetchAll retrieves every URL with at most limit requests in flight.
// Results are returned in input order; a failed URL yields a zero Page and
// the error in the matching slot.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, limit int) ([]fetch.Page, []error) {
	if limit < 1 {
		limit = 1
	}
	pages := make([]fetch.Page, len(urls))
	errs := make([]error, len(urls))
	gate := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			select {
			case gate <- struct{}{}:
				defer func() { <-gate }()
			case <-ctx.Done():
				errs[i] = fmt.Errorf("fetch canceled: %w", ctx.Err())
				return
			}
			pages[i], errs[i] = f.Fetch(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return pages, errs
}

// lookupSession fetches cookies for the URL's domain, tolerating failure:
// a missing session degrades to a bare request instead of failing the fetch.
func (f *Fetcher) lookupSession(ctx context.Context, rawURL string) *cookies.Session {
	if f.cookieManager == nil {
		return nil
	}
	session, err := f.cookieManager.Get(ctx, rawURL)
	if err != nil {
		f.logger.Warn("cookie lookup failed, fetching without session",
			zap.String("url", rawURL),
			zap.Error(err))
		return nil
	}
	return session
}

func (f *Fetcher) finish(rawURL string, page fetch.Page, err error) (fetch.Page, error) {
	if err != nil {
		return fetch.Page{}, err
	}
	if page.StatusCode >= 400 {
		return fetch.Page{}, fetch.NavigationError(page.StatusCode, fmt.Sprintf("document response %d for %s", page.StatusCode, rawURL))
	}
	if fetch.IsChallenge(page.HTML) {
		return fetch.Page{}, fetch.CaptchaError(rawURL)
	}
	return page, nil
}

func blocked(page fetch.Page) bool {
	return page.StatusCode == http.StatusForbidden ||
		page.StatusCode == http.StatusTooManyRequests ||
		fetch.IsChallenge(page.HTML)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, session *cookies.Session) (fetch.Page, error) {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)

	userAgent := f.cfg.UserAgent
	if session != nil && session.UserAgent != "" {
		userAgent = session.UserAgent
	}
	if userAgent != "" {
		collector.UserAgent = userAgent
	}
	if session != nil && len(session.Cookies) > 0 {
		if err := collector.SetCookies(rawURL, toHTTPCookies(session)); err != nil {
			return fetch.Page{}, fmt.Errorf("set cookies: %w", err)
		}
	}

	var (
		page     fetch.Page
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		page = fetch.Page{
			HTML:       string(r.Body),
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			// Keep the body and status; the caller decides whether the
			// status is a cookie-refresh trigger or a terminal error.
			page = fetch.Page{
				HTML:       string(r.Body),
				StatusCode: r.StatusCode,
				FinalURL:   rawURL,
			}
			return
		}
		fetchErr = err
	})

	visitErr, err := f.runCollector(ctx, collector, rawURL)
	if err != nil {
		return fetch.Page{}, err
	}
	if fetchErr != nil {
		return fetch.Page{}, fetch.NewError(fetch.Classify(fetchErr), fmt.Sprintf("fetch %s", rawURL), fetchErr)
	}
	// Visit also errors on non-2xx statuses; the OnError hook has already
	// recorded those as a page, so only surface errors with no response.
	if visitErr != nil && page.StatusCode == 0 {
		return fetch.Page{}, fetch.NewError(fetch.Classify(visitErr), fmt.Sprintf("visit %s", rawURL), visitErr)
	}
	return page, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) (visitErr error, err error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case visitErr = <-done:
		return visitErr, nil
	}
}

func toHTTPCookies(session *cookies.Session) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(session.Cookies))
	for _, c := range session.Cookies {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, cookie)
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
