// Package worker executes single-URL fetches with retries, proxy rotation,
// and exponential backoff.
package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/browser"
	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/hash/sha256"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
	"github.com/asyncfetch/htmlfetcher/internal/policy/ratelimit"
)

// Config controls Worker behavior.
type Config struct {
	// AttemptTimeout bounds one fetch attempt end to end, browser wait
	// included.
	AttemptTimeout time.Duration
	// DomainLimiter, when set, gates each attempt on a per-domain token
	// bucket.
	DomainLimiter *ratelimit.Limiter
}

// BrowserProvider hands out pooled browsers. *browser.Pool satisfies it.
type BrowserProvider interface {
	WithBrowser(ctx context.Context, fn func(browser.Handle) error) error
}

// StandaloneFactory launches a throwaway browser routed through the given
// proxy. Chrome only accepts a proxy at process launch, so proxied attempts
// cannot come from the shared pool.
type StandaloneFactory func(proxy string) (browser.Handle, error)

// Worker fetches one URL at a time. It is stateless across calls and safe
// for concurrent use.
type Worker struct {
	cfg        Config
	pool       BrowserProvider
	standalone StandaloneFactory
	clock      fetch.Clock
	logger     *zap.Logger
	randIntN   func(n int) int
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker.
func New(cfg Config, pool BrowserProvider, standalone StandaloneFactory, clock fetch.Clock, logger *zap.Logger) *Worker {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:        cfg,
		pool:       pool,
		standalone: standalone,
		clock:      clock,
		logger:     logger,
		randIntN:   rand.IntN,
		sleep:      sleepCtx,
	}
}

// FetchOne retrieves a single URL, retrying per opts. It always returns a
// Result: success with the rendered HTML, or an error result classifying the
// last failure. The options are assumed to be clamped by the caller.
func (w *Worker) FetchOne(ctx context.Context, url string, opts fetch.Options) fetch.Result {
	metrics.IncActiveFetches()
	defer metrics.DecActiveFetches()

	start := w.clock.Now()
	attempts := opts.RetryCount + 1
	var (
		lastErr   error
		lastProxy string
	)

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if w.cfg.DomainLimiter != nil {
			if err := w.cfg.DomainLimiter.Wait(ctx, url); err != nil {
				lastErr = err
				break
			}
		}

		proxy := w.pickProxy(opts.Proxies, lastProxy, attempt)
		settle := w.sampleWait(opts)

		page, err := w.navigate(ctx, url, proxy, settle)
		if err == nil {
			elapsed := w.clock.Now().Sub(start)
			metrics.ObserveFetch(url, "success", elapsed)
			w.logger.Debug("fetch succeeded",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Int("status_code", page.StatusCode),
				zap.Duration("elapsed", elapsed))
			return fetch.Result{
				URL:            url,
				Status:         fetch.ResultSuccess,
				HTMLContent:    page.HTML,
				ContentHash:    contentHash(page.HTML),
				StatusCode:     page.StatusCode,
				ResponseTimeMs: elapsed.Milliseconds(),
			}
		}

		lastErr = err
		lastProxy = proxy
		w.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.String("proxy", proxy),
			zap.String("error_type", string(fetch.Classify(err))),
			zap.Error(err))

		if attempt < attempts-1 {
			metrics.ObserveRetry()
			if err := w.backoff(ctx, settle, attempt); err != nil {
				lastErr = err
				break
			}
		}
	}

	elapsed := w.clock.Now().Sub(start)
	metrics.ObserveFetch(url, "error", elapsed)
	return fetch.ErrorResult(url, elapsed.Milliseconds(), lastErr)
}

func contentHash(html string) string {
	digest, err := sha256.New().Hash([]byte(html))
	if err != nil {
		return ""
	}
	return digest
}

// navigate runs one attempt. Unproxied attempts borrow from the pool;
// proxied ones launch a dedicated browser that dies with the attempt.
func (w *Worker) navigate(ctx context.Context, url, proxy string, settle time.Duration) (fetch.Page, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	if proxy == "" && w.pool != nil {
		var page fetch.Page
		err := w.pool.WithBrowser(attemptCtx, func(h browser.Handle) error {
			var navErr error
			page, navErr = h.Navigate(attemptCtx, url, settle)
			return navErr
		})
		return page, err
	}

	handle, err := w.standalone(proxy)
	if err != nil {
		return fetch.Page{}, fmt.Errorf("launch browser (proxy %q): %w", proxy, err)
	}
	defer handle.Close()
	return handle.Navigate(attemptCtx, url, settle)
}

// pickProxy selects a proxy at random. On retries the proxy that just failed
// is excluded when an alternative exists.
func (w *Worker) pickProxy(proxies []string, lastProxy string, attempt int) string {
	if len(proxies) == 0 {
		return ""
	}
	candidates := proxies
	if attempt > 0 && lastProxy != "" && len(proxies) > 1 {
		filtered := make([]string, 0, len(proxies)-1)
		for _, p := range proxies {
			if p != lastProxy {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	return candidates[w.randIntN(len(candidates))]
}

// sampleWait draws a settle delay uniformly from [WaitMin, WaitMax] seconds.
func (w *Worker) sampleWait(opts fetch.Options) time.Duration {
	minWait := time.Duration(opts.WaitMin) * time.Second
	maxWait := time.Duration(opts.WaitMax) * time.Second
	if maxWait <= minWait {
		return minWait
	}
	spreadMs := int((maxWait - minWait) / time.Millisecond)
	return minWait + time.Duration(w.randIntN(spreadMs+1))*time.Millisecond
}

// backoff sleeps settle * 2^attempt or until ctx ends.
func (w *Worker) backoff(ctx context.Context, settle time.Duration, attempt int) error {
	d := settle * time.Duration(1<<uint(attempt))
	if d <= 0 {
		return nil
	}
	w.logger.Debug("backing off before retry", zap.Duration("backoff", d), zap.Int("attempt", attempt+1))
	return w.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
