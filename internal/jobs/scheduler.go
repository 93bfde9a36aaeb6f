package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
	"github.com/asyncfetch/htmlfetcher/internal/progress"
)

// Hard caps applied to caller-supplied options regardless of configuration.
const (
	MaxConcurrency = 20
	MaxRetries     = 5
)

// Fetcher retrieves a single URL. *worker.Worker satisfies it.
type Fetcher interface {
	FetchOne(ctx context.Context, url string, opts fetch.Options) fetch.Result
}

// Scheduler runs jobs: it fans a job's URLs out to the fetcher under the
// job's concurrency limit and folds results back into the store as they
// complete.
type Scheduler struct {
	store   *Store
	fetcher Fetcher
	emitter progress.Emitter
	clock   fetch.Clock
	logger  *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(store *Store, fetcher Fetcher, emitter progress.Emitter, clock fetch.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   store,
		fetcher: fetcher,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}
}

// Run executes the job to completion. It is meant to be called on its own
// goroutine; every outcome, panics included, lands in the store so API
// callers never see a job wedged in_progress.
func (s *Scheduler) Run(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job execution panicked",
				zap.String("job_id", jobID),
				zap.Any("panic", r))
			s.failJob(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	req, ok := s.store.Request(jobID)
	if !ok {
		s.logger.Warn("job vanished before execution", zap.String("job_id", jobID))
		return
	}
	if len(req.Links) == 0 {
		s.failJob(jobID, "job has no urls")
		return
	}

	started, err := s.store.UpdateStatus(jobID, fetch.StatusInProgress, "")
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("start job: %v", err))
		return
	}
	if !started {
		s.logger.Warn("job vanished before execution", zap.String("job_id", jobID))
		return
	}

	opts := clampOptions(req.Options)
	start := s.clock.Now()
	s.emit(progress.Event{
		JobID: jobID,
		TS:    start,
		Stage: progress.StageJobStart,
		Total: len(req.Links),
	})
	s.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.Int("total_urls", len(req.Links)),
		zap.Int("concurrency", opts.ConcurrencyLimit),
		zap.Int("retry_count", opts.RetryCount))

	results := make(chan fetch.Result, len(req.Links))
	gate := make(chan struct{}, opts.ConcurrencyLimit)
	for _, link := range req.Links {
		go s.runTask(ctx, link, opts, gate, results)
	}

	succeeded, failed := 0, 0
	for i := 0; i < len(req.Links); i++ {
		res := <-results
		if !s.store.AddResult(jobID, res) {
			s.logger.Warn("job deleted mid-flight, dropping result",
				zap.String("job_id", jobID),
				zap.String("url", res.URL))
			continue
		}
		if res.Status == fetch.ResultSuccess {
			succeeded++
		} else {
			failed++
		}
		s.emit(progress.Event{
			JobID:       jobID,
			TS:          s.clock.Now(),
			Stage:       progress.StageFetchDone,
			URL:         res.URL,
			Outcome:     string(res.Status),
			ErrorType:   string(res.ErrorType),
			StatusClass: progress.ClassifyStatus(res.StatusCode),
			Completed:   i + 1,
			Total:       len(req.Links),
			Dur:         msToDuration(res.ResponseTimeMs),
		})
	}

	elapsed := s.clock.Now().Sub(start)
	metrics.ObserveJob(string(fetch.StatusCompleted))
	s.emit(progress.Event{
		JobID: jobID,
		TS:    s.clock.Now(),
		Stage: progress.StageJobDone,
		Total: len(req.Links),
		Dur:   elapsed,
	})
	s.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Duration("elapsed", elapsed))
}

// runTask fetches one URL under the job's concurrency gate. It always
// delivers exactly one result, even if the fetcher panics, so the collector
// loop can count on len(links) receives.
func (s *Scheduler) runTask(ctx context.Context, url string, opts fetch.Options, gate chan struct{}, results chan<- fetch.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fetch task panicked",
				zap.String("url", url),
				zap.Any("panic", r))
			reportURL := url
			if reportURL == "" {
				reportURL = "unknown"
			}
			results <- fetch.ErrorResult(reportURL, 0, fmt.Errorf("fetch panicked: %v", r))
		}
	}()

	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		results <- fetch.ErrorResult(url, 0, fmt.Errorf("job canceled: %w", ctx.Err()))
		return
	}
	defer func() { <-gate }()

	results <- s.fetcher.FetchOne(ctx, url, opts)
}

func (s *Scheduler) failJob(jobID, msg string) {
	if _, err := s.store.UpdateStatus(jobID, fetch.StatusFailed, msg); err != nil {
		s.logger.Error("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveJob(string(fetch.StatusFailed))
	s.emit(progress.Event{
		JobID: jobID,
		TS:    s.clock.Now(),
		Stage: progress.StageJobError,
		Note:  msg,
	})
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter != nil {
		s.emitter.Emit(evt)
	}
}

// clampOptions forces caller-supplied options into safe ranges.
func clampOptions(opts fetch.Options) fetch.Options {
	if opts.ConcurrencyLimit < 1 {
		opts.ConcurrencyLimit = 1
	}
	if opts.ConcurrencyLimit > MaxConcurrency {
		opts.ConcurrencyLimit = MaxConcurrency
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryCount > MaxRetries {
		opts.RetryCount = MaxRetries
	}
	if opts.WaitMin < 0 {
		opts.WaitMin = 0
	}
	if opts.WaitMax < opts.WaitMin {
		opts.WaitMax = opts.WaitMin
	}
	return opts
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
