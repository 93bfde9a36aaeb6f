// Package jobs tracks fetch jobs in memory and schedules their execution.
package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
)

// ErrInvalidStatus is returned when a status transition names an unknown
// status value.
var ErrInvalidStatus = errors.New("invalid job status")

// Store is the in-memory system of record for jobs. All access is
// mutex-guarded; callers only ever receive snapshots, never live records.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*fetch.Job
	idGen  fetch.IDGenerator
	clock  fetch.Clock
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(idGen fetch.IDGenerator, clock fetch.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		jobs:   make(map[string]*fetch.Job),
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
}

// Create registers a new pending job for the request and returns its ID.
func (s *Store) Create(req fetch.Request) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	now := s.clock.Now()
	job := &fetch.Job{
		ID:        id,
		Status:    fetch.StatusPending,
		Request:   req,
		Results:   make([]fetch.Result, 0, len(req.Links)),
		TotalURLs: len(req.Links),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	s.logger.Info("job created",
		zap.String("job_id", id),
		zap.Int("total_urls", job.TotalURLs))
	return id, nil
}

// Get returns a snapshot of the job, or false if it does not exist.
func (s *Store) Get(jobID string) (fetch.View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fetch.View{}, false
	}
	return job.Snapshot(), true
}

// Request returns the stored submission for a job.
func (s *Store) Request(jobID string) (fetch.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fetch.Request{}, false
	}
	return job.Request, true
}

// UpdateStatus transitions the job to status. It reports false for unknown
// jobs and ErrInvalidStatus for unrecognized status values. The first
// transition to in_progress stamps StartedAt; terminal transitions stamp
// CompletedAt.
func (s *Store) UpdateStatus(jobID string, status fetch.JobStatus, errMsg string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}

	now := s.clock.Now()
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = now
	if status == fetch.StatusInProgress && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = pointerTime(now)
	}
	return true, nil
}

// AddResult appends a per-URL result and advances the job's counters. A
// pending job moves to in_progress on its first result; once every URL has
// reported, the job completes. Reports false for unknown jobs.
func (s *Store) AddResult(jobID string, res fetch.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}

	now := s.clock.Now()
	job.Results = append(job.Results, res)
	job.CompletedURLs++
	job.UpdatedAt = now

	if job.Status == fetch.StatusPending {
		job.Status = fetch.StatusInProgress
		if job.StartedAt == nil {
			job.StartedAt = pointerTime(now)
		}
	}
	if job.CompletedURLs >= job.TotalURLs && !job.Status.Terminal() {
		job.Status = fetch.StatusCompleted
		job.CompletedAt = pointerTime(now)
	}
	return true
}

// Delete removes a job regardless of its state.
func (s *Store) Delete(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return false
	}
	delete(s.jobs, jobID)
	return true
}

// Cleanup removes finished jobs whose terminal timestamp is older than
// maxAge and returns how many were removed. Running jobs are never touched.
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		finished := job.UpdatedAt
		if job.CompletedAt != nil {
			finished = *job.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("cleaned up finished jobs", zap.Int("removed", removed))
	}
	return removed
}

// List returns summaries of all jobs, newest first.
func (s *Store) List() []fetch.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fetch.Summary, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Summarize())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID > out[j].JobID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts tallies jobs by status.
func (s *Store) Counts() map[fetch.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[fetch.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}

// Len reports how many jobs the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
