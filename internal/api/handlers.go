package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/cookies"
	"github.com/asyncfetch/htmlfetcher/internal/fetch"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// fetchRequest is the submit payload. Option fields are pointers so that
// absent values fall back to configured defaults instead of zeroes.
type fetchRequest struct {
	Links   []string         `json:"links"`
	Options *fetchOptionsDTO `json:"options"`
}

type fetchOptionsDTO struct {
	Proxies          []string `json:"proxies"`
	WaitMin          *int     `json:"wait_min"`
	WaitMax          *int     `json:"wait_max"`
	ConcurrencyLimit *int     `json:"concurrency_limit"`
	RetryCount       *int     `json:"retry_count"`
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec, err := s.toFetchRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.store.Create(spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The job outlives the HTTP request; detach from its cancelation but
	// keep request-scoped values (request ID) for log correlation.
	go s.runner.Run(context.WithoutCancel(r.Context()), jobID)

	s.logger.Info("job accepted",
		zap.String("job_id", jobID),
		zap.Int("total_urls", len(spec.Links)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"status":     fetch.StatusPending,
		"status_url": "/v1/jobs/" + jobID,
		"total_urls": len(spec.Links),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	view, ok := s.store.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !s.store.Delete(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *fetch.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := fetch.JobStatus(strings.ToLower(raw))
		if !parsed.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}

	summaries := s.store.List()
	if status != nil {
		filtered := summaries[:0]
		for _, sum := range summaries {
			if sum.Status == *status {
				filtered = append(filtered, sum)
			}
		}
		summaries = filtered
	}
	summaries = pageSlice(summaries, limit, offset)

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  summaries,
		"total": s.store.Len(),
	})
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.Jobs.MaxAge()
	if raw := strings.TrimSpace(r.URL.Query().Get("max_age_hours")); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "invalid max_age_hours")
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}
	removed := s.store.Cleanup(maxAge)
	s.logger.Info("job cleanup", zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// cookieSessionView augments a session with its cookie names; the cookie
// values themselves stay out of API responses.
type cookieSessionView struct {
	cookies.Session
	CookieNames []string `json:"cookie_names"`
}

func (s *Server) listCookies(w http.ResponseWriter, _ *http.Request) {
	if s.cookieManager == nil {
		writeError(w, http.StatusServiceUnavailable, "cookie solver not configured")
		return
	}
	sessions := s.cookieManager.Sessions()
	views := make([]cookieSessionView, len(sessions))
	for i := range sessions {
		views[i] = cookieSessionView{
			Session:     sessions[i],
			CookieNames: sessions[i].CookieNames(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
	})
}

func (s *Server) cleanupCookies(w http.ResponseWriter, _ *http.Request) {
	if s.cookieManager == nil {
		writeError(w, http.StatusServiceUnavailable, "cookie solver not configured")
		return
	}
	removed := s.cookieManager.CleanupStale(s.cfg.Cookies.MaxIdle())
	removed += s.cookieManager.CleanupExpired()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func pageSlice(in []fetch.Summary, limit, offset int) []fetch.Summary {
	if offset >= len(in) {
		return []fetch.Summary{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}
