package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/clock/system"
	"github.com/asyncfetch/htmlfetcher/internal/config"
	"github.com/asyncfetch/htmlfetcher/internal/cookies"
	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/flare"
	"github.com/asyncfetch/htmlfetcher/internal/id/uuid"
	"github.com/asyncfetch/htmlfetcher/internal/jobs"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type recordingRunner struct {
	mu     sync.Mutex
	jobIDs []string
	wake   chan string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{wake: make(chan string, 16)}
}

func (r *recordingRunner) Run(_ context.Context, jobID string) {
	r.mu.Lock()
	r.jobIDs = append(r.jobIDs, jobID)
	r.mu.Unlock()
	r.wake <- jobID
}

func (r *recordingRunner) waitForJob(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.wake:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
		return ""
	}
}

func testConfig() config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *jobs.Store, *recordingRunner) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	store := jobs.NewStore(uuid.New(), system.New(), zap.NewNop())
	runner := newRecordingRunner()
	return NewServer(store, runner, nil, nil, cfg, zap.NewNop()), store, runner
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitFetchAccepted(t *testing.T) {
	srv, store, runner := newTestServer(t, nil)

	rec := postJSON(t, srv.Handler(), "/v1/fetch", map[string]any{
		"links": []string{"https://example.com/a", "https://example.com/b"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobID     string `json:"job_id"`
		Status    string `json:"status"`
		TotalURLs int    `json:"total_urls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, string(fetch.StatusPending), resp.Status)
	require.Equal(t, 2, resp.TotalURLs)

	require.Equal(t, resp.JobID, runner.waitForJob(t))

	view, ok := store.Get(resp.JobID)
	require.True(t, ok)
	require.Equal(t, fetch.StatusPending, view.Status)
	require.Equal(t, 2, view.TotalURLs)
}

func TestSubmitFetchAppliesOptionDefaults(t *testing.T) {
	srv, store, runner := newTestServer(t, nil)

	rec := postJSON(t, srv.Handler(), "/v1/fetch", map[string]any{
		"links":   []string{"https://example.com"},
		"options": map[string]any{"retry_count": 0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := runner.waitForJob(t)

	spec, ok := store.Request(jobID)
	require.True(t, ok)
	require.Equal(t, 0, spec.Options.RetryCount)
	// Unset fields fall back to configured defaults.
	require.Equal(t, 5, spec.Options.ConcurrencyLimit)
	require.Equal(t, 1, spec.Options.WaitMin)
	require.Equal(t, 3, spec.Options.WaitMax)
}

func TestSubmitFetchValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Fetch.MaxURLsPerJob = 3
	})

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"no links", map[string]any{"links": []string{}}},
		{"bad scheme", map[string]any{"links": []string{"ftp://example.com"}}},
		{"no host", map[string]any{"links": []string{"https://"}}},
		{"duplicate links", map[string]any{"links": []string{"https://a.com", "https://a.com"}}},
		{"too many links", map[string]any{"links": []string{"https://a.com/1", "https://a.com/2", "https://a.com/3", "https://a.com/4"}}},
		{"bad proxy scheme", map[string]any{
			"links":   []string{"https://a.com"},
			"options": map[string]any{"proxies": []string{"ftp://proxy:1"}},
		}},
		{"wait_min too large", map[string]any{
			"links":   []string{"https://a.com"},
			"options": map[string]any{"wait_min": 31},
		}},
		{"wait_max below wait_min", map[string]any{
			"links":   []string{"https://a.com"},
			"options": map[string]any{"wait_min": 5, "wait_max": 2},
		}},
		{"concurrency too large", map[string]any{
			"links":   []string{"https://a.com"},
			"options": map[string]any{"concurrency_limit": 21},
		}},
		{"negative retries", map[string]any{
			"links":   []string{"https://a.com"},
			"options": map[string]any{"retry_count": -1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, srv.Handler(), "/v1/fetch", tc.payload)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := get(srv.Handler(), "/v1/jobs/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobReturnsResults(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	jobID, err := store.Create(fetch.Request{Links: []string{"https://example.com"}})
	require.NoError(t, err)
	require.True(t, store.AddResult(jobID, fetch.Result{
		URL:         "https://example.com",
		Status:      fetch.ResultSuccess,
		HTMLContent: "<html></html>",
		StatusCode:  200,
	}))

	rec := get(srv.Handler(), "/v1/jobs/"+jobID)
	require.Equal(t, http.StatusOK, rec.Code)

	var view fetch.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, fetch.StatusCompleted, view.Status)
	require.True(t, view.IsFinished)
	require.Len(t, view.Results, 1)
	require.Equal(t, "<html></html>", view.Results[0].HTMLContent)
}

func TestDeleteJob(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	jobID, err := store.Create(fetch.Request{Links: []string{"https://example.com"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+jobID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := store.Get(jobID)
	require.False(t, ok)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+jobID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFilterAndPaging(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := store.Create(fetch.Request{Links: []string{fmt.Sprintf("https://example.com/%d", i)}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := store.UpdateStatus(ids[0], fetch.StatusFailed, "boom")
	require.NoError(t, err)

	rec := get(srv.Handler(), "/v1/jobs?status=failed")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []fetch.Summary `json:"jobs"`
		Total int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, ids[0], resp.Jobs[0].JobID)
	require.Equal(t, 5, resp.Total)

	rec = get(srv.Handler(), "/v1/jobs?limit=2&offset=4")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)

	rec = get(srv.Handler(), "/v1/jobs?status=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(srv.Handler(), "/v1/jobs?limit=-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupJobs(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	jobID, err := store.Create(fetch.Request{Links: []string{"https://example.com"}})
	require.NoError(t, err)
	_, err = store.UpdateStatus(jobID, fetch.StatusFailed, "boom")
	require.NoError(t, err)

	rec := postJSON(t, srv.Handler(), "/v1/jobs/cleanup?max_age_hours=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/jobs/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp["removed"]) // job is younger than the retention window
}

func TestCookiesEndpointsWithoutManager(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := get(srv.Handler(), "/v1/cookies")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/cookies/cleanup", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, get(srv.Handler(), "/healthz").Code)
	require.Equal(t, http.StatusOK, get(srv.Handler(), "/readyz").Code)
	require.Equal(t, http.StatusOK, get(srv.Handler(), "/metrics").Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 1
	})

	first := get(srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, first.Code)

	second := get(srv.Handler(), "/healthz")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := get(srv.Handler(), "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

type stubSolver struct{}

func (stubSolver) Solve(_ context.Context, _ string) (flare.Solution, error) {
	return flare.Solution{
		Cookies:   []flare.Cookie{{Name: "cf_clearance", Value: "tok"}, {Name: "sid", Value: "abc"}},
		UserAgent: "cleared-agent/1.0",
	}, nil
}

func TestCookiesEndpointListsSessionNames(t *testing.T) {
	manager := cookies.NewManager(stubSolver{}, time.Hour, system.New(), zap.NewNop())
	_, err := manager.Get(context.Background(), "https://shop.test/item")
	require.NoError(t, err)

	store := jobs.NewStore(uuid.New(), system.New(), zap.NewNop())
	srv := NewServer(store, newRecordingRunner(), manager, nil, testConfig(), zap.NewNop())

	rec := get(srv.Handler(), "/v1/cookies")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []struct {
			Domain      string   `json:"domain"`
			UserAgent   string   `json:"user_agent"`
			CookieNames []string `json:"cookie_names"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	require.Equal(t, "shop.test", body.Sessions[0].Domain)
	require.Equal(t, []string{"cf_clearance", "sid"}, body.Sessions[0].CookieNames)

	rec = postJSON(t, srv.Handler(), "/v1/cookies/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

type stubSolverHealth struct{ ok bool }

func (s stubSolverHealth) Healthy(context.Context) bool { return s.ok }

func TestReadyzReportsSolverHealth(t *testing.T) {
	store := jobs.NewStore(uuid.New(), system.New(), zap.NewNop())

	healthy := NewServer(store, newRecordingRunner(), nil, stubSolverHealth{ok: true}, testConfig(), zap.NewNop())
	rec := get(healthy.Handler(), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"solver":"ok"`)

	down := NewServer(store, newRecordingRunner(), nil, stubSolverHealth{}, testConfig(), zap.NewNop())
	rec = get(down.Handler(), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "unreachable")
}
