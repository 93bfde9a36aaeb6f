// Package cookies caches clearance-cookie sessions per domain so a single
// FlareSolverr solve can be replayed across many requests.
package cookies

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/flare"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
)

// Solver mints clearance cookies for a protected URL. *flare.Client
// satisfies it.
type Solver interface {
	Solve(ctx context.Context, rawURL string) (flare.Solution, error)
}

// Session is the cached clearance state for one domain.
type Session struct {
	Domain    string         `json:"domain"`
	Cookies   []flare.Cookie `json:"-"`
	UserAgent string         `json:"user_agent"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	LastUsed  time.Time      `json:"last_used"`
}

// CookieNames lists the cookie names held by the session, for diagnostics.
func (s *Session) CookieNames() []string {
	names := make([]string, len(s.Cookies))
	for i, c := range s.Cookies {
		names[i] = c.Name
	}
	return names
}

// Manager caches one Session per registrable domain with a TTL. A solve for
// a domain is single-flight: concurrent misses share one FlareSolverr call.
type Manager struct {
	solver Solver
	ttl    time.Duration
	clock  fetch.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]*solveCall
}

type solveCall struct {
	done    chan struct{}
	session *Session
	err     error
}

// NewManager constructs a Manager.
func NewManager(solver Solver, ttl time.Duration, clock fetch.Clock, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		solver:   solver,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*Session),
		inflight: make(map[string]*solveCall),
	}
}

// Get returns a fresh session for the URL's domain, solving the challenge if
// no cached session exists or the cached one expired.
func (m *Manager) Get(ctx context.Context, rawURL string) (*Session, error) {
	domain, err := domainOf(rawURL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if sess, ok := m.sessions[domain]; ok && m.freshLocked(sess) {
		sess.LastUsed = m.clock.Now()
		m.mu.Unlock()
		return sess, nil
	}
	if call, ok := m.inflight[domain]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.session, call.err
		case <-ctx.Done():
			return nil, fmt.Errorf("cookie solve wait: %w", ctx.Err())
		}
	}
	call := &solveCall{done: make(chan struct{})}
	m.inflight[domain] = call
	m.mu.Unlock()

	call.session, call.err = m.solve(ctx, domain, rawURL)
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, domain)
	if call.err == nil {
		m.sessions[domain] = call.session
		metrics.SetCookieSessions(len(m.sessions))
	}
	m.mu.Unlock()

	return call.session, call.err
}

// Refresh drops any cached session for the URL's domain and solves anew.
// Used after a 403/429 shows the cached cookies have gone stale.
func (m *Manager) Refresh(ctx context.Context, rawURL string) (*Session, error) {
	domain, err := domainOf(rawURL)
	if err != nil {
		return nil, err
	}
	m.Invalidate(domain)
	return m.Get(ctx, rawURL)
}

// Invalidate removes the cached session for a domain.
func (m *Manager) Invalidate(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[domain]; ok {
		delete(m.sessions, domain)
		metrics.SetCookieSessions(len(m.sessions))
	}
}

// CleanupExpired removes sessions past their TTL and returns how many.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for domain, sess := range m.sessions {
		if !m.freshLocked(sess) {
			delete(m.sessions, domain)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetCookieSessions(len(m.sessions))
		m.logger.Info("expired cookie sessions removed", zap.Int("removed", removed))
	}
	return removed
}

// CleanupStale removes sessions that have not been used for longer than
// maxIdle and returns how many. A session can be well within its TTL and
// still be evicted here; an idle domain's cookies are not worth holding.
func (m *Manager) CleanupStale(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	removed := 0
	for domain, sess := range m.sessions {
		if now.Sub(sess.LastUsed) > maxIdle {
			delete(m.sessions, domain)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetCookieSessions(len(m.sessions))
		m.logger.Info("stale cookie sessions removed", zap.Int("removed", removed))
	}
	return removed
}

// Sessions lists the cached sessions, for the diagnostics endpoint.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	return out
}

// Len reports how many sessions are cached.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) solve(ctx context.Context, domain, rawURL string) (*Session, error) {
	solution, err := m.solver.Solve(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("solve challenge for %s: %w", domain, err)
	}
	now := m.clock.Now()
	sess := &Session{
		Domain:    domain,
		Cookies:   solution.Cookies,
		UserAgent: solution.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		LastUsed:  now,
	}
	m.logger.Info("cookie session created",
		zap.String("domain", domain),
		zap.Int("cookies", len(sess.Cookies)),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

func (m *Manager) freshLocked(sess *Session) bool {
	return m.clock.Now().Before(sess.ExpiresAt)
}

func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}
