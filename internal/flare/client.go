// Package flare is a client for the FlareSolverr challenge-solving proxy.
package flare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/metrics"
)

// Config controls the FlareSolverr client.
type Config struct {
	// BaseURL of the FlareSolverr instance, e.g. http://localhost:8191.
	BaseURL string
	// Timeout bounds one solve call end to end. Solves are slow; challenge
	// pages routinely take tens of seconds.
	Timeout time.Duration
}

// Cookie is a clearance cookie minted by FlareSolverr.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// Solution is the useful subset of a successful solve: the cookies and user
// agent to replay, plus the page FlareSolverr already rendered.
type Solution struct {
	Cookies    []Cookie
	UserAgent  string
	HTML       string
	StatusCode int
}

// Client talks to one FlareSolverr instance. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type solveRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

type solveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string   `json:"url"`
		Status    int      `json:"status"`
		Cookies   []Cookie `json:"cookies"`
		UserAgent string   `json:"userAgent"`
		Response  string   `json:"response"`
	} `json:"solution"`
}

// Solve asks FlareSolverr to pass the challenge protecting rawURL and
// returns the clearance cookies it collected.
func (c *Client) Solve(ctx context.Context, rawURL string) (Solution, error) {
	payload := solveRequest{
		Cmd:        "request.get",
		URL:        rawURL,
		MaxTimeout: int(c.cfg.Timeout / time.Millisecond),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Solution{}, fmt.Errorf("encode solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return Solution{}, fmt.Errorf("build solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveChallengeSolve("error")
		return Solution{}, fmt.Errorf("flaresolverr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveChallengeSolve("error")
		return Solution{}, fmt.Errorf("flaresolverr returned http %d", resp.StatusCode)
	}

	var decoded solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.ObserveChallengeSolve("error")
		return Solution{}, fmt.Errorf("decode solve response: %w", err)
	}
	if decoded.Status != "ok" {
		metrics.ObserveChallengeSolve("error")
		return Solution{}, fmt.Errorf("flaresolverr solve failed: %s", decoded.Message)
	}

	metrics.ObserveChallengeSolve("success")
	c.logger.Debug("challenge solved",
		zap.String("url", rawURL),
		zap.Int("cookies", len(decoded.Solution.Cookies)),
		zap.Duration("elapsed", time.Since(start)))

	return Solution{
		Cookies:    decoded.Solution.Cookies,
		UserAgent:  decoded.Solution.UserAgent,
		HTML:       decoded.Solution.Response,
		StatusCode: decoded.Solution.Status,
	}, nil
}

// Healthy probes the FlareSolverr instance.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
