package api

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/jobs"
)

const (
	maxWaitMinSeconds = 30
	maxWaitMaxSeconds = 60
)

var allowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks4": true,
	"socks5": true,
}

// toFetchRequest validates the payload and fills unset options from the
// configured defaults.
func (s *Server) toFetchRequest(req fetchRequest) (fetch.Request, error) {
	maxURLs := s.cfg.Fetch.MaxURLsPerJob
	if len(req.Links) == 0 {
		return fetch.Request{}, errors.New("links required")
	}
	if len(req.Links) > maxURLs {
		return fetch.Request{}, fmt.Errorf("too many links: %d exceeds limit of %d", len(req.Links), maxURLs)
	}

	seen := make(map[string]bool, len(req.Links))
	for _, link := range req.Links {
		if err := validateLink(link); err != nil {
			return fetch.Request{}, err
		}
		if seen[link] {
			return fetch.Request{}, fmt.Errorf("duplicate link: %s", link)
		}
		seen[link] = true
	}

	opts := fetch.Options{
		WaitMin:          s.cfg.Fetch.DefaultWaitMin,
		WaitMax:          s.cfg.Fetch.DefaultWaitMax,
		ConcurrencyLimit: s.cfg.Fetch.DefaultConcurrency,
		RetryCount:       s.cfg.Fetch.DefaultRetries,
	}
	if req.Options != nil {
		dto := req.Options
		for _, proxy := range dto.Proxies {
			if err := validateProxy(proxy); err != nil {
				return fetch.Request{}, err
			}
		}
		opts.Proxies = dto.Proxies
		if dto.WaitMin != nil {
			opts.WaitMin = *dto.WaitMin
		}
		if dto.WaitMax != nil {
			opts.WaitMax = *dto.WaitMax
		}
		if dto.ConcurrencyLimit != nil {
			opts.ConcurrencyLimit = *dto.ConcurrencyLimit
		}
		if dto.RetryCount != nil {
			opts.RetryCount = *dto.RetryCount
		}
	}
	if err := validateOptions(opts); err != nil {
		return fetch.Request{}, err
	}

	return fetch.Request{Links: req.Links, Options: opts}, nil
}

func validateLink(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid link %q", link)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in link %q, only http and https are allowed", link)
	}
	if u.Host == "" {
		return fmt.Errorf("link %q has no host", link)
	}
	return nil
}

func validateProxy(proxy string) error {
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid proxy %q", proxy)
	}
	if !allowedProxySchemes[u.Scheme] {
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return nil
}

func validateOptions(opts fetch.Options) error {
	if opts.WaitMin < 0 || opts.WaitMin > maxWaitMinSeconds {
		return fmt.Errorf("wait_min must be between 0 and %d", maxWaitMinSeconds)
	}
	if opts.WaitMax < 0 || opts.WaitMax > maxWaitMaxSeconds {
		return fmt.Errorf("wait_max must be between 0 and %d", maxWaitMaxSeconds)
	}
	if opts.WaitMax < opts.WaitMin {
		return errors.New("wait_max must be greater than or equal to wait_min")
	}
	if opts.ConcurrencyLimit < 1 || opts.ConcurrencyLimit > jobs.MaxConcurrency {
		return fmt.Errorf("concurrency_limit must be between 1 and %d", jobs.MaxConcurrency)
	}
	if opts.RetryCount < 0 || opts.RetryCount > jobs.MaxRetries {
		return fmt.Errorf("retry_count must be between 0 and %d", jobs.MaxRetries)
	}
	return nil
}
