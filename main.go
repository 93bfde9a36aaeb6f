// Package main hosts the fetch service executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job
//     endpoints. Requests are validated, persisted in the in-memory job
//     store, and executed by a detached scheduler run.
//   - Fetch pipeline: the scheduler fans a job's URLs out to fetch workers
//     under the job's concurrency limit. Workers acquire pooled headless
//     browsers (or launch throwaway proxied ones), retry with backoff and
//     proxy rotation, and classify failures.
//   - Challenge handling: an optional FlareSolverr sidecar mints clearance
//     cookies that are cached per domain and replayed by the lightweight
//     HTTP fetch path.
//   - Plumbing: Viper populates config from files and env; zap provides
//     structured logging; Prometheus metrics are exported on /metrics;
//     progress events are batched and fanned out to log and metric sinks.
package main

import (
	"github.com/asyncfetch/htmlfetcher/cmd"
)

func main() {
	cmd.Execute()
}
