package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/asyncfetch/htmlfetcher/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := uuid.NewString()
	batch := []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobStart},
		{
			JobID:       jobID,
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StageFetchDone,
			URL:         "https://example.com/page",
			Outcome:     "success",
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{JobID: jobID, TS: time.Now().Add(15 * time.Second), Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchOutcomes.WithLabelValues("success", string(progress.Status2xx))),
		1e-9,
	)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "fetchjobs_url_fetch_duration_seconds"))
}

// TestPrometheusSinkTracksRunningJobs ensures the running gauge pairs start and
// terminal events per job.
func TestPrometheusSinkTracksRunningJobs(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	a, b := uuid.NewString(), uuid.NewString()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: a, TS: time.Now(), Stage: progress.StageJobStart},
		{JobID: b, TS: time.Now(), Stage: progress.StageJobStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: a, TS: time.Now(), Stage: progress.StageJobError, Dur: time.Second},
		// A duplicate terminal event must not drive the gauge negative.
		{JobID: a, TS: time.Now(), Stage: progress.StageJobError, Dur: time.Second},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
}
