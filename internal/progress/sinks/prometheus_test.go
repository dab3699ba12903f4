package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/progress"
)

func TestPrometheusSinkRecordsPass(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	pass := uuid.New()
	now := time.Now()
	batch := []progress.Event{
		{PassID: pass, TS: now, Stage: progress.StagePassStart, Trigger: "cron"},
		{PassID: pass, TS: now, Stage: progress.StageSiteDone, Site: "se/gbg/lh", Count: 2, Dur: time.Second},
		{PassID: pass, TS: now, Stage: progress.StageSiteError, Site: "se/gbg/bad", Note: "boom"},
		{PassID: pass, TS: now, Stage: progress.StageRestaurantWrite, Site: "se/gbg/lh", Restaurant: "a", Outcome: progress.OutcomeOK},
		{PassID: pass, TS: now, Stage: progress.StageRestaurantWrite, Site: "se/gbg/lh", Restaurant: "b", Outcome: progress.OutcomeError},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.passesStarted.WithLabelValues("cron")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.passesRunning))

	done := progress.Event{PassID: pass, TS: now, Stage: progress.StagePassDone, Outcome: "completed", Dur: 3 * time.Second}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done, done}))

	require.Equal(t, 0.0, testutil.ToFloat64(sink.passesRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.passesCompleted.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sites.WithLabelValues("se/gbg/lh", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sites.WithLabelValues("se/gbg/bad", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.writes.WithLabelValues("se/gbg/lh", progress.OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.writes.WithLabelValues("se/gbg/lh", progress.OutcomeError)))
	require.Equal(t, 1, testutil.CollectAndCount(sink.siteDuration, "rlunch_scraper_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.passDuration, "rlunch_pass_duration_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
