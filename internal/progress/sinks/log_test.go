package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oddlid/rlunch/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	pass := uuid.New()
	now := time.Now()

	err := sink.Consume(context.Background(), []progress.Event{
		{PassID: pass, TS: now, Stage: progress.StagePassStart, Trigger: "manual"},
		{PassID: pass, TS: now, Stage: progress.StageSiteError, Site: "se/gbg/bad", Note: "boom"},
		{PassID: pass, TS: now, Stage: progress.StageRestaurantWrite, Site: "se/gbg/lh", Restaurant: "a", Outcome: progress.OutcomeOK},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "manual", entries[0].ContextMap()["trigger"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["note"])
	require.Equal(t, zapcore.DebugLevel, entries[2].Level)
	require.Equal(t, "a", entries[2].ContextMap()["restaurant"])
}
