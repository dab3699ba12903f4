package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StagePassStart))
	hub.Emit(sampleEvent(StageSiteDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StagePassStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop(), dropLog: rateLimiter{interval: time.Hour}}
	start := time.Now()
	for i := 0; i < 10; i++ {
		hub.Emit(sampleEvent(StagePassStart))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(9), hub.dropped.Load(), "the first drop is logged and resets the count")
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent(StagePassStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(StagePassStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	hub.Emit(Event{Stage: StagePassStart})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubSurvivesSinkErrors(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	bad := sinkFunc(func(context.Context, []Event) error { return errors.New("nope") })
	hub := NewHub(Config{MaxBatchEvents: 1}, bad, good)
	hub.Emit(sampleEvent(StagePassStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StagePassStart))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"pass start", Event{PassID: id, TS: now, Stage: StagePassStart}, false},
		{"missing pass id", Event{TS: now, Stage: StagePassStart}, true},
		{"missing timestamp", Event{PassID: id, Stage: StagePassStart}, true},
		{"site done without site", Event{PassID: id, TS: now, Stage: StageSiteDone}, true},
		{"site error", Event{PassID: id, TS: now, Stage: StageSiteError, Site: "se/gbg/lh"}, false},
		{"write without restaurant", Event{PassID: id, TS: now, Stage: StageRestaurantWrite, Site: "se/gbg/lh", Outcome: OutcomeOK}, true},
		{"write bad outcome", Event{PassID: id, TS: now, Stage: StageRestaurantWrite, Site: "se/gbg/lh", Restaurant: "r", Outcome: "meh"}, true},
		{"write", Event{PassID: id, TS: now, Stage: StageRestaurantWrite, Site: "se/gbg/lh", Restaurant: "r", Outcome: OutcomeError}, false},
		{"pass done without outcome", Event{PassID: id, TS: now, Stage: StagePassDone}, true},
		{"negative duration", Event{PassID: id, TS: now, Stage: StagePassDone, Outcome: "completed", Dur: -1}, true},
		{"unknown stage", Event{PassID: id, TS: now, Stage: "NOPE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

func sampleEvent(stage Stage) Event {
	evt := Event{PassID: uuid.New(), TS: time.Now(), Stage: stage, Site: "se/gbg/lh"}
	if stage == StagePassDone {
		evt.Outcome = "completed"
	}
	return evt
}
