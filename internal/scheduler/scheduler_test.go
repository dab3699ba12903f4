package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/progress"
	pubmemory "github.com/oddlid/rlunch/internal/publisher/memory"
	"github.com/oddlid/rlunch/internal/registry"
	"github.com/oddlid/rlunch/internal/storage/memory"
	"github.com/oddlid/rlunch/internal/synchronizer"
)

var (
	lhSite = lunch.SiteInfo{
		Key:         lunch.NewSiteKey("se", "gbg", "lh"),
		CountryName: "Sverige",
		CityName:    "Göteborg",
		SiteName:    "Lindholmen",
	}
	badSite = lunch.SiteInfo{
		Key:         lunch.NewSiteKey("se", "gbg", "bad"),
		CountryName: "Sverige",
		CityName:    "Göteborg",
		SiteName:    "Bad",
	}
	errBroken = errors.New("page layout changed")
)

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, lunch.FetchRequest) (lunch.FetchResponse, error) {
	return lunch.FetchResponse{}, errors.New("no network in tests")
}

func restaurant(key string, dishes ...string) lunch.ScrapeResult {
	r := lunch.ScrapeResult{
		RestaurantKey: key,
		Restaurant:    lunch.RestaurantFields{Name: key, ParsedAt: time.Now()},
	}
	for _, d := range dishes {
		r.Dishes = append(r.Dishes, lunch.Dish{Name: d, Price: 110})
	}
	return r
}

func static(results ...lunch.ScrapeResult) lunch.Scraper {
	return lunch.ScraperFunc(func(context.Context, lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		return results, nil
	})
}

func failing(err error) lunch.Scraper {
	return lunch.ScraperFunc(func(context.Context, lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		return nil, err
	})
}

func siteInfo(slug string) lunch.SiteInfo {
	return lunch.SiteInfo{Key: lunch.NewSiteKey("se", "gbg", slug), SiteName: slug}
}

type recordingSink struct {
	mu      sync.Mutex
	applied [][]lunch.ScrapeResult
	onApply func([]lunch.ScrapeResult)
}

func (r *recordingSink) Apply(_ context.Context, results []lunch.ScrapeResult) synchronizer.WriteOutcome {
	r.mu.Lock()
	r.applied = append(r.applied, results)
	r.mu.Unlock()
	if r.onApply != nil {
		r.onApply(results)
	}
	out := synchronizer.WriteOutcome{Written: len(results)}
	for _, res := range results {
		out.Writes = append(out.Writes, synchronizer.Write{Site: res.SiteKey, Restaurant: res.RestaurantKey})
	}
	return out
}

func (r *recordingSink) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func newScheduler(t *testing.T, cfg Config, sink Sink, entries []registry.Entry, opts ...Option) *Scheduler {
	t.Helper()
	reg, err := registry.New(entries...)
	require.NoError(t, err)
	s, err := New(cfg, reg, nopFetcher{}, sink, opts...)
	require.NoError(t, err)
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	reg := registry.MustNew()
	_, err := New(Config{Schedule: "every tuesday"}, reg, nopFetcher{}, &recordingSink{})
	require.True(t, lunch.IsConfigError(err))

	_, err = New(Config{Overlap: "sometimes"}, reg, nopFetcher{}, &recordingSink{})
	require.True(t, lunch.IsConfigError(err))

	_, err = New(Config{Parallelism: -1}, reg, nopFetcher{}, &recordingSink{})
	require.True(t, lunch.IsConfigError(err))

	_, err = New(Config{}, nil, nopFetcher{}, &recordingSink{})
	require.Error(t, err)

	s, err := New(Config{Schedule: "0 30 10 * * MON-FRI"}, reg, nopFetcher{}, &recordingSink{})
	require.NoError(t, err)
	require.Equal(t, StateIdle, s.State())
	_, ok := s.LastSummary()
	require.False(t, ok)
}

func TestRunOnceWritesGoodSitesAndReportsBadOnes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	for _, info := range []lunch.SiteInfo{lhSite, badSite} {
		_, err := store.EnsureSite(ctx, info)
		require.NoError(t, err)
	}
	syncer, err := synchronizer.New(store, synchronizer.Config{}, nil)
	require.NoError(t, err)
	pub := pubmemory.New()
	emitter := &recordingEmitter{}

	s := newScheduler(t, Config{}, syncer, []registry.Entry{
		{Info: lhSite, Scraper: static(
			restaurant("bistrot", "Soppa", "Fisk", "Pasta"),
			restaurant("kooperativet", "Vego", "Kött"),
		)},
		{Info: badSite, Scraper: failing(errBroken)},
	}, WithPublisher(pub), WithEmitter(emitter))

	summary, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, summary.State)
	require.Equal(t, TriggerOnce, summary.Trigger)
	require.Equal(t, 1, summary.SitesSucceeded)
	require.Equal(t, 1, summary.SitesFailed)
	require.Equal(t, 2, summary.RestaurantsWritten)
	require.Zero(t, summary.RestaurantsFailed)
	require.False(t, summary.HardFailure())
	require.Len(t, summary.Failures, 1)
	require.Equal(t, "se/gbg/bad", summary.Failures[0].Site)
	require.Equal(t, FailureScrape, summary.Failures[0].Kind)
	require.Contains(t, summary.Failures[0].Error, errBroken.Error())

	tree, err := store.ReadSiteTree(ctx, lhSite.Key)
	require.NoError(t, err)
	require.Len(t, tree.Site.Restaurants, 2)
	require.Len(t, tree.Site.Restaurants[0].Dishes, 3)
	require.Len(t, tree.Site.Restaurants[1].Dishes, 2)

	bad, err := store.ReadSiteTree(ctx, badSite.Key)
	require.NoError(t, err)
	require.Empty(t, bad.Site.Restaurants)

	last, ok := s.LastSummary()
	require.True(t, ok)
	require.Equal(t, summary.ID, last.ID)
	require.Equal(t, StateCompleted, s.State())

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, SummaryTopic, msgs[0].Topic)
	require.Equal(t, summary.ID, msgs[0].Payload.(PassSummary).ID)

	stages := emitter.stages()
	require.Equal(t, progress.StagePassStart, stages[0])
	require.Equal(t, progress.StagePassDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StageSiteError)
	require.Contains(t, stages, progress.StageSiteDone)
	require.Contains(t, stages, progress.StageRestaurantWrite)
}

func TestRunOnceStreamsResultsBeforeSlowScrapersFinish(t *testing.T) {
	t.Parallel()

	fastApplied := make(chan struct{})
	var once sync.Once
	sink := &recordingSink{onApply: func(results []lunch.ScrapeResult) {
		if results[0].RestaurantKey == "fast" {
			once.Do(func() { close(fastApplied) })
		}
	}}
	slow := lunch.ScraperFunc(func(ctx context.Context, _ lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		select {
		case <-fastApplied:
			return []lunch.ScrapeResult{restaurant("slow", "x")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	s := newScheduler(t, Config{Parallelism: 2, ScraperTimeout: 5 * time.Second}, sink, []registry.Entry{
		{Info: siteInfo("slow"), Scraper: slow},
		{Info: siteInfo("fast"), Scraper: static(restaurant("fast", "y"))},
	})

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.SitesSucceeded)
	require.Equal(t, 2, sink.calls())
}

func TestRunOnceEnforcesScraperDeadline(t *testing.T) {
	t.Parallel()

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	ignoresContext := lunch.ScraperFunc(func(context.Context, lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		<-stuck
		return nil, nil
	})

	sink := &recordingSink{}
	s := newScheduler(t, Config{ScraperTimeout: 50 * time.Millisecond}, sink, []registry.Entry{
		{Info: siteInfo("stuck"), Scraper: ignoresContext},
		{Info: siteInfo("ok"), Scraper: static(restaurant("r", "a"))},
	})

	start := time.Now()
	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 1, summary.SitesSucceeded)
	require.Equal(t, 1, summary.SitesFailed)
	require.Contains(t, summary.Failures[0].Error, context.DeadlineExceeded.Error())
}

func TestRunOnceRecoversScraperPanics(t *testing.T) {
	t.Parallel()

	panicky := lunch.ScraperFunc(func(context.Context, lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		panic("nil map")
	})
	s := newScheduler(t, Config{}, &recordingSink{}, []registry.Entry{
		{Info: siteInfo("panicky"), Scraper: panicky},
	})

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.SitesFailed)
	require.True(t, summary.HardFailure())
	require.Contains(t, summary.Failures[0].Error, "nil map")
}

func TestRunOnceWithoutPersistedWritesIsHardFailure(t *testing.T) {
	t.Parallel()

	// Sites were never bootstrapped, so every write fails to resolve its site.
	syncer, err := synchronizer.New(memory.NewStore(nil), synchronizer.Config{}, nil)
	require.NoError(t, err)
	s := newScheduler(t, Config{}, syncer, []registry.Entry{
		{Info: lhSite, Scraper: static(restaurant("bistrot", "Soppa"), restaurant("tom", "Fisk"))},
	})

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.SitesSucceeded)
	require.Zero(t, summary.SitesFailed)
	require.Zero(t, summary.RestaurantsWritten)
	require.Equal(t, 2, summary.RestaurantsFailed)
	require.True(t, summary.HardFailure())
	for _, f := range summary.Failures {
		require.Equal(t, FailureStore, f.Kind)
	}
}

func TestHardFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		summary PassSummary
		want    bool
	}{
		{name: "empty registry", summary: PassSummary{}},
		{name: "all sites failed", summary: PassSummary{SitesFailed: 2}, want: true},
		{name: "one site written", summary: PassSummary{SitesSucceeded: 1, SitesFailed: 1, RestaurantsWritten: 1}},
		{name: "nothing persisted", summary: PassSummary{SitesSucceeded: 1, RestaurantsFailed: 3}, want: true},
		{name: "partial writes", summary: PassSummary{SitesSucceeded: 1, RestaurantsWritten: 1, RestaurantsFailed: 1}},
		{name: "succeeded without results", summary: PassSummary{SitesSucceeded: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.summary.HardFailure())
		})
	}
}

func TestRunOnceRejectsInvalidResults(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	s := newScheduler(t, Config{}, sink, []registry.Entry{
		{Info: siteInfo("dup"), Scraper: static(restaurant("r", "a"), restaurant("r", "b"))},
		{Info: siteInfo("unnamed"), Scraper: static(lunch.ScrapeResult{RestaurantKey: "x"})},
		{Info: siteInfo("empty"), Scraper: static()},
	})

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.SitesFailed)
	require.Equal(t, 1, summary.SitesSucceeded)
	require.Zero(t, sink.calls())
}

func TestRunOnceBoundsParallelism(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	busy := lunch.ScraperFunc(func(context.Context, lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})

	var entries []registry.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, registry.Entry{Info: siteInfo(fmt.Sprintf("s%d", i)), Scraper: busy})
	}
	s := newScheduler(t, Config{Parallelism: 2}, &recordingSink{}, entries)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, summary.SitesSucceeded)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

// gate blocks the first scrape until released and counts invocations.
type gate struct {
	calls   atomic.Int32
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) Scrape(ctx context.Context, _ lunch.Fetcher) ([]lunch.ScrapeResult, error) {
	if g.calls.Add(1) == 1 {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func TestRunOnceReportsRunningPass(t *testing.T) {
	t.Parallel()

	g := newGate()
	s := newScheduler(t, Config{}, &recordingSink{}, []registry.Entry{{Info: siteInfo("gate"), Scraper: g}})

	done := make(chan PassSummary, 1)
	go func() {
		summary, _ := s.RunOnce(context.Background())
		done <- summary
	}()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 5*time.Millisecond)

	_, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrPassRunning)

	close(g.release)
	summary := <-done
	require.Equal(t, StateCompleted, summary.State)
}

func TestTriggerQueuesOnePendingPass(t *testing.T) {
	t.Parallel()

	g := newGate()
	emitter := &recordingEmitter{}
	s := newScheduler(t, Config{Overlap: OverlapQueue}, &recordingSink{},
		[]registry.Entry{{Info: siteInfo("gate"), Scraper: g}}, WithEmitter(emitter))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Start(ctx) }()

	require.Equal(t, TriggerAccepted, s.TriggerNow())
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 5*time.Millisecond)

	require.Equal(t, TriggerQueued, s.TriggerNow())
	require.Equal(t, TriggerQueued, s.TriggerNow(), "further triggers coalesce")

	close(g.release)
	require.Eventually(t, func() bool { return g.calls.Load() == 2 && s.State() == StateCompleted }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-stopped)

	starts := 0
	for _, st := range emitter.stages() {
		if st == progress.StagePassStart {
			starts++
		}
	}
	require.Equal(t, 2, starts)
	last, ok := s.LastSummary()
	require.True(t, ok)
	require.Equal(t, TriggerManual, last.Trigger)
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	t.Parallel()

	g := newGate()
	s := newScheduler(t, Config{Overlap: OverlapSkip}, &recordingSink{},
		[]registry.Entry{{Info: siteInfo("gate"), Scraper: g}})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Start(ctx) }()

	require.Equal(t, TriggerAccepted, s.TriggerNow())
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 5*time.Millisecond)
	require.Equal(t, TriggerSkipped, s.TriggerNow())

	close(g.release)
	require.Eventually(t, func() bool { return s.State() == StateCompleted }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-stopped)
	require.Equal(t, int32(1), g.calls.Load())
}

func TestStartCancelsActivePassOnShutdown(t *testing.T) {
	t.Parallel()

	g := newGate()
	s := newScheduler(t, Config{}, &recordingSink{}, []registry.Entry{{Info: siteInfo("gate"), Scraper: g}})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Start(ctx) }()

	s.TriggerNow()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-stopped)

	last, ok := s.LastSummary()
	require.True(t, ok)
	require.Equal(t, StateCancelledByShutdown, last.State)
	require.Equal(t, StateCancelledByShutdown, s.State())
}

func TestCronTriggersPasses(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	counting := lunch.ScraperFunc(func(context.Context, lunch.Fetcher) ([]lunch.ScrapeResult, error) {
		calls.Add(1)
		return nil, nil
	})
	s := newScheduler(t, Config{Schedule: "@every 1s"}, &recordingSink{},
		[]registry.Entry{{Info: siteInfo("cron"), Scraper: counting}})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-stopped)

	last, ok := s.LastSummary()
	require.True(t, ok)
	require.Equal(t, TriggerCron, last.Trigger)
}

func TestRunOnceRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := newScheduler(t, Config{}, &recordingSink{}, []registry.Entry{
		{Info: siteInfo("a"), Scraper: static(restaurant("r", "x"))},
		{Info: siteInfo("b"), Scraper: failing(errBroken)},
	}, WithTracer(tp.Tracer("test")))

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	require.Equal(t, 1, names["scrape.pass"])
	require.Equal(t, 2, names["scrape.site"])
}
