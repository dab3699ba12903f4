package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/progress"
	"github.com/oddlid/rlunch/internal/registry"
)

const publishTimeout = 10 * time.Second

// siteOutcome is what one producer sends to the fan-in channel.
type siteOutcome struct {
	key      lunch.SiteKey
	results  []lunch.ScrapeResult
	err      error
	duration time.Duration
}

func (s *Scheduler) runPass(ctx context.Context, trigger Trigger) PassSummary {
	s.running.Store(true)
	defer s.running.Store(false)

	summary := PassSummary{
		ID:        s.newPassID(),
		Trigger:   trigger,
		State:     StateRunning,
		StartedAt: s.clock.Now(),
	}
	passID := summary.ID
	s.setState(StateRunning)

	ctx, span := s.tracer.Start(ctx, "scrape.pass", trace.WithAttributes(
		attribute.String("pass.id", summary.ID.String()),
		attribute.String("pass.trigger", string(trigger)),
	))
	defer span.End()

	log := s.logger.With(zap.String("pass_id", summary.ID.String()), zap.String("trigger", string(trigger)))
	entries := s.registry.Entries()
	log.Info("pass started", zap.Int("sites", len(entries)))
	s.emit(passID, progress.Event{Stage: progress.StagePassStart, Trigger: string(trigger)})

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		writers = pool.New()
	)
	for o := range s.launch(passCtx, entries) {
		site := o.key.String()
		if o.err != nil {
			log.Warn("site failed", zap.String("site", site), zap.Duration("dur", o.duration), zap.Error(o.err))
			s.emit(passID, progress.Event{Stage: progress.StageSiteError, Site: site, Dur: o.duration, Note: o.err.Error()})
			mu.Lock()
			summary.SitesFailed++
			summary.Failures = append(summary.Failures, SiteFailure{Site: site, Kind: FailureScrape, Error: o.err.Error()})
			mu.Unlock()
			continue
		}

		s.emit(passID, progress.Event{Stage: progress.StageSiteDone, Site: site, Count: len(o.results), Dur: o.duration})
		mu.Lock()
		summary.SitesSucceeded++
		mu.Unlock()
		if len(o.results) == 0 {
			continue
		}

		// Writes start as soon as this site is done; slower scrapers keep
		// running meanwhile.
		writers.Go(func() {
			out := s.sink.Apply(ctx, o.results)
			mu.Lock()
			defer mu.Unlock()
			summary.RestaurantsWritten += out.Written
			summary.RestaurantsFailed += out.Failed
			for _, w := range out.Writes {
				evt := progress.Event{
					Stage:      progress.StageRestaurantWrite,
					Site:       w.Site.String(),
					Restaurant: w.Restaurant,
					Outcome:    progress.OutcomeOK,
					Dur:        w.Duration,
				}
				if w.Err != nil {
					evt.Outcome = progress.OutcomeError
					evt.Note = w.Err.Error()
					summary.Failures = append(summary.Failures, SiteFailure{
						Site:       w.Site.String(),
						Restaurant: w.Restaurant,
						Kind:       FailureStore,
						Error:      w.Err.Error(),
					})
				}
				s.emit(passID, evt)
			}
		})
	}
	writers.Wait()

	summary.State = StateCompleted
	if ctx.Err() != nil {
		summary.State = StateCancelledByShutdown
	}
	summary.FinishedAt = s.clock.Now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)

	span.SetAttributes(
		attribute.String("pass.state", string(summary.State)),
		attribute.Int("pass.sites_succeeded", summary.SitesSucceeded),
		attribute.Int("pass.sites_failed", summary.SitesFailed),
		attribute.Int("pass.restaurants_written", summary.RestaurantsWritten),
		attribute.Int("pass.restaurants_failed", summary.RestaurantsFailed),
	)
	if summary.HardFailure() {
		span.SetStatus(codes.Error, "pass made no progress")
	}

	s.emit(passID, progress.Event{Stage: progress.StagePassDone, Trigger: string(trigger), Outcome: string(summary.State), Dur: summary.Duration})
	s.mu.Lock()
	s.state = summary.State
	last := summary
	s.last = &last
	s.mu.Unlock()

	log.Info("pass finished",
		zap.String("state", string(summary.State)),
		zap.Int("sites_succeeded", summary.SitesSucceeded),
		zap.Int("sites_failed", summary.SitesFailed),
		zap.Int("restaurants_written", summary.RestaurantsWritten),
		zap.Int("restaurants_failed", summary.RestaurantsFailed),
		zap.Duration("dur", summary.Duration),
	)
	s.publish(ctx, summary)
	return summary
}

// launch runs the scrapers on a pool capped at Parallelism and returns the
// fan-in channel, closed once every producer has reported.
func (s *Scheduler) launch(ctx context.Context, entries []registry.Entry) <-chan siteOutcome {
	out := make(chan siteOutcome, s.cfg.ResultBuffer)
	p := pool.New().WithMaxGoroutines(s.cfg.Parallelism)
	go func() {
		defer close(out)
		for _, e := range entries {
			p.Go(func() { out <- s.scrapeSite(ctx, e) })
		}
		p.Wait()
	}()
	return out
}

func (s *Scheduler) scrapeSite(ctx context.Context, e registry.Entry) siteOutcome {
	key := e.Info.Key
	o := siteOutcome{key: key}
	if err := ctx.Err(); err != nil {
		o.err = &lunch.ScraperError{Site: key, Err: fmt.Errorf("not started: %w", err)}
		return o
	}

	ctx, span := s.tracer.Start(ctx, "scrape.site", trace.WithAttributes(attribute.String("site", key.String())))
	defer span.End()
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScraperTimeout)
	defer cancel()

	start := s.clock.Now()
	results, err := s.invoke(sctx, e.Scraper)
	o.duration = s.clock.Now().Sub(start)
	if err == nil {
		results, err = prepare(key, results)
	}
	if err != nil {
		var se *lunch.ScraperError
		if !errors.As(err, &se) {
			err = &lunch.ScraperError{Site: key, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "scrape failed")
		o.err = err
		return o
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	o.results = results
	return o
}

type scrapeReturn struct {
	results []lunch.ScrapeResult
	err     error
}

// invoke runs the scraper in its own goroutine so a scraper that ignores
// its context cannot hold the pass past the deadline, and a panic becomes an
// error.
func (s *Scheduler) invoke(ctx context.Context, scraper lunch.Scraper) ([]lunch.ScrapeResult, error) {
	done := make(chan scrapeReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scrapeReturn{err: fmt.Errorf("scraper panicked: %v", r)}
			}
		}()
		results, err := scraper.Scrape(ctx, s.fetcher)
		done <- scrapeReturn{results: results, err: err}
	}()
	select {
	case r := <-done:
		return r.results, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("scraper deadline: %w", ctx.Err())
	}
}

// prepare fills in the site key and rejects results the synchronizer could
// not apply. A site with any invalid result fails as a whole.
func prepare(key lunch.SiteKey, results []lunch.ScrapeResult) ([]lunch.ScrapeResult, error) {
	out := make([]lunch.ScrapeResult, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r.SiteKey == (lunch.SiteKey{}) {
			r.SiteKey = key
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid result: %w", err)
		}
		id := r.SiteKey.String() + "/" + r.RestaurantKey
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate restaurant %q", id)
		}
		seen[id] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

func (s *Scheduler) emit(passID uuid.UUID, evt progress.Event) {
	evt.PassID = passID
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

// publish announces the summary. Failures are logged; they never fail the
// pass.
func (s *Scheduler) publish(ctx context.Context, summary PassSummary) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	id, err := s.publisher.Publish(pctx, SummaryTopic, summary)
	if err != nil {
		s.logger.Warn("publish pass summary failed", zap.String("pass_id", summary.ID.String()), zap.Error(err))
		return
	}
	s.logger.Debug("pass summary published", zap.String("pass_id", summary.ID.String()), zap.String("message_id", id))
}
