// Package scheduler runs scrape passes. A pass snapshots the registry, runs
// every scraper on a bounded pool under its own deadline and streams each
// site's results to the sink as soon as that site finishes. Only one pass
// runs at a time; triggers that arrive meanwhile are queued or skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/clock/system"
	iduuid "github.com/oddlid/rlunch/internal/id/uuid"
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/progress"
	"github.com/oddlid/rlunch/internal/publisher"
	"github.com/oddlid/rlunch/internal/registry"
	"github.com/oddlid/rlunch/internal/synchronizer"
	"github.com/oddlid/rlunch/internal/telemetry"
)

// ErrPassRunning is returned by RunOnce while another pass is active.
var ErrPassRunning = errors.New("scheduler: a pass is already running")

// OverlapPolicy decides what happens to a trigger that fires mid-pass.
type OverlapPolicy string

// Overlap policies.
const (
	OverlapQueue OverlapPolicy = "queue"
	OverlapSkip  OverlapPolicy = "skip"
)

// TriggerResult tells a caller what became of its trigger.
type TriggerResult string

// Trigger results.
const (
	TriggerAccepted TriggerResult = "accepted"
	TriggerQueued   TriggerResult = "queued"
	TriggerSkipped  TriggerResult = "skipped"
)

// SummaryTopic is the publish topic for pass summaries.
const SummaryTopic = "pass.summary"

const (
	defaultParallelism    = 4
	defaultScraperTimeout = 60 * time.Second
	defaultPassTimeout    = 10 * time.Minute
)

// Config controls scheduling and pass limits.
type Config struct {
	// Schedule is a cron expression with optional seconds field or a
	// descriptor such as "@hourly". Empty disables the cron trigger.
	Schedule       string
	Parallelism    int
	ScraperTimeout time.Duration
	PassTimeout    time.Duration
	Overlap        OverlapPolicy
	// ResultBuffer is the fan-in channel capacity; defaults to Parallelism.
	ResultBuffer int
}

// Sink consumes the results of one site.
type Sink interface {
	Apply(ctx context.Context, results []lunch.ScrapeResult) synchronizer.WriteOutcome
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmitter sets the progress emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithPublisher publishes every pass summary.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the clock.
func WithClock(c lunch.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator overrides pass ID generation.
func WithIDGenerator(g lunch.IDGenerator) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.ids = g
		}
	}
}

// Scheduler owns the pass triggers and runs passes.
type Scheduler struct {
	cfg       Config
	registry  *registry.Registry
	fetcher   lunch.Fetcher
	sink      Sink
	schedule  cron.Schedule
	logger    *zap.Logger
	emitter   progress.Emitter
	publisher publisher.Publisher
	tracer    trace.Tracer
	clock     lunch.Clock
	ids       lunch.IDGenerator

	passMu   sync.Mutex // held for the duration of a pass
	running  atomic.Bool
	triggers chan Trigger // at most one pending trigger

	mu    sync.RWMutex
	state State
	last  *PassSummary
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, &lunch.ConfigError{Field: "scrape.cron", Err: err}
	}
	return sched, nil
}

// New validates cfg and builds a Scheduler. Malformed settings are reported
// as *lunch.ConfigError.
func New(cfg Config, reg *registry.Registry, fetcher lunch.Fetcher, sink Sink, opts ...Option) (*Scheduler, error) {
	if reg == nil || fetcher == nil || sink == nil {
		return nil, errors.New("scheduler: registry, fetcher and sink are required")
	}
	if cfg.Parallelism < 0 {
		return nil, &lunch.ConfigError{Field: "scrape.parallelism", Err: errors.New("must not be negative")}
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.ScraperTimeout <= 0 {
		cfg.ScraperTimeout = defaultScraperTimeout
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = defaultPassTimeout
	}
	switch cfg.Overlap {
	case "":
		cfg.Overlap = OverlapQueue
	case OverlapQueue, OverlapSkip:
	default:
		return nil, &lunch.ConfigError{Field: "scrape.overlap", Err: fmt.Errorf("unknown policy %q", cfg.Overlap)}
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = cfg.Parallelism
	}

	s := &Scheduler{
		cfg:      cfg,
		registry: reg,
		fetcher:  fetcher,
		sink:     sink,
		logger:   zap.NewNop(),
		emitter:  progress.Discard,
		tracer:   telemetry.Tracer("github.com/oddlid/rlunch/internal/scheduler"),
		clock:    system.Clock{},
		ids:      iduuid.New(),
		triggers: make(chan Trigger, 1),
		state:    StateIdle,
	}
	if cfg.Schedule != "" {
		sched, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		s.schedule = sched
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s, nil
}

// State reports the state of the current or most recent pass.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastSummary returns the most recent pass summary.
func (s *Scheduler) LastSummary() (PassSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return PassSummary{}, false
	}
	return *s.last, true
}

// RunOnce runs one pass now. It returns ErrPassRunning instead of waiting
// when a pass is active.
func (s *Scheduler) RunOnce(ctx context.Context) (PassSummary, error) {
	if !s.passMu.TryLock() {
		return PassSummary{}, ErrPassRunning
	}
	defer s.passMu.Unlock()
	return s.runPass(ctx, TriggerOnce), nil
}

// TriggerNow asks the Start loop for a manual pass.
func (s *Scheduler) TriggerNow() TriggerResult {
	return s.trigger(TriggerManual)
}

func (s *Scheduler) trigger(t Trigger) TriggerResult {
	running := s.running.Load()
	if running && s.cfg.Overlap == OverlapSkip {
		s.logger.Warn("pass trigger skipped, a pass is running", zap.String("trigger", string(t)))
		return TriggerSkipped
	}
	select {
	case s.triggers <- t:
		if running {
			return TriggerQueued
		}
		return TriggerAccepted
	default:
		s.logger.Info("pass trigger coalesced into pending trigger", zap.String("trigger", string(t)))
		return TriggerQueued
	}
}

// Start serves cron and manual triggers until ctx is cancelled. A pass in
// progress at cancellation is cancelled and drained before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.schedule != nil {
		c := cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{s.logger}))
		c.Schedule(s.schedule, cron.FuncJob(func() { s.trigger(TriggerCron) }))
		c.Start()
		defer func() { <-c.Stop().Done() }()
		s.logger.Info("cron trigger registered", zap.String("schedule", s.cfg.Schedule))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.triggers:
			s.passMu.Lock()
			s.runPass(ctx, t)
			s.passMu.Unlock()
		}
	}
}

// cronLogger routes robfig/cron logs to zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) newPassID() uuid.UUID {
	id, err := s.ids.NewUUID()
	if err != nil {
		s.logger.Warn("pass id generation failed, using random id", zap.Error(err))
		return uuid.New()
	}
	return id
}
