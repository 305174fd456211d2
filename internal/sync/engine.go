package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexisync/lexisync/internal/queue"
	"github.com/lexisync/lexisync/internal/resolve"
	"github.com/lexisync/lexisync/internal/store"
)

const (
	otelScope       = "lexisync/sync"
	spanCycle       = "sync.cycle"
	metricPushed    = "lexisync.sync.ops.pushed"
	metricPulled    = "lexisync.sync.deltas.pulled"
	metricConflicts = "lexisync.sync.conflicts"
	metricResolved  = "lexisync.sync.conflicts.resolved"
	metricErrors    = "lexisync.sync.errors"
)

// Config tunes the engine. Zero values fall back to documented defaults.
type Config struct {
	// PollInterval is the cycle period while the connection is healthy.
	PollInterval time.Duration

	// PushBatchSize bounds the number of operations pushed per cycle.
	PushBatchSize int

	// BackoffCap bounds the doubled interval after repeated failures.
	BackoffCap time.Duration
}

const (
	defaultPollInterval  = 30 * time.Second
	defaultPushBatchSize = 50
)

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PushBatchSize == 0 {
		c.PushBatchSize = defaultPushBatchSize
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 8 * c.PollInterval
	}
	return c
}

// Stats tracks the work performed in a single sync cycle.
type Stats struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Resolved  int
	Errors    int
}

func (s *Stats) add(o Stats) {
	s.Pushed += o.Pushed
	s.Pulled += o.Pulled
	s.Conflicts += o.Conflicts
	s.Resolved += o.Resolved
	s.Errors += o.Errors
}

// Engine orchestrates the sync cycle. Create one with [New] and start it
// with [Engine.Run].
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	client   Client
	pinger   Pinger // may be nil
	resolver *resolve.Resolver
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	// kick wakes the run loop for an immediate cycle (foreground refresh,
	// reachability transition). Capacity one: kicks coalesce.
	kick chan struct{}

	mu      sync.Mutex
	lastErr error
	online  bool

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntPushed    metric.Int64Counter
	cntPulled    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntResolved  metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// New creates an Engine. pinger may be nil (no cheap offline probe).
func New(st *store.Store, q *queue.Queue, client Client, pinger Pinger, resolver *resolve.Resolver, cfg Config, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store:    st,
		queue:    q,
		client:   client,
		pinger:   pinger,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		log:      logger,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		online:   true,

		tracer:       tracer,
		cntPushed:    mustCounter(metricPushed, "Operations accepted by the remote store"),
		cntPulled:    mustCounter(metricPulled, "Remote deltas applied locally"),
		cntConflicts: mustCounter(metricConflicts, "Conflicts detected during sync"),
		cntResolved:  mustCounter(metricResolved, "Conflicts resolved automatically"),
		cntErrors:    mustCounter(metricErrors, "Errors encountered during sync"),
	}
}

// Kick requests an immediate sync cycle (e.g. a foreground refresh). It
// never blocks; pending kicks coalesce.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// LastSyncError returns the error of the most recent failed cycle, nil after
// a successful one. Sync failures are non-fatal: callers may surface this as
// an offline indicator while local data stays available.
func (e *Engine) LastSyncError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Online reports the engine's current view of remote reachability.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// RunOnce performs a single sync cycle and returns its statistics.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	return e.instrumentedCycle(ctx)
}

// Run starts the cycle loop and blocks until ctx is cancelled. The interval
// doubles after a failed cycle up to the configured cap and resets after a
// successful one; a [Engine.Kick] forces an immediate cycle.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.PollInterval
	timer := time.NewTimer(0) // immediate first pass
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-timer.C:
		case <-e.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if e.skipWhileOffline(ctx) {
			interval = e.nextInterval(interval)
			timer.Reset(interval)
			continue
		}

		if _, err := e.instrumentedCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("sync cycle failed", "error", err, "retry_in", e.nextInterval(interval))
			interval = e.nextInterval(interval)
		} else {
			interval = e.cfg.PollInterval
		}
		timer.Reset(interval)
	}
}

// skipWhileOffline probes reachability when the last cycle failed on the
// network. Returns true when the remote is still unreachable and the cycle
// should be skipped. A successful probe flips the engine back online.
func (e *Engine) skipWhileOffline(ctx context.Context) bool {
	e.mu.Lock()
	wasOnline := e.online
	e.mu.Unlock()

	if wasOnline || e.pinger == nil {
		return false
	}
	if err := e.pinger.Ping(ctx); err != nil {
		e.log.Debug("remote still unreachable", "error", err)
		return true
	}
	e.log.Info("remote reachable again, resuming sync")
	return false
}

func (e *Engine) nextInterval(current time.Duration) time.Duration {
	next := current * 2
	if next > e.cfg.BackoffCap {
		next = e.cfg.BackoffCap
	}
	return next
}

// instrumentedCycle runs one cycle, recording a trace span, counters, and
// the engine's error/online state.
func (e *Engine) instrumentedCycle(ctx context.Context) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanCycle)
	defer span.End()

	stats, err := e.cycle(ctx)

	if stats.Pushed > 0 {
		e.cntPushed.Add(ctx, int64(stats.Pushed))
	}
	if stats.Pulled > 0 {
		e.cntPulled.Add(ctx, int64(stats.Pulled))
	}
	if stats.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(stats.Conflicts))
	}
	if stats.Resolved > 0 {
		e.cntResolved.Add(ctx, int64(stats.Resolved))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}
	span.SetAttributes(
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.resolved", stats.Resolved),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}

	e.mu.Lock()
	e.lastErr = err
	e.online = err == nil
	e.mu.Unlock()

	if err == nil {
		e.log.Info("sync cycle complete",
			"pushed", stats.Pushed,
			"pulled", stats.Pulled,
			"conflicts", stats.Conflicts,
			"resolved", stats.Resolved,
			"errors", stats.Errors,
		)
	}
	return stats, err
}
