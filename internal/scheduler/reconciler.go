package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/proxmox-agent/internal/intent"
	"github.com/p-blackswan/proxmox-agent/internal/metrics"
)

// Config holds reconciler timing knobs.
type Config struct {
	// CheckInterval is the pause between cycles. Default: 5m.
	CheckInterval time.Duration
	// ErrorBackoff replaces CheckInterval after an iteration-level failure
	// (the list call itself failing). Default: 60s.
	ErrorBackoff time.Duration
	// ReminderWindow is how long before execute_at the reminder is due.
	// Default: 24h.
	ReminderWindow time.Duration
	// CallTimeout bounds each individual external call. Default: 30s.
	CallTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  5 * time.Minute,
		ErrorBackoff:   60 * time.Second,
		ReminderWindow: 24 * time.Hour,
		CallTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = d.ReminderWindow
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Reconciler owns the periodic deletion/reminder pass. Each cycle is a full
// reconciliation against a fresh read of the event store; there is no local
// timer state to lose across restarts.
type Reconciler struct {
	cfg      Config
	store    EventStore
	executor *Executor
	decider  *intent.Decider
	tracker  *intent.Tracker
	clk      clock.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a reconciler and its executor from the three collaborators.
func New(cfg Config, store EventStore, resources ResourceClient, notifier Notifier, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	tracker := intent.NewTracker()
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		executor: NewExecutor(store, resources, notifier, tracker, cfg.CallTimeout, m, logger),
		decider:  intent.NewDecider(cfg.ReminderWindow, tracker),
		tracker:  tracker,
		clk:      clk,
		metrics:  m,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run executes the loop until ctx is cancelled. Cancellation takes effect at
// the next sleep boundary; an in-flight cycle finishes its current intent and
// then stops between intents.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().
		Dur("check_interval", r.cfg.CheckInterval).
		Dur("reminder_window", r.cfg.ReminderWindow).
		Msg("reconciler starting")

	// First cycle immediately on startup, then on the interval.
	for {
		interval := r.cfg.CheckInterval
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error().Err(err).Dur("backoff", r.cfg.ErrorBackoff).Msg("reconcile cycle failed")
			r.metrics.RecordCycle("error")
			interval = r.cfg.ErrorBackoff
		} else {
			r.metrics.RecordCycle("ok")
		}

		timer := r.clk.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-timer.C:
		}
	}
	r.logger.Info().Msg("reconciler stopped")
}

// RunOnce performs a single reconciliation pass. An error return means the
// pass itself could not run (the store read failed); per-intent failures are
// isolated, logged, and absorbed; the next poll is the retry mechanism.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	started := r.clk.Now()
	defer func() {
		r.metrics.ObserveCycleDuration(r.clk.Now().Sub(started).Seconds())
	}()

	listCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	snaps, err := r.store.ListOpen(listCtx)
	cancel()
	if err != nil {
		r.metrics.RecordError("calendar", "list_open")
		return fmt.Errorf("listing open intents: %w", err)
	}
	r.metrics.OpenIntents.Set(float64(len(snaps)))

	// Intents that disappeared since the last poll were cancelled
	// externally: drop local tracking, touch nothing remote.
	for _, gone := range r.tracker.Observe(snaps) {
		r.executor.Purge(gone)
	}

	primary, duplicates := intent.Dedupe(snaps)
	for _, dup := range duplicates {
		// Two open intents for one resource violates a caller-level
		// invariant. Act on the earliest only; leave these for review.
		r.logger.Error().
			Str("intent_id", dup.ID).
			Str("vmid", dup.ResourceID).
			Time("execute_at", dup.ExecuteAt).
			Msg("duplicate open intent for resource, skipping")
		r.metrics.RecordError("reconciler", "duplicate_intent")
	}

	now := r.clk.Now()
	r.logger.Debug().Int("open", len(primary)).Time("now", now).Msg("reconcile cycle")

	// Sequential on purpose: one slow or failing collaborator bounds its
	// own blast radius, and each intent sees at most one action per cycle.
	for _, snap := range primary {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var actErr error
		switch action := r.decider.Decide(now, snap); action {
		case intent.ActionSendReminder:
			actErr = r.executor.SendReminder(ctx, snap)
		case intent.ActionExecute:
			actErr = r.executor.Execute(ctx, snap)
		case intent.ActionNone:
			continue
		}

		if actErr != nil {
			// Isolated: this intent retries next cycle, the rest of the
			// batch still runs.
			r.logger.Error().Err(actErr).
				Str("intent_id", snap.ID).
				Str("vmid", snap.ResourceID).
				Msg("intent processing failed")
		}
	}

	return nil
}
