// Package scheduler drives scheduled container deletions: a periodic
// reconciliation loop re-reads every open intent from the event store, a
// pure decision function picks the due action, and the executor performs it.
// The side effect always happens before the remote-state commit, so a crash
// between the two can duplicate a notification but can never skip a deletion
// or repeat one (the existence check makes the delete idempotent).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
	"github.com/p-blackswan/proxmox-agent/internal/intent"
	"github.com/p-blackswan/proxmox-agent/internal/metrics"
	"github.com/p-blackswan/proxmox-agent/internal/retry"
)

// EventStore is the slice of the intent store the scheduler consumes.
type EventStore interface {
	ListOpen(ctx context.Context) ([]intent.Intent, error)
	MarkReminderSent(ctx context.Context, intentID string) error
	Delete(ctx context.Context, intentID string) error
}

// ResourceClient is the slice of the Proxmox client the executor needs.
type ResourceClient interface {
	Exists(ctx context.Context, vmid string) (bool, error)
	DeleteContainer(ctx context.Context, vmid string) error
}

// Notifier delivers messages to the requestor or the broadcast channel.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, text string) error
	Broadcast(ctx context.Context, text string) error
}

// Executor performs the side effect an action calls for and then commits the
// state transition to the event store.
type Executor struct {
	store     EventStore
	resources ResourceClient
	notifier  Notifier
	tracker   *intent.Tracker

	callTimeout time.Duration
	retryCfg    retry.Config
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(store EventStore, resources ResourceClient, notifier Notifier, tracker *intent.Tracker, callTimeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Executor {
	return &Executor{
		store:       store,
		resources:   resources,
		notifier:    notifier,
		tracker:     tracker,
		callTimeout: callTimeout,
		retryCfg:    retry.DefaultConfig(),
		metrics:     m,
		logger:      logger.With().Str("component", "executor").Logger(),
	}
}

// SetRetryConfig overrides the side-effect retry policy (for testing).
func (e *Executor) SetRetryConfig(cfg retry.Config) {
	e.retryCfg = cfg
}

// SendReminder notifies the requestor and the broadcast channel, and only
// on notification success commits reminder_sent=true. If the commit fails
// the reminder goes out again next cycle: a duplicate reminder is judged less
// harmful than a missed one.
func (e *Executor) SendReminder(ctx context.Context, snap intent.Intent) error {
	text := fmt.Sprintf("Reminder: container %s will be deleted on %s.",
		describe(snap), snap.ExecuteAt.Format("2006-01-02 15:04 MST"))

	if err := e.notify(ctx, snap.Requestor, text); err != nil {
		e.metrics.RecordAction("send_reminder", "error")
		return fmt.Errorf("sending reminder for %s: %w", snap.ResourceID, err)
	}

	if err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.store.MarkReminderSent(ctx, snap.ID)
	}); err != nil {
		// Reminder delivered but flag not persisted: the next cycle will
		// send it again. Accepted duplicate-reminder window, surfaced here.
		e.logger.Warn().Err(err).
			Str("intent_id", snap.ID).
			Str("vmid", snap.ResourceID).
			Msg("reminder sent but commit failed; duplicate possible next cycle")
		e.metrics.RecordAction("send_reminder", "commit_error")
		return fmt.Errorf("committing reminder for %s: %w", snap.ResourceID, err)
	}

	e.logger.Info().Str("intent_id", snap.ID).Str("vmid", snap.ResourceID).Msg("reminder sent")
	e.metrics.RecordAction("send_reminder", "ok")
	return nil
}

// Execute deletes the container and purges the intent. The existence check
// first makes retries idempotent: once the container is gone, any re-attempt
// goes straight to the purge with zero delete calls.
func (e *Executor) Execute(ctx context.Context, snap intent.Intent) error {
	var exists bool
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var checkErr error
		exists, checkErr = e.resources.Exists(ctx, snap.ResourceID)
		return checkErr
	})
	if err != nil {
		e.metrics.RecordAction("execute", "error")
		return fmt.Errorf("checking container %s: %w", snap.ResourceID, err)
	}

	if !exists {
		// Removed out-of-band. Purge only; never a delete call.
		e.logger.Info().Str("vmid", snap.ResourceID).Msg("container already gone, purging intent")
		if err := e.purgeRemote(ctx, snap); err != nil {
			e.metrics.RecordAction("execute", "error")
			return err
		}
		e.announce(ctx, snap, fmt.Sprintf("Container %s was already removed; its scheduled deletion is cancelled.", describe(snap)))
		e.metrics.RecordAction("execute", "already_gone")
		return nil
	}

	err = retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
		return e.withTimeout(ctx, func(ctx context.Context) error {
			return e.resources.DeleteContainer(ctx, snap.ResourceID)
		})
	})
	if err != nil && !perrors.IsNotFound(err) {
		// Deletion failed: leave the intent untouched so the next cycle
		// retries, and tell the requestor instead of failing silently.
		e.announce(ctx, snap, fmt.Sprintf("Failed to delete container %s: %v. Will retry.", describe(snap), err))
		e.metrics.RecordAction("execute", "error")
		return fmt.Errorf("deleting container %s: %w", snap.ResourceID, err)
	}

	if err := e.purgeRemote(ctx, snap); err != nil {
		// Container is gone but the event is not. Next cycle the existence
		// check short-circuits to the purge path, so the delete never runs
		// twice. A duplicate completion notice is possible; that is fine.
		e.metrics.RecordAction("execute", "commit_error")
		return err
	}

	e.announce(ctx, snap, fmt.Sprintf("Container %s has been deleted as scheduled.", describe(snap)))
	e.logger.Info().Str("intent_id", snap.ID).Str("vmid", snap.ResourceID).Msg("scheduled deletion executed")
	e.metrics.RecordAction("execute", "ok")
	return nil
}

// Purge drops local tracking for an intent that vanished from the store.
// The remote record is already gone; no remote call is made.
func (e *Executor) Purge(snap intent.Intent) {
	e.tracker.Forget(snap.ID)
	e.logger.Info().
		Str("intent_id", snap.ID).
		Str("vmid", snap.ResourceID).
		Msg("intent cancelled externally, dropped local tracking")
	e.metrics.RecordAction("purge", "ok")
}

// purgeRemote removes the event and marks the intent terminal. NotFound from
// the store means someone else already purged it; success either way.
func (e *Executor) purgeRemote(ctx context.Context, snap intent.Intent) error {
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.store.Delete(ctx, snap.ID)
	})
	if err != nil && !perrors.IsNotFound(err) {
		return fmt.Errorf("purging intent %s: %w", snap.ID, err)
	}
	e.tracker.MarkExecuted(snap.ID)
	return nil
}

// notify delivers to the requestor and the broadcast channel; the user
// message must succeed, the broadcast is best-effort.
func (e *Executor) notify(ctx context.Context, userID, text string) error {
	err := retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
		return e.withTimeout(ctx, func(ctx context.Context) error {
			return e.notifier.NotifyUser(ctx, userID, text)
		})
	})
	if err != nil {
		return err
	}
	if berr := e.notifier.Broadcast(ctx, text); berr != nil {
		e.logger.Warn().Err(berr).Msg("broadcast failed")
	}
	return nil
}

// announce is fire-and-forget messaging around an execution outcome.
// Notification failures here never change the intent's state.
func (e *Executor) announce(ctx context.Context, snap intent.Intent, text string) {
	if err := e.notify(ctx, snap.Requestor, text); err != nil {
		e.logger.Warn().Err(err).Str("vmid", snap.ResourceID).Msg("completion notification failed")
		e.metrics.RecordError("notifier", "announce")
	}
}

func (e *Executor) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.callTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return fn(callCtx)
}

func describe(snap intent.Intent) string {
	if snap.ResourceName != "" {
		return snap.ResourceID + " (" + snap.ResourceName + ")"
	}
	return snap.ResourceID
}
