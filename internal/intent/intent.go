// Package intent models scheduled container deletions and the pure decision
// logic that drives the reconciliation loop. Nothing in this package talks to
// the network; the event store is re-read every cycle and snapshots are never
// mutated in place.
package intent

import (
	"sort"
	"sync"
	"time"
)

// Intent is a read-only snapshot of one scheduled deletion, as stored in the
// remote calendar event. ID is the event handle and is stable for the
// intent's lifetime.
type Intent struct {
	ID           string
	ResourceID   string // Proxmox VMID in string form
	ResourceName string
	Requestor    string // Slack user ID that scheduled the deletion
	CreatedAt    time.Time
	ExecuteAt    time.Time
	ReminderSent bool
}

// ReminderAt returns when the pre-deletion reminder becomes due. It is
// computed, never stored.
func (i Intent) ReminderAt(window time.Duration) time.Time {
	return i.ExecuteAt.Add(-window)
}

// State is the derived lifecycle position of an intent.
type State string

const (
	StateScheduled    State = "scheduled"
	StateReminderDue  State = "reminder_due"
	StateReminderSent State = "reminder_sent"
	StateExecuteDue   State = "execute_due"
)

// StateAt derives the lifecycle state from the snapshot and the clock.
// Executed and Cancelled are not derivable from a present snapshot: an
// executed or cancelled intent no longer appears in the store.
func (i Intent) StateAt(now time.Time, window time.Duration) State {
	switch {
	case !now.Before(i.ExecuteAt):
		return StateExecuteDue
	case i.ReminderSent:
		return StateReminderSent
	case !now.Before(i.ReminderAt(window)):
		return StateReminderDue
	default:
		return StateScheduled
	}
}

// SortByExecuteAt orders intents earliest deletion first, with ID as the
// tiebreaker so processing order is deterministic.
func SortByExecuteAt(snaps []Intent) {
	sort.Slice(snaps, func(a, b int) bool {
		if snaps[a].ExecuteAt.Equal(snaps[b].ExecuteAt) {
			return snaps[a].ID < snaps[b].ID
		}
		return snaps[a].ExecuteAt.Before(snaps[b].ExecuteAt)
	})
}

// Dedupe splits snapshots into at most one open intent per resource (the
// earliest ExecuteAt wins) and the duplicates. Two open intents for one
// resource is a caller-level invariant violation; the duplicates are returned
// so the reconciler can flag them for manual review instead of acting on them.
func Dedupe(snaps []Intent) (primary, duplicates []Intent) {
	sorted := make([]Intent, len(snaps))
	copy(sorted, snaps)
	SortByExecuteAt(sorted)

	byResource := make(map[string]bool, len(sorted))
	for _, s := range sorted {
		if byResource[s.ResourceID] {
			duplicates = append(duplicates, s)
			continue
		}
		byResource[s.ResourceID] = true
		primary = append(primary, s)
	}
	return primary, duplicates
}

// Tracker remembers which intents this process has seen and which it has
// executed. It exists only to detect external cancellation (an intent that
// vanishes between polls) and to defend against a just-executed intent
// reappearing in a stale read. It is best-effort by design: the event store's
// own record deletion is the authoritative guard, so losing this state on
// restart is safe.
type Tracker struct {
	mu       sync.Mutex
	seen     map[string]Intent
	executed map[string]bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		seen:     make(map[string]Intent),
		executed: make(map[string]bool),
	}
}

// Observe records the current poll's snapshots and returns the intents that
// were present on a previous poll but are absent now. Those are treated as
// externally cancelled and must be purged from local tracking only.
func (t *Tracker) Observe(current []Intent) (vanished []Intent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentIDs := make(map[string]bool, len(current))
	for _, s := range current {
		currentIDs[s.ID] = true
	}

	for id, snap := range t.seen {
		if !currentIDs[id] {
			vanished = append(vanished, snap)
			delete(t.seen, id)
		}
	}
	for _, s := range current {
		t.seen[s.ID] = s
	}
	SortByExecuteAt(vanished)
	return vanished
}

// MarkExecuted records that the intent reached its terminal state. Any later
// appearance of the same ID is ignored by Decide.
func (t *Tracker) MarkExecuted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executed[id] = true
	delete(t.seen, id)
}

// Executed reports whether the intent already ran to completion in this
// process lifetime.
func (t *Tracker) Executed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed[id]
}

// Forget drops an intent from the seen set without marking it executed.
// Used after a purge so the next Observe does not report it vanished again.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, id)
}
