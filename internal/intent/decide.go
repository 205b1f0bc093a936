package intent

import "time"

// Action is what the reconciler must do for one intent on this cycle.
type Action int

const (
	// ActionNone means nothing is due yet.
	ActionNone Action = iota
	// ActionSendReminder means the pre-deletion reminder is due and unsent.
	ActionSendReminder
	// ActionExecute means the deletion itself is due or overdue.
	ActionExecute
	// ActionPurge means the intent vanished from the store: drop local
	// tracking, touch nothing remote.
	ActionPurge
)

func (a Action) String() string {
	switch a {
	case ActionSendReminder:
		return "send_reminder"
	case ActionExecute:
		return "execute"
	case ActionPurge:
		return "purge"
	default:
		return "none"
	}
}

// Decider turns a snapshot plus the clock into the single due action. It is
// deliberately stateless apart from the tracker's terminal set: every cycle
// re-derives its decision from the freshest remote read, which is what makes
// the loop trivially resumable after a crash.
type Decider struct {
	ReminderWindow time.Duration
	Tracker        *Tracker
}

// NewDecider creates a decider with the given reminder window.
func NewDecider(reminderWindow time.Duration, tracker *Tracker) *Decider {
	return &Decider{ReminderWindow: reminderWindow, Tracker: tracker}
}

// Decide evaluates the rules in order, first match wins:
//
//  1. already executed this lifetime → None (terminal exactly once)
//  2. now ≥ execute_at → Execute; overdue is treated identically to due,
//     there is no separate "missed" state
//  3. now ≥ execute_at − window and reminder unsent → SendReminder
//  4. otherwise → None
//
// Deletion takes precedence over the reminder when both windows are due: a
// snapshot first seen with execute_at in the past goes straight to Execute.
// Purge is never returned here; absence from the store is observed by the
// tracker, not by inspecting a snapshot that exists.
func (d *Decider) Decide(now time.Time, snap Intent) Action {
	if d.Tracker != nil && d.Tracker.Executed(snap.ID) {
		return ActionNone
	}
	if !now.Before(snap.ExecuteAt) {
		return ActionExecute
	}
	if !snap.ReminderSent && !now.Before(snap.ReminderAt(d.ReminderWindow)) {
		return ActionSendReminder
	}
	return ActionNone
}
