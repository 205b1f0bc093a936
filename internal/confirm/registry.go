// Package confirm holds short-lived, single-use confirmation tokens that gate
// destructive actions requested outside the calendar flow. Tokens are purely
// in-memory: losing them on restart only means the user is asked again.
package confirm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
)

// Decision is the user's answer to a confirmation request.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
)

// Pending is one outstanding confirmation request. Params is opaque to the
// registry; the agent layer interprets it.
type Pending struct {
	ID         string
	ActionKind string
	Params     map[string]string
	UserID     string
	IssuedAt   time.Time
}

// Registry is the mutex-guarded token store. The backing map is never
// exposed; concurrent Create/Resolve/Cleanup observe a consistent view.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
	clk     clock.Clock
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		pending: make(map[string]*Pending),
		clk:     clk,
		logger:  logger.With().Str("component", "confirm").Logger(),
	}
}

// Create registers a confirmation request and returns its short id. IDs are
// random (8 hex chars of a UUID), so no two tokens collide within a process
// lifetime for any practical purpose.
func (r *Registry) Create(actionKind string, params map[string]string, userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := shortID()
	for r.pending[id] != nil {
		id = shortID()
	}

	r.pending[id] = &Pending{
		ID:         id,
		ActionKind: actionKind,
		Params:     params,
		UserID:     userID,
		IssuedAt:   r.clk.Now(),
	}

	r.logger.Info().
		Str("confirmation_id", id).
		Str("action", actionKind).
		Str("user", userID).
		Msg("confirmation created")

	return id
}

// Resolve atomically pops the pending entry for id. An id is usable exactly
// once: a second Resolve on the same id returns ErrNotFound, never a stale
// entry. The decision is recorded for the caller; the registry itself does
// not act on it.
func (r *Registry) Resolve(id string, decision Decision) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return nil, perrors.ErrNotFound
	}
	delete(r.pending, id)

	r.logger.Info().
		Str("confirmation_id", id).
		Str("action", p.ActionKind).
		Str("decision", string(decision)).
		Msg("confirmation resolved")

	return p, nil
}

// Cleanup evicts every token older than maxAge and returns how many were
// removed.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	removed := 0
	for id, p := range r.pending {
		if now.Sub(p.IssuedAt) > maxAge {
			delete(r.pending, id)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("expired confirmations evicted")
	}
	return removed
}

// Count returns the number of outstanding confirmations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// List returns copies of all outstanding confirmations, for diagnostics.
func (r *Registry) List() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, *p)
	}
	return out
}

// RunCleanup sweeps the registry every interval until ctx is cancelled. It
// runs on its own cadence, independent of the reconciliation loop, and shares
// nothing with it but the clock.
func (r *Registry) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := r.clk.Ticker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Dur("max_age", maxAge).Msg("confirmation cleanup loop starting")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("confirmation cleanup loop stopped")
			return
		case <-ticker.C:
			r.Cleanup(maxAge)
		}
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
