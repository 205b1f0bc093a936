// Package agent dispatches classified commands against the Proxmox node and
// the deletion schedule. It is the single write path for user-initiated
// actions; the reconciliation loop owns everything time-driven.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/proxmox-agent/internal/command"
	"github.com/p-blackswan/proxmox-agent/internal/confirm"
	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
	"github.com/p-blackswan/proxmox-agent/internal/intent"
	"github.com/p-blackswan/proxmox-agent/internal/metrics"
	"github.com/p-blackswan/proxmox-agent/internal/proxmox"
)

// ResourceClient is the slice of the Proxmox API the dispatcher needs.
type ResourceClient interface {
	ListContainers(ctx context.Context) ([]proxmox.Container, error)
	GetContainer(ctx context.Context, vmid string) (*proxmox.Container, error)
	StartContainer(ctx context.Context, vmid string) error
	StopContainer(ctx context.Context, vmid string) error
}

// ScheduleStore is the slice of the event store the dispatcher needs.
type ScheduleStore interface {
	ScheduleDeletion(ctx context.Context, resourceID, resourceName, requestor string, executeAt time.Time) (intent.Intent, error)
	ListOpen(ctx context.Context) ([]intent.Intent, error)
}

// Agent executes commands and formats user-facing replies.
type Agent struct {
	resources      ResourceClient
	store          ScheduleStore
	confirms       *confirm.Registry
	clk            clock.Clock
	deletionDelay  time.Duration
	reminderWindow time.Duration
	metrics        *metrics.Metrics
	logger         zerolog.Logger
}

// New creates a dispatcher. A nil clock falls back to the wall clock.
func New(resources ResourceClient, store ScheduleStore, confirms *confirm.Registry,
	clk clock.Clock, deletionDelay, reminderWindow time.Duration,
	m *metrics.Metrics, logger zerolog.Logger) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	return &Agent{
		resources:      resources,
		store:          store,
		confirms:       confirms,
		clk:            clk,
		deletionDelay:  deletionDelay,
		reminderWindow: reminderWindow,
		metrics:        m,
		logger:         logger.With().Str("component", "agent").Logger(),
	}
}

// Dispatch executes one command for userID and returns the reply text. The
// reply is always usable even when err is non-nil; callers log the error and
// send the reply as-is.
func (a *Agent) Dispatch(ctx context.Context, userID string, cmd command.Command) (string, error) {
	reply, err := a.dispatch(ctx, userID, cmd)

	status := "ok"
	if err != nil {
		status = "error"
		a.logger.Error().Err(err).
			Str("command", string(cmd.Kind)).
			Str("user", userID).
			Msg("command failed")
	}
	a.metrics.RecordCommand(string(cmd.Kind), status)
	a.metrics.PendingConfirmations.Set(float64(a.confirms.Count()))
	return reply, err
}

func (a *Agent) dispatch(ctx context.Context, userID string, cmd command.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return fmt.Sprintf("I couldn't act on that: %v", err), err
	}

	switch cmd.Kind {
	case command.KindListResources:
		return a.listResources(ctx)
	case command.KindStartResource:
		return a.startResource(ctx, cmd.ResourceID)
	case command.KindStopResource:
		return a.requestStop(ctx, userID, cmd.ResourceID)
	case command.KindScheduleDeletion:
		return a.scheduleDeletion(ctx, userID, cmd.ResourceID)
	case command.KindListScheduled:
		return a.listScheduled(ctx)
	case command.KindConfirm:
		return a.resolveConfirmation(ctx, userID, cmd.ConfirmationID, confirm.DecisionConfirm)
	case command.KindCancel:
		return a.resolveConfirmation(ctx, userID, cmd.ConfirmationID, confirm.DecisionCancel)
	default:
		return "I didn't understand that. I can list, start and stop containers, schedule deletions and show scheduled deletions.", nil
	}
}

func (a *Agent) listResources(ctx context.Context) (string, error) {
	containers, err := a.resources.ListContainers(ctx)
	if err != nil {
		return "I couldn't reach the Proxmox API. Please try again shortly.", err
	}
	if len(containers) == 0 {
		return "No containers found on the node.", nil
	}

	var b strings.Builder
	b.WriteString("Containers:\n")
	for _, c := range containers {
		fmt.Fprintf(&b, "• %s (%s): %s\n", c.ID(), c.Name, c.Status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *Agent) startResource(ctx context.Context, vmid string) (string, error) {
	if err := a.resources.StartContainer(ctx, vmid); err != nil {
		if perrors.IsNotFound(err) {
			return fmt.Sprintf("Container %s does not exist.", vmid), err
		}
		return fmt.Sprintf("Failed to start container %s. Please try again shortly.", vmid), err
	}
	return fmt.Sprintf("Container %s is starting.", vmid), nil
}

// requestStop does not stop anything. It issues a confirmation token; the
// stop happens when the user replies "yes <id>".
func (a *Agent) requestStop(ctx context.Context, userID, vmid string) (string, error) {
	c, err := a.resources.GetContainer(ctx, vmid)
	if err != nil {
		if perrors.IsNotFound(err) {
			return fmt.Sprintf("Container %s does not exist.", vmid), err
		}
		return "I couldn't reach the Proxmox API. Please try again shortly.", err
	}
	if c.Status != "running" {
		return fmt.Sprintf("Container %s (%s) is not running.", vmid, c.Name), nil
	}

	id := a.confirms.Create(string(command.KindStopResource), map[string]string{"vmid": vmid, "name": c.Name}, userID)
	return fmt.Sprintf("Stop container %s (%s)? Reply `yes %s` to confirm or `no %s` to cancel.", vmid, c.Name, id, id), nil
}

func (a *Agent) scheduleDeletion(ctx context.Context, userID, vmid string) (string, error) {
	c, err := a.resources.GetContainer(ctx, vmid)
	if err != nil {
		if perrors.IsNotFound(err) {
			return fmt.Sprintf("Container %s does not exist.", vmid), err
		}
		return "I couldn't reach the Proxmox API. Please try again shortly.", err
	}

	// One open intent per resource. A second request reports the existing
	// schedule instead of stacking another deletion.
	open, err := a.store.ListOpen(ctx)
	if err != nil {
		return "I couldn't read the deletion schedule. Please try again shortly.", err
	}
	for _, s := range open {
		if s.ResourceID == vmid {
			return fmt.Sprintf("Container %s is already scheduled for deletion on %s.",
				vmid, s.ExecuteAt.Format("Mon Jan 2 15:04 MST")), nil
		}
	}

	executeAt := a.clk.Now().Add(a.deletionDelay)
	snap, err := a.store.ScheduleDeletion(ctx, vmid, c.Name, userID, executeAt)
	if err != nil {
		return "I couldn't record the deletion schedule. Nothing was scheduled.", err
	}

	a.logger.Info().
		Str("vmid", vmid).
		Str("intent_id", snap.ID).
		Time("execute_at", executeAt).
		Msg("deletion scheduled")

	return fmt.Sprintf("Container %s (%s) will be deleted on %s. You'll get a reminder %s before.",
		vmid, c.Name, executeAt.Format("Mon Jan 2 15:04 MST"), formatDuration(a.reminderWindow)), nil
}

func (a *Agent) listScheduled(ctx context.Context) (string, error) {
	open, err := a.store.ListOpen(ctx)
	if err != nil {
		return "I couldn't read the deletion schedule. Please try again shortly.", err
	}
	if len(open) == 0 {
		return "No deletions are scheduled.", nil
	}

	intent.SortByExecuteAt(open)
	var b strings.Builder
	b.WriteString("Scheduled deletions:\n")
	for _, s := range open {
		fmt.Fprintf(&b, "• %s (%s): %s, requested by <@%s>\n",
			s.ResourceID, s.ResourceName, s.ExecuteAt.Format("Mon Jan 2 15:04 MST"), s.Requestor)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *Agent) resolveConfirmation(ctx context.Context, userID, id string, decision confirm.Decision) (string, error) {
	p, err := a.confirms.Resolve(id, decision)
	if err != nil {
		return fmt.Sprintf("Confirmation %s is unknown or has expired.", id), err
	}

	// Only the requestor may settle their own confirmation. The token is
	// already consumed at this point; reissuing is the correct recovery.
	if p.UserID != userID {
		err := fmt.Errorf("confirmation %s belongs to another user", id)
		return fmt.Sprintf("Confirmation %s was issued to someone else and has been invalidated.", id), err
	}

	if decision == confirm.DecisionCancel {
		return fmt.Sprintf("Cancelled. No action taken on container %s.", p.Params["vmid"]), nil
	}

	switch p.ActionKind {
	case string(command.KindStopResource):
		vmid := p.Params["vmid"]
		if err := a.resources.StopContainer(ctx, vmid); err != nil {
			return fmt.Sprintf("Failed to stop container %s. Please try again shortly.", vmid), err
		}
		return fmt.Sprintf("Container %s (%s) is stopping.", vmid, p.Params["name"]), nil
	default:
		err := fmt.Errorf("unhandled confirmation action %q", p.ActionKind)
		return "Something went wrong resolving that confirmation.", err
	}
}

func formatDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	if d%time.Hour == 0 {
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}
