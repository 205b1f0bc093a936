package mgmt

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/proxmox-agent/internal/confirm"
	"github.com/p-blackswan/proxmox-agent/internal/health"
	"github.com/p-blackswan/proxmox-agent/internal/intent"
)

type handlers struct {
	store    ScheduleReader
	confirms *confirm.Registry
	checker  *health.Checker
}

// deletionView is the wire shape of one scheduled deletion.
type deletionView struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name"`
	Requestor    string    `json:"requestor"`
	ExecuteAt    time.Time `json:"execute_at"`
	ReminderSent bool      `json:"reminder_sent"`
}

// confirmationView is the wire shape of one pending confirmation. The token
// id is deliberately omitted: the API must not be a way to confirm on a
// user's behalf.
type confirmationView struct {
	ActionKind string    `json:"action_kind"`
	UserID     string    `json:"user_id"`
	IssuedAt   time.Time `json:"issued_at"`
}

func (h *handlers) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())

	ready := true
	for _, s := range results {
		if s == health.StatusDown {
			ready = false
			break
		}
	}

	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
}

func (h *handlers) listDeletions(c *fiber.Ctx) error {
	open, err := h.store.ListOpen(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "listing deletion schedule: "+err.Error())
	}
	intent.SortByExecuteAt(open)

	out := make([]deletionView, 0, len(open))
	for _, s := range open {
		out = append(out, deletionView{
			ID:           s.ID,
			ResourceID:   s.ResourceID,
			ResourceName: s.ResourceName,
			Requestor:    s.Requestor,
			ExecuteAt:    s.ExecuteAt,
			ReminderSent: s.ReminderSent,
		})
	}
	return c.JSON(fiber.Map{"deletions": out})
}

func (h *handlers) listConfirmations(c *fiber.Ctx) error {
	pending := h.confirms.List()

	out := make([]confirmationView, 0, len(pending))
	for _, p := range pending {
		out = append(out, confirmationView{
			ActionKind: p.ActionKind,
			UserID:     p.UserID,
			IssuedAt:   p.IssuedAt,
		})
	}
	return c.JSON(fiber.Map{"confirmations": out})
}
