// Package calendar implements the deletion-intent event store on top of
// Google Calendar. Each open intent is one calendar event tagged
// type=vm_deletion in its private extended properties; the event is the only
// durable record the agent has.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
	"github.com/p-blackswan/proxmox-agent/internal/intent"
)

const (
	intentTag = "vm_deletion"

	propType         = "type"
	propResourceID   = "resource_id"
	propResourceName = "resource_name"
	propRequestor    = "requestor"
	propReminderSent = "reminder_sent"
)

// Store is the Google Calendar-backed intent store.
type Store struct {
	svc        *gcal.Service
	calendarID string
	logger     zerolog.Logger
}

// NewStore creates a store authenticated with a service account key file.
func NewStore(ctx context.Context, calendarID, credentialsFile string, logger zerolog.Logger) (*Store, error) {
	svc, err := gcal.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(gcal.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return newStore(svc, calendarID, logger), nil
}

// NewStoreWithService creates a store from an existing service (for testing).
func NewStoreWithService(svc *gcal.Service, calendarID string, logger zerolog.Logger) *Store {
	return newStore(svc, calendarID, logger)
}

func newStore(svc *gcal.Service, calendarID string, logger zerolog.Logger) *Store {
	return &Store{
		svc:        svc,
		calendarID: calendarID,
		logger:     logger.With().Str("component", "calendar").Logger(),
	}
}

// ScheduleDeletion creates the calendar event anchoring a new intent and
// returns the resulting snapshot.
func (s *Store) ScheduleDeletion(ctx context.Context, resourceID, resourceName, requestor string, executeAt time.Time) (intent.Intent, error) {
	summary := fmt.Sprintf("Proxmox container %s scheduled for deletion", resourceID)
	if resourceName != "" {
		summary = fmt.Sprintf("Proxmox container %s (%s) scheduled for deletion", resourceID, resourceName)
	}

	ev := &gcal.Event{
		Summary:     summary,
		Description: fmt.Sprintf("Requested by <@%s>. Managed by proxmox-agent; cancel by deleting this event.", requestor),
		Start:       &gcal.EventDateTime{DateTime: executeAt.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: executeAt.Add(time.Minute).Format(time.RFC3339)},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				propType:         intentTag,
				propResourceID:   resourceID,
				propResourceName: resourceName,
				propRequestor:    requestor,
				propReminderSent: "false",
			},
		},
	}

	created, err := s.svc.Events.Insert(s.calendarID, ev).Context(ctx).Do()
	if err != nil {
		return intent.Intent{}, mapErr("insert", err)
	}

	s.logger.Info().
		Str("intent_id", created.Id).
		Str("vmid", resourceID).
		Time("execute_at", executeAt).
		Msg("deletion scheduled")

	snap, _ := parseEvent(created)
	return snap, nil
}

// ListOpen returns every open intent. No lower time bound is applied:
// overdue events must keep surfacing until the deletion succeeds and the
// event is purged.
func (s *Store) ListOpen(ctx context.Context) ([]intent.Intent, error) {
	call := s.svc.Events.List(s.calendarID).
		PrivateExtendedProperty(propType + "=" + intentTag).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250).
		Context(ctx)

	var snaps []intent.Intent
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, ev := range page.Items {
			snap, ok := parseEvent(ev)
			if !ok {
				s.logger.Warn().Str("event_id", ev.Id).Msg("skipping malformed intent event")
				continue
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("list", err)
	}
	return snaps, nil
}

// MarkReminderSent flips the reminder_sent flag on the event. The flag is
// monotonic: it is only ever patched to "true".
func (s *Store) MarkReminderSent(ctx context.Context, intentID string) error {
	patch := &gcal.Event{
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{propReminderSent: "true"},
		},
	}
	_, err := s.svc.Events.Patch(s.calendarID, intentID, patch).Context(ctx).Do()
	if err != nil {
		return mapErr("patch", err)
	}
	return nil
}

// Delete removes the event, completing or cancelling the intent.
func (s *Store) Delete(ctx context.Context, intentID string) error {
	if err := s.svc.Events.Delete(s.calendarID, intentID).Context(ctx).Do(); err != nil {
		return mapErr("delete", err)
	}
	return nil
}

// parseEvent converts a calendar event into an intent snapshot. Events with
// no resource id or an unparseable start time are reported as malformed.
func parseEvent(ev *gcal.Event) (intent.Intent, bool) {
	if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private == nil {
		return intent.Intent{}, false
	}
	props := ev.ExtendedProperties.Private
	if props[propType] != intentTag || props[propResourceID] == "" {
		return intent.Intent{}, false
	}
	if ev.Start == nil || ev.Start.DateTime == "" {
		return intent.Intent{}, false
	}

	executeAt, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return intent.Intent{}, false
	}

	createdAt, _ := time.Parse(time.RFC3339, ev.Created)

	return intent.Intent{
		ID:           ev.Id,
		ResourceID:   props[propResourceID],
		ResourceName: props[propResourceName],
		Requestor:    props[propRequestor],
		CreatedAt:    createdAt,
		ExecuteAt:    executeAt,
		ReminderSent: props[propReminderSent] == "true",
	}, true
}

// mapErr translates googleapi failures onto the agent's error taxonomy.
// 404 and 410 mean the event is already gone, and callers treat that as
// "already resolved", not as a failure.
func mapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 404, 410:
			return fmt.Errorf("calendar %s: %w", op, perrors.ErrNotFound)
		case 429:
			return fmt.Errorf("calendar %s: %w", op, perrors.ErrRateLimit)
		default:
			return &perrors.APIError{Service: "calendar", StatusCode: gerr.Code, Message: gerr.Message, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("calendar %s: %w", op, perrors.ErrTimeout)
	}
	return &perrors.APIError{Service: "calendar", Message: op + " failed", Err: err}
}
