// Package command defines the closed set of structured commands the agent
// understands. The free-text classifier produces one of these; nothing past
// this boundary ever sees raw user text.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the command variants.
type Kind string

const (
	KindListResources    Kind = "list_resources"
	KindStartResource    Kind = "start_resource"
	KindStopResource     Kind = "stop_resource"
	KindScheduleDeletion Kind = "schedule_deletion"
	KindListScheduled    Kind = "list_scheduled"
	KindConfirm          Kind = "confirm"
	KindCancel           Kind = "cancel"
	KindUnknown          Kind = "unknown"
)

// Command is a classified user request. ResourceID is set for the variants
// that target one container; ConfirmationID for confirm/cancel replies.
type Command struct {
	Kind           Kind
	ResourceID     string
	ConfirmationID string
}

// NeedsResource reports whether the variant requires a resource id.
func (k Kind) NeedsResource() bool {
	switch k {
	case KindStartResource, KindStopResource, KindScheduleDeletion:
		return true
	}
	return false
}

// Validate checks that the command carries the fields its kind requires.
func (c Command) Validate() error {
	if c.Kind.NeedsResource() {
		if c.ResourceID == "" {
			return fmt.Errorf("%s requires a container id", c.Kind)
		}
		if _, err := strconv.Atoi(c.ResourceID); err != nil {
			return fmt.Errorf("container id %q is not numeric", c.ResourceID)
		}
	}
	if (c.Kind == KindConfirm || c.Kind == KindCancel) && c.ConfirmationID == "" {
		return fmt.Errorf("%s requires a confirmation id", c.Kind)
	}
	return nil
}

// ParseReply recognizes the plain confirm/cancel reply forms ("yes a1b2c3d4",
// "no a1b2c3d4") without involving the classifier. Returns false if the text
// is not a reply.
func ParseReply(text string) (Command, bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) != 2 {
		return Command{}, false
	}
	switch fields[0] {
	case "yes", "confirm":
		return Command{Kind: KindConfirm, ConfirmationID: fields[1]}, true
	case "no", "cancel":
		return Command{Kind: KindCancel, ConfirmationID: fields[1]}, true
	}
	return Command{}, false
}
