package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Notifier delivers reminders and deletion notices. It satisfies the
// reconciliation loop's notifier contract.
type Notifier struct {
	api              BotAPI
	broadcastChannel string
	logger           zerolog.Logger
}

// NewNotifier creates a notifier posting broadcasts to broadcastChannel.
func NewNotifier(api BotAPI, broadcastChannel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		api:              api,
		broadcastChannel: broadcastChannel,
		logger:           logger.With().Str("component", "slack.notifier").Logger(),
	}
}

// NotifyUser sends a direct message to the user. The IM channel is opened on
// every call; Slack treats reopening an existing conversation as a no-op.
func (n *Notifier) NotifyUser(ctx context.Context, userID, text string) error {
	ch, _, _, err := n.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return fmt.Errorf("opening conversation with %s: %w", userID, err)
	}

	if _, _, err := n.api.PostMessageContext(ctx, ch.ID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("sending DM to %s: %w", userID, err)
	}

	n.logger.Debug().Str("user", userID).Msg("DM sent")
	return nil
}

// Broadcast posts to the shared announcement channel.
func (n *Notifier) Broadcast(ctx context.Context, text string) error {
	if _, _, err := n.api.PostMessageContext(ctx, n.broadcastChannel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("posting to %s: %w", n.broadcastChannel, err)
	}
	return nil
}
