// Package slack is the chat surface of the agent: a Socket Mode connection
// for inbound commands and a Notifier for outbound reminders and deletion
// notices.
package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// BotAPI abstracts the Slack API client for testing.
type BotAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	AuthTest() (*slack.AuthTestResponse, error)
}

// App is the Slack bot application using Socket Mode.
type App struct {
	api     *slack.Client
	socket  *socketmode.Client
	logger  zerolog.Logger
	handler *Handler
}

// NewApp creates a new Slack bot app and wires the handler to the live API
// client and socket.
func NewApp(botToken, appToken string, logger zerolog.Logger, handler *Handler) (*App, error) {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack auth test: %w", err)
	}

	socket := socketmode.New(api)
	handler.api = api
	handler.socket = socket
	handler.botUserID = auth.UserID

	return &App{
		api:     api,
		socket:  socket,
		logger:  logger.With().Str("component", "slack").Logger(),
		handler: handler,
	}, nil
}

// Client returns the underlying API client, for building a Notifier on the
// same connection.
func (a *App) Client() *slack.Client {
	return a.api
}

// Run starts the Socket Mode event loop. Blocks until context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info().Msg("starting Slack Socket Mode connection")

	go func() {
		for evt := range a.socket.Events {
			a.handler.HandleEvent(ctx, evt)
		}
	}()

	if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("socket mode error: %w", err)
	}
	return nil
}
