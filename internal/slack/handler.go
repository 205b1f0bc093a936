package slack

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/p-blackswan/proxmox-agent/internal/command"
)

// Dispatcher executes a classified command and returns the reply text.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, cmd command.Command) (string, error)
}

// Classifier turns free text into a command. Optional: without one the
// handler understands only the plain confirm/cancel reply forms.
type Classifier interface {
	Classify(ctx context.Context, text string) (command.Command, error)
}

// Handler processes Socket Mode events. Every app mention and DM becomes one
// command dispatch; the reply goes back to the originating channel, in-thread
// when the message was threaded.
type Handler struct {
	api        BotAPI
	socket     *socketmode.Client
	botUserID  string
	dispatcher Dispatcher
	classifier Classifier
	logger     zerolog.Logger
}

// NewHandler creates an event handler. classifier may be nil.
func NewHandler(dispatcher Dispatcher, classifier Classifier, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		classifier: classifier,
		logger:     logger.With().Str("component", "slack.handler").Logger(),
	}
}

// HandleEvent routes Socket Mode events.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	// Slack requires the ack within 3 seconds, before any slow work.
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		h.handleMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp)

	case *slackevents.MessageEvent:
		// Bot echoes and edits/deletions are not commands.
		if ev.User == "" || ev.User == h.botUserID || ev.SubType != "" {
			return
		}
		if ev.ChannelType != "im" {
			return
		}
		h.handleMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp)

	default:
		h.logger.Debug().Str("inner_type", eventsAPIEvent.InnerEvent.Type).Msg("unhandled callback event type")
	}
}

func (h *Handler) handleMessage(ctx context.Context, channelID, userID, text, ts string) {
	text = stripMention(text)
	h.logger.Info().
		Str("user", userID).
		Str("channel", channelID).
		Msg("message received")

	cmd := h.classify(ctx, text)

	reply, err := h.dispatcher.Dispatch(ctx, userID, cmd)
	if err != nil {
		h.logger.Warn().Err(err).Str("command", string(cmd.Kind)).Msg("dispatch returned error")
	}
	if reply == "" {
		return
	}

	opts := []slack.MsgOption{slack.MsgOptionText(reply, false)}
	if ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	if _, _, err := h.api.PostMessageContext(ctx, channelID, opts...); err != nil {
		h.logger.Error().Err(err).Str("channel", channelID).Msg("failed to post reply")
	}
}

// classify resolves text to a command: confirmation replies are matched
// directly, everything else goes through the language model when present.
func (h *Handler) classify(ctx context.Context, text string) command.Command {
	if cmd, ok := command.ParseReply(text); ok {
		return cmd
	}
	if h.classifier == nil {
		return command.Command{Kind: command.KindUnknown}
	}
	cmd, err := h.classifier.Classify(ctx, text)
	if err != nil {
		h.logger.Warn().Err(err).Msg("classification failed")
		return command.Command{Kind: command.KindUnknown}
	}
	return cmd
}

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// stripMention removes bot mentions and collapses the whitespace they leave
// behind, so a mid-text mention never produces a doubled space.
func stripMention(text string) string {
	return strings.Join(strings.Fields(mentionRe.ReplaceAllString(text, "")), " ")
}
