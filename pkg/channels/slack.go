package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/utils"
)

const slackMessageLimit = 4000

type SlackChannel struct {
	*BaseChannel
	api       *slack.Client
	socket    *socketmode.Client
	config    config.SlackConfig
	botUserID string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlackChannel(cfg config.SlackConfig, bus *bus.MessageBus) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token are required")
	}

	debug := logger.GetLevel() == logger.DEBUG
	api := slack.New(cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionDebug(debug),
		slack.OptionLog(logger.StdLogger("slack", logger.DEBUG)),
	)
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", cfg, bus, cfg.AllowFrom),
		api:         api,
		socket: socketmode.New(api,
			socketmode.OptionDebug(debug),
			socketmode.OptionLog(logger.StdLogger("slack", logger.DEBUG)),
		),
		config:      cfg,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack bot (socket mode)")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("slack", "Socket mode connection ended", map[string]any{
				"error": err.Error(),
			})
		}
	}()
	go func() {
		defer close(done)
		c.eventLoop(runCtx)
	}()

	c.setRunning(true)
	logger.InfoCF("slack", "Slack bot connected", map[string]any{
		"bot_user_id": auth.UserID,
		"team":        auth.Team,
	})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack bot")
	c.setRunning(false)

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slack event loop did not stop: %w", ctx.Err())
	}
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}
	if msg.Control {
		return nil
	}
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}

	for _, chunk := range utils.SplitMessage(msg.Content, slackMessageLimit) {
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("failed to send slack message: %w", err)
		}
	}
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				logger.DebugC("slack", "Connecting to Slack socket mode")
			case socketmode.EventTypeConnected:
				logger.DebugC("slack", "Connected to Slack socket mode")
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				c.handleEventsAPI(ctx, eventsAPIEvent)
			}
		}
	}
}

func (c *SlackChannel) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// channel traffic arrives as app_mention; plain messages are DMs only
		if ev.BotID != "" || ev.SubType != "" || ev.ChannelType != "im" {
			return
		}
		c.handleIncoming(ctx, ev.User, ev.Channel, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" {
			return
		}
		c.handleIncoming(ctx, ev.User, ev.Channel, c.stripMention(ev.Text), ev.TimeStamp, ev.ThreadTimeStamp)
	}
}

func (c *SlackChannel) handleIncoming(ctx context.Context, userID, channelID, text, ts, threadTS string) {
	if userID == "" || userID == c.botUserID {
		return
	}
	if !c.IsAllowed(userID) {
		logger.DebugCF("slack", "Message rejected by allowlist", map[string]any{
			"user_id": userID,
		})
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	logger.DebugCF("slack", "Received message", map[string]any{
		"sender_id": userID,
		"chat_id":   channelID,
		"preview":   utils.Truncate(text, 50),
	})

	c.HandleMessage(ctx, userID, channelID, text, nil, map[string]string{
		"message_ts": ts,
		"thread_ts":  threadTS,
		"user_id":    userID,
	})
}

func (c *SlackChannel) stripMention(text string) string {
	if c.botUserID == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+c.botUserID+">", ""))
}
