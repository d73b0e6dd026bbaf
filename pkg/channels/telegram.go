package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/utils"
)

const (
	telegramPollTimeout    = 30
	telegramTypingInterval = 4 * time.Second
	telegramMessageLimit   = 4096 // UTF-16 code units
)

type TelegramChannel struct {
	*BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
	typing *typingIndicator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegramChannel(cfg config.TelegramConfig, bus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	c := &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", cfg, bus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}
	c.typing = newTypingIndicator("telegram", telegramTypingInterval, c.sendTyping)
	return c, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)

	me, err := c.bot.GetMe(pollCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get bot info: %w", err)
	}

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        telegramPollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	c.setRunning(true)

	logger.InfoCF("telegram", "Telegram bot connected", map[string]any{
		"username": me.Username,
	})

	go func() {
		defer close(done)
		for update := range updates {
			if update.Message == nil {
				continue
			}
			c.handleMessage(pollCtx, update.Message)
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot")
	c.setRunning(false)
	c.typing.stopAll()

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
		return fmt.Errorf("telegram polling did not stop: %w", ctx.Err())
	}
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	defer func() {
		if msg.IsFinal {
			c.typing.stop(msg.RequestID)
		}
	}()

	chatID, err := parseTelegramChatID(msg.ChatID)
	if err != nil {
		return err
	}
	if msg.Control {
		return nil
	}

	for _, chunk := range utils.SplitMessageUTF16(msg.Content, telegramMessageLimit) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("failed to send telegram message: %w", err)
		}
	}
	return nil
}

func (c *TelegramChannel) sendTyping(ctx context.Context, chatID string) error {
	id, err := parseTelegramChatID(chatID)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

func (c *TelegramChannel) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}

	senderID := telegramSenderID(user)
	if !c.IsAllowed(senderID) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]any{
			"user_id": senderID,
		})
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	requestID := correlator.NewRequestID()

	logger.DebugCF("telegram", "Received message", map[string]any{
		"sender_id":  senderID,
		"chat_id":    chatID,
		"request_id": requestID,
		"preview":    utils.Truncate(content, 50),
	})

	metadata := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"request_id": requestID,
		"user_id":    strconv.FormatInt(user.ID, 10),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", message.Chat.Type != telego.ChatTypePrivate),
	}

	c.typing.start(requestID, chatID)
	if c.HandleMessage(ctx, senderID, chatID, content, nil, metadata) == "" {
		c.typing.stop(requestID)
	}
}

func telegramSenderID(user *telego.User) string {
	id := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		return id + "|" + user.Username
	}
	return id
}

func parseTelegramChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}
