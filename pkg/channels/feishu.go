package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/utils"
)

type FeishuChannel struct {
	*BaseChannel
	config   config.FeishuConfig
	client   *lark.Client
	wsClient *larkws.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewFeishuChannel(cfg config.FeishuConfig, bus *bus.MessageBus) (*FeishuChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}
	return &FeishuChannel{
		BaseChannel: NewBaseChannel("feishu", cfg, bus, cfg.AllowFrom),
		config:      cfg,
		client:      lark.NewClient(cfg.AppID, cfg.AppSecret),
	}, nil
}

func (c *FeishuChannel) Start(ctx context.Context) error {
	logger.InfoC("feishu", "Starting Feishu bot (websocket mode)")

	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(c.handleMessageReceive)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.wsClient = larkws.NewClient(
		c.config.AppID,
		c.config.AppSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)
	wsClient := c.wsClient
	c.mu.Unlock()

	c.setRunning(true)

	go func() {
		if err := wsClient.Start(runCtx); err != nil {
			logger.ErrorCF("feishu", "Feishu websocket stopped with error", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (c *FeishuChannel) Stop(ctx context.Context) error {
	logger.InfoC("feishu", "Stopping Feishu bot")
	c.setRunning(false)

	c.mu.Lock()
	wasStarted := c.cancel != nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wsClient = nil
	c.mu.Unlock()

	if wasStarted {
		logger.DebugC("feishu", "Feishu websocket has no close; further events are dropped")
	}
	return nil
}

func (c *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("feishu channel not running")
	}
	if msg.Control {
		return nil
	}
	if msg.ChatID == "" {
		return fmt.Errorf("chat ID is empty")
	}

	payload, err := json.Marshal(map[string]string{"text": msg.Content})
	if err != nil {
		return fmt.Errorf("failed to marshal feishu content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType(larkim.MsgTypeText).
			Content(string(payload)).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send feishu message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu api error: code=%d msg=%s", resp.Code, resp.Msg)
	}

	logger.DebugCF("feishu", "Feishu message sent", map[string]any{
		"chat_id": msg.ChatID,
	})
	return nil
}

func (c *FeishuChannel) handleMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	// the SDK websocket outlives Stop, so events keep arriving afterwards
	if !c.IsRunning() {
		return nil
	}

	message := event.Event.Message
	if stringValue(message.MessageType) != larkim.MsgTypeText {
		return nil
	}

	chatID := stringValue(message.ChatId)
	if chatID == "" {
		return nil
	}

	senderID := extractFeishuSenderID(event.Event.Sender)
	if senderID == "" {
		senderID = "unknown"
	}

	content := extractFeishuText(stringValue(message.Content))
	if content == "" {
		return nil
	}

	metadata := map[string]string{
		"message_id": stringValue(message.MessageId),
		"chat_type":  stringValue(message.ChatType),
	}

	logger.DebugCF("feishu", "Feishu message received", map[string]any{
		"sender_id": senderID,
		"chat_id":   chatID,
		"preview":   utils.Truncate(content, 50),
	})

	c.HandleMessage(ctx, senderID, chatID, content, nil, metadata)
	return nil
}

func extractFeishuSenderID(sender *larkim.EventSender) string {
	if sender == nil || sender.SenderId == nil {
		return ""
	}
	if id := stringValue(sender.SenderId.UserId); id != "" {
		return id
	}
	if id := stringValue(sender.SenderId.OpenId); id != "" {
		return id
	}
	return stringValue(sender.SenderId.UnionId)
}

// extractFeishuText decodes the {"text": "..."} body of a text message.
func extractFeishuText(raw string) string {
	if raw == "" {
		return ""
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(body.Text)
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
