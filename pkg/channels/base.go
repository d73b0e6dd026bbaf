package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	config    any
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, config any, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		config:    config,
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed matches senderID against the allowlist. An empty allowlist
// admits everyone. Compound ids of the form "id|username" match on either
// part, and allowlist entries may carry a leading "@".
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if i := strings.IndexByte(senderID, '|'); i > 0 {
		idPart, userPart = senderID[:i], senderID[i+1:]
	}

	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == idPart || (userPart != "" && allowed == userPart) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound message and returns its request id,
// taken from metadata["request_id"] when the platform already supplies a
// unique one.
func (c *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string, media []string, metadata map[string]string) string {
	if !c.IsAllowed(senderID) {
		return ""
	}

	requestID := metadata["request_id"]
	if requestID == "" {
		requestID = correlator.NewRequestID()
	}

	msg := bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		SessionKey: c.name + ":" + chatID,
		RequestID:  requestID,
		Metadata:   metadata,
	}

	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		logger.WarnCF(c.name, "Failed to publish inbound message", map[string]any{
			"chat_id":    chatID,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return ""
	}
	return requestID
}
