package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/logger"
)

const drainSendTimeout = 5 * time.Second

// Manager owns the running channels and routes outbound messages to them.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

func NewManager(bus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      bus,
		channels: make(map[string]Channel),
	}
}

// NewManagerFromConfig builds every chat platform enabled in cfg.
func NewManagerFromConfig(cfg *config.Config, bus *bus.MessageBus) (*Manager, error) {
	m := NewManager(bus)

	for _, name := range cfg.EnabledChannels() {
		var (
			ch  Channel
			err error
		)
		switch name {
		case "telegram":
			ch, err = NewTelegramChannel(cfg.Channels.Telegram, bus)
		case "discord":
			ch, err = NewDiscordChannel(cfg.Channels.Discord, bus)
		case "slack":
			ch, err = NewSlackChannel(cfg.Channels.Slack, bus)
		case "feishu":
			ch, err = NewFeishuChannel(cfg.Channels.Feishu, bus)
		default:
			err = fmt.Errorf("unknown channel")
		}
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		m.Register(ch)
	}

	return m, nil
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every registered channel and the outbound dispatcher. A
// channel that fails to start is logged and left out; StartAll only fails
// when no channel could start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	if len(channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
	}

	started := 0
	for _, ch := range channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
			continue
		}
		started++
	}
	if len(channels) > 0 && started == 0 {
		return errors.New("no channel could be started")
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	m.dispatchDone = make(chan struct{})
	go func() {
		defer close(m.dispatchDone)
		m.dispatchOutbound(dispatchCtx)
	}()

	logger.InfoCF("channels", "Channels started", map[string]any{
		"started": started,
		"total":   len(channels),
	})
	return nil
}

// StopAll stops the dispatcher, flushes replies still buffered on the bus
// and then stops every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	if m.dispatchCancel != nil {
		m.dispatchCancel()
		select {
		case <-m.dispatchDone:
		case <-ctx.Done():
		}
		m.dispatchCancel = nil
	}
	m.drainOutbound(ctx)

	m.mu.RLock()
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendToChannel delivers content to one chat. The error is returned to the
// caller, who decides whether it matters.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	ch, ok := m.GetChannel(channelName)
	if !ok {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return ch.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) drainOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.TryOutbound()
		if !ok {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainSendTimeout)
		m.deliver(sendCtx, msg)
		cancel()
	}
}

// deliver sends msg and swallows failures: an unreachable chat never stops
// the dispatcher and is not retried.
func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	ch, ok := m.GetChannel(msg.Channel)
	if !ok {
		logger.WarnCF("channels", "Unknown channel for outbound message", map[string]any{
			"channel":    msg.Channel,
			"request_id": msg.RequestID,
		})
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		logger.WarnCF("channels", "Failed to send message", map[string]any{
			"channel":    msg.Channel,
			"chat_id":    msg.ChatID,
			"request_id": msg.RequestID,
			"error":      err.Error(),
		})
	}
}
