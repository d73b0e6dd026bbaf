package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/providers"
	"github.com/uaserver/uabot/pkg/utils"
)

const (
	commandStart = "/start"
	commandStop  = "/stop"
)

type LoopOptions struct {
	Bus      *bus.MessageBus
	Replies  *correlator.Queue
	Producer Producer
	Config   config.AgentConfig
	// OnStop runs after the reply to a remote /stop command is published.
	OnStop func()
}

// Loop consumes inbound messages, asks the producer for a reply and waits
// for it on the reply queue. A failure while handling one message never
// stops the loop.
type Loop struct {
	bus      *bus.MessageBus
	replies  *correlator.Queue
	producer Producer
	cfg      config.AgentConfig
	onStop   func()

	handled atomic.Int64
	running atomic.Bool
	stopped sync.Once
}

func NewLoop(opts LoopOptions) *Loop {
	return &Loop{
		bus:      opts.Bus,
		replies:  opts.Replies,
		producer: opts.Producer,
		cfg:      opts.Config,
		onStop:   opts.OnStop,
	}
}

func (l *Loop) Handled() int64 { return l.handled.Load() }

func (l *Loop) IsRunning() bool { return l.running.Load() }

// Run blocks until ctx is done or the bus is closed, then waits for
// in-flight messages to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	maxInFlight := l.cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	logger.InfoCF("agent", "Agent loop started", map[string]any{
		"max_in_flight": maxInFlight,
	})

	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC("agent", "Agent loop stopped")
			return ctx.Err()
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			l.processMessage(ctx, msg)
		}(msg)
	}
}

func (l *Loop) processMessage(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("agent", "Recovered from panic while handling message", map[string]any{
				"request_id": msg.RequestID,
				"panic":      r,
			})
		}
	}()
	l.handled.Add(1)

	if msg.RequestID == "" {
		msg.RequestID = correlator.NewRequestID()
	}

	logger.InfoCF("agent", "Processing message", map[string]any{
		"channel":    msg.Channel,
		"chat_id":    msg.ChatID,
		"sender_id":  msg.SenderID,
		"request_id": msg.RequestID,
		"preview":    utils.Truncate(msg.Content, 50),
	})

	switch parseCommand(msg.Content) {
	case commandStart:
		l.reply(ctx, msg, l.cfg.Greeting)
		return
	case commandStop:
		l.reply(ctx, msg, l.cfg.StopReply)
		if l.cfg.AllowRemoteStop && l.onStop != nil {
			logger.InfoCF("agent", "Remote stop requested", map[string]any{
				"channel":   msg.Channel,
				"sender_id": msg.SenderID,
			})
			l.stopped.Do(l.onStop)
		}
		return
	}

	if strings.TrimSpace(msg.Content) == "" {
		l.publish(ctx, bus.OutboundMessage{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			RequestID: msg.RequestID,
			IsFinal:   true,
			Control:   true,
		})
		return
	}

	// one budget covers queueing, generation and the wait
	deadline := time.Now().Add(l.replies.Timeout())
	req := GenerateRequest{
		RequestID: msg.RequestID,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Messages:  providers.BuildMessages(l.cfg.SystemPrompt, msg.Content),
		Deadline:  deadline,
	}

	submitCtx, cancel := context.WithDeadline(ctx, deadline)
	err := l.producer.Submit(submitCtx, req)
	cancel()

	var text string
	if err != nil {
		logger.ErrorCF("agent", "Failed to submit generation request", map[string]any{
			"request_id": msg.RequestID,
			"error":      err.Error(),
		})
		text = l.replies.Fallback()
	} else {
		text = l.replies.AwaitUntil(ctx, msg.RequestID, deadline)
	}

	l.reply(ctx, msg, l.cfg.ReplyPrefix+text)
}

func (l *Loop) reply(ctx context.Context, msg bus.InboundMessage, content string) {
	l.publish(ctx, bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   content,
		RequestID: msg.RequestID,
		IsFinal:   true,
	})
}

func (l *Loop) publish(ctx context.Context, out bus.OutboundMessage) {
	if err := l.bus.PublishOutbound(ctx, out); err != nil {
		logger.WarnCF("agent", "Failed to publish reply", map[string]any{
			"channel":    out.Channel,
			"request_id": out.RequestID,
			"error":      err.Error(),
		})
	}
}

// parseCommand returns the lower-cased leading bot command, dropping a
// Telegram-style @botname suffix, or "" if content is not a command.
func parseCommand(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return ""
	}
	cmd := strings.Fields(content)[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}
