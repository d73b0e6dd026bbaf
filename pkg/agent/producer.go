package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/providers"
	"github.com/uaserver/uabot/pkg/utils"
	"github.com/uaserver/uabot/pkg/worker"
)

var ErrProducerStopped = errors.New("producer not running")

// GenerateRequest asks a producer to generate the reply for one inbound
// message. The reply is delivered into the reply queue under RequestID.
type GenerateRequest struct {
	RequestID string              `json:"request_id"`
	Channel   string              `json:"channel,omitempty"`
	ChatID    string              `json:"chat_id,omitempty"`
	Messages  []providers.Message `json:"messages"`
	// Deadline is when the waiter gives up. A reply produced after it has
	// no reader. Zero means the reply queue timeout from pickup.
	Deadline time.Time `json:"deadline"`
}

func (r GenerateRequest) expired(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

// Producer accepts generation requests without waiting for their result.
type Producer interface {
	Submit(ctx context.Context, req GenerateRequest) error
}

type ProviderProducerOptions struct {
	Provider      providers.LLMProvider
	Replies       *correlator.Queue
	Workers       int
	MaxReplyRunes int
}

// ProviderProducer runs generation in-process on a bounded worker pool and
// puts each result into the reply queue.
type ProviderProducer struct {
	provider      providers.LLMProvider
	replies       *correlator.Queue
	workers       int
	maxReplyRunes int

	pool *worker.Pool[GenerateRequest]
}

func NewProviderProducer(opts ProviderProducerOptions) *ProviderProducer {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	p := &ProviderProducer{
		provider:      opts.Provider,
		replies:       opts.Replies,
		workers:       workers,
		maxReplyRunes: opts.MaxReplyRunes,
	}
	p.pool = worker.New(worker.Options[GenerateRequest]{
		Workers:   workers,
		QueueSize: workers * 4,
		Handle:    p.generate,
		OnPanic:   p.recovered,
	})
	return p
}

// Start must be called once before Submit. Workers exit when ctx is done.
func (p *ProviderProducer) Start(ctx context.Context) {
	p.pool.Start(ctx)
	logger.InfoCF("agent", "Generation workers started", map[string]any{
		"provider": p.provider.Name(),
		"workers":  p.workers,
	})
}

func (p *ProviderProducer) Submit(ctx context.Context, req GenerateRequest) error {
	err := p.pool.Submit(ctx, req)
	if errors.Is(err, worker.ErrNotStarted) {
		return ErrProducerStopped
	}
	return err
}

func (p *ProviderProducer) generate(ctx context.Context, req GenerateRequest) {
	if req.expired(time.Now()) {
		logger.WarnCF("agent", "Skipping generation request past its deadline", map[string]any{
			"request_id": req.RequestID,
			"late":       time.Since(req.Deadline).String(),
		})
		return
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(p.replies.Timeout())
	}
	genCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	text, err := p.provider.Chat(genCtx, req.Messages)
	if err == nil {
		text = CleanReply(text, p.maxReplyRunes)
		if text == "" {
			err = providers.ErrEmptyResponse
		}
	}
	if err != nil {
		logger.ErrorCF("agent", "Generation failed", map[string]any{
			"provider":   p.provider.Name(),
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		text = p.replies.Fallback()
	} else {
		logger.DebugCF("agent", "Generation finished", map[string]any{
			"request_id": req.RequestID,
			"elapsed":    time.Since(start).String(),
			"preview":    utils.Truncate(text, 50),
		})
	}

	p.deliver(req, text)
}

// recovered answers a request whose generation panicked with the fallback
// text.
func (p *ProviderProducer) recovered(req GenerateRequest, r any) {
	logger.ErrorCF("agent", "Recovered from panic during generation", map[string]any{
		"provider":   p.provider.Name(),
		"request_id": req.RequestID,
		"panic":      fmt.Sprint(r),
	})
	p.deliver(req, p.replies.Fallback())
}

func (p *ProviderProducer) deliver(req GenerateRequest, text string) {
	if req.expired(time.Now()) {
		logger.DebugCF("agent", "Dropping reply finished after its deadline", map[string]any{
			"request_id": req.RequestID,
		})
		return
	}
	if _, err := p.replies.Put(correlator.ReplyRecord{RequestID: req.RequestID, ReplyText: text}); err != nil {
		logger.WarnCF("agent", "Failed to queue reply", map[string]any{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
	}
}

// CleanReply trims the generated text and caps it at maxRunes.
func CleanReply(text string, maxRunes int) string {
	return strings.TrimSpace(utils.CapRunes(strings.TrimSpace(text), maxRunes))
}
