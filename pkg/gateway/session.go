// Package gateway wires the bus, the reply queue, the agent loop, the chat
// channels and the optional bridge into one running process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uaserver/uabot/pkg/agent"
	"github.com/uaserver/uabot/pkg/bridge"
	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/channels"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/providers"
	"github.com/uaserver/uabot/pkg/status"
)

const remoteStopTimeout = 30 * time.Second

type Options struct {
	Config *config.Config
	// Provider overrides the one built from Config.Provider.
	Provider providers.LLMProvider
	// Channels are registered next to the ones enabled in Config.
	Channels []channels.Channel
}

// Session owns every component of one gateway run. Nothing is global: two
// sessions in one process share no state.
type Session struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	replies  *correlator.Queue
	manager  *channels.Manager
	loop     *agent.Loop
	producer agent.Producer
	local    *agent.ProviderProducer
	bridge   *bridge.Server
	reporter *status.Reporter

	startedAt time.Time
	cancel    context.CancelFunc
	loopStop  context.CancelFunc
	loopDone  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopErr   error
}

func NewSession(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	s := &Session{
		cfg:  cfg,
		bus:  bus.NewMessageBus(),
		done: make(chan struct{}),
		replies: correlator.New(correlator.Options{
			Timeout:  cfg.Correlator.Timeout,
			Fallback: cfg.Correlator.Fallback,
			ReplyTTL: cfg.Correlator.ReplyTTL,
		}),
	}

	manager, err := channels.NewManagerFromConfig(cfg, s.bus)
	if err != nil {
		return nil, err
	}
	for _, ch := range opts.Channels {
		manager.Register(ch)
	}
	s.manager = manager

	if cfg.Bridge.Enabled {
		s.bridge = bridge.NewServer(bridge.Options{
			Listen:         cfg.Bridge.Listen,
			AuthToken:      cfg.Bridge.AuthToken,
			AllowedOrigins: cfg.Bridge.AllowedOrigins,
			Replies:        s.replies,
		})
	}

	if cfg.Provider.Kind == config.ProviderBridge {
		if s.bridge == nil {
			return nil, errors.New("provider kind bridge requires the bridge to be enabled")
		}
		s.producer = s.bridge
	} else {
		provider := opts.Provider
		if provider == nil {
			provider, err = providers.CreateProvider(cfg.Provider)
			if err != nil {
				return nil, err
			}
		}
		s.local = agent.NewProviderProducer(agent.ProviderProducerOptions{
			Provider:      provider,
			Replies:       s.replies,
			Workers:       cfg.Agent.GenerateWorkers,
			MaxReplyRunes: cfg.Agent.MaxReplyRunes,
		})
		s.producer = s.local
	}

	s.loop = agent.NewLoop(agent.LoopOptions{
		Bus:      s.bus,
		Replies:  s.replies,
		Producer: s.producer,
		Config:   cfg.Agent,
		OnStop:   s.remoteStop,
	})

	if cfg.Status.Enabled {
		s.reporter, err = status.NewReporter(status.Options{
			Cron:     cfg.Status.Cron,
			Channel:  cfg.Status.Channel,
			ChatID:   cfg.Status.ChatID,
			Sender:   s.manager,
			Snapshot: s.Snapshot,
		})
		if err != nil {
			return nil, fmt.Errorf("status reporter: %w", err)
		}
	}

	return s, nil
}

func (s *Session) Bus() *bus.MessageBus { return s.bus }

func (s *Session) Replies() *correlator.Queue { return s.replies }

func (s *Session) Manager() *channels.Manager { return s.manager }

// Bridge is nil unless the bridge is enabled.
func (s *Session) Bridge() *bridge.Server { return s.bridge }

// Done is closed once Stop has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start brings every component up and returns. The session keeps running
// until Stop is called, ctx is done or a user sends /stop.
func (s *Session) Start(ctx context.Context) error {
	err := errors.New("session already started")
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Session) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	if s.bridge != nil {
		if err := s.bridge.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	go s.replies.Run(runCtx, s.cfg.Correlator.SweepInterval)

	if s.local != nil {
		s.local.Start(runCtx)
	}

	if err := s.manager.StartAll(runCtx); err != nil {
		if s.bridge != nil {
			_ = s.bridge.Stop(context.WithoutCancel(ctx))
		}
		cancel()
		return fmt.Errorf("start channels: %w", err)
	}

	loopCtx, loopStop := context.WithCancel(runCtx)
	s.loopStop = loopStop
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		if err := s.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("gateway", "Agent loop exited", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	if s.reporter != nil {
		go s.reporter.Run(runCtx)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.WithoutCancel(ctx))
		case <-s.done:
		}
	}()

	logger.InfoCF("gateway", "Gateway started", map[string]any{
		"channels": s.manager.GetEnabledChannels(),
		"provider": s.cfg.Provider.Kind,
		"bridge":   s.bridge != nil,
	})
	return nil
}

// Stop shuts the session down: the agent loop first, then the channels
// (which flush replies still on the bus), then the bridge. It is safe to
// call more than once; later calls return the first result.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		defer close(s.done)
		s.stopErr = s.stop(ctx)
		logger.InfoC("gateway", "Gateway stopped")
	})
	return s.stopErr
}

func (s *Session) stop(ctx context.Context) error {
	var errs []error

	if s.loopStop != nil {
		s.loopStop()
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("agent loop: %w", ctx.Err()))
		}
	}

	if err := s.manager.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("channels: %w", err))
	}

	if s.bridge != nil {
		if err := s.bridge.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.bus.Close()

	return errors.Join(errs...)
}

// remoteStop runs in its own goroutine: the loop is still inside the
// handler that triggered it and Stop waits for the loop.
func (s *Session) remoteStop() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), remoteStopTimeout)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			logger.WarnCF("gateway", "Remote stop finished with errors", map[string]any{
				"error": err.Error(),
			})
		}
	}()
}

func (s *Session) Snapshot() status.Snapshot {
	snap := status.Snapshot{
		Handled:  s.loop.Handled(),
		Queued:   s.replies.Len(),
		Waiting:  s.replies.Waiting(),
		Channels: s.manager.GetEnabledChannels(),
	}
	if !s.startedAt.IsZero() {
		snap.Uptime = time.Since(s.startedAt)
	}
	if s.bridge != nil {
		snap.Workers = s.bridge.Workers()
	}
	return snap
}
