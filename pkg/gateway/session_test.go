package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/channels"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/providers"
)

type upperProvider struct{}

func (upperProvider) Name() string { return "upper" }

func (upperProvider) Chat(ctx context.Context, messages []providers.Message) (string, error) {
	return strings.ToUpper(messages[len(messages)-1].Content), nil
}

type memoryChannel struct {
	*channels.BaseChannel

	mu      sync.Mutex
	running bool
	sent    []bus.OutboundMessage
}

func (c *memoryChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *memoryChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *memoryChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *memoryChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *memoryChannel) waitSent(t *testing.T, n int) []bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		sent := append([]bus.OutboundMessage(nil), c.sent...)
		c.mu.Unlock()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d outbound messages, want %d", len(sent), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestSession(t *testing.T) (*Session, *memoryChannel) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Correlator.Timeout = time.Second

	s, err := NewSession(Options{Config: cfg, Provider: upperProvider{}})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	ch := &memoryChannel{BaseChannel: channels.NewBaseChannel("memory", nil, s.Bus(), nil)}
	s.Manager().Register(ch)
	return s, ch
}

func TestSession_RoundTripAndRemoteStop(t *testing.T) {
	t.Parallel()

	s, ch := newTestSession(t)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second Start() error = nil")
	}

	if id := ch.HandleMessage(ctx, "u1", "room", "hello there", nil, nil); id == "" {
		t.Fatal("HandleMessage() returned empty request id")
	}
	sent := ch.waitSent(t, 1)
	if want := "🔹UAserver AI: HELLO THERE"; sent[0].Content != want || sent[0].ChatID != "room" {
		t.Fatalf("reply = %+v, want content %q", sent[0], want)
	}

	ch.HandleMessage(ctx, "u1", "room", "/stop", nil, nil)
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after /stop")
	}

	sent = ch.waitSent(t, 2)
	if sent[1].Content != "Stopped." {
		t.Fatalf("stop reply = %q", sent[1].Content)
	}
	if ch.IsRunning() {
		t.Fatal("channel still running after stop")
	}
	if snap := s.Snapshot(); snap.Handled != 2 || snap.Waiting != 0 {
		t.Fatalf("Snapshot() = %+v", snap)
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := s.Bus().PublishInbound(ctx, bus.InboundMessage{Content: "late"}); err == nil {
		t.Fatal("bus still accepts messages after Stop")
	}
}

func TestSession_CancelledContextStops(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after context cancel")
	}
}

func TestNewSession_BridgeProviderNeedsBridge(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Provider.Kind = config.ProviderBridge
	if _, err := NewSession(Options{Config: cfg}); err == nil {
		t.Fatal("NewSession() error = nil")
	}

	cfg.Bridge.Enabled = true
	cfg.Bridge.Listen = "127.0.0.1:0"
	s, err := NewSession(Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.Bridge() == nil {
		t.Fatal("Bridge() = nil")
	}
}
