package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	t.Parallel()

	mb := NewMessageBusSize(1)
	defer mb.Close()

	ctx := context.Background()
	in := InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi", RequestID: "r-1"}
	if err := mb.PublishInbound(ctx, in); err != nil {
		t.Fatalf("PublishInbound() error = %v", err)
	}
	got, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound() ok = false")
	}
	if got.RequestID != "r-1" || got.Content != "hi" {
		t.Fatalf("ConsumeInbound() = %+v", got)
	}
}

func TestMessageBus_PublishRespectsContext(t *testing.T) {
	t.Parallel()

	mb := NewMessageBusSize(1)
	defer mb.Close()

	if err := mb.PublishOutbound(context.Background(), OutboundMessage{ChatID: "1"}); err != nil {
		t.Fatalf("first PublishOutbound() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mb.PublishOutbound(ctx, OutboundMessage{ChatID: "2"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PublishOutbound() on full bus error = %v, want deadline exceeded", err)
	}
}

func TestMessageBus_ClosedBus(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	if err := mb.PublishInbound(context.Background(), InboundMessage{}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("PublishInbound() after close error = %v, want ErrBusClosed", err)
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatal("SubscribeOutbound() after close ok = true")
	}
}

func TestMessageBus_ConsumeStopsOnCancel(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("ConsumeInbound() with canceled ctx ok = true")
	}
}

func TestMessageBus_TryOutbound(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	defer mb.Close()

	if _, ok := mb.TryOutbound(); ok {
		t.Fatal("TryOutbound() on empty bus ok = true")
	}
	if err := mb.PublishOutbound(context.Background(), OutboundMessage{Content: "bye"}); err != nil {
		t.Fatalf("PublishOutbound() error = %v", err)
	}
	msg, ok := mb.TryOutbound()
	if !ok || msg.Content != "bye" {
		t.Fatalf("TryOutbound() = (%+v, %v)", msg, ok)
	}
}
