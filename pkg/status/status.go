// Package status posts a periodic health summary of the gateway to one chat.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/uaserver/uabot/pkg/logger"
)

// Sender delivers a text to one chat on a named channel.
type Sender interface {
	SendToChannel(ctx context.Context, channel, chatID, content string) error
}

type Snapshot struct {
	Uptime   time.Duration
	Handled  int64
	Queued   int
	Waiting  int
	Workers  int
	Channels []string
}

type Options struct {
	Cron     string
	Channel  string
	ChatID   string
	Sender   Sender
	Snapshot func() Snapshot
	Now      func() time.Time
}

type Reporter struct {
	cron     string
	channel  string
	chatID   string
	sender   Sender
	snapshot func() Snapshot
	now      func() time.Time
}

func NewReporter(opts Options) (*Reporter, error) {
	if !gronx.New().IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid cron expression %q", opts.Cron)
	}
	if opts.Sender == nil || opts.Snapshot == nil {
		return nil, errors.New("status reporter needs a sender and a snapshot func")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reporter{
		cron:     opts.Cron,
		channel:  opts.Channel,
		chatID:   opts.ChatID,
		sender:   opts.Sender,
		snapshot: opts.Snapshot,
		now:      now,
	}, nil
}

// Next returns the first tick strictly after ref.
func (r *Reporter) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.cron, ref, false)
}

// Run posts a report on every cron tick until ctx is done. Delivery
// failures are logged and the schedule continues.
func (r *Reporter) Run(ctx context.Context) {
	logger.InfoCF("status", "Status reporter started", map[string]any{
		"cron":    r.cron,
		"channel": r.channel,
	})

	for {
		next, err := r.Next(r.now())
		if err != nil {
			logger.ErrorCF("status", "Cannot compute next status tick", map[string]any{
				"cron":  r.cron,
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("status", "Status reporter stopped")
			return
		case <-timer.C:
		}

		if err := r.Report(ctx); err != nil {
			logger.DebugCF("status", "Status report not delivered", map[string]any{
				"channel": r.channel,
				"chat_id": r.chatID,
				"error":   err.Error(),
			})
		}
	}
}

// Report sends one summary right away.
func (r *Reporter) Report(ctx context.Context) error {
	return r.sender.SendToChannel(ctx, r.channel, r.chatID, Format(r.snapshot()))
}

func Format(s Snapshot) string {
	var b strings.Builder
	b.WriteString("UAserver AI status\n")
	fmt.Fprintf(&b, "uptime: %s\n", s.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "handled: %d\n", s.Handled)
	fmt.Fprintf(&b, "waiting: %d\n", s.Waiting)
	fmt.Fprintf(&b, "queued replies: %d", s.Queued)
	if s.Workers > 0 {
		fmt.Fprintf(&b, "\nbridge workers: %d", s.Workers)
	}
	if len(s.Channels) > 0 {
		fmt.Fprintf(&b, "\nchannels: %s", strings.Join(s.Channels, ", "))
	}
	return b.String()
}
