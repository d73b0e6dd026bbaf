package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/uaserver/uabot/pkg/bus"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/logger"
)

const (
	consoleSenderID = "local"
	consoleChatID   = "console"
)

// ConsoleChannel is a local REPL transport for talking to the gateway
// without a chat platform.
type ConsoleChannel struct {
	*BaseChannel
	config config.ConsoleConfig
	out    io.Writer

	mu     sync.Mutex
	rl     *readline.Instance
	exited chan struct{}
	once   sync.Once
}

func NewConsoleChannel(cfg config.ConsoleConfig, bus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", cfg, bus, nil),
		config:      cfg,
		out:         os.Stdout,
		exited:      make(chan struct{}),
	}
}

// Exited is closed when the user leaves the REPL (exit, quit, Ctrl-D).
func (c *ConsoleChannel) Exited() <-chan struct{} {
	return c.exited
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.config.Prompt,
		HistoryFile:     c.config.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}

	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.mu.Unlock()
	c.setRunning(true)

	go c.readLoop(ctx, rl)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context, rl *readline.Instance) {
	defer c.markExited()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.DebugCF("console", "Console read ended", map[string]any{
					"error": err.Error(),
				})
			}
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return
		}

		c.HandleMessage(ctx, consoleSenderID, consoleChatID, line, nil, nil)
	}
}

func (c *ConsoleChannel) markExited() {
	c.once.Do(func() { close(c.exited) })
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)

	c.mu.Lock()
	rl := c.rl
	c.rl = nil
	c.mu.Unlock()

	if rl != nil {
		return rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Control {
		return nil
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	_, err := fmt.Fprintln(out, msg.Content)
	return err
}
