package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uaserver/uabot/pkg/logger"
)

const typingMaxDuration = 5 * time.Minute

type typingTask struct {
	id     uint64
	cancel context.CancelFunc
}

// typingIndicator keeps a platform "typing..." signal alive per request
// until the final reply for that request is sent.
type typingIndicator struct {
	channel     string
	interval    time.Duration
	maxDuration time.Duration
	send        func(ctx context.Context, chatID string) error

	mu    sync.Mutex
	tasks map[string]typingTask
	seq   uint64
}

func newTypingIndicator(channel string, interval time.Duration, send func(ctx context.Context, chatID string) error) *typingIndicator {
	return &typingIndicator{
		channel:     channel,
		interval:    interval,
		maxDuration: typingMaxDuration,
		send:        send,
		tasks:       make(map[string]typingTask),
	}
}

func (t *typingIndicator) key(requestID string) string {
	if requestID == "" {
		return ""
	}
	return fmt.Sprintf("%s:req:%s", t.channel, requestID)
}

func (t *typingIndicator) start(requestID, chatID string) {
	key := t.key(requestID)
	if key == "" {
		return
	}

	t.mu.Lock()
	if _, exists := t.tasks[key]; exists {
		t.mu.Unlock()
		return
	}

	typingCtx, cancel := context.WithCancel(context.Background())
	t.seq++
	taskID := t.seq
	t.tasks[key] = typingTask{id: taskID, cancel: cancel}
	t.mu.Unlock()

	go func() {
		defer t.cleanup(key, taskID)

		sendTyping := func() {
			if err := t.send(typingCtx, chatID); err != nil {
				logger.DebugCF(t.channel, "Failed to send typing indicator", map[string]any{
					"chat_id": chatID,
					"error":   err.Error(),
				})
			}
		}

		sendTyping()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		timeout := time.NewTimer(t.maxDuration)
		defer timeout.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-timeout.C:
				logger.DebugCF(t.channel, "Typing indicator auto-stopped on timeout", map[string]any{
					"session_key": key,
				})
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (t *typingIndicator) stop(requestID string) {
	key := t.key(requestID)
	if key == "" {
		return
	}

	t.mu.Lock()
	task, exists := t.tasks[key]
	if exists {
		delete(t.tasks, key)
	}
	t.mu.Unlock()

	if exists {
		task.cancel()
	}
}

func (t *typingIndicator) cleanup(key string, taskID uint64) {
	t.mu.Lock()
	current, exists := t.tasks[key]
	if exists && current.id == taskID {
		delete(t.tasks, key)
		current.cancel()
	}
	t.mu.Unlock()
}

func (t *typingIndicator) stopAll() {
	t.mu.Lock()
	cancellers := make([]context.CancelFunc, 0, len(t.tasks))
	for key, task := range t.tasks {
		cancellers = append(cancellers, task.cancel)
		delete(t.tasks, key)
	}
	t.mu.Unlock()

	for _, cancel := range cancellers {
		cancel()
	}
}

func (t *typingIndicator) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
