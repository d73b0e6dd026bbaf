// Package correlator matches asynchronously produced replies to the inbound
// request that asked for them.
//
// Producers Put a ReplyRecord keyed by request id; the consumer that issued
// the request Waits on the same id. A record is handed over at most once and
// a waiter only ever receives the record carrying its own id. Waiting does
// not poll: each waiter parks on its own notification channel until the
// record arrives, the timeout elapses or its context is done.
package correlator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uaserver/uabot/pkg/logger"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultReplyTTL = 5 * time.Minute
	DefaultFallback = "Sorry, I could not generate a reply."
)

var (
	ErrTimeout        = errors.New("correlator: no reply before timeout")
	ErrAlreadyWaiting = errors.New("correlator: request id already has a waiter")
	ErrDuplicateReply = errors.New("correlator: reply already queued for request id")
	ErrEmptyRequestID = errors.New("correlator: empty request id")
)

type ReplyRecord struct {
	RequestID string    `json:"request_id"`
	ReplyText string    `json:"reply_text"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Options struct {
	// Timeout bounds Wait calls that pass a non-positive timeout and every
	// Await call.
	Timeout time.Duration
	// Fallback is what Await returns when no reply arrives.
	Fallback string
	// ReplyTTL is how long an unclaimed record stays queued before Sweep
	// drops it.
	ReplyTTL time.Duration
	Now      func() time.Time
}

// Queue is the shared reply queue. It is safe for concurrent use.
type Queue struct {
	timeout  time.Duration
	fallback string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	records map[string]ReplyRecord
	waiters map[string]chan ReplyRecord
}

func New(opts Options) *Queue {
	q := &Queue{
		timeout:  opts.Timeout,
		fallback: opts.Fallback,
		ttl:      opts.ReplyTTL,
		now:      opts.Now,
		records:  make(map[string]ReplyRecord),
		waiters:  make(map[string]chan ReplyRecord),
	}
	if q.timeout <= 0 {
		q.timeout = DefaultTimeout
	}
	if q.fallback == "" {
		q.fallback = DefaultFallback
	}
	if q.ttl <= 0 {
		q.ttl = DefaultReplyTTL
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// NewRequestID returns a time-ordered UUIDv7, falling back to a random v4
// if the clock source fails.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (q *Queue) Timeout() time.Duration { return q.timeout }

func (q *Queue) Fallback() string { return q.fallback }

// Put hands rec to the consumer waiting on rec.RequestID, or queues it when
// nobody is waiting yet. delivered reports which of the two happened.
func (q *Queue) Put(rec ReplyRecord) (delivered bool, err error) {
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return false, ErrEmptyRequestID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(rec)
}

func (q *Queue) putLocked(rec ReplyRecord) (delivered bool, err error) {
	if ch, ok := q.waiters[rec.RequestID]; ok {
		delete(q.waiters, rec.RequestID)
		// buffered with capacity 1 and removed from the map above, so this
		// is the only send it will ever see
		ch <- rec
		return true, nil
	}
	if _, exists := q.records[rec.RequestID]; exists {
		return false, ErrDuplicateReply
	}
	q.records[rec.RequestID] = rec
	return false, nil
}

// Wait returns the reply for requestID, removing it from the queue. A
// non-positive timeout uses the queue default. On ErrTimeout or a context
// error the queue is left as it was.
func (q *Queue) Wait(ctx context.Context, requestID string, timeout time.Duration) (ReplyRecord, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ReplyRecord{}, ErrEmptyRequestID
	}
	if timeout <= 0 {
		timeout = q.timeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if rec, ok := q.records[requestID]; ok {
		delete(q.records, requestID)
		q.mu.Unlock()
		return rec, nil
	}
	if _, busy := q.waiters[requestID]; busy {
		q.mu.Unlock()
		return ReplyRecord{}, ErrAlreadyWaiting
	}
	ch := make(chan ReplyRecord, 1)
	q.waiters[requestID] = ch
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case rec := <-ch:
		return rec, nil
	case <-timer.C:
		waitErr = ErrTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	q.mu.Lock()
	if cur, ok := q.waiters[requestID]; ok && cur == ch {
		delete(q.waiters, requestID)
		q.mu.Unlock()
		return ReplyRecord{}, waitErr
	}
	q.mu.Unlock()

	// Put claimed the waiter between the timeout and the lock above; the
	// record is already in ch.
	return <-ch, nil
}

// Await is the non-failing form of Wait: it returns the reply text, or the
// fallback text when no reply arrives in time.
func (q *Queue) Await(ctx context.Context, requestID string) string {
	return q.await(ctx, requestID, q.timeout)
}

// AwaitUntil is Await bounded by an absolute deadline, so time spent before
// the wait started counts against it. A reply already queued is returned
// even when the deadline has passed.
func (q *Queue) AwaitUntil(ctx context.Context, requestID string, deadline time.Time) string {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return q.await(ctx, requestID, remaining)
}

func (q *Queue) await(ctx context.Context, requestID string, timeout time.Duration) string {
	rec, err := q.Wait(ctx, requestID, timeout)
	if err != nil {
		logger.WarnCF("correlator", "No reply for request, using fallback", map[string]any{
			"request_id": requestID,
			"timeout":    timeout.String(),
			"error":      err.Error(),
		})
		return q.fallback
	}
	return rec.ReplyText
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Waiting is the number of requests currently blocked in Wait.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Sweep drops records older than the reply TTL and returns how many it
// removed. These are replies that arrived after their waiter gave up.
func (q *Queue) Sweep(now time.Time) int {
	cutoff := now.Add(-q.ttl)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, rec := range q.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(q.records, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Sweep(q.now()); n > 0 {
				logger.DebugCF("correlator", "Swept orphaned replies", map[string]any{
					"removed": n,
				})
			}
		}
	}
}
