package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/danmuck/camlink/internal/observability"
	"github.com/rs/zerolog/log"
)

// WriteFunc transmits one message. Returning ErrBusy asks for a retry.
type WriteFunc func(msg []byte) error

// SendQueue is a bounded outbound queue drained by a single worker.
type SendQueue struct {
	name  string
	ch    chan []byte
	retry RetryPolicy
	rng   *rand.Rand
}

func NewSendQueue(name string, size int, retry RetryPolicy) *SendQueue {
	if size < 1 {
		size = 1
	}
	return &SendQueue{
		name:  name,
		ch:    make(chan []byte, size),
		retry: retry,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Offer enqueues msg without blocking.
func (q *SendQueue) Offer(msg []byte) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *SendQueue) Len() int { return len(q.ch) }

func (q *SendQueue) Cap() int { return cap(q.ch) }

// Drain discards queued messages and returns how many were dropped.
func (q *SendQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Run writes queued messages until ctx is cancelled.
func (q *SendQueue) Run(ctx context.Context, write WriteFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			if err := q.transmit(ctx, write, msg); err != nil {
				observability.RecordSend(q.name, "dropped")
				log.Warn().
					Str("component", "transport").
					Str("transport", q.name).
					Int("bytes", len(msg)).
					Err(err).
					Msg("message dropped")
				continue
			}
			observability.RecordSend(q.name, "ok")
		}
	}
}

func (q *SendQueue) transmit(ctx context.Context, write WriteFunc, msg []byte) error {
	for attempt := 1; ; attempt++ {
		err := write(msg)
		if err == nil || !errors.Is(err, ErrBusy) || attempt > q.retry.Attempts {
			return err
		}
		observability.RecordSendRetry(q.name)
		timer := time.NewTimer(q.retry.Backoff.Wait(attempt, q.rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
