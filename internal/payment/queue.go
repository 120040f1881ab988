package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventsKey     = "webhook:events"
	ProcessingKey = "webhook:processing"
)

var ErrQueueEmpty = errors.New("webhook queue empty")

// Queue is a reliable Redis list queue. Popped events sit in the processing list
// until acknowledged, so a crash between pop and ack loses nothing.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) Push(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := q.rdb.LPush(ctx, EventsKey, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// Pop waits up to timeout for an event and moves it to the processing list. The
// raw payload is returned for Ack even when it does not decode.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, Event, error) {
	raw, err := q.rdb.BRPopLPush(ctx, EventsKey, ProcessingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", Event{}, ErrQueueEmpty
	}
	if err != nil {
		return "", Event{}, fmt.Errorf("failed to pop event: %w", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return raw, Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return raw, ev, nil
}

func (q *Queue) Ack(ctx context.Context, raw string) error {
	if err := q.rdb.LRem(ctx, ProcessingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("failed to ack event: %w", err)
	}
	return nil
}

// Requeue returns an unfinished event to the tail that Pop reads from next.
func (q *Queue) Requeue(ctx context.Context, raw string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingKey, 1, raw)
		pipe.RPush(ctx, EventsKey, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	return nil
}

// Recover moves everything left in the processing list back onto the queue.
// It runs once at startup, before any consumer pops.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.RPopLPush(ctx, ProcessingKey, EventsKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover in-flight events: %w", err)
		}
		n++
	}
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, EventsKey).Result()
}
