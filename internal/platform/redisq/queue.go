package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
)

// UploadEvent is the queue payload emitted when an upload is confirmed.
type UploadEvent struct {
	JobID         string   `json:"job_id"`
	ObjectKey     string   `json:"object_key"`
	ObjectVersion string   `json:"object_version"`
	DurationHint  *float64 `json:"duration_hint,omitempty"`
}

// Message wraps an event with its redelivery bookkeeping. ReceiptHandle is
// the stream entry id and must be passed back to Delete.
type Message struct {
	Event         UploadEvent
	ReceiptHandle string
	DeliveryCount int64
}

// Queue is an at-least-once delivery queue. A received message stays
// invisible to other consumers for the visibility window; an unacked message
// becomes claimable again after that window expires.
type Queue interface {
	Send(ctx context.Context, ev UploadEvent) error
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	Close() error
}

type queue struct {
	log           *logger.Logger
	rdb           *goredis.Client
	stream        string
	dlqStream     string
	group         string
	consumer      string
	visibility    time.Duration
	maxDeliveries int64
}

func NewQueue(log *logger.Logger, consumer string) (Queue, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	stream := envutil.String("QUEUE_STREAM", "lifestream:uploads")
	group := envutil.String("QUEUE_GROUP", "dispatchers")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    envutil.String("REDIS_PASSWORD", ""),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	// MKSTREAM makes group creation idempotent on a fresh deployment.
	if err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis xgroup create: %w", err)
	}

	return &queue{
		log:           log.With("service", "UploadQueue"),
		rdb:           rdb,
		stream:        stream,
		dlqStream:     stream + ":dlq",
		group:         group,
		consumer:      consumer,
		visibility:    envutil.Seconds("QUEUE_VISIBILITY_SECONDS", 120*time.Second),
		maxDeliveries: int64(envutil.Int("QUEUE_MAX_DELIVERIES", 5)),
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && (errors.Is(err, goredis.Nil) ||
		(err.Error() != "" && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"))
}

func (q *queue) Send(ctx context.Context, ev UploadEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"event": string(raw)},
	}).Err()
}

// Receive first reclaims entries whose visibility window expired, then reads
// fresh entries. Messages past the delivery cap are moved to the DLQ stream
// and acked instead of being returned.
func (q *queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	out := []Message{}

	claimed, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis xautoclaim: %w", err)
	}
	for _, entry := range claimed {
		msg, keep, err := q.toMessage(ctx, entry)
		if err != nil {
			q.log.Warn("dropping malformed queue entry", "id", entry.ID, "error", err)
			_ = q.Delete(ctx, entry.ID)
			continue
		}
		if !keep {
			continue
		}
		out = append(out, msg)
	}

	if len(out) < max {
		streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    int64(max - len(out)),
			Block:    wait,
		}).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("redis xreadgroup: %w", err)
		}
		for _, s := range streams {
			for _, entry := range s.Messages {
				msg, keep, err := q.toMessage(ctx, entry)
				if err != nil {
					q.log.Warn("dropping malformed queue entry", "id", entry.ID, "error", err)
					_ = q.Delete(ctx, entry.ID)
					continue
				}
				if !keep {
					continue
				}
				out = append(out, msg)
			}
		}
	}

	return out, nil
}

func (q *queue) toMessage(ctx context.Context, entry goredis.XMessage) (Message, bool, error) {
	raw, ok := entry.Values["event"].(string)
	if !ok {
		return Message{}, false, fmt.Errorf("entry %s missing event field", entry.ID)
	}
	var ev UploadEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Message{}, false, fmt.Errorf("entry %s decode: %w", entry.ID, err)
	}

	deliveries := q.deliveryCount(ctx, entry.ID)
	if deliveries > q.maxDeliveries {
		q.log.Warn("delivery cap exceeded, moving to DLQ",
			"id", entry.ID, "job_id", ev.JobID, "deliveries", deliveries)
		_ = q.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.dlqStream,
			Values: map[string]any{"event": raw, "deliveries": deliveries},
		}).Err()
		_ = q.Delete(ctx, entry.ID)
		return Message{}, false, nil
	}

	return Message{Event: ev, ReceiptHandle: entry.ID, DeliveryCount: deliveries}, true, nil
}

func (q *queue) deliveryCount(ctx context.Context, id string) int64 {
	pending, err := q.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (q *queue) Delete(ctx context.Context, receiptHandle string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, receiptHandle).Err(); err != nil {
		return fmt.Errorf("redis xack: %w", err)
	}
	return q.rdb.XDel(ctx, q.stream, receiptHandle).Err()
}

func (q *queue) Close() error {
	return q.rdb.Close()
}
