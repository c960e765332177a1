package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sparknet/realtime/internal/chat"
	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

const (
	// Queued messages expire after 7 days.
	messageTTL = 7 * 24 * time.Hour

	queuePrefix   = "rtq:queue:" // rtq:queue:{userId} - list of message ids
	messagePrefix = "rtq:msg:"   // rtq:msg:{messageId} - message content
)

// Offline buffers messages for unreachable recipients in redis so they
// can be replayed on reconnect. Each message body is stored once under a
// TTLed key and referenced from a per-user FIFO list.
type Offline struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Offline, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Offline{rdb: rdb, logger: logger}, nil
}

// Close releases the redis connection.
func (q *Offline) Close() error {
	return q.rdb.Close()
}

// Enqueue appends one message to the recipient's offline queue.
func (q *Offline) Enqueue(ctx context.Context, userID string, msg *store.Message) error {
	data, err := json.Marshal(chat.WireMessage(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	messageKey := messagePrefix + msg.ID
	if err := q.rdb.Set(ctx, messageKey, data, messageTTL).Err(); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	queueKey := queuePrefix + userID
	if err := q.rdb.RPush(ctx, queueKey, msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}
	q.rdb.Expire(ctx, queueKey, messageTTL)
	return nil
}

// Drain pops every queued message for the user, oldest first, and
// deletes them. Entries whose body already expired are skipped.
func (q *Offline) Drain(ctx context.Context, userID string) ([]event.Message, error) {
	queueKey := queuePrefix + userID
	ids, err := q.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var msgs []event.Message
	for _, id := range ids {
		data, err := q.rdb.Get(ctx, messagePrefix+id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		var m event.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			q.logger.Warn("dropping malformed queued message",
				zap.String("message_id", id), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}

	pipe := q.rdb.Pipeline()
	pipe.Del(ctx, queueKey)
	for _, id := range ids {
		pipe.Del(ctx, messagePrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("failed to clear drained queue",
			zap.String("user_id", userID), zap.Error(err))
	}
	return msgs, nil
}

// Pending returns the queue depth without consuming anything.
func (q *Offline) Pending(ctx context.Context, userID string) (int64, error) {
	return q.rdb.LLen(ctx, queuePrefix+userID).Result()
}
