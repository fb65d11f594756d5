package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisHistory mirrors delivered messages into a capped Redis list so the
// audit trail survives restarts. Newest entries sit at the head of the list.
type RedisHistory struct {
	client redis.Cmdable
	key    string
	size   int64
}

// NewRedisHistory creates a sink writing to key, keeping at most size entries.
func NewRedisHistory(client redis.Cmdable, key string, size int) *RedisHistory {
	if size <= 0 {
		size = DefaultConfig().HistorySize
	}
	return &RedisHistory{client: client, key: key, size: int64(size)}
}

// Append implements HistorySink.
func (h *RedisHistory) Append(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, h.key, data)
	pipe.LTrim(ctx, h.key, 0, h.size-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns up to limit mirrored messages, oldest first.
func (h *RedisHistory) Recent(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	raw, err := h.client.LRange(ctx, h.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]*Message, len(raw))
	for i, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out[len(raw)-1-i] = &msg
	}
	return out, nil
}
