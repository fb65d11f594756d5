package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists posts as JSON values with a TTL and keeps sorted-set
// indexes scored by creation time.
//
// Keys:
//
//	{prefix}:post:{id}                  post JSON
//	{prefix}:posts:all                  every post id
//	{prefix}:posts:by_category:{c}      ids per category
//	{prefix}:posts:by_author:{a}        ids per author
//
// Index entries whose value has expired are pruned lazily on List.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a store rooted at prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "queenbee:board"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) postKey(id string) string { return s.prefix + ":post:" + id }
func (s *RedisStore) allKey() string           { return s.prefix + ":posts:all" }
func (s *RedisStore) categoryKey(c Category) string {
	return s.prefix + ":posts:by_category:" + string(c)
}
func (s *RedisStore) authorKey(a string) string { return s.prefix + ":posts:by_author:" + a }

func (s *RedisStore) indexKey(scope Scope) string {
	switch {
	case scope.Category != "":
		return s.categoryKey(scope.Category)
	case scope.Author != "":
		return s.authorKey(scope.Author)
	default:
		return s.allKey()
	}
}

func (s *RedisStore) Save(ctx context.Context, p *Post) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal post %s: %w", p.ID, err)
	}
	score := float64(p.CreatedAt.UnixNano())
	key := s.postKey(p.ID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if !p.ExpiresAt.IsZero() {
		pipe.PExpireAt(ctx, key, p.ExpiresAt)
	}
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: p.ID})
	pipe.ZAdd(ctx, s.categoryKey(p.Category), redis.Z{Score: score, Member: p.ID})
	pipe.ZAdd(ctx, s.authorKey(p.Author), redis.Z{Score: score, Member: p.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save post %s: %w", p.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Post, error) {
	data, err := s.client.Get(ctx, s.postKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	var p Post
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode post %s: %w", id, err)
	}
	return &p, nil
}

func (s *RedisStore) List(ctx context.Context, scope Scope) ([]*Post, error) {
	index := s.indexKey(scope)
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.postKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}

	out := make([]*Post, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var p Post
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode post %s: %w", ids[i], err)
		}
		if scope.Author != "" && p.Author != scope.Author {
			continue
		}
		out = append(out, &p)
	}

	if len(stale) > 0 {
		pipe := s.client.Pipeline()
		pipe.ZRem(ctx, index, stale...)
		pipe.ZRem(ctx, s.allKey(), stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("prune index: %w", err)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
		p, err := s.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			pipe.ZRem(ctx, s.categoryKey(p.Category), id)
			pipe.ZRem(ctx, s.authorKey(p.Author), id)
		}
		pipe.Del(ctx, s.postKey(id))
	}
	pipe.ZRem(ctx, s.allKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	return nil
}
