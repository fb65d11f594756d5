package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/types"
	"github.com/redis/go-redis/v9"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
)

// Session is a conversation owned by the gateway. Messages alternate user
// and assistant turns; each pair is one exchange.
type Session struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner,omitempty"`
	Messages       []types.Message `json:"messages"`
	ActiveProvider string          `json:"active_provider,omitempty"`
	Cost           float64         `json:"cost"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Exchanges returns the number of completed exchanges.
func (s *Session) Exchanges() int {
	return len(s.Messages) / 2
}

// Recent returns the last n exchanges as messages.
func (s *Session) Recent(n int) []types.Message {
	if n <= 0 {
		return nil
	}
	start := max(len(s.Messages)-2*n, 0)
	return slices.Clone(s.Messages[start:])
}

// trim keeps at most n exchanges.
func (s *Session) trim(n int) {
	if n > 0 && len(s.Messages) > 2*n {
		s.Messages = slices.Clone(s.Messages[len(s.Messages)-2*n:])
	}
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Messages = slices.Clone(s.Messages)
	return &cp
}

// SessionStore 会话存储接口
type SessionStore interface {
	// Get 获取会话，不存在时返回 ErrSessionNotFound
	Get(ctx context.Context, id string) (*Session, error)
	// Save 保存会话（带乐观锁），成功后 Version 加一
	Save(ctx context.Context, s *Session) error
	// Delete 删除会话
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore 内存会话存储
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore 创建内存会话存储
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (m *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (m *MemorySessionStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// RedisSessionStore Redis 会话存储
type RedisSessionStore struct {
	rdb       redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSessionStore 创建 Redis 会话存储，ttl 为 0 时默认 7 天
func NewRedisSessionStore(rdb redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisSessionStore {
	if keyPrefix == "" {
		keyPrefix = "queenbee:llm:session:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisSessionStore{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisSessionStore) key(id string) string {
	return s.keyPrefix + id
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// saveScript 使用 Lua 脚本实现乐观锁
var saveScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current then
		local session = cjson.decode(current)
		if session.version ~= tonumber(ARGV[2]) then
			return -1
		end
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return 1
`)

func (s *RedisSessionStore) Save(ctx context.Context, session *Session) error {
	expected := session.Version
	next := session.clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	result, err := saveScript.Run(ctx, s.rdb, []string{s.key(session.ID)},
		data, expected, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis script: %w", err)
	}
	if result == -1 {
		return ErrVersionConflict
	}
	session.Version = next.Version
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.key(id)).Err()
}
