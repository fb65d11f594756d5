package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config Redis 连接配置
type Config struct {
	Addr      string `yaml:"addr" json:"addr" env:"ADDR"`
	Password  string `yaml:"password" json:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" json:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	MaxRetries   int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	PoolSize     int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`

	// ConnectTimeout 启动时 Ping 的超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// HealthCheckInterval 后台 Ping 并上报连接池的间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`

	TLS bool `yaml:"tls" json:"tls" env:"TLS"`
}

func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "queenbee",
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		ConnectTimeout:      5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("cache manager is closed")

// Manager 进程内共享的 Redis 连接。各存储通过 Client 直接使用 hash、zset、
// list 与 Lua 脚本，键名统一经 Key 加前缀。
type Manager struct {
	client  *redis.Client
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 建立连接并确认可达。collector 可为 nil。
func NewManager(config Config, logger *zap.Logger, collector *metrics.Collector) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", config.Addr, err)
	}

	m := &Manager{
		client:  client,
		config:  config,
		logger:  logger.With(zap.String("component", "cache")),
		metrics: collector,
		stopCh:  make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.watch()
	}

	m.logger.Info("redis connected",
		zap.String("addr", config.Addr),
		zap.String("prefix", config.KeyPrefix),
		zap.Int("pool_size", config.PoolSize))
	return m, nil
}

func (m *Manager) Client() *redis.Client { return m.client }

// Key 拼接带前缀的键名，例如 Key("board", "post", id)。
func (m *Manager) Key(parts ...string) string {
	return JoinKey(m.config.KeyPrefix, parts...)
}

// JoinKey 以冒号拼接，空前缀时省略。
func JoinKey(prefix string, parts ...string) string {
	if prefix == "" {
		return strings.Join(parts, ":")
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// Ping 就绪检查使用。
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close 停止后台检查并关闭连接，可重复调用。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("redis connection closed")
	return m.client.Close()
}

// watch 定时 Ping 并上报连接池状态。
func (m *Manager) watch() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Manager) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()

	if err := m.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Error("redis ping failed", zap.Error(err))
	}
	st := m.client.PoolStats()
	m.metrics.RecordRedisPool(int(st.TotalConns), int(st.IdleConns), int(st.StaleConns), st.Timeouts)
}
