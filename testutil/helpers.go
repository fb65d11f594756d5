package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestContext 30 秒超时，测试结束时取消。
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Clock 可手动推进的时钟。Now 可直接注入各组件的 Config.Now。
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// NewRedis miniredis 加客户端，测试结束时关闭。
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// NewSQLite 每个测试一个内存库，按需 AutoMigrate。
func NewSQLite(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err, "open sqlite")
	if len(models) > 0 {
		require.NoError(t, db.AutoMigrate(models...), "auto migrate")
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// AssertMessagesEqual 只比较角色和内容，忽略时间戳与 Provider。
func AssertMessagesEqual(t *testing.T, expected, actual []types.Message) {
	t.Helper()
	type turn struct {
		Role    types.Role
		Content string
	}
	strip := func(msgs []types.Message) []turn {
		out := make([]turn, len(msgs))
		for i, m := range msgs {
			out[i] = turn{m.Role, m.Content}
		}
		return out
	}
	assert.Equal(t, strip(expected), strip(actual))
}

// AssertErrorCode 断言错误链中带有指定错误码。
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if !assert.Error(t, err, "expected %s", code) {
		return
	}
	assert.Equal(t, code, types.GetErrorCode(err), "error: %v", err)
}

// AssertEventuallyTrue 每 10ms 轮询一次。
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	assert.Eventually(t, condition, timeout, 10*time.Millisecond)
}

// JSONMap 把结构体经 JSON 转成 map，模拟请求体里的嵌套对象。
func JSONMap(t *testing.T, v any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
