package llm

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(q, a string) []types.Message {
	return []types.Message{
		{Role: types.RoleUser, Content: q},
		{Role: types.RoleAssistant, Content: a},
	}
}

func TestSession_RecentAndTrim(t *testing.T) {
	s := &Session{ID: "s"}
	for _, q := range []string{"a", "b", "c"} {
		s.Messages = append(s.Messages, exchange(q, q+"!")...)
	}

	assert.Equal(t, 3, s.Exchanges())
	assert.Nil(t, s.Recent(0))
	assert.Equal(t, "b", s.Recent(2)[0].Content)
	assert.Len(t, s.Recent(10), 6)

	s.trim(1)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "c", s.Messages[0].Content)
}

func testSessionStore(t *testing.T, store SessionStore) {
	ctx := context.Background()

	_, err := store.Get(ctx, "s")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s := &Session{ID: "s", Owner: "alice", Messages: exchange("hi", "hello"), Cost: 0.5, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Save(ctx, s))
	assert.Equal(t, 1, s.Version)

	got, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[1].Content)

	// a stale writer loses
	stale := *got
	got.Messages = append(got.Messages, exchange("again", "sure")...)
	require.NoError(t, store.Save(ctx, got))
	assert.ErrorIs(t, store.Save(ctx, &stale), ErrVersionConflict)

	latest, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, latest.Messages, 4)
	assert.Equal(t, 2, latest.Version)

	require.NoError(t, store.Delete(ctx, "s"))
	_, err = store.Get(ctx, "s")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemorySessionStore(t *testing.T) {
	testSessionStore(t, NewMemorySessionStore())
}

func TestMemorySessionStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	require.NoError(t, store.Save(ctx, &Session{ID: "s", Messages: exchange("q", "a")}))

	got, err := store.Get(ctx, "s")
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"

	again, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "q", again.Messages[0].Content)
}

func TestRedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	testSessionStore(t, NewRedisSessionStore(client, "", 0))
}

func TestRedisSessionStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisSessionStore(client, "test:session:", time.Hour)
	require.NoError(t, store.Save(context.Background(), &Session{ID: "s"}))

	assert.True(t, mr.Exists("test:session:s"))
	assert.Equal(t, time.Hour, mr.TTL("test:session:s"))

	mr.FastForward(2 * time.Hour)
	_, err := store.Get(context.Background(), "s")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
