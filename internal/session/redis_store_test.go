package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "", 0)

	t.Cleanup(func() {
		_ = store.Close()
	})
	return mr, store
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	_, store := setupMiniredis(t)
	ctx := context.Background()

	s := New(uuid.New())
	s.CallerNumber = "+14155550123"
	require.NoError(t, s.Transition(StateGreeting))
	s.Append(Turn{Speaker: SpeakerBot, Text: "Welcome to the store, how can I help?"})

	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, s.Identity.String())
	require.NoError(t, err)
	assert.Equal(t, s.Identity, loaded.Identity)
	assert.Equal(t, s.CallerNumber, loaded.CallerNumber)
	assert.Equal(t, StateGreeting, loaded.State)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, SpeakerBot, loaded.History[0].Speaker)
}

func TestRedisStore_LoadNotFound(t *testing.T) {
	_, store := setupMiniredis(t)

	_, err := store.Load(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, store := setupMiniredis(t)
	ctx := context.Background()

	s := New(uuid.New())
	require.NoError(t, store.Save(ctx, s))

	assert.True(t, mr.Exists("call_session:"+s.Identity.String()))
}

func TestRedisStore_SaveSetsTTL(t *testing.T) {
	mr, store := setupMiniredis(t)
	ctx := context.Background()

	s := New(uuid.New())
	require.NoError(t, store.Save(ctx, s))

	ttl := mr.TTL("call_session:" + s.Identity.String())
	assert.Equal(t, DefaultTTL, ttl)

	// Expiry actually removes the entry.
	mr.FastForward(DefaultTTL + time.Second)
	_, err := store.Load(ctx, s.Identity.String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SaveRefreshesTTL(t *testing.T) {
	mr, store := setupMiniredis(t)
	ctx := context.Background()

	s := New(uuid.New())
	require.NoError(t, store.Save(ctx, s))
	mr.FastForward(20 * time.Minute)

	require.NoError(t, s.Transition(StateGreeting))
	require.NoError(t, store.Save(ctx, s))

	assert.Equal(t, DefaultTTL, mr.TTL("call_session:"+s.Identity.String()))
}

func TestRedisStore_Delete(t *testing.T) {
	_, store := setupMiniredis(t)
	ctx := context.Background()

	s := New(uuid.New())
	require.NoError(t, store.Save(ctx, s))
	require.NoError(t, store.Delete(ctx, s.Identity.String()))

	_, err := store.Load(ctx, s.Identity.String())
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing entry is fine.
	require.NoError(t, store.Delete(ctx, s.Identity.String()))
}

func TestRedisStore_ClosedStore(t *testing.T) {
	_, store := setupMiniredis(t)
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Save(ctx, New(uuid.New())), ErrStoreClosed)
	_, err := store.Load(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Delete(ctx, uuid.NewString()), ErrStoreClosed)
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)

	// Double close is a no-op.
	require.NoError(t, store.Close())
}
