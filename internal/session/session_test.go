package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	s, err := store.Create(ctx, Session{UserID: "am", Email: "am@x.com", Roles: []string{"AreaManager"}}, time.Hour)
	require.NoError(t, err)
	assert.Len(t, s.ID, 64)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "am@x.com", got.Email)
	assert.Equal(t, []string{"AreaManager"}, got.Roles)

	require.NoError(t, store.Delete(ctx, s.ID))
	_, err = store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Create(ctx, Session{UserID: "x"}, time.Hour)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreExpires(t *testing.T) {
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.Now = func() time.Time { return clock }
	s, err := store.Create(context.Background(), Session{Email: "am@x.com"}, time.Minute)
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	_, err = store.Get(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("OPEX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPEX_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer store.Close()
	store.Prefix = "opex:test:session:"
	exerciseStore(t, store)
}
