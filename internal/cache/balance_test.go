package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/persistence"
)

func newSource(t *testing.T, userID string, balance int64) persistence.BalanceRepo {
	t.Helper()
	repo := persistence.NewMemoryRepository()
	require.NoError(t, repo.Balances.Set(context.Background(), userID, balance))
	return repo.Balances
}

func TestGet_MissReadsThroughAndCaches(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewBalanceCacheWithClient(db, newSource(t, "user-1", 250), 30*time.Second)

	mock.ExpectGet("balance:user-1").RedisNil()
	mock.ExpectSet("balance:user-1", "250", 30*time.Second).SetVal("OK")

	balance, err := c.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_HitSkipsSource(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	// Source disagrees on purpose; a hit must not touch it.
	c := NewBalanceCacheWithClient(db, newSource(t, "user-1", 999), 30*time.Second)

	mock.ExpectGet("balance:user-1").SetVal("250")

	balance, err := c.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_RedisErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewBalanceCacheWithClient(db, newSource(t, "user-1", 250), 30*time.Second)

	mock.ExpectGet("balance:user-1").SetErr(errors.New("connection refused"))
	mock.ExpectSet("balance:user-1", "250", 30*time.Second).SetErr(errors.New("connection refused"))

	balance, err := c.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)
}

func TestGet_GarbageEntryRereads(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewBalanceCacheWithClient(db, newSource(t, "user-1", 250), 30*time.Second)

	mock.ExpectGet("balance:user-1").SetVal("not-a-number")
	mock.ExpectSet("balance:user-1", "250", 30*time.Second).SetVal("OK")

	balance, err := c.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewBalanceCacheWithClient(db, newSource(t, "user-1", 250), 30*time.Second)

	mock.ExpectDel("balance:user-1").SetVal(1)

	require.NoError(t, c.Invalidate(ctx, "user-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisabledCachePassesThrough(t *testing.T) {
	ctx := context.Background()
	c, err := NewBalanceCache(config.RedisConfig{Enabled: false}, newSource(t, "user-1", 250))
	require.NoError(t, err)

	balance, err := c.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	assert.NoError(t, c.Invalidate(ctx, "user-1"))
	assert.NoError(t, c.Close())
}
