package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestDedupStoreGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewDedupStore(NewFromClient(db))
	ctx := context.Background()

	mock.ExpectGet("arb:dedup:A|B|100.2|101").SetVal("opp-1")
	mock.ExpectGet("arb:dedup:missing").RedisNil()
	mock.ExpectGet("arb:dedup:broken").SetErr(errors.New("connection reset"))

	v, found, err := store.Get(ctx, "A|B|100.2|101")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "opp-1", v)

	_, found, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = store.Get(ctx, "broken")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupStoreSetUsesExpiry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewDedupStore(NewFromClient(db))

	mock.ExpectSet("arb:dedup:fp", "opp-1", time.Minute).SetVal("OK")
	require.NoError(t, store.Set(context.Background(), "fp", "opp-1", time.Minute))

	mock.ExpectSet("arb:dedup:fp", "opp-2", time.Minute).SetErr(errors.New("READONLY"))
	assert.Error(t, store.Set(context.Background(), "fp", "opp-2", time.Minute))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBus(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBus(NewFromClient(db))
	ctx := context.Background()
	payload := []byte(`{"id":"opp-1"}`)

	mock.ExpectPublish("arb.executions", payload).SetVal(1)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "stream:arb.executions",
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).SetVal("1700000000000-0")

	require.NoError(t, bus.Publish(ctx, "arb.executions", payload))
	require.NoError(t, bus.StreamAppend(ctx, "stream:arb.executions", payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(NewFromClient(db))
	lm.newToken = func() string { return "token-1" }
	ctx := context.Background()

	mock.ExpectSetNX("lock:archive", "token-1", time.Minute).SetVal(true)
	mock.ExpectEvalSha(redis.NewScript(unlockLua).Hash(), []string{"lock:archive"}, "token-1").SetVal(int64(1))

	release, err := lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)
	release()
	release()

	mock.ExpectSetNX("lock:archive", "token-1", time.Minute).SetVal(false)
	_, err = lm.Acquire(ctx, "archive", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, err := ClientConfig{URL: "redis://:secret@cache.internal:6380/2", PoolSize: 20}.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)

	opts, err = ClientConfig{Addr: "localhost:6379", TLSEnabled: true}.Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.NotNil(t, opts.TLSConfig)

	_, err = ClientConfig{URL: "http://nope"}.Options()
	assert.Error(t, err)
}
