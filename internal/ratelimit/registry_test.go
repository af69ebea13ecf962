package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/clock"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestRegistry_AcquireRoutesByBucket(t *testing.T) {
	fake := clock.NewFake(epoch)
	reg := NewRegistry()
	require.NoError(t, reg.Register("source", newTestLimiter(t, NewMemoryStore(), fake, 1, time.Minute)))
	require.NoError(t, reg.Register("destination", newTestLimiter(t, NewMemoryStore(), fake, 5, time.Second)))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ts, err := reg.Acquire(ctx, "destination")
		require.NoError(t, err)
		assert.Equal(t, epoch, ts)
	}

	ts, err := reg.Acquire(ctx, "source")
	require.NoError(t, err)
	assert.Equal(t, epoch, ts)

	assert.ElementsMatch(t, []string{"source", "destination"}, reg.Buckets())
}

func TestRegistry_UnknownBucket(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownBucket)

	assert.Panics(t, func() { reg.MustGet("nope") })
}

func TestRegistry_DuplicateBucket(t *testing.T) {
	fake := clock.NewFake(epoch)
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", newTestLimiter(t, NewMemoryStore(), fake, 1, time.Second)))

	err := reg.Register("b", newTestLimiter(t, NewMemoryStore(), fake, 1, time.Second))
	assert.ErrorIs(t, err, ErrBucketExists)
	assert.NotNil(t, reg.MustGet("b"))
}

func TestRegistry_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	fake := clock.NewFake(epoch)
	reg := NewRegistry()
	reg.OnClose(client)
	require.NoError(t, reg.Register("b", newTestLimiter(t, NewRedisStore(client), fake, 1, time.Second)))

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close(), "second close is a no-op")

	_, err := reg.Acquire(context.Background(), "b")
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, reg.Register("c", nil), ErrRegistryClosed)
	assert.ErrorIs(t, client.Ping(context.Background()).Err(), redis.ErrClosed)
}

func TestRegistry_CloseJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry()
	reg.OnClose(closerFunc(func() error { return boom }))
	reg.OnClose(closerFunc(func() error { return nil }))

	assert.ErrorIs(t, reg.Close(), boom)
}
