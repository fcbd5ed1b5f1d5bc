package queue

import (
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

func TestRedisPriorityQueue_OrdersByScore(t *testing.T) {
	withQueue(t, func(q *RedisPriorityQueue) {
		ctx := hvcontext.Background()
		// score is the negated priority
		require.NoError(t, q.Push(ctx, "1", -3))
		require.NoError(t, q.Push(ctx, "2", -1))
		require.NoError(t, q.Push(ctx, "3", -2))
		require.NoError(t, q.Push(ctx, "4", 5))

		entries, err := q.RangeByScore(ctx, math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Member: "1", Score: -3},
			{Member: "3", Score: -2},
			{Member: "2", Score: -1},
			{Member: "4", Score: 5},
		}, entries)

		bounded, err := q.RangeByScore(ctx, -2, 0)
		require.NoError(t, err)
		assert.Equal(t, []Entry{{Member: "3", Score: -2}, {Member: "2", Score: -1}}, bounded)
	})
}

func TestRedisPriorityQueue_PushIsIdempotent(t *testing.T) {
	withQueue(t, func(q *RedisPriorityQueue) {
		ctx := hvcontext.Background()
		require.NoError(t, q.Push(ctx, "7", -1))
		require.NoError(t, q.Push(ctx, "7", -1))
		require.NoError(t, q.Push(ctx, "7", -4))

		entries, err := q.RangeByScore(ctx, math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Equal(t, []Entry{{Member: "7", Score: -4}}, entries)
	})
}

func TestRedisPriorityQueue_Remove(t *testing.T) {
	withQueue(t, func(q *RedisPriorityQueue) {
		ctx := hvcontext.Background()
		require.NoError(t, q.Push(ctx, "1", -1))
		require.NoError(t, q.Push(ctx, "2", -2))

		require.NoError(t, q.Remove(ctx, "1"))
		require.NoError(t, q.Remove(ctx, "does-not-exist"))

		entries, err := q.RangeByScore(ctx, math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Equal(t, []Entry{{Member: "2", Score: -2}}, entries)
	})
}

func TestRedisPriorityQueue_Empty(t *testing.T) {
	withQueue(t, func(q *RedisPriorityQueue) {
		entries, err := q.RangeByScore(hvcontext.Background(), math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.NoError(t, q.Ping(hvcontext.Background()))
	})
}

func TestRedisPriorityQueue_Unavailable(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	rc := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: -1})
	defer rc.Close()
	q := NewRedisPriorityQueue(rc, "")
	db.Close()

	assert.Error(t, q.Push(hvcontext.Background(), "1", -1))
	_, err = q.RangeByScore(hvcontext.Background(), math.Inf(-1), math.Inf(1))
	assert.Error(t, err)
}

func withQueue(t *testing.T, action func(q *RedisPriorityQueue)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	rc := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer rc.Close()

	action(NewRedisPriorityQueue(rc, "test_queue"))
}
