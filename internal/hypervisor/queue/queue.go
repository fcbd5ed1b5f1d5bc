package queue

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

const DefaultKey = "deployment_queue"

// Entry is a single member of the priority queue. Member is the decimal deployment id.
type Entry struct {
	Member string
	Score  float64
}

// PriorityQueue is a sorted set of deployment ids ordered by ascending score. The queue is only a hint: the
// deployment records are authoritative and entries may be stale.
type PriorityQueue interface {
	// Push adds the member with the given score, or updates the score if the member is already present.
	Push(ctx *hvcontext.Context, member string, score float64) error
	// RangeByScore returns every member with min <= score <= max, lowest score first.
	RangeByScore(ctx *hvcontext.Context, min, max float64) ([]Entry, error)
	// Remove deletes the member. Removing a member that isn't present is not an error.
	Remove(ctx *hvcontext.Context, member string) error
}

// RedisPriorityQueue is a PriorityQueue backed by a redis sorted set.
type RedisPriorityQueue struct {
	db  redis.UniversalClient
	key string
}

func NewRedisPriorityQueue(db redis.UniversalClient, key string) *RedisPriorityQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisPriorityQueue{db: db, key: key}
}

func (q *RedisPriorityQueue) Push(ctx *hvcontext.Context, member string, score float64) error {
	if err := q.db.ZAdd(ctx, q.key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return errors.Wrapf(err, "error adding %s to queue %s", member, q.key)
	}
	return nil
}

func (q *RedisPriorityQueue) RangeByScore(ctx *hvcontext.Context, min, max float64) ([]Entry, error) {
	result, err := q.db.ZRangeByScoreWithScores(ctx, q.key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading queue %s", q.key)
	}
	entries := make([]Entry, 0, len(result))
	for _, z := range result {
		member, ok := z.Member.(string)
		if !ok {
			return nil, errors.Errorf("unexpected member type %T in queue %s", z.Member, q.key)
		}
		entries = append(entries, Entry{Member: member, Score: z.Score})
	}
	return entries, nil
}

func (q *RedisPriorityQueue) Remove(ctx *hvcontext.Context, member string) error {
	if err := q.db.ZRem(ctx, q.key, member).Err(); err != nil {
		return errors.Wrapf(err, "error removing %s from queue %s", member, q.key)
	}
	return nil
}

// Ping checks that redis is reachable.
func (q *RedisPriorityQueue) Ping(ctx *hvcontext.Context) error {
	return errors.WithStack(q.db.Ping(ctx).Err())
}

func formatScore(score float64) string {
	switch {
	case math.IsInf(score, -1):
		return "-inf"
	case math.IsInf(score, 1):
		return "+inf"
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}
