package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// enqueueScript appends ARGV[1] to KEYS[1] unless the list already holds
// ARGV[2] entries. Returns 1 when appended, 0 when dropped.
var enqueueScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// RedisQueue keeps offline queues in Redis lists, so queued messages survive
// a server restart.
type RedisQueue struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
}

// NewRedisQueue creates a RedisQueue. Keys are prefix + team name.
func NewRedisQueue(client redis.UniversalClient, prefix string, capacity int) *RedisQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if prefix == "" {
		prefix = "contestd:queue:"
	}
	return &RedisQueue{client: client, prefix: prefix, capacity: capacity}
}

// NewRedisClient creates a client for addr, verifying connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (q *RedisQueue) key(team string) string { return q.prefix + team }

func (q *RedisQueue) Enqueue(ctx context.Context, team string, msg []byte) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client, []string{q.key(team)}, msg, q.capacity).Int()
	if err != nil {
		return false, fmt.Errorf("redis enqueue %s: %w", team, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Drain(ctx context.Context, team string) ([][]byte, error) {
	var lrange *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, q.key(team), 0, -1)
		pipe.Del(ctx, q.key(team))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis drain %s: %w", team, err)
	}
	vals := lrange.Val()
	if len(vals) == 0 {
		return nil, nil
	}
	msgs := make([][]byte, len(vals))
	for i, v := range vals {
		msgs[i] = []byte(v)
	}
	return msgs, nil
}

func (q *RedisQueue) Len(ctx context.Context, team string) (int, error) {
	n, err := q.client.LLen(ctx, q.key(team)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", team, err)
	}
	return int(n), nil
}
