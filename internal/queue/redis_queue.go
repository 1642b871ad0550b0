package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps a ready list and an in-flight zset scored by lease
// expiry. A worker that dies mid-run loses its lease and the job is
// requeued by RequeueExpired.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	dlqKey        string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisQueue builds a queue on an existing client. prefix namespaces keys.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "forcesync"
	}
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":queue:ready",
		inflightKey:   prefix + ":queue:inflight",
		dlqKey:        prefix + ":queue:dlq",
		visibilityTTL: visibility,
		now:           time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// Dequeue pops the oldest ready job and leases it for the visibility timeout.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired moves jobs whose lease lapsed back to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", q.now().UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from both the ready list and the in-flight set.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter acks a job that cannot be processed and keeps its id for
// inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.RPush(ctx, q.dlqKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
