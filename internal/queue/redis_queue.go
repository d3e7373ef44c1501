package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"export-job-service/internal/models"
)

// Queue is the at-least-once delivery channel between the producer and the
// export worker, backed by Redis. Receives lease messages for a visibility
// window; unacked or nacked messages are redelivered until the max receive
// count, after which they are redirected to the DLQ.
type Queue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	dlqKey      string
	metaPrefix  string
	visibility  time.Duration
	maxReceives int
}

// Options tune the delivery contract.
type Options struct {
	ReadyKey    string
	DLQKey      string
	Visibility  time.Duration
	MaxReceives int
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, opts Options) *Queue {
	if opts.ReadyKey == "" {
		opts.ReadyKey = "exports:ready"
	}
	if opts.DLQKey == "" {
		opts.DLQKey = "exports:dlq"
	}
	if opts.Visibility == 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxReceives == 0 {
		opts.MaxReceives = 3
	}
	return &Queue{
		client:      client,
		readyKey:    opts.ReadyKey,
		inflightKey: opts.ReadyKey + ":inflight",
		dlqKey:      opts.DLQKey,
		metaPrefix:  opts.ReadyKey + ":meta:",
		visibility:  opts.Visibility,
		maxReceives: opts.MaxReceives,
	}
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Delivery is one received message plus its delivery bookkeeping.
type Delivery struct {
	Item         models.WorkItem
	ReceiveCount int
}

// Send enqueues a work item. The message body lives in a meta hash keyed by
// job id so redeliveries reuse it.
func (q *Queue) Send(ctx context.Context, item models.WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(item.JobID), "body", body, "receives", 0)
	pipe.RPush(ctx, q.readyKey, item.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue work item: %w", err)
	}
	return nil
}

// ReceiveBatch pops up to max messages from the ready list and leases them
// with the visibility deadline. Each delivery increments the message's
// receive count.
func (q *Queue) ReceiveBatch(ctx context.Context, max int) ([]Delivery, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	res, err := receiveScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive batch: %w", err)
	}
	ids, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from receive script: %T", res)
	}

	deliveries := make([]Delivery, 0, len(ids))
	for _, raw := range ids {
		jobID, ok := raw.(string)
		if !ok {
			continue
		}
		body, err := q.client.HGet(ctx, q.metaKey(jobID), "body").Result()
		if err == redis.Nil {
			// Tombstone: the message was acked after its lease expired and
			// the id was already requeued. Drop the stale copy.
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.inflightKey, jobID)
			pipe.Del(ctx, q.metaKey(jobID))
			if _, err := pipe.Exec(ctx); err != nil {
				return deliveries, fmt.Errorf("drop tombstone: %w", err)
			}
			continue
		}
		if err != nil {
			return deliveries, fmt.Errorf("read message body: %w", err)
		}
		receives, err := q.client.HIncrBy(ctx, q.metaKey(jobID), "receives", 1).Result()
		if err != nil {
			return deliveries, fmt.Errorf("bump receive count: %w", err)
		}
		var item models.WorkItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return deliveries, fmt.Errorf("unmarshal work item: %w", err)
		}
		deliveries = append(deliveries, Delivery{Item: item, ReceiveCount: int(receives)})
	}
	return deliveries, nil
}

// Ack consumes a delivery: the message leaves in-flight tracking for good.
// The id is also removed from the ready list in case an expired lease already
// requeued it.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack reports a delivery as failed-to-process. The message returns to the
// ready list for redelivery, or moves to the DLQ once the receive count
// reaches the max. Returns whether the message was dead-lettered.
func (q *Queue) Nack(ctx context.Context, jobID string) (bool, error) {
	receives, err := q.client.HGet(ctx, q.metaKey(jobID), "receives").Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("read receive count: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	if receives >= q.maxReceives {
		pipe.RPush(ctx, q.dlqKey, jobID)
		pipe.Del(ctx, q.metaKey(jobID))
	} else {
		pipe.RPush(ctx, q.readyKey, jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("nack: %w", err)
	}
	return receives >= q.maxReceives, nil
}

// RequeueExpired reclaims leases whose visibility window elapsed without an
// ack, re-enqueuing them. Counts as a redelivery once received again.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
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
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// ReadyDepth returns the ready list length.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// DLQPeek reads the oldest dead-lettered job IDs for operational inspection.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

var receiveScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local deadline = ARGV[1]
local max = tonumber(ARGV[2])
local out = {}
for i=1,max do
  local job = redis.call('LPOP', ready)
  if not job then
    break
  end
  redis.call('ZADD', inflight, deadline, job)
  out[#out+1] = job
end
return out
`)
