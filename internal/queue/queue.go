// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lane names, the two logical lanes the core queue contract requires.
const (
	LaneDeliver = "deliver"
	LaneCleanup = "cleanup"
)

// DeliverTask is the payload carried on the deliver lane.
type DeliverTask struct {
	WebhookID     int64 `json:"webhook_id"`
	AttemptNumber int   `json:"attempt_number"`
}

// CleanupTask is the payload carried on the cleanup lane. It carries no
// state beyond its enqueue time: the retention sweep it triggers recomputes
// its own cutoff, making repeated or concurrent runs idempotent.
type CleanupTask struct{}

// Task is a claimed unit of work together with its ack token.
type Task struct {
	AckToken string
	Payload  []byte
}

// claimScript atomically moves the earliest ready member of <lane>:pending
// (score <= now) into <lane>:processing with a new score of now+visibility,
// returning its member string, or nil if nothing is ready. This is the same
// "Lua script for atomic state transition" pattern the corpus uses for rate
// limit token consumption.
var claimScript = redis.NewScript(`
local pending = KEYS[1]
local processing = KEYS[2]
local now = tonumber(ARGV[1])
local visibility = tonumber(ARGV[2])

local members = redis.call('ZRANGEBYSCORE', pending, '-inf', now, 'LIMIT', 0, 1)
if #members == 0 then
	return nil
end
local member = members[1]
redis.call('ZREM', pending, member)
redis.call('ZADD', processing, now + visibility, member)
return member
`)

// requeueExpiredScript moves every <lane>:processing member whose score has
// passed back onto <lane>:pending at score=now, recovering tasks whose
// worker crashed or never acked before the visibility timeout elapsed.
var requeueExpiredScript = redis.NewScript(`
local processing = KEYS[1]
local pending = KEYS[2]
local now = tonumber(ARGV[1])

local expired = redis.call('ZRANGEBYSCORE', processing, '-inf', now)
for _, member in ipairs(expired) do
	redis.call('ZREM', processing, member)
	redis.call('ZADD', pending, now, member)
end
return #expired
`)

// Queue is a Redis-backed durable, delayed-visibility work queue with
// at-least-once delivery, implemented over two ZSETs per lane: a pending set
// scored by ready-time and a processing set scored by visibility deadline.
type Queue struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, keyPrefix string) *Queue {
	return &Queue{rdb: rdb, prefix: keyPrefix}
}

func (q *Queue) pendingKey(lane string) string    { return q.prefix + lane + ":pending" }
func (q *Queue) processingKey(lane string) string { return q.prefix + lane + ":processing" }

type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Enqueue durably schedules payload on lane, visible to Consume after delay.
func (q *Queue) Enqueue(ctx context.Context, lane string, payload interface{}, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	env := envelope{ID: uuid.NewString(), Payload: body}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	score := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, q.pendingKey(lane), redis.Z{Score: score, Member: encoded}).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Consume atomically claims the earliest ready task on lane, if any, making
// it invisible to other consumers until visibility elapses. Returns
// (nil, nil) when the lane has no ready task.
func (q *Queue) Consume(ctx context.Context, lane string, visibility time.Duration) (*Task, error) {
	now := time.Now().Unix()
	res, err := claimScript.Run(ctx, q.rdb, []string{q.pendingKey(lane), q.processingKey(lane)},
		now, int64(visibility.Seconds())).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}
	member, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		return nil, fmt.Errorf("queue: decode envelope: %w", err)
	}
	return &Task{AckToken: member, Payload: env.Payload}, nil
}

// Ack removes a claimed task from the processing set, marking it complete.
func (q *Queue) Ack(ctx context.Context, lane string, t *Task) error {
	if err := q.rdb.ZRem(ctx, q.processingKey(lane), t.AckToken).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Nack removes a claimed task from the processing set without re-enqueueing
// it; the caller is expected to have already enqueued any follow-up task
// (e.g. the next delivery attempt) before calling Nack.
func (q *Queue) Nack(ctx context.Context, lane string, t *Task) error {
	return q.Ack(ctx, lane, t)
}

// RecoverExpired requeues any processing-lane member whose visibility
// deadline has passed, recovering tasks abandoned by a crashed worker. It is
// the ZSET analogue of the corpus's reaper sweep over processing lists.
func (q *Queue) RecoverExpired(ctx context.Context, lane string) (int64, error) {
	now := time.Now().Unix()
	res, err := requeueExpiredScript.Run(ctx, q.rdb, []string{q.processingKey(lane), q.pendingKey(lane)}, now).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: recover expired: %w", err)
	}
	n, _ := res.(int64)
	return n, nil
}

// Length reports the number of pending-and-ready-or-delayed tasks on lane,
// used by observability's queue length gauge.
func (q *Queue) Length(ctx context.Context, lane string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.pendingKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length: %w", err)
	}
	return n, nil
}
