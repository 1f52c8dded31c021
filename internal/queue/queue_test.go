// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "webhookd:queue:"), mr
}

func TestQueue_EnqueueConsumeAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, LaneDeliver, DeliverTask{WebhookID: 7, AttemptNumber: 1}, 0))

	task, err := q.Consume(ctx, LaneDeliver, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	var dt DeliverTask
	require.NoError(t, json.Unmarshal(task.Payload, &dt))
	assert.Equal(t, int64(7), dt.WebhookID)
	assert.Equal(t, 1, dt.AttemptNumber)

	// Nothing else ready until acked/requeued.
	second, err := q.Consume(ctx, LaneDeliver, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, q.Ack(ctx, LaneDeliver, task))
}

func TestQueue_DelayedVisibility(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Scores come from the process clock, which miniredis.FastForward does
	// not move, so the test waits out a short delay in real time.
	require.NoError(t, q.Enqueue(ctx, LaneDeliver, DeliverTask{WebhookID: 1, AttemptNumber: 2}, 2*time.Second))

	task, err := q.Consume(ctx, LaneDeliver, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, task, "task must not be visible before its delay elapses")

	time.Sleep(3 * time.Second)

	task, err = q.Consume(ctx, LaneDeliver, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestQueue_RecoverExpired(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, LaneDeliver, DeliverTask{WebhookID: 3, AttemptNumber: 1}, 0))

	task, err := q.Consume(ctx, LaneDeliver, 1*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	// Visibility deadlines come from the process clock, not miniredis's.
	time.Sleep(2 * time.Second)

	n, err := q.RecoverExpired(ctx, LaneDeliver)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recovered, err := q.Consume(ctx, LaneDeliver, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, recovered, "expired processing entry must reappear on pending")
}

func TestQueue_Length(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	n, err := q.Length(ctx, LaneCleanup)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Enqueue(ctx, LaneCleanup, CleanupTask{}, 0))
	n, err = q.Length(ctx, LaneCleanup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
