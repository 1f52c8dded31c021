// Copyright 2025 James Ross
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/obs"
	"github.com/raulskat/webhook-service/internal/queue"
	"github.com/raulskat/webhook-service/internal/store"
)

// Sweeper consumes cleanup tasks and purges delivery_attempts rows past the
// retention window in bounded batches, looping until nothing older remains.
type Sweeper struct {
	store       *store.Store
	q           *queue.Queue
	retainHours int
	batchSize   int
	log         *zap.Logger
}

func New(st *store.Store, q *queue.Queue, retainHours, batchSize int, log *zap.Logger) *Sweeper {
	return &Sweeper{store: st, q: q, retainHours: retainHours, batchSize: batchSize, log: log}
}

// Run claims cleanup tasks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for ctx.Err() == nil {
		spanCtx, span := obs.StartQueueSpan(ctx, "consume", queue.LaneCleanup)
		task, err := s.q.Consume(spanCtx, queue.LaneCleanup, 5*time.Minute)
		if err != nil {
			obs.RecordError(spanCtx, err)
			span.End()
			s.log.Warn("cleanup queue consume error", obs.Err(err))
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			obs.SetSpanSuccess(spanCtx)
			span.End()
			time.Sleep(time.Second)
			continue
		}
		obs.SetSpanSuccess(spanCtx)
		span.End()

		s.sweep(ctx)

		ackCtx, ackSpan := obs.StartQueueSpan(ctx, "ack", queue.LaneCleanup)
		if err := s.q.Ack(ackCtx, queue.LaneCleanup, task); err != nil {
			obs.RecordError(ackCtx, err)
		} else {
			obs.SetSpanSuccess(ackCtx)
		}
		ackSpan.End()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.retainHours) * time.Hour)
	for {
		n, err := s.store.DeleteAttemptsOlderThan(ctx, cutoff, s.batchSize)
		if err != nil {
			s.log.Warn("retention delete failed", obs.Err(err))
			return
		}
		if n > 0 {
			obs.RetentionDeleted.Add(float64(n))
		}
		if n < int64(s.batchSize) {
			return
		}
	}
}
