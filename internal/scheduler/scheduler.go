// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/obs"
	"github.com/raulskat/webhook-service/internal/queue"
)

// Scheduler owns two housekeeping duties: a low-frequency cron entry that
// emits cleanup (retention sweep) tasks, and a tighter ticker that requeues
// deliveries whose visibility timeout expired without an ack.
type Scheduler struct {
	cron          *cron.Cron
	q             *queue.Queue
	recoverPeriod time.Duration
	log           *zap.Logger
}

func New(cleanupCron string, recoverPeriod time.Duration, q *queue.Queue, log *zap.Logger) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, q: q, recoverPeriod: recoverPeriod, log: log}

	if _, err := c.AddFunc(cleanupCron, s.emitCleanup); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the cron loop and the recovery ticker, blocking until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	defer func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}()

	ticker := time.NewTicker(s.recoverPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverExpired()
		}
	}
}

func (s *Scheduler) emitCleanup() {
	ctx, span := obs.StartQueueSpan(context.Background(), "enqueue", queue.LaneCleanup)
	defer span.End()
	if err := s.q.Enqueue(ctx, queue.LaneCleanup, queue.CleanupTask{}, 0); err != nil {
		obs.RecordError(ctx, err)
		s.log.Warn("failed to enqueue cleanup task", obs.Err(err))
		return
	}
	obs.SetSpanSuccess(ctx)
}

func (s *Scheduler) recoverExpired() {
	ctx := context.Background()
	for _, lane := range []string{queue.LaneDeliver, queue.LaneCleanup} {
		n, err := s.q.RecoverExpired(ctx, lane)
		if err != nil {
			s.log.Warn("recovery sweep failed", obs.String("lane", lane), obs.Err(err))
			continue
		}
		if n > 0 {
			obs.QueueRecovered.WithLabelValues(lane).Add(float64(n))
			s.log.Info("recovered expired tasks", obs.String("lane", lane), obs.Int("count", int(n)))
		}
	}
}
