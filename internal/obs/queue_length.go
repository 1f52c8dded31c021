// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/queue"
)

// StartQueueLengthUpdater samples each lane's pending length and updates the
// queue_length gauge on a fixed interval.
func StartQueueLengthUpdater(ctx context.Context, q *queue.Queue, log *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	lanes := []string{queue.LaneDeliver, queue.LaneCleanup}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, lane := range lanes {
					n, err := q.Length(ctx, lane)
					if err != nil {
						log.Debug("queue length poll error", String("lane", lane), Err(err))
						continue
					}
					QueueLength.WithLabelValues(lane).Set(float64(n))
				}
			}
		}
	}()
}
