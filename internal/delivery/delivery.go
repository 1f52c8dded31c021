// Copyright 2025 James Ross
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/breaker"
	"github.com/raulskat/webhook-service/internal/cache"
	"github.com/raulskat/webhook-service/internal/config"
	"github.com/raulskat/webhook-service/internal/obs"
	"github.com/raulskat/webhook-service/internal/queue"
	"github.com/raulskat/webhook-service/internal/signing"
	"github.com/raulskat/webhook-service/internal/store"
)

// outcome is the classification of one delivery attempt, per the three-way
// split between a successful response, a target failure worth retrying, and
// a target failure the worker must not retry.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomePermanent
)

// Worker consumes deliver tasks, signs and POSTs the payload, records the
// outcome, and either schedules the next attempt or terminates the chain.
type Worker struct {
	cfg      *config.Config
	store    *store.Store
	cache    *cache.SubscriptionCache
	q        *queue.Queue
	breakers *breaker.Registry
	limiters *limiterRegistry
	client   *http.Client
	sem      chan struct{}
	log      *zap.Logger
}

// New builds a delivery worker. Its HTTP client shares a single
// http.Transport with per-host pooling across all worker goroutines.
func New(cfg *config.Config, st *store.Store, c *cache.SubscriptionCache, q *queue.Queue, log *zap.Logger) *Worker {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 32,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Worker.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	breakers := breaker.NewRegistry(func() *breaker.CircuitBreaker {
		return breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
			cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	})
	limiters := newLimiterRegistry(cfg.Worker.RateLimitPerSecond, cfg.Worker.RateLimitBurst)
	return &Worker{
		cfg:      cfg,
		store:    st,
		cache:    c,
		q:        q,
		breakers: breakers,
		limiters: limiters,
		client:   client,
		sem:      make(chan struct{}, cfg.Worker.OutboundConcurrency),
		log:      log,
	}
}

// Run starts cfg.Worker.Count goroutines, each claiming and processing
// deliver tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.cfg.Worker.Count; i++ {
		go w.loop(ctx)
	}
}

func (w *Worker) loop(ctx context.Context) {
	obs.WorkerActive.Inc()
	defer obs.WorkerActive.Dec()

	for ctx.Err() == nil {
		spanCtx, span := obs.StartQueueSpan(ctx, "consume", queue.LaneDeliver)
		task, err := w.q.Consume(spanCtx, queue.LaneDeliver, w.cfg.Worker.VisibilityTimeout)
		if err != nil {
			obs.RecordError(spanCtx, err)
			span.End()
			w.log.Warn("queue consume error", obs.Err(err))
			time.Sleep(w.cfg.Worker.ClaimPollInterval)
			continue
		}
		if task == nil {
			obs.SetSpanSuccess(spanCtx)
			span.End()
			time.Sleep(w.cfg.Worker.ClaimPollInterval)
			continue
		}
		obs.SetSpanSuccess(spanCtx)
		span.End()
		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task *queue.Task) {
	var dt queue.DeliverTask
	if err := decodeTask(task.Payload, &dt); err != nil {
		w.log.Error("invalid deliver task payload, dropping", obs.Err(err))
		_ = w.q.Ack(ctx, queue.LaneDeliver, task)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Leave the task claimed rather than acking; the visibility
			// timeout will redeliver it for another attempt.
			w.log.Error("panic in delivery attempt, leaving task for redelivery", zap.Any("panic", r))
		}
	}()

	if w.attempt(ctx, dt.WebhookID, dt.AttemptNumber) {
		spanCtx, span := obs.StartQueueSpan(ctx, "ack", queue.LaneDeliver)
		if err := w.q.Ack(spanCtx, queue.LaneDeliver, task); err != nil {
			obs.RecordError(spanCtx, err)
		} else {
			obs.SetSpanSuccess(spanCtx)
		}
		span.End()
	}
	// else: leave the task claimed. It stays invisible until its visibility
	// deadline passes, at which point the scheduler's recovery sweep moves it
	// back onto pending for another worker to retry.
}

// attempt executes step 1-7 of the delivery algorithm for one
// (webhook_id, attempt_number) pair. Returns true if the task should be
// acked (terminal or successfully chained), false if it should be left
// claimed for redelivery after its visibility timeout (infrastructure failure).
func (w *Worker) attempt(ctx context.Context, webhookID int64, attemptNumber int) bool {
	log := w.log.With(zap.Int64("webhook_id", webhookID), zap.Int("attempt_number", attemptNumber))

	// Step 1: load.
	wh, err := w.store.GetWebhook(ctx, webhookID)
	if errors.Is(err, store.ErrWebhookNotFound) {
		log.Info("webhook missing, dropping task")
		return true
	}
	if err != nil {
		log.Warn("store unavailable loading webhook", obs.Err(err))
		return false
	}

	// Step 2: resolve subscription.
	sub, err := w.cache.Get(ctx, wh.SubscriptionID)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && !sub.IsActive) {
		msg := "subscription inactive or missing"
		w.recordTerminal(ctx, wh, attemptNumber, nil, &msg, log)
		return true
	}
	if err != nil {
		log.Warn("cache unavailable resolving subscription", obs.Err(err))
		return false
	}

	if lim := w.limiters.Get(sub.ID); lim != nil && !lim.Allow() {
		// Fail fast without making the call; treat exactly like a
		// retryable_failure so the normal backoff/retry path applies.
		errMsg := "rate limit exceeded for subscription"
		return w.recordAndSchedule(ctx, wh, attemptNumber, nil, nil, &errMsg, outcomeRetryable, log)
	}

	// Step 3: build request.
	body, err := signing.CanonicalPayload(wh.Payload)
	if err != nil {
		msg := fmt.Sprintf("malformed payload: %v", err)
		w.recordTerminal(ctx, wh, attemptNumber, nil, &msg, log)
		return true
	}
	signature := signing.Sign(sub.Secret, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytesReader(body))
	if err != nil {
		msg := fmt.Sprintf("malformed target_url: %v", err)
		w.recordTerminal(ctx, wh, attemptNumber, nil, &msg, log)
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", wh.EventType)
	req.Header.Set("X-Webhook-Id", fmt.Sprintf("%d", wh.ID))
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", attemptNumber))

	host := req.URL.Hostname()
	cb := w.breakers.Get(host)
	if !cb.Allow() {
		updateBreakerMetrics(host, cb, cb.State())
		// Fail fast without making the call; treat exactly like a
		// retryable_failure so the normal backoff/retry path applies.
		errMsg := "circuit breaker open for target host"
		return w.recordAndSchedule(ctx, wh, attemptNumber, nil, nil, &errMsg, outcomeRetryable, log)
	}

	// Step 4: execute, bounded concurrency and a hard per-request timeout.
	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		return false
	}

	spanCtx, span := obs.StartDeliverySpan(ctx, webhookID, attemptNumber)
	defer span.End()
	req = req.WithContext(spanCtx)

	start := time.Now()
	resp, err := w.client.Do(req)
	obs.DeliveryDuration.Observe(time.Since(start).Seconds())
	obs.DeliveryAttemptsTotal.Inc()

	if err != nil {
		prevState := cb.State()
		cb.Record(false)
		updateBreakerMetrics(host, cb, prevState)
		obs.RecordError(spanCtx, err)
		errMsg := err.Error()
		return w.recordAndSchedule(ctx, wh, attemptNumber, nil, nil, &errMsg, outcomeRetryable, log)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, int64(w.cfg.Worker.ResponseBodyCaptureBytes)))
	respBody := string(bodyBytes)
	status := resp.StatusCode

	// Step 5: classify.
	oc := classify(status)
	prevState := cb.State()
	cb.Record(oc != outcomeRetryable)
	updateBreakerMetrics(host, cb, prevState)
	obs.SetSpanSuccess(spanCtx)

	return w.recordAndSchedule(ctx, wh, attemptNumber, &status, &respBody, nil, oc, log)
}

// updateBreakerMetrics reflects cb's current state into the per-host gauge
// and increments the trip counter the moment a breaker transitions into
// Open from a non-Open state.
func updateBreakerMetrics(host string, cb *breaker.CircuitBreaker, prevState breaker.State) {
	state := cb.State()
	obs.CircuitBreakerState.WithLabelValues(host).Set(float64(state))
	if state == breaker.Open && prevState != breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(host).Inc()
	}
}

func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == 408 || status == 429 || status >= 500:
		return outcomeRetryable
	default:
		return outcomePermanent
	}
}

// recordAndSchedule persists the DeliveryAttempt and, for a retryable
// failure with attempts remaining, enqueues the next attempt before acking
// this one. Returns true when the task should be acked.
func (w *Worker) recordAndSchedule(ctx context.Context, wh *store.Webhook, attemptNumber int,
	statusCode *int, responseBody, errorMessage *string, oc outcome, log *zap.Logger) bool {

	isSuccess := oc == outcomeSuccess
	_, err := w.store.InsertDeliveryAttempt(ctx, &store.DeliveryAttempt{
		SubscriptionID: wh.SubscriptionID,
		WebhookID:      wh.ID,
		AttemptNumber:  attemptNumber,
		StatusCode:     statusCode,
		ResponseBody:   responseBody,
		ErrorMessage:   errorMessage,
		IsSuccess:      isSuccess,
	})
	if errors.Is(err, store.ErrDuplicateAttempt) {
		// Redelivered task already recorded by a prior execution; treat as
		// terminal duplicate rather than scheduling a further retry.
		log.Info("duplicate attempt, task already recorded")
		return true
	}
	if err != nil {
		log.Warn("store unavailable recording attempt", obs.Err(err))
		return false
	}

	switch oc {
	case outcomeSuccess:
		obs.DeliverySuccessTotal.Inc()
		return true
	case outcomePermanent:
		obs.DeliveryPermanentTotal.Inc()
		return true
	default:
		obs.DeliveryRetryableTotal.Inc()
		if attemptNumber >= w.cfg.Worker.MaxAttempts {
			obs.DeliveryExhaustedTotal.Inc()
			return true
		}
		delay := backoff(attemptNumber, w.cfg.Worker.Backoff.ScheduleSeconds, w.cfg.Worker.Backoff.JitterFraction)
		next := queue.DeliverTask{WebhookID: wh.ID, AttemptNumber: attemptNumber + 1}
		if err := w.q.Enqueue(ctx, queue.LaneDeliver, next, delay); err != nil {
			log.Warn("queue unavailable scheduling retry", obs.Err(err))
			return false
		}
		return true
	}
}

// recordTerminal persists a single non-retryable attempt with no HTTP call
// made (subscription missing/inactive, or the payload/URL was malformed).
func (w *Worker) recordTerminal(ctx context.Context, wh *store.Webhook, attemptNumber int, statusCode *int, errorMessage *string, log *zap.Logger) {
	_, err := w.store.InsertDeliveryAttempt(ctx, &store.DeliveryAttempt{
		SubscriptionID: wh.SubscriptionID,
		WebhookID:      wh.ID,
		AttemptNumber:  attemptNumber,
		StatusCode:     statusCode,
		ErrorMessage:   errorMessage,
		IsSuccess:      false,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateAttempt) {
		log.Warn("store unavailable recording terminal attempt", obs.Err(err))
	}
}

// backoff returns the delay following a failed attemptNumber, per the
// deterministic schedule with optional bounded upward-only jitter. Jitter
// never shortens the base delay, so a later attempt's created_at is always
// at least base seconds after the attempt it follows.
func backoff(attemptNumber int, schedule []int, jitterFraction float64) time.Duration {
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := time.Duration(schedule[idx]) * time.Second
	if jitterFraction <= 0 {
		return base
	}
	spread := float64(base) * jitterFraction
	delta := rand.Float64() * spread
	return base + time.Duration(delta)
}

func decodeTask(payload []byte, dt *queue.DeliverTask) error {
	return json.Unmarshal(payload, dt)
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
