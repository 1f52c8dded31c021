// Copyright 2025 James Ross
package delivery

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/cache"
	"github.com/raulskat/webhook-service/internal/config"
	"github.com/raulskat/webhook-service/internal/queue"
	"github.com/raulskat/webhook-service/internal/store"
)

func newTestWorker(t *testing.T, load cache.Loader) (*Worker, sqlmock.Sqlmock, *store.Store, *queue.Queue) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c := cache.New(rdb, time.Minute, "webhookd:cache:", load)
	q := queue.New(rdb, "webhookd:queue:")

	cfg := defaultTestConfig()
	w := New(cfg, st, c, q, zap.NewNop())
	return w, mock, st, q
}

func defaultTestConfig() *config.Config {
	return &config.Config{
		Worker: config.Worker{
			Count:                    1,
			MaxAttempts:              5,
			Backoff:                  config.Backoff{ScheduleSeconds: []int{10, 30, 60, 300, 900}, JitterFraction: 0},
			RequestTimeout:           2 * time.Second,
			ResponseBodyCaptureBytes: 4096,
			OutboundConcurrency:      10,
			VisibilityTimeout:        30 * time.Second,
			ClaimPollInterval:        10 * time.Millisecond,
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
	}
}

func TestWorker_Attempt_SuccessTerminates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "evt.test", r.Header.Get("X-Webhook-Event"))
		require.NotEmpty(t, r.Header.Get("X-Webhook-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &store.Subscription{ID: 1, TargetURL: srv.URL, Secret: "supersecret", IsActive: true, EventTypes: []string{"evt.test"}}
	load := func(ctx context.Context, id int64) (*store.Subscription, error) { return sub, nil }

	w, mock, _, _ := newTestWorker(t, load)
	ctx := context.Background()

	webhookRows := sqlmock.NewRows([]string{"id", "subscription_id", "event_type", "payload", "created_at"}).
		AddRow(int64(42), int64(1), "evt.test", []byte(`{"a":1}`), time.Now())
	mock.ExpectQuery("SELECT id, subscription_id, event_type, payload, created_at").
		WithArgs(int64(42)).WillReturnRows(webhookRows)

	mock.ExpectQuery("INSERT INTO delivery_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))

	ok := w.attempt(ctx, 42, 1)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_Attempt_MissingWebhookDrops(t *testing.T) {
	w, mock, _, _ := newTestWorker(t, nil)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, subscription_id, event_type, payload, created_at").
		WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

	ok := w.attempt(ctx, 99, 1)
	require.True(t, ok, "missing webhook must be dropped (acked), not retried")
}

func TestWorker_Attempt_RetryableSchedulesNextAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := &store.Subscription{ID: 1, TargetURL: srv.URL, Secret: "supersecret", IsActive: true, EventTypes: []string{"evt.test"}}
	load := func(ctx context.Context, id int64) (*store.Subscription, error) { return sub, nil }

	w, mock, _, q := newTestWorker(t, load)
	ctx := context.Background()

	webhookRows := sqlmock.NewRows([]string{"id", "subscription_id", "event_type", "payload", "created_at"}).
		AddRow(int64(7), int64(1), "evt.test", []byte(`{}`), time.Now())
	mock.ExpectQuery("SELECT id, subscription_id, event_type, payload, created_at").
		WithArgs(int64(7)).WillReturnRows(webhookRows)
	mock.ExpectQuery("INSERT INTO delivery_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(2), time.Now()))

	ok := w.attempt(ctx, 7, 1)
	require.True(t, ok)

	n, err := q.Length(ctx, queue.LaneDeliver)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "the retry attempt is re-enqueued, scored in the future until its backoff elapses")
}

func TestWorker_Attempt_RateLimitedSchedulesRetryWithoutCallingTarget(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &store.Subscription{ID: 1, TargetURL: srv.URL, Secret: "supersecret", IsActive: true, EventTypes: []string{"evt.test"}}
	load := func(ctx context.Context, id int64) (*store.Subscription, error) { return sub, nil }

	w, mock, _, _ := newTestWorker(t, load)
	w.limiters = newLimiterRegistry(1, 1)
	ctx := context.Background()

	webhookRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "subscription_id", "event_type", "payload", "created_at"}).
			AddRow(int64(11), int64(1), "evt.test", []byte(`{}`), time.Now())
	}
	mock.ExpectQuery("SELECT id, subscription_id, event_type, payload, created_at").
		WithArgs(int64(11)).WillReturnRows(webhookRow())
	mock.ExpectQuery("INSERT INTO delivery_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(4), time.Now()))
	mock.ExpectQuery("SELECT id, subscription_id, event_type, payload, created_at").
		WithArgs(int64(11)).WillReturnRows(webhookRow())
	mock.ExpectQuery("INSERT INTO delivery_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(5), time.Now()))

	require.True(t, w.attempt(ctx, 11, 1), "first attempt consumes the single burst token")
	require.True(t, called)

	called = false
	ok := w.attempt(ctx, 11, 2)
	require.True(t, ok)
	require.False(t, called, "second attempt must be throttled before the target is ever called")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_Attempt_InactiveSubscriptionTerminates(t *testing.T) {
	load := func(ctx context.Context, id int64) (*store.Subscription, error) {
		return nil, store.ErrSubscriptionNotFound
	}
	w, mock, _, _ := newTestWorker(t, load)
	ctx := context.Background()

	webhookRows := sqlmock.NewRows([]string{"id", "subscription_id", "event_type", "payload", "created_at"}).
		AddRow(int64(5), int64(9), "evt.test", []byte(`{}`), time.Now())
	mock.ExpectQuery("SELECT id, subscription_id, event_type, payload, created_at").
		WithArgs(int64(5)).WillReturnRows(webhookRows)
	mock.ExpectQuery("INSERT INTO delivery_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), time.Now()))

	ok := w.attempt(ctx, 5, 1)
	require.True(t, ok)
}

func TestBackoff_Deterministic(t *testing.T) {
	schedule := []int{10, 30, 60, 300, 900}
	require.Equal(t, 10*time.Second, backoff(1, schedule, 0))
	require.Equal(t, 30*time.Second, backoff(2, schedule, 0))
	require.Equal(t, 900*time.Second, backoff(5, schedule, 0))
	require.Equal(t, 900*time.Second, backoff(9, schedule, 0))
}

func TestBackoff_JitterBounded(t *testing.T) {
	schedule := []int{100}
	for i := 0; i < 20; i++ {
		d := backoff(1, schedule, 0.2)
		require.GreaterOrEqual(t, d, 100*time.Second, "jitter must never shorten the base delay")
		require.LessOrEqual(t, d, 120*time.Second)
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, outcomeSuccess, classify(200))
	require.Equal(t, outcomeSuccess, classify(204))
	require.Equal(t, outcomeRetryable, classify(500))
	require.Equal(t, outcomeRetryable, classify(408))
	require.Equal(t, outcomeRetryable, classify(429))
	require.Equal(t, outcomePermanent, classify(400))
	require.Equal(t, outcomePermanent, classify(404))
}
