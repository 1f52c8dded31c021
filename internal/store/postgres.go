// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store is the durable relational store: the single source of truth for
// Subscription, Webhook, and DeliveryAttempt rows.
type Store struct {
	db *sql.DB
}

// Open opens a PostgreSQL connection pool per cfg and runs migrations.
func Open(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB (used by tests with sqlmock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies DS connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSubscription inserts a new subscription after validating its invariants.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if len(sub.EventTypes) == 0 {
		return nil, fmt.Errorf("%w: event_types must be non-empty", ErrInvalidSubscription)
	}
	if len(sub.Secret) < 8 {
		return nil, fmt.Errorf("%w: secret must be at least 8 bytes", ErrInvalidSubscription)
	}
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (target_url, secret, event_types, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id, created_at, updated_at
	`, sub.TargetURL, sub.Secret, pq.Array(sub.EventTypes), sub.Description, sub.IsActive, now)

	out := *sub
	if err := row.Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	return &out, nil
}

// GetSubscription loads a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_url, secret, event_types, description, is_active, created_at, updated_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.TargetURL, &sub.Secret, pq.Array(&sub.EventTypes), &sub.Description,
		&sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// DeactivateSubscription flips is_active to false, for use by the external
// CRUD surface.
func (s *Store) DeactivateSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription; webhooks and delivery_attempts
// cascade at the schema level.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// InsertWebhook persists a newly-ingested event. Webhooks are created once
// and never mutated.
func (s *Store) InsertWebhook(ctx context.Context, wh *Webhook) (*Webhook, error) {
	out := *wh
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhooks (subscription_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, created_at
	`, wh.SubscriptionID, wh.EventType, []byte(wh.Payload)).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return &out, nil
}

// GetWebhook loads a webhook by id, or ErrWebhookNotFound if it (or its
// subscription) has been deleted.
func (s *Store) GetWebhook(ctx context.Context, id int64) (*Webhook, error) {
	var wh Webhook
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, event_type, payload, created_at
		FROM webhooks WHERE id = $1
	`, id).Scan(&wh.ID, &wh.SubscriptionID, &wh.EventType, &wh.Payload, &wh.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &wh, nil
}

// InsertDeliveryAttempt records the outcome of one delivery attempt. A
// collision on (webhook_id, attempt_number) returns ErrDuplicateAttempt so
// the caller can treat a redelivered task as terminal rather than retrying.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) (*DeliveryAttempt, error) {
	out := *a
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO delivery_attempts
			(subscription_id, webhook_id, attempt_number, status_code, response_body, error_message, is_success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, created_at
	`, a.SubscriptionID, a.WebhookID, a.AttemptNumber, a.StatusCode, a.ResponseBody, a.ErrorMessage, a.IsSuccess,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateAttempt
		}
		return nil, fmt.Errorf("insert delivery attempt: %w", err)
	}
	return &out, nil
}

// ListAttemptsForWebhook returns attempts in ascending attempt_number order.
func (s *Store) ListAttemptsForWebhook(ctx context.Context, webhookID int64) ([]DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, webhook_id, attempt_number, status_code, response_body, error_message, is_success, created_at
		FROM delivery_attempts WHERE webhook_id = $1 ORDER BY attempt_number ASC
	`, webhookID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.WebhookID, &a.AttemptNumber,
			&a.StatusCode, &a.ResponseBody, &a.ErrorMessage, &a.IsSuccess, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttemptsOlderThan deletes up to batchSize delivery_attempts rows with
// created_at before cutoff, returning the number deleted. Callers loop until
// it returns fewer than batchSize to sweep the full backlog without a single
// giant statement.
func (s *Store) DeleteAttemptsOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_attempts
		WHERE id IN (
			SELECT id FROM delivery_attempts WHERE created_at < $1 LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old delivery attempts: %w", err)
	}
	return res.RowsAffected()
}
