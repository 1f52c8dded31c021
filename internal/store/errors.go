// Copyright 2025 James Ross
package store

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription exists for an id.
	ErrSubscriptionNotFound = errors.New("store: subscription not found")
	// ErrWebhookNotFound is returned when no webhook exists for an id.
	ErrWebhookNotFound = errors.New("store: webhook not found")
	// ErrInvalidSubscription is returned when a subscription fails its field invariants.
	ErrInvalidSubscription = errors.New("store: invalid subscription")
	// ErrDuplicateAttempt is returned when an attempt's (webhook_id, attempt_number)
	// pair collides with an already-persisted row.
	ErrDuplicateAttempt = errors.New("store: duplicate delivery attempt")
)
