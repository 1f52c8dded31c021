// Copyright 2025 James Ross
package store

import (
	"encoding/json"
	"time"
)

// Subscription is a registered (target URL, secret, event-type set) tuple
// identifying a willing webhook receiver.
type Subscription struct {
	ID          int64     `json:"id"`
	TargetURL   string    `json:"target_url"`
	Secret      string    `json:"-"`
	EventTypes  []string  `json:"event_types"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AcceptsEvent reports whether the subscription is active and subscribed to
// the given event type.
func (s *Subscription) AcceptsEvent(eventType string) bool {
	if s == nil || !s.IsActive {
		return false
	}
	for _, et := range s.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// Webhook is one ingested event bound to a subscription.
type Webhook struct {
	ID             int64           `json:"id"`
	SubscriptionID int64           `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeliveryAttempt is a single outbound HTTP POST and its recorded outcome.
type DeliveryAttempt struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	WebhookID      int64     `json:"webhook_id"`
	AttemptNumber  int       `json:"attempt_number"`
	StatusCode     *int      `json:"status_code"`
	ResponseBody   *string   `json:"response_body"`
	ErrorMessage   *string   `json:"error_message"`
	IsSuccess      bool      `json:"is_success"`
	CreatedAt      time.Time `json:"created_at"`
}

// State is the derived delivery lifecycle of a webhook; it is never stored
// directly, only computed from its DeliveryAttempt rows.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateExhausted State = "exhausted"
	StateRejected  State = "rejected"
)

// DeriveState computes a webhook's lifecycle state from its ordered attempts
// (ordered by attempt_number ascending). maxAttempts is the configured cap.
func DeriveState(attempts []DeliveryAttempt, maxAttempts int) State {
	if len(attempts) == 0 {
		return StatePending
	}
	last := attempts[len(attempts)-1]
	switch {
	case last.IsSuccess:
		return StateDelivered
	case last.StatusCode != nil && isPermanentStatus(*last.StatusCode):
		return StateRejected
	case len(attempts) >= maxAttempts:
		return StateExhausted
	default:
		return StatePending
	}
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != 408 && code != 429
}
