// Copyright 2025 James Ross
package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/cache"
	"github.com/raulskat/webhook-service/internal/obs"
	"github.com/raulskat/webhook-service/internal/queue"
	"github.com/raulskat/webhook-service/internal/store"
)

// Service exposes the event-intake HTTP surface: validate the subscription,
// persist the webhook, enqueue its first delivery attempt.
type Service struct {
	store *store.Store
	cache *cache.SubscriptionCache
	q     *queue.Queue
	log   *zap.Logger
}

func New(st *store.Store, c *cache.SubscriptionCache, q *queue.Queue, log *zap.Logger) *Service {
	return &Service{store: st, cache: c, q: q, log: log}
}

// RegisterRoutes wires the ingest surface onto router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ingest/{subscription_id}", s.Ingest).Methods("POST")
}

type ingestRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type ingestResponse struct {
	WebhookID int64  `json:"webhook_id"`
	Status    string `json:"status"`
}

// Ingest validates the target subscription, persists the webhook, and
// enqueues its first delivery attempt before returning 202.
func (s *Service) Ingest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	subID, err := strconv.ParseInt(vars["subscription_id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid subscription_id")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.EventType == "" || len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "event_type and payload are required")
		return
	}

	ctx := r.Context()
	sub, err := s.cache.Get(ctx, subID)
	if errors.Is(err, cache.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.log.Warn("cache/store unavailable resolving subscription", obs.Err(err))
		s.writeError(w, http.StatusServiceUnavailable, "subscription lookup unavailable")
		return
	}
	if !sub.AcceptsEvent(req.EventType) {
		s.writeError(w, http.StatusConflict, "subscription is inactive or does not accept this event_type")
		return
	}

	wh, err := s.store.InsertWebhook(ctx, &store.Webhook{
		SubscriptionID: subID,
		EventType:      req.EventType,
		Payload:        req.Payload,
	})
	if err != nil {
		s.log.Warn("store unavailable inserting webhook", obs.Err(err))
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	spanCtx, span := obs.StartQueueSpan(ctx, "enqueue", queue.LaneDeliver)
	task := queue.DeliverTask{WebhookID: wh.ID, AttemptNumber: 1}
	if err := s.q.Enqueue(spanCtx, queue.LaneDeliver, task, 0); err != nil {
		obs.RecordError(spanCtx, err)
		span.End()
		s.log.Warn("queue unavailable enqueueing first attempt", obs.Err(err))
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	obs.SetSpanSuccess(spanCtx)
	span.End()

	obs.WebhooksIngested.Inc()
	s.writeJSON(w, http.StatusAccepted, ingestResponse{WebhookID: wh.ID, Status: "accepted"})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
