package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"assistant-billing/internal/config"
	"assistant-billing/internal/repository"
	"assistant-billing/internal/security"
)

// Event types dispatched by the ingest pipeline. Anything else is
// acknowledged and dropped so the sender stops retrying.
const (
	EventPaymentSucceeded    = "payment_intent.succeeded"
	EventPaymentFailed       = "payment_intent.payment_failed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// EventEnvelope is the wire shape of an inbound webhook.
type EventEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Created int64           `json:"created"` // unix seconds at the provider
}

type paymentEventData struct {
	IntentID string `json:"intent_id"`
	Reason   string `json:"reason"`
}

type subscriptionEventData struct {
	SubscriptionID   string `json:"subscription_id"`
	Status           string `json:"status"`
	Plan             string `json:"plan"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// IngestOutcome is the explicit result of one webhook delivery. Expected
// rejections (bad signature, replay) are values here, not errors, so the
// dispatch loop cannot turn them into retryable 500s by accident.
type IngestOutcome struct {
	Code    int
	Deduped bool
	Err     error
}

type WebhookService interface {
	HandleEvent(ctx context.Context, source, signature string, body []byte) IngestOutcome
}

type eventHandler func(ctx context.Context, event *EventEnvelope) error

type webhookServiceImpl struct {
	webhookCfg *config.Webhook
	secmgr     *security.Manager
	dedupe     DedupeStore
	eventRepo  repository.WebhookEventRepository
	handlers   map[string]eventHandler
	log        *slog.Logger
}

func NewWebhookService(
	webhookCfg *config.Webhook,
	secmgr *security.Manager,
	dedupe DedupeStore,
	eventRepo repository.WebhookEventRepository,
	payments PaymentService,
	subscriptions SubscriptionService,
	logger *slog.Logger,
) WebhookService {
	s := &webhookServiceImpl{
		webhookCfg: webhookCfg,
		secmgr:     secmgr,
		dedupe:     dedupe,
		eventRepo:  eventRepo,
		log:        logger,
	}
	s.handlers = map[string]eventHandler{
		EventPaymentSucceeded: func(ctx context.Context, ev *EventEnvelope) error {
			return s.handlePaymentOutcome(ctx, ev, true, payments)
		},
		EventPaymentFailed: func(ctx context.Context, ev *EventEnvelope) error {
			return s.handlePaymentOutcome(ctx, ev, false, payments)
		},
		EventSubscriptionUpdated: func(ctx context.Context, ev *EventEnvelope) error {
			return s.handleSubscriptionEvent(ctx, ev, "updated", subscriptions)
		},
		EventSubscriptionDeleted: func(ctx context.Context, ev *EventEnvelope) error {
			return s.handleSubscriptionEvent(ctx, ev, "deleted", subscriptions)
		},
	}
	return s
}

func (s *webhookServiceImpl) HandleEvent(ctx context.Context, source, signature string, body []byte) IngestOutcome {
	// Step 1: authenticate before touching the payload. Invalid deliveries
	// are rejected without parsing and counted against the source.
	secret, err := s.secmgr.DecryptSecret(s.webhookCfg.SecretEnc)
	if err != nil {
		s.log.Error("webhook secret unavailable", "error", err)
		return IngestOutcome{Code: http.StatusInternalServerError, Err: &ConfigurationError{Reason: "webhook secret unavailable"}}
	}
	if !s.secmgr.VerifyWebhookSignature(body, signature, secret) {
		outcome := s.secmgr.RecordFailedAttempt(source)
		s.log.Warn("webhook signature rejected",
			"source", source, "attempts", outcome.Count, "alert", outcome.AlertTriggered)
		return IngestOutcome{Code: http.StatusBadRequest, Err: &AuthenticationError{Reason: "invalid signature"}}
	}

	// Step 2: parse the envelope.
	var event EventEnvelope
	if err := json.Unmarshal(body, &event); err != nil {
		return IngestOutcome{Code: http.StatusBadRequest, Err: validationErrorf("malformed event envelope")}
	}
	if event.ID == "" || event.Type == "" {
		return IngestOutcome{Code: http.StatusBadRequest, Err: validationErrorf("event id and type are required")}
	}

	// Step 3: atomic check-and-insert into the recent-events cache. A replay
	// is acknowledged without re-running any handler.
	inserted, err := s.dedupe.CheckAndInsert(ctx, event.ID)
	if err != nil {
		s.log.Error("dedupe store unavailable", "event_id", event.ID, "error", err)
		return IngestOutcome{Code: http.StatusInternalServerError, Err: err}
	}
	if !inserted {
		s.log.Debug("duplicate webhook event acknowledged", "event_id", event.ID, "type", event.Type)
		return IngestOutcome{Code: http.StatusOK, Deduped: true}
	}

	if _, err := s.eventRepo.CreateIfNotExists(event.ID, event.Type); err != nil {
		// Audit trail only; ingestion does not depend on it.
		s.log.Error("webhook audit insert failed", "event_id", event.ID, "error", err)
	}

	// Step 4: dispatch by type, with an explicit unknown arm.
	handler, known := s.handlers[event.Type]
	if !known {
		s.log.Info("unrecognized webhook event type acknowledged", "event_id", event.ID, "type", event.Type)
		s.markProcessed(event.ID, "unrecognized type")
		return IngestOutcome{Code: http.StatusOK}
	}

	// Step 5: permanent handler failures are 400s and stay consumed;
	// transient ones release the id so the sender's retry can succeed.
	err = handler(ctx, &event)
	switch {
	case err == nil:
		s.markProcessed(event.ID, "")
		return IngestOutcome{Code: http.StatusOK}
	case errors.Is(err, ErrConflict):
		s.log.Debug("webhook event superseded", "event_id", event.ID, "type", event.Type)
		s.markProcessed(event.ID, "")
		return IngestOutcome{Code: http.StatusOK}
	case isPermanent(err):
		s.log.Warn("webhook event rejected", "event_id", event.ID, "type", event.Type, "error", err)
		s.markProcessed(event.ID, err.Error())
		return IngestOutcome{Code: http.StatusBadRequest, Err: err}
	default:
		s.log.Error("webhook handler failed", "event_id", event.ID, "type", event.Type, "error", err)
		if relErr := s.dedupe.Release(ctx, event.ID); relErr != nil {
			s.log.Error("dedupe release failed", "event_id", event.ID, "error", relErr)
		}
		return IngestOutcome{Code: http.StatusInternalServerError, Err: err}
	}
}

func (s *webhookServiceImpl) handlePaymentOutcome(ctx context.Context, ev *EventEnvelope, succeeded bool, payments PaymentService) error {
	var data paymentEventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return validationErrorf("malformed %s data", ev.Type)
	}
	if data.IntentID == "" {
		return validationErrorf("%s event has no intent_id", ev.Type)
	}
	return payments.ResolveIntent(ctx, data.IntentID, succeeded, data.Reason)
}

func (s *webhookServiceImpl) handleSubscriptionEvent(ctx context.Context, ev *EventEnvelope, kind string, subscriptions SubscriptionService) error {
	var data subscriptionEventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return validationErrorf("malformed %s data", ev.Type)
	}
	return subscriptions.ApplyWebhookEvent(ctx, &SubscriptionEvent{
		SubscriptionID:   data.SubscriptionID,
		Type:             kind,
		Status:           data.Status,
		PlanID:           data.Plan,
		CurrentPeriodEnd: data.CurrentPeriodEnd,
		Timestamp:        ev.Created,
	})
}

func (s *webhookServiceImpl) markProcessed(eventID, processingError string) {
	if err := s.eventRepo.MarkProcessed(eventID, processingError); err != nil {
		s.log.Error("webhook audit update failed", "event_id", eventID, "error", err)
	}
}

// isPermanent reports whether a handler error should not be retried by the
// sender: bad payloads for a known type, and references to entities that do
// not exist on our side.
func isPermanent(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidStateTransition) {
		return true
	}
	return false
}
