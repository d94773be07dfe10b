package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"assistant-billing/internal/config"
	"assistant-billing/internal/model"
	"assistant-billing/internal/repository"
)

// SubscriptionEvent is the normalized provider-side subscription change
// delivered through the webhook pipeline.
type SubscriptionEvent struct {
	SubscriptionID   string
	Type             string // updated | deleted
	Status           string
	PlanID           string
	CurrentPeriodEnd int64 // unix seconds, 0 = unchanged
	Timestamp        int64 // event creation time, unix seconds
}

type SubscriptionService interface {
	CreateSubscription(ctx context.Context, customerID, planID string) (*model.Subscription, error)
	ChangePlan(ctx context.Context, subscriptionID, newPlanID string) (*model.Subscription, error)
	Cancel(ctx context.Context, subscriptionID string, immediate bool) (*model.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	// ApplyWebhookEvent applies a provider-side event under the ordering
	// guard: events at or before last_applied_event_ts return ErrConflict
	// and mutate nothing.
	ApplyWebhookEvent(ctx context.Context, event *SubscriptionEvent) error
	// SweepDuePeriods transitions subscriptions whose period has ended:
	// pending cancellations become canceled.
	SweepDuePeriods(ctx context.Context) error

	RenewalHook
}

type subscriptionServiceImpl struct {
	catalog *config.Catalog
	subRepo repository.SubscriptionRepository
	locks   *entityLocks
	log     *slog.Logger
	now     func() time.Time
}

func NewSubscriptionService(
	catalog *config.Catalog,
	subRepo repository.SubscriptionRepository,
	logger *slog.Logger,
) SubscriptionService {
	return &subscriptionServiceImpl{
		catalog: catalog,
		subRepo: subRepo,
		locks:   newEntityLocks(),
		log:     logger,
		now:     time.Now,
	}
}

func (s *subscriptionServiceImpl) CreateSubscription(ctx context.Context, customerID, planID string) (*model.Subscription, error) {
	if customerID == "" {
		return nil, validationErrorf("customer_id is required")
	}
	plan := s.catalog.FindPlan(planID)
	if plan == nil {
		return nil, validationErrorf("unknown plan %q", planID)
	}

	now := s.now()
	sub := &model.Subscription{
		ID:                 "sub_" + uuid.NewString(),
		CustomerID:         customerID,
		PlanID:             plan.ID,
		Status:             model.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, plan.IntervalDays),
	}
	if err := s.subRepo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}

	s.log.Info("subscription created",
		"subscription_id", sub.ID, "customer_id", customerID, "plan", plan.ID)
	return sub, nil
}

func (s *subscriptionServiceImpl) ChangePlan(ctx context.Context, subscriptionID, newPlanID string) (*model.Subscription, error) {
	newPlan := s.catalog.FindPlan(newPlanID)
	if newPlan == nil {
		return nil, validationErrorf("unknown plan %q", newPlanID)
	}

	release := s.locks.acquire(subscriptionID)
	defer release()

	sub, err := s.load(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionCanceled {
		return nil, fmt.Errorf("change plan on canceled subscription %s: %w", subscriptionID, ErrInvalidStateTransition)
	}
	oldPlan := s.catalog.FindPlan(sub.PlanID)
	if oldPlan == nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("subscription %s references plan %q missing from catalog", subscriptionID, sub.PlanID)}
	}
	if newPlan.Currency != oldPlan.Currency {
		return nil, validationErrorf("plan %q is billed in %s, subscription is in %s", newPlanID, newPlan.Currency, oldPlan.Currency)
	}
	if newPlan.ID == sub.PlanID {
		return sub, nil
	}

	proration := prorate(s.now(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd, newPlan.Price-oldPlan.Price)

	err = s.subRepo.Update(ctx, subscriptionID, map[string]interface{}{
		"plan_id":       newPlan.ID,
		"proration_due": sub.ProrationDue + proration,
	})
	if err != nil {
		return nil, fmt.Errorf("update subscription plan: %w", err)
	}

	s.log.Info("subscription plan changed",
		"subscription_id", subscriptionID, "from", sub.PlanID, "to", newPlan.ID, "proration", proration)
	return s.subRepo.FindByID(ctx, subscriptionID)
}

// prorate computes remaining/period * priceDelta in minor units, rounded
// half-up. The adjustment is settled at the next renewal.
func prorate(now, periodStart, periodEnd time.Time, priceDelta int64) int64 {
	periodDays := periodEnd.Sub(periodStart).Hours() / 24
	remainingDays := periodEnd.Sub(now).Hours() / 24
	if periodDays <= 0 || remainingDays <= 0 {
		return 0
	}
	if remainingDays > periodDays {
		remainingDays = periodDays
	}
	return decimal.NewFromFloat(remainingDays).
		Div(decimal.NewFromFloat(periodDays)).
		Mul(decimal.NewFromInt(priceDelta)).
		Round(0).
		IntPart()
}

func (s *subscriptionServiceImpl) Cancel(ctx context.Context, subscriptionID string, immediate bool) (*model.Subscription, error) {
	release := s.locks.acquire(subscriptionID)
	defer release()

	sub, err := s.load(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionCanceled {
		return nil, fmt.Errorf("cancel canceled subscription %s: %w", subscriptionID, ErrInvalidStateTransition)
	}

	fields := map[string]interface{}{"cancel_at_period_end": true}
	if immediate {
		fields = map[string]interface{}{
			"status":               model.SubscriptionCanceled,
			"cancel_at_period_end": false,
			"current_period_end":   s.now(),
		}
	}
	if err := s.subRepo.Update(ctx, subscriptionID, fields); err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	s.log.Info("subscription canceled",
		"subscription_id", subscriptionID, "immediate", immediate)
	return s.subRepo.FindByID(ctx, subscriptionID)
}

func (s *subscriptionServiceImpl) GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	sub, err := s.load(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	// A pending cancellation whose period has lapsed is surfaced (and
	// persisted) as canceled even if the sweep has not run yet.
	if sub.Status != model.SubscriptionCanceled && sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.After(s.now()) {
		release := s.locks.acquire(subscriptionID)
		err := s.subRepo.Update(ctx, subscriptionID, map[string]interface{}{
			"status": model.SubscriptionCanceled,
		})
		release()
		if err != nil {
			return nil, fmt.Errorf("finalize pending cancellation: %w", err)
		}
		sub.Status = model.SubscriptionCanceled
	}
	return sub, nil
}

func (s *subscriptionServiceImpl) ApplyWebhookEvent(ctx context.Context, event *SubscriptionEvent) error {
	if event.SubscriptionID == "" {
		return validationErrorf("event has no subscription id")
	}

	release := s.locks.acquire(event.SubscriptionID)
	defer release()

	sub, err := s.load(ctx, event.SubscriptionID)
	if err != nil {
		return err
	}
	if event.Timestamp <= sub.LastAppliedEventTS {
		s.log.Debug("stale subscription event ignored",
			"subscription_id", event.SubscriptionID,
			"event_ts", event.Timestamp, "last_applied", sub.LastAppliedEventTS)
		return ErrConflict
	}
	if sub.Status == model.SubscriptionCanceled {
		// Terminal: a new subscription is required, provider events cannot
		// resurrect this one. Still not an error for the sender.
		s.log.Debug("event on canceled subscription ignored", "subscription_id", sub.ID)
		return ErrConflict
	}

	fields := map[string]interface{}{}
	switch event.Type {
	case "deleted":
		fields["status"] = model.SubscriptionCanceled
	case "updated":
		if event.Status != "" {
			if !validSubscriptionStatus(event.Status) {
				return validationErrorf("unknown subscription status %q", event.Status)
			}
			fields["status"] = event.Status
		}
		if event.PlanID != "" {
			if s.catalog.FindPlan(event.PlanID) == nil {
				return validationErrorf("unknown plan %q in event", event.PlanID)
			}
			fields["plan_id"] = event.PlanID
		}
		if event.CurrentPeriodEnd > 0 {
			fields["current_period_end"] = time.Unix(event.CurrentPeriodEnd, 0)
		}
	default:
		return validationErrorf("unknown subscription event type %q", event.Type)
	}

	applied, err := s.subRepo.UpdateIfNewer(ctx, event.SubscriptionID, event.Timestamp, fields)
	if err != nil {
		return fmt.Errorf("apply subscription event: %w", err)
	}
	if !applied {
		return ErrConflict
	}

	s.log.Info("subscription event applied",
		"subscription_id", event.SubscriptionID, "type", event.Type, "event_ts", event.Timestamp)
	return nil
}

func (s *subscriptionServiceImpl) SweepDuePeriods(ctx context.Context) error {
	due, err := s.subRepo.ListDueForPeriodEnd(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}
	for _, sub := range due {
		if !sub.CancelAtPeriodEnd {
			continue
		}
		release := s.locks.acquire(sub.ID)
		err := s.subRepo.Update(ctx, sub.ID, map[string]interface{}{
			"status": model.SubscriptionCanceled,
		})
		release()
		if err != nil {
			return fmt.Errorf("finalize cancellation of %s: %w", sub.ID, err)
		}
		s.log.Info("subscription canceled at period end", "subscription_id", sub.ID)
	}
	return nil
}

// MarkPeriodPaid is the renewal hook: a successful charge advances the
// period and clears past_due.
func (s *subscriptionServiceImpl) MarkPeriodPaid(ctx context.Context, subscriptionID string, paidAt time.Time) error {
	release := s.locks.acquire(subscriptionID)
	defer release()

	sub, err := s.load(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == model.SubscriptionCanceled {
		return ErrConflict
	}
	plan := s.catalog.FindPlan(sub.PlanID)
	if plan == nil {
		return &ConfigurationError{Reason: fmt.Sprintf("subscription %s references plan %q missing from catalog", subscriptionID, sub.PlanID)}
	}

	start := sub.CurrentPeriodEnd
	if start.Before(paidAt) {
		start = paidAt
	}
	err = s.subRepo.Update(ctx, subscriptionID, map[string]interface{}{
		"status":               model.SubscriptionActive,
		"current_period_start": start,
		"current_period_end":   start.AddDate(0, 0, plan.IntervalDays),
		"proration_due":        0,
	})
	if err != nil {
		return fmt.Errorf("advance subscription period: %w", err)
	}

	s.log.Info("subscription period paid", "subscription_id", subscriptionID)
	return nil
}

// MarkPastDue is the renewal hook for failed charges.
func (s *subscriptionServiceImpl) MarkPastDue(ctx context.Context, subscriptionID string) error {
	release := s.locks.acquire(subscriptionID)
	defer release()

	sub, err := s.load(ctx, subscriptionID)
	if err != nil {
		return err
	}
	switch sub.Status {
	case model.SubscriptionCanceled:
		return ErrConflict
	case model.SubscriptionPastDue:
		return nil
	}

	if err := s.subRepo.Update(ctx, subscriptionID, map[string]interface{}{
		"status": model.SubscriptionPastDue,
	}); err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}

	s.log.Info("subscription past due", "subscription_id", subscriptionID)
	return nil
}

func (s *subscriptionServiceImpl) load(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	sub, err := s.subRepo.FindByID(ctx, subscriptionID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

func validSubscriptionStatus(status string) bool {
	switch status {
	case model.SubscriptionActive, model.SubscriptionPastDue, model.SubscriptionCanceled:
		return true
	}
	return false
}
