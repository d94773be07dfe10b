package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"assistant-billing/internal/client"
	"assistant-billing/internal/config"
	"assistant-billing/internal/model"
	"assistant-billing/internal/repository"
	"assistant-billing/internal/security"
	"assistant-billing/internal/tax"
)

const (
	gatewayMaxAttempts = 3
	gatewayBackoffBase = 100 * time.Millisecond
)

type CreateIntentInput struct {
	CustomerID      string
	Amount          int64 // minor units, pre tax
	Currency        string
	RateClass       string
	PaymentMethodID string
	SubscriptionID  string
}

type AddMethodInput struct {
	CustomerID string
	Type       string
	Token      string
}

// RenewalHook is what the payment processor tells about charge outcomes on
// subscription renewals. Implemented by the subscription service.
type RenewalHook interface {
	MarkPeriodPaid(ctx context.Context, subscriptionID string, paidAt time.Time) error
	MarkPastDue(ctx context.Context, subscriptionID string) error
}

type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, in *CreateIntentInput) (*model.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, intentID, paymentMethodID string) (*model.PaymentIntent, error)
	GetIntent(ctx context.Context, intentID string) (*model.PaymentIntent, error)
	// ResolveIntent applies a gateway-side outcome delivered by webhook to an
	// intent still in processing.
	ResolveIntent(ctx context.Context, intentID string, succeeded bool, reason string) error

	AddPaymentMethod(ctx context.Context, in *AddMethodInput) (*model.PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, customerID, methodID string) error
	ListPaymentMethods(ctx context.Context, customerID string) ([]*model.PaymentMethod, error)
}

type paymentServiceImpl struct {
	gatewayClient client.GatewayClient
	gatewayCfg    *config.Gateway
	catalog       *config.Catalog
	taxCalc       *tax.Calculator
	secmgr        *security.Manager
	intentRepo    repository.IntentRepository
	methodRepo    repository.PaymentMethodRepository
	renewals      RenewalHook
	locks         *entityLocks
	log           *slog.Logger
}

func NewPaymentService(
	gatewayClient client.GatewayClient,
	gatewayCfg *config.Gateway,
	catalog *config.Catalog,
	taxCalc *tax.Calculator,
	secmgr *security.Manager,
	intentRepo repository.IntentRepository,
	methodRepo repository.PaymentMethodRepository,
	renewals RenewalHook,
	logger *slog.Logger,
) PaymentService {
	return &paymentServiceImpl{
		gatewayClient: gatewayClient,
		gatewayCfg:    gatewayCfg,
		catalog:       catalog,
		taxCalc:       taxCalc,
		secmgr:        secmgr,
		intentRepo:    intentRepo,
		methodRepo:    methodRepo,
		renewals:      renewals,
		locks:         newEntityLocks(),
		log:           logger,
	}
}

func (s *paymentServiceImpl) CreatePaymentIntent(ctx context.Context, in *CreateIntentInput) (*model.PaymentIntent, error) {
	if in.Amount <= 0 {
		return nil, validationErrorf("amount must be positive, got %d", in.Amount)
	}
	if in.CustomerID == "" {
		return nil, validationErrorf("customer_id is required")
	}
	if !s.catalog.SupportsCurrency(in.Currency) {
		return nil, validationErrorf("unsupported currency %q", in.Currency)
	}

	taxAmount, err := s.taxCalc.Calculate(in.Amount, in.Currency, in.RateClass)
	if err != nil {
		if errors.Is(err, tax.ErrUnsupportedCurrency) || errors.Is(err, tax.ErrUnsupportedRateClass) {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return nil, fmt.Errorf("calculate tax: %w", err)
	}

	status := model.IntentRequiresPaymentMethod
	if in.PaymentMethodID != "" {
		if err := s.checkMethodOwnership(ctx, in.CustomerID, in.PaymentMethodID); err != nil {
			return nil, err
		}
		status = model.IntentRequiresConfirmation
	}

	intent := &model.PaymentIntent{
		ID:              "pi_" + uuid.NewString(),
		CustomerID:      in.CustomerID,
		PaymentMethodID: in.PaymentMethodID,
		SubscriptionID:  in.SubscriptionID,
		Status:          status,
		Amount:          in.Amount,
		TaxAmount:       taxAmount,
		Currency:        in.Currency,
	}
	if err := s.intentRepo.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("store payment intent: %w", err)
	}

	s.log.Info("payment intent created",
		"intent_id", intent.ID, "customer_id", intent.CustomerID,
		"amount", intent.Amount, "tax", intent.TaxAmount, "currency", intent.Currency)
	return intent, nil
}

func (s *paymentServiceImpl) ConfirmPayment(ctx context.Context, intentID, paymentMethodID string) (*model.PaymentIntent, error) {
	release := s.locks.acquire(intentID)

	intent, err := s.intentRepo.FindByID(ctx, intentID)
	if err != nil {
		release()
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
		}
		return nil, fmt.Errorf("load intent: %w", err)
	}

	switch intent.Status {
	case model.IntentRequiresConfirmation:
		if paymentMethodID == "" {
			paymentMethodID = intent.PaymentMethodID
		}
	case model.IntentRequiresPaymentMethod:
		// Attaching a method at confirm time is the implicit
		// requires_payment_method -> requires_confirmation step.
		if paymentMethodID == "" {
			release()
			return nil, validationErrorf("intent %s has no payment method", intentID)
		}
	default:
		release()
		return nil, fmt.Errorf("confirm on %s intent %s: %w", intent.Status, intentID, ErrInvalidStateTransition)
	}

	if err := s.checkMethodOwnership(ctx, intent.CustomerID, paymentMethodID); err != nil {
		release()
		return nil, err
	}
	method, err := s.methodRepo.FindByID(ctx, paymentMethodID)
	if err != nil {
		release()
		return nil, fmt.Errorf("load payment method: %w", err)
	}

	err = s.intentRepo.UpdateStatus(ctx, intentID,
		[]string{model.IntentRequiresConfirmation, model.IntentRequiresPaymentMethod},
		model.IntentProcessing,
		map[string]interface{}{"payment_method_id": paymentMethodID},
	)
	// The entity lock is released before the gateway call so a slow gateway
	// cannot stall other work on this intent's customer.
	release()
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("intent %s changed state concurrently: %w", intentID, ErrInvalidStateTransition)
		}
		return nil, fmt.Errorf("transition intent to processing: %w", err)
	}

	result, chargeErr := s.charge(ctx, &client.ChargeRequest{
		Amount:    intent.Amount + intent.TaxAmount,
		Currency:  intent.Currency,
		MethodRef: method.GatewayRef,
		Reference: intent.ID,
	})

	release = s.locks.acquire(intentID)
	defer release()

	// A lost finishIntent race (ErrConflict) means the gateway webhook
	// finalized the intent while the charge call was in flight. The re-read
	// below returns the terminal state either way.
	switch {
	case chargeErr == nil:
		if err := s.finishIntent(ctx, intent, true, ""); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		s.log.Info("payment succeeded", "intent_id", intent.ID, "charge_id", result.ChargeID)
	case errors.Is(chargeErr, client.ErrDeclined):
		if err := s.finishIntent(ctx, intent, false, "declined"); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		s.log.Info("payment declined", "intent_id", intent.ID)
	default:
		// Outcome unknown: the intent stays in processing until the caller
		// polls again or the gateway webhook resolves it.
		s.log.Warn("gateway charge unresolved", "intent_id", intent.ID, "error", chargeErr)
		return nil, &GatewayError{Op: "charge", Retryable: true, Err: chargeErr}
	}

	return s.intentRepo.FindByID(ctx, intentID)
}

func (s *paymentServiceImpl) GetIntent(ctx context.Context, intentID string) (*model.PaymentIntent, error) {
	intent, err := s.intentRepo.FindByID(ctx, intentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
		}
		return nil, err
	}
	return intent, nil
}

func (s *paymentServiceImpl) ResolveIntent(ctx context.Context, intentID string, succeeded bool, reason string) error {
	release := s.locks.acquire(intentID)
	defer release()

	intent, err := s.intentRepo.FindByID(ctx, intentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
		}
		return fmt.Errorf("load intent: %w", err)
	}

	switch intent.Status {
	case model.IntentSucceeded, model.IntentFailed:
		// Terminal already; the webhook is a replay or raced a synchronous
		// confirm. Accepted, nothing to do.
		return ErrConflict
	case model.IntentProcessing:
		return s.finishIntent(ctx, intent, succeeded, reason)
	default:
		return fmt.Errorf("resolve %s intent %s: %w", intent.Status, intentID, ErrInvalidStateTransition)
	}
}

// finishIntent commits the terminal state and fires the renewal hook.
// Caller holds the intent lock.
func (s *paymentServiceImpl) finishIntent(ctx context.Context, intent *model.PaymentIntent, succeeded bool, reason string) error {
	status := model.IntentFailed
	fields := map[string]interface{}{"failure_reason": reason}
	if succeeded {
		status = model.IntentSucceeded
		fields = nil
	}

	err := s.intentRepo.UpdateStatus(ctx, intent.ID, []string{model.IntentProcessing}, status, fields)
	if err != nil {
		if repository.IsNotFound(err) {
			return ErrConflict
		}
		return fmt.Errorf("finalize intent: %w", err)
	}

	if intent.SubscriptionID != "" && s.renewals != nil {
		var hookErr error
		if succeeded {
			hookErr = s.renewals.MarkPeriodPaid(ctx, intent.SubscriptionID, time.Now())
		} else {
			hookErr = s.renewals.MarkPastDue(ctx, intent.SubscriptionID)
		}
		if hookErr != nil && !errors.Is(hookErr, ErrConflict) {
			s.log.Error("subscription renewal hook failed",
				"intent_id", intent.ID, "subscription_id", intent.SubscriptionID, "error", hookErr)
		}
	}
	return nil
}

func (s *paymentServiceImpl) AddPaymentMethod(ctx context.Context, in *AddMethodInput) (*model.PaymentMethod, error) {
	if in.CustomerID == "" || in.Token == "" {
		return nil, validationErrorf("customer_id and token are required")
	}
	if in.Type == "" {
		in.Type = "card"
	}

	var result *client.MethodResult
	err := s.withAPIKey(func(apiKey string) error {
		var err error
		result, err = s.gatewayClient.CreateMethod(ctx, apiKey, &client.MethodRequest{
			CustomerID: in.CustomerID,
			Type:       in.Type,
			Token:      in.Token,
		})
		return err
	})
	if err != nil {
		return nil, s.wrapGatewayErr("create method", err)
	}

	method := &model.PaymentMethod{
		ID:         "pm_" + uuid.NewString(),
		CustomerID: in.CustomerID,
		Type:       in.Type,
		Brand:      result.Brand,
		Last4:      result.Last4,
		GatewayRef: result.Ref,
	}
	if err := s.methodRepo.Create(ctx, method); err != nil {
		return nil, fmt.Errorf("store payment method: %w", err)
	}
	return method, nil
}

func (s *paymentServiceImpl) RemovePaymentMethod(ctx context.Context, customerID, methodID string) error {
	method, err := s.methodRepo.FindByID(ctx, methodID)
	if err != nil {
		if repository.IsNotFound(err) {
			return fmt.Errorf("method %s: %w", methodID, ErrNotFound)
		}
		return fmt.Errorf("load payment method: %w", err)
	}
	if method.CustomerID != customerID {
		return fmt.Errorf("method %s: %w", methodID, ErrNotFound)
	}

	err = s.withAPIKey(func(apiKey string) error {
		return s.gatewayClient.DeleteMethod(ctx, apiKey, method.GatewayRef)
	})
	if err != nil {
		return s.wrapGatewayErr("delete method", err)
	}

	return s.methodRepo.Delete(ctx, methodID)
}

// ListPaymentMethods returns the customer's methods reconciled against the
// gateway: the gateway token is the system of record, so local rows whose
// token no longer exists there are dropped. When the gateway is unreachable
// the local view is served rather than failing a read.
func (s *paymentServiceImpl) ListPaymentMethods(ctx context.Context, customerID string) ([]*model.PaymentMethod, error) {
	methods, err := s.methodRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	if len(methods) == 0 {
		return methods, nil
	}

	var live []*client.MethodResult
	err = s.withAPIKey(func(apiKey string) error {
		var err error
		live, err = s.gatewayClient.ListMethods(ctx, apiKey, customerID)
		return err
	})
	if err != nil {
		s.log.Warn("gateway method list unavailable, serving local view",
			"customer_id", customerID, "error", err)
		return methods, nil
	}

	refs := make(map[string]bool, len(live))
	for _, m := range live {
		refs[m.Ref] = true
	}

	kept := methods[:0]
	for _, m := range methods {
		if refs[m.GatewayRef] {
			kept = append(kept, m)
			continue
		}
		s.log.Info("dropping payment method revoked at the gateway",
			"method_id", m.ID, "customer_id", customerID)
		if err := s.methodRepo.Delete(ctx, m.ID); err != nil && !repository.IsNotFound(err) {
			return nil, fmt.Errorf("drop revoked payment method: %w", err)
		}
	}
	return kept, nil
}

func (s *paymentServiceImpl) checkMethodOwnership(ctx context.Context, customerID, methodID string) error {
	method, err := s.methodRepo.FindByID(ctx, methodID)
	if err != nil {
		if repository.IsNotFound(err) {
			return validationErrorf("unknown payment method %q", methodID)
		}
		return fmt.Errorf("load payment method: %w", err)
	}
	if method.CustomerID != customerID {
		return validationErrorf("payment method %q does not belong to customer", methodID)
	}
	return nil
}

// withAPIKey decrypts the gateway key for the duration of one call only.
func (s *paymentServiceImpl) withAPIKey(fn func(apiKey string) error) error {
	if s.gatewayCfg.APIKeyEnc == "" {
		return &ConfigurationError{Reason: "gateway API key is not configured"}
	}
	apiKey, err := s.secmgr.DecryptSecret(s.gatewayCfg.APIKeyEnc)
	if err != nil {
		return &ConfigurationError{Reason: "gateway API key cannot be decrypted"}
	}
	return fn(apiKey)
}

// charge calls the gateway with bounded exponential backoff on transport
// failures. Declines are never retried.
func (s *paymentServiceImpl) charge(ctx context.Context, req *client.ChargeRequest) (*client.ChargeResult, error) {
	var result *client.ChargeResult
	err := s.withAPIKey(func(apiKey string) error {
		backoff := gatewayBackoffBase
		var lastErr error
		for attempt := 0; attempt < gatewayMaxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				backoff *= 2
			}

			var err error
			result, err = s.gatewayClient.Charge(ctx, apiKey, req)
			if err == nil {
				return nil
			}
			lastErr = err

			var te *client.TransportError
			if !errors.As(err, &te) {
				return err
			}
			s.log.Warn("gateway charge attempt failed",
				"reference", req.Reference, "attempt", attempt+1, "error", err)
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *paymentServiceImpl) wrapGatewayErr(op string, err error) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	var te *client.TransportError
	if errors.As(err, &te) {
		return &GatewayError{Op: op, Retryable: true, Err: err}
	}
	return &GatewayError{Op: op, Retryable: false, Err: err}
}
