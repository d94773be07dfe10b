package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"assistant-billing/internal/client"
	"assistant-billing/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// -------- intent repository --------

type fakeIntentRepo struct {
	mu      sync.Mutex
	intents map[string]*model.PaymentIntent
}

func newFakeIntentRepo() *fakeIntentRepo {
	return &fakeIntentRepo{intents: make(map[string]*model.PaymentIntent)}
}

func (r *fakeIntentRepo) Create(_ context.Context, intent *model.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *intent
	r.intents[intent.ID] = &cp
	return nil
}

func (r *fakeIntentRepo) FindByID(_ context.Context, intentID string) (*model.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[intentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *intent
	return &cp, nil
}

func (r *fakeIntentRepo) UpdateStatus(_ context.Context, intentID string, fromStatuses []string, status string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[intentID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	matched := false
	for _, from := range fromStatuses {
		if intent.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return gorm.ErrRecordNotFound
	}
	intent.Status = status
	if v, ok := fields["payment_method_id"].(string); ok {
		intent.PaymentMethodID = v
	}
	if v, ok := fields["failure_reason"].(string); ok {
		intent.FailureReason = v
	}
	return nil
}

// -------- payment method repository --------

type fakeMethodRepo struct {
	mu      sync.Mutex
	methods map[string]*model.PaymentMethod
}

func newFakeMethodRepo() *fakeMethodRepo {
	return &fakeMethodRepo{methods: make(map[string]*model.PaymentMethod)}
}

func (r *fakeMethodRepo) Create(_ context.Context, method *model.PaymentMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *method
	r.methods[method.ID] = &cp
	return nil
}

func (r *fakeMethodRepo) FindByID(_ context.Context, methodID string) (*model.PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	method, ok := r.methods[methodID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *method
	return &cp, nil
}

func (r *fakeMethodRepo) ListByCustomer(_ context.Context, customerID string) ([]*model.PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.PaymentMethod
	for _, m := range r.methods {
		if m.CustomerID == customerID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeMethodRepo) Delete(_ context.Context, methodID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[methodID]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.methods, methodID)
	return nil
}

// -------- subscription repository --------

type fakeSubRepo struct {
	mu   sync.Mutex
	subs map[string]*model.Subscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string]*model.Subscription)}
}

func (r *fakeSubRepo) Create(_ context.Context, sub *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *fakeSubRepo) FindByID(_ context.Context, subscriptionID string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeSubRepo) FindByCustomer(_ context.Context, customerID string) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Subscription
	for _, sub := range r.subs {
		if sub.CustomerID == customerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSubRepo) Update(_ context.Context, subscriptionID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	applySubFields(sub, fields)
	return nil
}

func (r *fakeSubRepo) UpdateIfNewer(_ context.Context, subscriptionID string, eventTS int64, fields map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return false, nil
	}
	if sub.LastAppliedEventTS >= eventTS {
		return false, nil
	}
	applySubFields(sub, fields)
	sub.LastAppliedEventTS = eventTS
	return true, nil
}

func (r *fakeSubRepo) ListDueForPeriodEnd(_ context.Context, now time.Time) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Subscription
	for _, sub := range r.subs {
		if sub.Status == model.SubscriptionCanceled {
			continue
		}
		if !sub.CurrentPeriodEnd.After(now) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func applySubFields(sub *model.Subscription, fields map[string]interface{}) {
	if v, ok := fields["status"].(string); ok {
		sub.Status = v
	}
	if v, ok := fields["plan_id"].(string); ok {
		sub.PlanID = v
	}
	if v, ok := fields["proration_due"].(int64); ok {
		sub.ProrationDue = v
	}
	if v, ok := fields["proration_due"].(int); ok {
		sub.ProrationDue = int64(v)
	}
	if v, ok := fields["cancel_at_period_end"].(bool); ok {
		sub.CancelAtPeriodEnd = v
	}
	if v, ok := fields["current_period_start"].(time.Time); ok {
		sub.CurrentPeriodStart = v
	}
	if v, ok := fields["current_period_end"].(time.Time); ok {
		sub.CurrentPeriodEnd = v
	}
}

// -------- webhook event repository --------

type fakeEventRepo struct {
	mu        sync.Mutex
	events    map[string]*model.WebhookEvent
	processed map[string]string
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		events:    make(map[string]*model.WebhookEvent),
		processed: make(map[string]string),
	}
}

func (r *fakeEventRepo) CreateIfNotExists(eventID, eventType string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[eventID]; ok {
		return false, nil
	}
	r.events[eventID] = &model.WebhookEvent{EventID: eventID, EventType: eventType}
	return true, nil
}

func (r *fakeEventRepo) MarkProcessed(eventID string, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[eventID] = processingError
	return nil
}

func (r *fakeEventRepo) Exists(eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[eventID]
	return ok, nil
}

// -------- gateway client --------

type fakeGateway struct {
	mu        sync.Mutex
	charges   []*client.ChargeRequest
	chargeFn  func(req *client.ChargeRequest) (*client.ChargeResult, error)
	createFn  func(req *client.MethodRequest) (*client.MethodResult, error)
	deleted   []string
	listFn    func(customerID string) ([]*client.MethodResult, error)
	lastKey   string
}

func (g *fakeGateway) Charge(_ context.Context, apiKey string, req *client.ChargeRequest) (*client.ChargeResult, error) {
	g.mu.Lock()
	g.lastKey = apiKey
	g.charges = append(g.charges, req)
	g.mu.Unlock()
	if g.chargeFn != nil {
		return g.chargeFn(req)
	}
	return &client.ChargeResult{ChargeID: "ch_test", Status: "succeeded"}, nil
}

func (g *fakeGateway) CreateMethod(_ context.Context, apiKey string, req *client.MethodRequest) (*client.MethodResult, error) {
	g.mu.Lock()
	g.lastKey = apiKey
	g.mu.Unlock()
	if g.createFn != nil {
		return g.createFn(req)
	}
	return &client.MethodResult{Ref: "gw_" + req.Token, Brand: "visa", Last4: "4242"}, nil
}

func (g *fakeGateway) DeleteMethod(_ context.Context, apiKey, ref string) error {
	g.mu.Lock()
	g.lastKey = apiKey
	g.deleted = append(g.deleted, ref)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) ListMethods(_ context.Context, apiKey, customerID string) ([]*client.MethodResult, error) {
	if g.listFn != nil {
		return g.listFn(customerID)
	}
	return nil, nil
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// -------- renewal hook --------

type fakeRenewals struct {
	mu      sync.Mutex
	paid    []string
	pastDue []string
}

func (f *fakeRenewals) MarkPeriodPaid(_ context.Context, subscriptionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid = append(f.paid, subscriptionID)
	return nil
}

func (f *fakeRenewals) MarkPastDue(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pastDue = append(f.pastDue, subscriptionID)
	return nil
}
