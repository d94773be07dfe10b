package dto

import "time"

type CreatePaymentRequest struct {
	Amount          int64  `json:"amount"` // minor units, pre tax
	Currency        string `json:"currency"`
	RateClass       string `json:"rate_class"`
	PaymentMethodID string `json:"payment_method_id"`
	SubscriptionID  string `json:"subscription_id"`
}

type ConfirmPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

type PaymentIntentResponse struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	TaxAmount       int64     `json:"tax_amount"`
	Total           int64     `json:"total"`
	Currency        string    `json:"currency"`
	PaymentMethodID string    `json:"payment_method_id,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type AddMethodRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type PaymentMethodResponse struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

type CreateSubscriptionRequest struct {
	PlanID string `json:"plan_id"`
}

type ChangePlanRequest struct {
	PlanID string `json:"plan_id"`
}

type CancelSubscriptionRequest struct {
	Immediate bool `json:"immediate"`
}

type SubscriptionResponse struct {
	ID                 string    `json:"id"`
	PlanID             string    `json:"plan_id"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	ProrationDue       int64     `json:"proration_due"`
}
