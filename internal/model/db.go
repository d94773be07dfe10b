package model

import "time"

// Intent statuses. succeeded and failed are terminal.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentProcessing            = "processing"
	IntentSucceeded             = "succeeded"
	IntentFailed                = "failed"
)

// Subscription statuses. canceled is terminal.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

type PaymentIntent struct {
	ID              string `gorm:"primaryKey;size:64;not null"`
	CustomerID      string `gorm:"size:64;index;not null"`
	PaymentMethodID string `gorm:"size:64"`
	// SubscriptionID links a renewal charge back to its subscription.
	SubscriptionID string `gorm:"size:64;index"`
	Status         string `gorm:"size:32;index;not null"`
	Amount         int64  `gorm:"not null"` // minor units, pre tax
	TaxAmount      int64  `gorm:"not null"`
	Currency       string `gorm:"size:8;not null"`
	FailureReason  string `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type PaymentMethod struct {
	ID         string `gorm:"primaryKey;size:64;not null"`
	CustomerID string `gorm:"size:64;index;not null"`
	Type       string `gorm:"size:32;not null"` // card, paypal, sepa_debit
	Brand      string `gorm:"size:32"`
	Last4      string `gorm:"size:8"`
	// GatewayRef is the gateway-side token. Full card data never touches us.
	GatewayRef string `gorm:"size:128;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Subscription struct {
	ID                 string `gorm:"primaryKey;size:64;not null"`
	CustomerID         string `gorm:"size:64;index;not null"`
	PlanID             string `gorm:"size:64;not null"`
	Status             string `gorm:"size:32;index;not null"`
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	// LastAppliedEventTS guards against out-of-order webhook delivery
	// (unix seconds of the newest event applied so far).
	LastAppliedEventTS int64 `gorm:"not null;default:0"`
	ProrationDue       int64 `gorm:"not null;default:0"` // minor units, settled at next renewal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WebhookEvent is an audit row for processed events. The dedupe authority is
// the bounded recent-events cache, not this table.
type WebhookEvent struct {
	EventID     string `gorm:"primaryKey;size:128;not null"`
	EventType   string `gorm:"size:64;index"`
	Error       string `gorm:"size:255"`
	ProcessedAt time.Time
	CreatedAt   time.Time
}
