package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-billing/internal/client"
	"assistant-billing/internal/config"
	"assistant-billing/internal/model"
	"assistant-billing/internal/security"
	"assistant-billing/internal/tax"
)

type paymentFixture struct {
	svc      PaymentService
	gateway  *fakeGateway
	intents  *fakeIntentRepo
	methods  *fakeMethodRepo
	renewals *fakeRenewals
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	secmgr, err := security.NewManager(bytes.Repeat([]byte{0x01}, 32), 1, 3, time.Minute, testLogger(), nil)
	require.NoError(t, err)
	apiKeyEnc, err := secmgr.EncryptSecret("sk_test_gateway")
	require.NoError(t, err)

	catalog := config.DefaultCatalog()
	taxCalc, err := tax.NewCalculator(catalog)
	require.NoError(t, err)

	f := &paymentFixture{
		gateway:  &fakeGateway{},
		intents:  newFakeIntentRepo(),
		methods:  newFakeMethodRepo(),
		renewals: &fakeRenewals{},
	}
	f.svc = NewPaymentService(
		f.gateway,
		&config.Gateway{BaseApiURL: "http://gateway.test", APIKeyEnc: apiKeyEnc},
		catalog, taxCalc, secmgr,
		f.intents, f.methods,
		f.renewals, testLogger(),
	)
	return f
}

func (f *paymentFixture) addMethod(t *testing.T, customerID string) *model.PaymentMethod {
	t.Helper()
	method, err := f.svc.AddPaymentMethod(context.Background(), &AddMethodInput{
		CustomerID: customerID,
		Type:       "card",
		Token:      "tok_visa",
	})
	require.NoError(t, err)
	return method
}

func TestCreatePaymentIntentWithoutMethod(t *testing.T) {
	f := newPaymentFixture(t)

	intent, err := f.svc.CreatePaymentIntent(context.Background(), &CreateIntentInput{
		CustomerID: "cus_1",
		Amount:     1000,
		Currency:   "usd",
	})
	require.NoError(t, err)
	require.Equal(t, model.IntentRequiresPaymentMethod, intent.Status)
	require.Equal(t, int64(80), intent.TaxAmount) // 8% standard usd
}

func TestCreatePaymentIntentWithMethod(t *testing.T) {
	f := newPaymentFixture(t)
	method := f.addMethod(t, "cus_1")

	intent, err := f.svc.CreatePaymentIntent(context.Background(), &CreateIntentInput{
		CustomerID:      "cus_1",
		Amount:          1000,
		Currency:        "usd",
		PaymentMethodID: method.ID,
	})
	require.NoError(t, err)
	require.Equal(t, model.IntentRequiresConfirmation, intent.Status)
}

func TestCreatePaymentIntentValidation(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	var ve *ValidationError

	_, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{CustomerID: "cus_1", Amount: -5, Currency: "usd"})
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{CustomerID: "cus_1", Amount: 1000, Currency: "xxx"})
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{CustomerID: "cus_1", Amount: 1000, Currency: "usd", PaymentMethodID: "pm_ghost"})
	require.ErrorAs(t, err, &ve)
}

func TestConfirmPaymentSucceeds(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd", PaymentMethodID: method.ID,
	})
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, model.IntentSucceeded, confirmed.Status)

	// The gateway was charged amount + tax with the decrypted key.
	require.Equal(t, 1, f.gateway.chargeCount())
	require.Equal(t, int64(1080), f.gateway.charges[0].Amount)
	require.Equal(t, "sk_test_gateway", f.gateway.lastKey)
}

func TestConfirmPaymentAttachesMethod(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd",
	})
	require.NoError(t, err)
	require.Equal(t, model.IntentRequiresPaymentMethod, intent.Status)

	confirmed, err := f.svc.ConfirmPayment(ctx, intent.ID, method.ID)
	require.NoError(t, err)
	require.Equal(t, model.IntentSucceeded, confirmed.Status)
	require.Equal(t, method.ID, confirmed.PaymentMethodID)
}

func TestConfirmPaymentDeclined(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")
	f.gateway.chargeFn = func(*client.ChargeRequest) (*client.ChargeResult, error) {
		return nil, client.ErrDeclined
	}

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd", PaymentMethodID: method.ID,
	})
	require.NoError(t, err)

	failed, err := f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, model.IntentFailed, failed.Status)
	require.Equal(t, "declined", failed.FailureReason)

	// Declines are not retried against the gateway.
	require.Equal(t, 1, f.gateway.chargeCount())

	// Terminal: a second confirm is an invalid transition.
	_, err = f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConfirmPaymentGatewayDownStaysProcessing(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")
	f.gateway.chargeFn = func(*client.ChargeRequest) (*client.ChargeResult, error) {
		return nil, &client.TransportError{Op: "POST /v1/charges", Err: errors.New("connection refused")}
	}

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd", PaymentMethodID: method.ID,
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	// Transport failures are retried with backoff before giving up.
	require.Equal(t, gatewayMaxAttempts, f.gateway.chargeCount())

	stored, err := f.svc.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.IntentProcessing, stored.Status)
}

func TestConfirmPaymentTransientThenResolvedByWebhook(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")
	f.gateway.chargeFn = func(*client.ChargeRequest) (*client.ChargeResult, error) {
		return nil, &client.TransportError{Op: "POST /v1/charges", Err: errors.New("timeout")}
	}

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd", PaymentMethodID: method.ID,
	})
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.True(t, IsRetryable(err))

	// The gateway webhook later reports the charge went through.
	require.NoError(t, f.svc.ResolveIntent(ctx, intent.ID, true, ""))

	stored, err := f.svc.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.IntentSucceeded, stored.Status)

	// A replayed outcome is a conflict, not a second mutation.
	require.ErrorIs(t, f.svc.ResolveIntent(ctx, intent.ID, true, ""), ErrConflict)
}

func TestConfirmPaymentWebhookWinsRace(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID:      "cus_1",
		Amount:          1000,
		Currency:        "usd",
		PaymentMethodID: method.ID,
		SubscriptionID:  "sub_42",
	})
	require.NoError(t, err)

	// The gateway's webhook lands while the synchronous charge is still in
	// flight, so the confirm path loses the processing -> terminal write.
	f.gateway.chargeFn = func(*client.ChargeRequest) (*client.ChargeResult, error) {
		require.NoError(t, f.svc.ResolveIntent(ctx, intent.ID, true, ""))
		return &client.ChargeResult{ChargeID: "ch_1", Status: "succeeded"}, nil
	}

	confirmed, err := f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, model.IntentSucceeded, confirmed.Status)

	// The renewal hook fired exactly once, on the webhook side.
	require.Equal(t, []string{"sub_42"}, f.renewals.paid)
}

func TestConfirmPaymentUnknownIntent(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.ConfirmPayment(context.Background(), "pi_ghost", "pm_x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmPaymentRejectsForeignMethod(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	foreign := f.addMethod(t, "cus_other")

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd",
	})
	require.NoError(t, err)

	var ve *ValidationError
	_, err = f.svc.ConfirmPayment(ctx, intent.ID, foreign.ID)
	require.ErrorAs(t, err, &ve)
}

func TestSucceededChargeFiresRenewalHook(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID:      "cus_1",
		Amount:          999,
		Currency:        "usd",
		PaymentMethodID: method.ID,
		SubscriptionID:  "sub_42",
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, []string{"sub_42"}, f.renewals.paid)
	require.Empty(t, f.renewals.pastDue)
}

func TestFailedChargeMarksPastDue(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")
	f.gateway.chargeFn = func(*client.ChargeRequest) (*client.ChargeResult, error) {
		return nil, client.ErrDeclined
	}

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID:      "cus_1",
		Amount:          999,
		Currency:        "usd",
		PaymentMethodID: method.ID,
		SubscriptionID:  "sub_42",
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, []string{"sub_42"}, f.renewals.pastDue)
}

func TestRemovePaymentMethod(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	require.NoError(t, f.svc.RemovePaymentMethod(ctx, "cus_1", method.ID))
	require.Equal(t, []string{method.GatewayRef}, f.gateway.deleted)

	methods, err := f.svc.ListPaymentMethods(ctx, "cus_1")
	require.NoError(t, err)
	require.Empty(t, methods)
}

func TestRemovePaymentMethodForeignCustomer(t *testing.T) {
	f := newPaymentFixture(t)
	method := f.addMethod(t, "cus_1")

	err := f.svc.RemovePaymentMethod(context.Background(), "cus_2", method.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListPaymentMethodsDropsGatewayRevoked(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	keep, err := f.svc.AddPaymentMethod(ctx, &AddMethodInput{CustomerID: "cus_1", Type: "card", Token: "tok_keep"})
	require.NoError(t, err)
	gone, err := f.svc.AddPaymentMethod(ctx, &AddMethodInput{CustomerID: "cus_1", Type: "card", Token: "tok_gone"})
	require.NoError(t, err)

	// The gateway only knows about one of the two tokens.
	f.gateway.listFn = func(string) ([]*client.MethodResult, error) {
		return []*client.MethodResult{{Ref: keep.GatewayRef, Brand: "visa", Last4: "4242"}}, nil
	}

	methods, err := f.svc.ListPaymentMethods(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	require.Equal(t, keep.ID, methods[0].ID)

	// The revoked row was dropped from the local store too.
	_, err = f.methods.FindByID(ctx, gone.ID)
	require.Error(t, err)
}

func TestListPaymentMethodsGatewayDownServesLocal(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	f.gateway.listFn = func(string) ([]*client.MethodResult, error) {
		return nil, &client.TransportError{Op: "GET /v1/payment-methods", Err: errors.New("connection refused")}
	}

	methods, err := f.svc.ListPaymentMethods(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	require.Equal(t, method.ID, methods[0].ID)
}

func TestConcurrentConfirmsChargeOnce(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	method := f.addMethod(t, "cus_1")

	intent, err := f.svc.CreatePaymentIntent(ctx, &CreateIntentInput{
		CustomerID: "cus_1", Amount: 1000, Currency: "usd", PaymentMethodID: method.ID,
	})
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.svc.ConfirmPayment(ctx, intent.ID, "")
			errs <- err
		}()
	}

	var succeeded int
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInvalidStateTransition, fmt.Sprintf("unexpected error: %v", err))
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, f.gateway.chargeCount())
}
