package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/calder/internal/billing"
	"github.com/calderhq/calder/internal/domain"
)

func newTestCheckout(store domain.BillingStore, provider billing.Provider) *CheckoutService {
	return NewCheckoutService(store, provider, CheckoutConfig{
		BaseURL:  "https://app.calder.test",
		Currency: "eur",
	}, nil)
}

func TestCreateSubscriptionCheckout_SeedsIntentMetadata(t *testing.T) {
	provider := billing.NewMockProvider()
	var captured billing.CreateCheckoutSessionParams
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		captured = params
		return &billing.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
	}
	svc := newTestCheckout(newFakeStore(), provider)

	result, err := svc.CreateSubscriptionCheckout(context.Background(), testUserID(), "org@example.com", 120, "month")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", result.SessionID)

	assert.Equal(t, billing.CheckoutModeSubscription, captured.Mode)
	assert.Equal(t, "month", captured.RecurringInterval)
	assert.Equal(t, "eur", captured.Currency)
	assert.Equal(t, int64(3900), captured.UnitAmountCents) // growth recurring price

	// The webhook processor attributes the completed session through this
	// metadata; without it the payment would be orphaned.
	assert.Equal(t, testUserID().String(), captured.Metadata[MetaUserID])
	assert.Equal(t, "growth", captured.Metadata[MetaTier])
	assert.Equal(t, string(domain.PaymentTypeSubscription), captured.Metadata[MetaPaymentType])

	assert.Contains(t, captured.SuccessURL, "{CHECKOUT_SESSION_ID}")
	assert.Contains(t, captured.CancelURL, "https://app.calder.test")
}

func TestCreateEventPaymentCheckout_UsesSinglePrice(t *testing.T) {
	provider := billing.NewMockProvider()
	var captured billing.CreateCheckoutSessionParams
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		captured = params
		return &billing.CheckoutSession{ID: "cs_test_2", URL: "https://checkout.stripe.test/cs_test_2"}, nil
	}
	svc := newTestCheckout(newFakeStore(), provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "org@example.com", 40)
	require.NoError(t, err)

	assert.Equal(t, billing.CheckoutModePayment, captured.Mode)
	assert.Empty(t, captured.RecurringInterval)
	assert.Equal(t, int64(2900), captured.UnitAmountCents) // starter single price
	assert.Equal(t, string(domain.PaymentTypeSingleEvent), captured.Metadata[MetaPaymentType])
}

func TestCreateSubscriptionCheckout_InvalidInterval(t *testing.T) {
	svc := newTestCheckout(newFakeStore(), billing.NewMockProvider())

	_, err := svc.CreateSubscriptionCheckout(context.Background(), testUserID(), "", 120, "weekly")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCheckout_ReusesExistingCustomerRef(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:              testUserID(),
		ExternalCustomerRef: "cus_existing",
		TierKey:             "starter",
		Status:              domain.SubscriptionPastDue,
	})
	provider := billing.NewMockProvider()
	var captured billing.CreateCheckoutSessionParams
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		captured = params
		return &billing.CheckoutSession{ID: "cs_test_3", URL: "u"}, nil
	}
	svc := newTestCheckout(store, provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "", 40)
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", captured.CustomerID)
	assert.Empty(t, provider.Customers, "no new provider customer for an organizer with a ref")
}

func TestCheckout_CreatesCustomerWhenNoneExists(t *testing.T) {
	store := newFakeStore()
	provider := billing.NewMockProvider()
	var captured billing.CreateCheckoutSessionParams
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		captured = params
		return &billing.CheckoutSession{ID: "cs_test_5", URL: "u"}, nil
	}
	svc := newTestCheckout(store, provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "org@example.com", 40)
	require.NoError(t, err)

	// The session is tied to a freshly created provider customer.
	require.Len(t, provider.Customers, 1)
	cust, ok := provider.Customers[captured.CustomerID]
	require.True(t, ok)
	assert.Equal(t, "org@example.com", cust.Email)

	// No local record is fabricated before the webhook arrives.
	_, err = store.GetSubscription(context.Background(), testUserID())
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestCheckout_BackfillsCustomerRefOnExistingRecord(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:  testUserID(),
		TierKey: "starter",
		Status:  domain.SubscriptionCancelled,
	})
	provider := billing.NewMockProvider()
	var captured billing.CreateCheckoutSessionParams
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		captured = params
		return &billing.CheckoutSession{ID: "cs_test_6", URL: "u"}, nil
	}
	svc := newTestCheckout(store, provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "org@example.com", 40)
	require.NoError(t, err)
	require.NotEmpty(t, captured.CustomerID)

	// A later checkout reuses the same customer through the stored ref.
	rec, err := store.GetSubscription(context.Background(), testUserID())
	require.NoError(t, err)
	assert.Equal(t, captured.CustomerID, rec.ExternalCustomerRef)
}

func TestCheckout_CustomerCreationFailureSurfaces(t *testing.T) {
	provider := billing.NewMockProvider()
	provider.CreateCustomerFunc = func(ctx context.Context, params billing.CreateCustomerParams) (*billing.Customer, error) {
		return nil, errors.New("stripe: connection reset")
	}
	svc := newTestCheckout(newFakeStore(), provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "org@example.com", 40)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
}

func TestCheckout_AdminGrantedRefNeverSentToProvider(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:              testUserID(),
		ExternalCustomerRef: domain.AdminGrantedCustomerRef,
		TierKey:             "max",
		Status:              domain.SubscriptionActive,
	})
	provider := billing.NewMockProvider()
	var captured billing.CreateCheckoutSessionParams
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		captured = params
		return &billing.CheckoutSession{ID: "cs_test_4", URL: "u"}, nil
	}
	svc := newTestCheckout(store, provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "org@example.com", 40)
	require.NoError(t, err)

	// A real customer is created instead of forwarding the placeholder.
	assert.NotEqual(t, domain.AdminGrantedCustomerRef, captured.CustomerID)
	require.Len(t, provider.Customers, 1)
	assert.Contains(t, provider.Customers, captured.CustomerID)

	// The grant record keeps its marker; the fresh ref is not written back.
	rec, err := store.GetSubscription(context.Background(), testUserID())
	require.NoError(t, err)
	assert.True(t, rec.AdminGranted())
}

func TestCheckout_ProviderFailureSurfaces(t *testing.T) {
	provider := billing.NewMockProvider()
	provider.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CreateCheckoutSessionParams) (*billing.CheckoutSession, error) {
		return nil, errors.New("stripe: connection reset")
	}
	svc := newTestCheckout(newFakeStore(), provider)

	_, err := svc.CreateEventPaymentCheckout(context.Background(), testUserID(), "", 40)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
}
