package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates successful provider flows without calling the Stripe API.
type MockProvider struct {
	// CreateCheckoutSessionFunc allows customizing session creation behavior
	CreateCheckoutSessionFunc func(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)

	// CreateCustomerFunc allows customizing customer creation behavior
	CreateCustomerFunc func(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetSubscriptionFunc allows customizing subscription retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelSubscriptionAtPeriodEndFunc allows customizing cancellation behavior
	CancelSubscriptionAtPeriodEndFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListInvoicesFunc allows customizing invoice listing behavior
	ListInvoicesFunc func(ctx context.Context, customerID string, limit int64) ([]Invoice, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// Sessions stores created checkout sessions for retrieval
	Sessions map[string]*CheckoutSession

	// Customers stores created customers for retrieval
	Customers map[string]*Customer

	// Subscriptions stores subscriptions returned by GetSubscription
	Subscriptions map[string]*Subscription

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// Compile-time check to ensure MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Sessions:      make(map[string]*CheckoutSession),
		Customers:     make(map[string]*Customer),
		Subscriptions: make(map[string]*Subscription),
		CallLog:       []string{},
	}
}

// CreateCheckoutSession creates a mock checkout session.
func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCheckoutSession(%s, %d)", params.Mode, params.UnitAmountCents))

	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, params)
	}

	sess := &CheckoutSession{
		ID:  "cs_" + uuid.New().String(),
		URL: "https://checkout.stripe.test/pay/" + uuid.New().String(),
	}
	m.Sessions[sess.ID] = sess
	return sess, nil
}

// CreateCustomer creates a mock customer.
func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCustomer(%s)", params.Email))

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	cust := &Customer{
		ID:        "cus_" + uuid.New().String(),
		Email:     params.Email,
		Name:      params.Name,
		CreatedAt: time.Now(),
	}
	m.Customers[cust.ID] = cust
	return cust, nil
}

// GetSubscription retrieves a mock subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// CancelSubscriptionAtPeriodEnd flags a mock subscription for cancellation.
func (m *MockProvider) CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscriptionAtPeriodEnd(%s)", subscriptionID))

	if m.CancelSubscriptionAtPeriodEndFunc != nil {
		return m.CancelSubscriptionAtPeriodEndFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

// ListInvoices lists mock invoices.
func (m *MockProvider) ListInvoices(ctx context.Context, customerID string, limit int64) ([]Invoice, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ListInvoices(%s)", customerID))

	if m.ListInvoicesFunc != nil {
		return m.ListInvoicesFunc(ctx, customerID, limit)
	}
	return nil, nil
}

// VerifyWebhookSignature verifies a mock webhook signature.
// Default behavior accepts any non-empty signature.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.CallLog = append(m.CallLog, "VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}

	if signature == "" {
		return ErrInvalidWebhookSignature
	}
	return nil
}
