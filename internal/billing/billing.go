package billing

import (
	"context"
	"time"
)

// Provider defines the interface for the payment provider.
// The production implementation uses Stripe; tests use MockProvider.
// All monetary amounts are integer minor currency units.
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout session for a
	// subscription or a one-time purchase. The session carries correlation
	// metadata that the provider echoes back on completion.
	CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)

	// CreateCustomer creates a customer record at the provider.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetSubscription retrieves a subscription by the provider's reference.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelSubscriptionAtPeriodEnd flags a subscription for cancellation at
	// the end of the current billing period. The actual status transition
	// arrives later via webhook.
	CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListInvoices returns the customer's invoices, newest first.
	ListInvoices(ctx context.Context, customerID string, limit int64) ([]Invoice, error)

	// VerifyWebhookSignature verifies that a webhook payload is authentic.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// CheckoutMode selects between recurring and one-time checkout.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// CreateCheckoutSessionParams contains parameters for creating a checkout
// session with an inline (ad hoc) price.
type CreateCheckoutSessionParams struct {
	// Mode is "subscription" for recurring billing, "payment" for one-time.
	Mode CheckoutMode

	// CustomerID links the session to an existing provider customer.
	// Optional; if empty the provider creates one from CustomerEmail.
	CustomerID string

	// CustomerEmail prefills the checkout form when CustomerID is empty.
	CustomerEmail string

	// ProductName is shown to the customer on the hosted page.
	ProductName string

	// UnitAmountCents is the price in minor currency units.
	UnitAmountCents int64

	// Currency code (ISO 4217 lowercase), e.g. "usd".
	Currency string

	// RecurringInterval is "month" or "year". Subscription mode only.
	RecurringInterval string

	// Metadata is the correlation metadata echoed back on completion.
	// In subscription mode it is also attached to the created subscription
	// so that subscription webhooks carry it.
	Metadata map[string]string

	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the result of creating a hosted checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// Customer represents a billing customer at the provider.
type Customer struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Subscription represents a recurring subscription at the provider.
// Status is the provider's raw status string; mapping onto local lifecycle
// states is the caller's concern.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// Invoice represents a provider invoice.
type Invoice struct {
	ID               string    `json:"id"`
	Number           string    `json:"number"`
	Status           string    `json:"status"`
	AmountDueCents   int64     `json:"amount_due_cents"`
	AmountPaidCents  int64     `json:"amount_paid_cents"`
	Currency         string    `json:"currency"`
	HostedInvoiceURL string    `json:"hosted_invoice_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
