package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider using the Stripe Go SDK.
//
// The underlying API client is constructed once, explicitly, and injected
// wherever a Provider is needed. There is no package-level key or lazily
// initialized global: construct one StripeProvider per process lifetime
// (or per request in stateless deployments) and pass it down.
type StripeProvider struct {
	api *client.API
}

// Compile-time check to ensure StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a Stripe billing provider with a bounded HTTP
// timeout on every outbound call.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
	})

	api := &client.API{}
	api.Init(cfg.APIKey, &stripe.Backends{
		API:     backend,
		Uploads: backend,
	})

	return &StripeProvider{api: api}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session with an inline
// price. Correlation metadata is attached to the session, and in
// subscription mode also to the subscription it will create, so that
// subscription webhooks carry the intent.
func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(params.Currency),
		UnitAmount: stripe.Int64(params.UnitAmountCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(params.ProductName),
		},
	}
	if params.Mode == CheckoutModeSubscription {
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(params.RecurringInterval),
		}
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(params.Mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: priceData,
				Quantity:  stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}
	sessionParams.Context = ctx

	if params.CustomerID != "" {
		sessionParams.Customer = stripe.String(params.CustomerID)
	} else if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	for k, v := range params.Metadata {
		sessionParams.AddMetadata(k, v)
	}
	if params.Mode == CheckoutModeSubscription {
		sessionParams.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: params.Metadata,
		}
	}

	sess, err := s.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	customerParams := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
	}
	customerParams.Context = ctx
	if params.Name != "" {
		customerParams.Name = stripe.String(params.Name)
	}
	for k, v := range params.Metadata {
		customerParams.AddMetadata(k, v)
	}

	cust, err := s.api.Customers.New(customerParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return &Customer{
		ID:        cust.ID,
		Email:     cust.Email,
		Name:      cust.Name,
		CreatedAt: time.Unix(cust.Created, 0),
	}, nil
}

// GetSubscription retrieves a subscription by its Stripe reference.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := s.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return mapStripeSubscription(sub), nil
}

// CancelSubscriptionAtPeriodEnd flags a subscription to end at the close of
// the current billing period. Access continues until the period end; the
// status transition arrives via the subscription.deleted webhook.
func (s *StripeProvider) CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx

	sub, err := s.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return mapStripeSubscription(sub), nil
}

// ListInvoices returns the customer's invoices, newest first.
func (s *StripeProvider) ListInvoices(ctx context.Context, customerID string, limit int64) ([]Invoice, error) {
	if limit <= 0 {
		limit = 12
	}

	params := &stripe.InvoiceListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)

	var invoices []Invoice
	it := s.api.Invoices.List(params)
	for it.Next() {
		inv := it.Invoice()
		invoices = append(invoices, Invoice{
			ID:               inv.ID,
			Number:           inv.Number,
			Status:           string(inv.Status),
			AmountDueCents:   inv.AmountDue,
			AmountPaidCents:  inv.AmountPaid,
			Currency:         string(inv.Currency),
			HostedInvoiceURL: inv.HostedInvoiceURL,
			CreatedAt:        time.Unix(inv.Created, 0),
		})
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError(err)
	}

	return invoices, nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature.
func (s *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return ErrInvalidWebhookSignature
	}
	return nil
}

// mapStripeSubscription converts a Stripe subscription to the provider type.
// Since the Stripe "basil" API the billing period lives on subscription
// items; the subscription-level period end is the latest item period end.
func mapStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		var periodEnd int64
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
		if periodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(periodEnd, 0)
		}
	}
	return out
}

// wrapStripeError converts a Stripe SDK error into a ProviderError.
func wrapStripeError(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return &ProviderError{
			Message:       stripeErr.Msg,
			Code:          string(stripeErr.Code),
			RequestID:     stripeErr.RequestID,
			OriginalError: err,
		}
	}
	return err
}
