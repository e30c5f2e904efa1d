package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/billing"
	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/telemetry"
)

// Correlation metadata keys carried on checkout sessions and echoed back by
// the provider on completion. The webhook processor attributes events to
// organizers through these, never through payment amounts.
const (
	MetaUserID      = "user_id"
	MetaTier        = "tier"
	MetaPaymentType = "payment_type"
)

// CheckoutConfig holds configuration for the checkout orchestrator.
type CheckoutConfig struct {
	// BaseURL is the application base URL for success/cancel redirects.
	BaseURL string

	// Currency code (ISO 4217 lowercase) for all tier prices.
	Currency string
}

// CheckoutService creates provider-side checkout sessions for subscriptions
// and single-event credit purchases. It has no local state effect: all
// state transitions happen later, when the provider's webhook arrives.
type CheckoutService struct {
	store    domain.BillingStore
	provider billing.Provider
	config   CheckoutConfig
	logger   *slog.Logger
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(store domain.BillingStore, provider billing.Provider, config CheckoutConfig, logger *slog.Logger) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Currency == "" {
		config.Currency = "usd"
	}
	return &CheckoutService{
		store:    store,
		provider: provider,
		config:   config,
		logger:   logger.With("service", "checkout"),
	}
}

// CheckoutResult is the outcome of creating a checkout session: the hosted
// page to redirect the organizer to, and the session id for correlation.
type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreateSubscriptionCheckout creates a recurring-billing checkout session
// for the tier covering the requested capacity. interval is "month" or
// "year".
func (s *CheckoutService) CreateSubscriptionCheckout(ctx context.Context, userID uuid.UUID, email string, capacity int, interval string) (*CheckoutResult, error) {
	if capacity <= 0 {
		return nil, domain.Invalid("checkout.subscription", "capacity must be positive")
	}
	if interval != "month" && interval != "year" {
		return nil, domain.Errorf(domain.EINVALID, "checkout.subscription", "invalid billing interval: %s", interval)
	}

	tier := ResolveTier(capacity)
	customerID, err := s.customerRef(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	return s.createSession(ctx, billing.CreateCheckoutSessionParams{
		Mode:              billing.CheckoutModeSubscription,
		CustomerID:        customerID,
		CustomerEmail:     email,
		ProductName:       "Calder " + tier.Key + " subscription",
		UnitAmountCents:   tier.RecurringPriceCents,
		Currency:          s.config.Currency,
		RecurringInterval: interval,
		Metadata: map[string]string{
			MetaUserID:      userID.String(),
			MetaTier:        tier.Key,
			MetaPaymentType: string(domain.PaymentTypeSubscription),
		},
		SuccessURL: s.config.BaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.config.BaseURL + "/billing/plans",
	}, tier.Key)
}

// CreateEventPaymentCheckout creates a one-time checkout session purchasing
// a single event credit for the tier covering the requested capacity.
func (s *CheckoutService) CreateEventPaymentCheckout(ctx context.Context, userID uuid.UUID, email string, capacity int) (*CheckoutResult, error) {
	if capacity <= 0 {
		return nil, domain.Invalid("checkout.event", "capacity must be positive")
	}

	tier := ResolveTier(capacity)
	customerID, err := s.customerRef(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	return s.createSession(ctx, billing.CreateCheckoutSessionParams{
		Mode:            billing.CheckoutModePayment,
		CustomerID:      customerID,
		CustomerEmail:   email,
		ProductName:     "Calder " + tier.Key + " event credit",
		UnitAmountCents: tier.SinglePriceCents,
		Currency:        s.config.Currency,
		Metadata: map[string]string{
			MetaUserID:      userID.String(),
			MetaTier:        tier.Key,
			MetaPaymentType: string(domain.PaymentTypeSingleEvent),
		},
		SuccessURL: s.config.BaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.config.BaseURL + "/billing/plans",
	}, tier.Key)
}

// customerRef returns the organizer's provider customer reference, creating
// one at the provider when none exists, so the session is tied to a stable
// customer before the first webhook arrives. The admin-granted placeholder
// is never presented to the provider: those organizers get a real customer
// like anyone else, and their local grant record is left untouched.
func (s *CheckoutService) customerRef(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	rec, err := s.store.GetSubscription(ctx, userID)
	switch {
	case err != nil && domain.IsCode(err, domain.ENOTFOUND):
		rec = nil
	case err != nil:
		return "", domain.WrapError(err, domain.EINTERNAL, "checkout.customer", "failed to load subscription")
	case !rec.AdminGranted() && rec.ExternalCustomerRef != "":
		return rec.ExternalCustomerRef, nil
	}

	cust, err := s.provider.CreateCustomer(ctx, billing.CreateCustomerParams{
		Email:    email,
		Metadata: map[string]string{MetaUserID: userID.String()},
	})
	if err != nil {
		s.logger.Error("failed to create provider customer",
			"user_id", userID,
			"error", err)
		return "", domain.Unavailable(err, "checkout.customer", "payment provider is unavailable, please try again")
	}

	// Persist the ref on an existing record so later checkouts reuse the
	// same customer. A first-time organizer has no record yet; their ref
	// reaches the store when the completed-session webhook upserts one.
	if rec != nil && !rec.AdminGranted() {
		rec.ExternalCustomerRef = cust.ID
		if err := s.store.UpsertSubscription(ctx, rec); err != nil {
			s.logger.Warn("failed to persist customer ref",
				"user_id", userID,
				"error", err)
		}
	}

	s.logger.Info("provider customer created",
		"user_id", userID,
		"customer_id", cust.ID)
	return cust.ID, nil
}

func (s *CheckoutService) createSession(ctx context.Context, params billing.CreateCheckoutSessionParams, tierKey string) (*CheckoutResult, error) {
	sess, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		s.logger.Error("failed to create checkout session",
			"mode", params.Mode,
			"tier", tierKey,
			"error", err)
		// Checkout creation is a required write; surface the failure.
		return nil, domain.Unavailable(err, "checkout.create", "payment provider is unavailable, please try again")
	}

	if telemetry.Business != nil {
		telemetry.Business.CheckoutStarted.WithLabelValues(string(params.Mode), tierKey).Inc()
	}
	s.logger.Info("checkout session created",
		"session_id", sess.ID,
		"mode", params.Mode,
		"tier", tierKey)

	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}
