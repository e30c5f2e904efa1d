package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/service"
)

// maxBodyBytes caps request bodies, including webhook payloads.
const maxBodyBytes = 1 << 16

// userIDResolver reads the authenticated user ID out of the request context.
// Wired to middleware.UserIDFromContext in main; injected here so handler
// tests can stub authentication.
type userIDResolver func(ctx context.Context) (uuid.UUID, bool)

// BillingHandler exposes the billing API: checkout, subscription lifecycle,
// credits, capacity checks, and the payment provider webhook.
type BillingHandler struct {
	capacity      *service.CapacityService
	checkout      *service.CheckoutService
	credits       *service.CreditService
	subscriptions *service.SubscriptionService
	webhooks      *service.WebhookProcessor
	userID        userIDResolver
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(
	capacity *service.CapacityService,
	checkout *service.CheckoutService,
	credits *service.CreditService,
	subscriptions *service.SubscriptionService,
	webhooks *service.WebhookProcessor,
	userID userIDResolver,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		capacity:      capacity,
		checkout:      checkout,
		credits:       credits,
		subscriptions: subscriptions,
		webhooks:      webhooks,
		userID:        userID,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger.With("handler", "billing"),
	}
}

// =============================================================================
// Checkout
// =============================================================================

type createSubscriptionRequest struct {
	Capacity int    `json:"capacity" validate:"required,gt=0"`
	Interval string `json:"interval" validate:"required,oneof=month year"`
	Email    string `json:"email" validate:"omitempty,email"`
}

type createEventPaymentRequest struct {
	Capacity int    `json:"capacity" validate:"required,gt=0"`
	Email    string `json:"email" validate:"omitempty,email"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreateSubscription handles POST /api/billing/create-subscription
func (h *BillingHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.create_subscription", "authentication required"))
		return
	}

	var req createSubscriptionRequest
	if err := h.decode(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	result, err := h.checkout.CreateSubscriptionCheckout(r.Context(), userID, req.Email, req.Capacity, req.Interval)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, checkoutResponse{SessionID: result.SessionID, URL: result.URL})
}

// CreateEventPayment handles POST /api/billing/create-event-payment
func (h *BillingHandler) CreateEventPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.create_event_payment", "authentication required"))
		return
	}

	var req createEventPaymentRequest
	if err := h.decode(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	result, err := h.checkout.CreateEventPaymentCheckout(r.Context(), userID, req.Email, req.Capacity)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, checkoutResponse{SessionID: result.SessionID, URL: result.URL})
}

// =============================================================================
// Subscription
// =============================================================================

type subscriptionResponse struct {
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	Plan              string     `json:"plan,omitempty"`
	AdminGranted      bool       `json:"admin_granted"`
	Capacity          int        `json:"capacity"`
}

func newSubscriptionResponse(rec *domain.SubscriptionRecord) subscriptionResponse {
	resp := subscriptionResponse{
		Tier:              rec.TierKey,
		Status:            string(rec.Status),
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		Plan:              rec.Plan,
		AdminGranted:      rec.AdminGranted(),
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		end := rec.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	if tier, ok := service.TierByKey(rec.TierKey); ok {
		resp.Capacity = tier.Capacity
	}
	return resp
}

// GetSubscription handles GET /api/billing/subscription
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.get_subscription", "authentication required"))
		return
	}

	rec, err := h.subscriptions.GetSubscription(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newSubscriptionResponse(rec))
}

// CancelSubscription handles POST /api/billing/cancel-subscription
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.cancel_subscription", "authentication required"))
		return
	}

	rec, err := h.subscriptions.CancelSubscription(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newSubscriptionResponse(rec))
}

// ListInvoices handles GET /api/billing/invoices
func (h *BillingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.list_invoices", "authentication required"))
		return
	}

	invoices, err := h.subscriptions.ListInvoices(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

// =============================================================================
// Credits
// =============================================================================

type creditsResponse struct {
	Balance      int                        `json:"balance"`
	Tier         string                     `json:"tier,omitempty"`
	Transactions []domain.CreditTransaction `json:"transactions"`
}

// GetCredits handles GET /api/billing/credits
func (h *BillingHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.get_credits", "authentication required"))
		return
	}

	summary, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	transactions, err := h.credits.ListTransactions(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	if transactions == nil {
		transactions = []domain.CreditTransaction{}
	}

	respondJSON(w, http.StatusOK, creditsResponse{
		Balance:      summary.Balance,
		Tier:         summary.TierKey,
		Transactions: transactions,
	})
}

// =============================================================================
// Capacity
// =============================================================================

// CheckCapacity handles GET /api/billing/capacity-check?capacity=N
func (h *BillingHandler) CheckCapacity(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r.Context())
	if !ok {
		ErrorResponse(w, r, domain.Unauthorized("billing.capacity_check", "authentication required"))
		return
	}

	capacity, err := strconv.Atoi(r.URL.Query().Get("capacity"))
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("billing.capacity_check", "capacity must be an integer"))
		return
	}

	decision, err := h.capacity.Authorize(r.Context(), userID, capacity)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, decision)
}

// =============================================================================
// Tiers
// =============================================================================

type tierResponse struct {
	Key                 string `json:"key"`
	Capacity            int    `json:"capacity"`
	SinglePriceCents    int64  `json:"single_price_cents"`
	RecurringPriceCents int64  `json:"recurring_price_cents"`
}

// ListTiers handles GET /api/billing/tiers
// Public catalog endpoint, no authentication.
func (h *BillingHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers := service.Tiers()
	out := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, tierResponse{
			Key:                 t.Key,
			Capacity:            t.Capacity,
			SinglePriceCents:    t.SinglePriceCents,
			RecurringPriceCents: t.RecurringPriceCents,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"tiers": out})
}

// =============================================================================
// Webhook
// =============================================================================

// HandleWebhook handles POST /webhooks/stripe
// Signature and payload failures are rejected; processing failures after a
// valid parse are acknowledged with 200 so the provider does not retry
// deliveries we have already recorded.
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("webhook: failed to read body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := h.webhooks.Handle(r.Context(), payload, signature); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// =============================================================================
// Admin
// =============================================================================

type grantSubscriptionRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Tier      string `json:"tier" validate:"required"`
	PeriodEnd string `json:"period_end" validate:"omitempty"`
}

// GrantSubscription handles POST /api/admin/grant-subscription
// Guarded by the admin token middleware.
func (h *BillingHandler) GrantSubscription(w http.ResponseWriter, r *http.Request) {
	var req grantSubscriptionRequest
	if err := h.decode(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("billing.grant", "user_id must be a valid UUID"))
		return
	}

	periodEnd := time.Now().AddDate(1, 0, 0)
	if req.PeriodEnd != "" {
		periodEnd, err = time.Parse(time.RFC3339, req.PeriodEnd)
		if err != nil {
			ErrorResponse(w, r, domain.Invalid("billing.grant", "period_end must be RFC 3339"))
			return
		}
	}

	rec, err := h.subscriptions.GrantSubscription(r.Context(), userID, req.Tier, periodEnd)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, newSubscriptionResponse(rec))
}

// =============================================================================
// Helpers
// =============================================================================

// decode reads and validates a JSON request body.
func (h *BillingHandler) decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return domain.Invalid("billing.decode", "invalid JSON request body")
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return domain.Errorf(domain.EINVALID, "billing.decode", "field %s failed validation (%s)", f.Field(), f.Tag())
		}
		return domain.Invalid("billing.decode", "request failed validation")
	}

	return nil
}
