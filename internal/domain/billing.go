package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FreeCapacity is the participant count every organizer can run events for
// without a subscription or credits.
const FreeCapacity = 10

// AdminGrantedCustomerRef marks a subscription record that was granted
// locally by an administrator and has no real counterpart at the payment
// provider. Records carrying this ref must never be sent to the provider
// for mutation; they are updated locally only.
const AdminGrantedCustomerRef = "admin_granted"

// Tier is a priced capacity bracket. Prices are integer minor currency
// units (cents). Tiers are totally ordered by capacity.
type Tier struct {
	Key                 string `json:"key"`
	Capacity            int    `json:"capacity"`
	SinglePriceCents    int64  `json:"single_price_cents"`
	RecurringPriceCents int64  `json:"recurring_price_cents"`
}

// SubscriptionStatus mirrors the provider's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// SubscriptionRecord mirrors the payment provider's subscription state for
// one organizer. At most one record exists per organizer; cancellation is a
// status transition, the record itself is never deleted.
//
// If ExternalSubscriptionRef is empty the status carries no meaning beyond
// "no subscription": callers must check the credit ledger instead.
type SubscriptionRecord struct {
	UserID                  uuid.UUID          `json:"user_id"`
	ExternalCustomerRef     string             `json:"external_customer_ref"`
	ExternalSubscriptionRef string             `json:"external_subscription_ref"`
	TierKey                 string             `json:"tier_key"`
	Status                  SubscriptionStatus `json:"status"`
	CurrentPeriodEnd        time.Time          `json:"current_period_end,omitzero"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	Plan                    string             `json:"plan"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// AdminGranted reports whether the record is a local administrative grant
// with no real remote counterpart.
func (r *SubscriptionRecord) AdminGranted() bool {
	return r.ExternalCustomerRef == AdminGrantedCustomerRef
}

// Usable reports whether the subscription currently grants access: active
// or trialing, or cancelled but still inside the paid period (grace period).
func (r *SubscriptionRecord) Usable(now time.Time) bool {
	if r.ExternalSubscriptionRef == "" && !r.AdminGranted() {
		return false
	}
	switch r.Status {
	case SubscriptionActive, SubscriptionTrialing:
		return true
	case SubscriptionCancelled:
		return r.CurrentPeriodEnd.After(now)
	default:
		return false
	}
}

// CreditTransactionType classifies entries in the credit ledger.
type CreditTransactionType string

const (
	CreditPurchase CreditTransactionType = "purchase"
	CreditConsumed CreditTransactionType = "consumed"
	CreditRefund   CreditTransactionType = "refund"
)

// CreditTransaction is one append-only entry in an organizer's credit
// ledger. Amount is signed: positive for purchase/refund, negative for
// consumed.
type CreditTransaction struct {
	ID          int64                 `json:"id"`
	UserID      uuid.UUID             `json:"user_id"`
	Type        CreditTransactionType `json:"type"`
	Amount      int                   `json:"amount"`
	TierKey     string                `json:"tier_key"`
	SessionID   string                `json:"session_id,omitempty"`
	ExternalRef string                `json:"external_ref,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// CreditSummary is the derived state of an organizer's ledger: the signed
// sum of all amounts plus the tier of the most recent unconsumed purchase.
type CreditSummary struct {
	Balance int    `json:"balance"`
	TierKey string `json:"tier_key,omitempty"`
}

// PaymentType distinguishes the two checkout intents.
type PaymentType string

const (
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypeSingleEvent  PaymentType = "single_event"
)

// CheckoutIntent is the correlation metadata carried on a remote checkout
// session and echoed back on completion. It is what lets the webhook
// processor attribute an anonymous provider event to a local organizer
// without re-deriving intent from payment amounts.
type CheckoutIntent struct {
	UserID      uuid.UUID
	TierKey     string
	PaymentType PaymentType
}

// CapacityDecision is the answer to "can this organizer run an event for
// N participants right now?".
type CapacityDecision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	CurrentTier string `json:"current_tier"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// BillingStore is the persistence collaborator for the billing subsystem.
// Implementations must serialize credit ledger writes per organizer: the
// append-then-recompute pattern is not safe under concurrent lost updates.
// Last-write-wins is acceptable for subscription status mirroring.
type BillingStore interface {
	// GetSubscription returns the organizer's subscription record, or a
	// ENOTFOUND error if none exists.
	GetSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionRecord, error)

	// GetSubscriptionByExternalRef locates a record by the provider's
	// subscription reference.
	GetSubscriptionByExternalRef(ctx context.Context, ref string) (*SubscriptionRecord, error)

	// UpsertSubscription creates or fully overwrites the organizer's record.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// UpdateSubscription overwrites the mutable lifecycle fields (status,
	// cancelAtPeriodEnd, currentPeriodEnd) of an existing record.
	UpdateSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// GetCredits returns the derived balance and capacity tier.
	GetCredits(ctx context.Context, userID uuid.UUID) (*CreditSummary, error)

	// AddCredits appends a purchase or refund transaction.
	AddCredits(ctx context.Context, tx *CreditTransaction) error

	// DeductCredit appends a consumed transaction of the given magnitude.
	// Returns ErrInsufficientBalance without writing if the balance does
	// not cover the amount.
	DeductCredit(ctx context.Context, tx *CreditTransaction) error

	// RefundCredit appends a refund matching a prior consumed transaction
	// for the session, at most one refund per consumption. The ledger scan
	// and the append run as a single serialized write per organizer.
	// Returns the appended transaction, or nil when nothing was refundable.
	RefundCredit(ctx context.Context, userID uuid.UUID, sessionID string) (*CreditTransaction, error)

	// GetCreditTransactions lists the organizer's ledger, newest first.
	GetCreditTransactions(ctx context.Context, userID uuid.UUID) ([]CreditTransaction, error)

	// MarkWebhookEventProcessed records a provider delivery id and reports
	// whether this is the first time it was seen. Used to deduplicate
	// at-least-once webhook deliveries for non-idempotent handlers.
	MarkWebhookEventProcessed(ctx context.Context, eventID string) (first bool, err error)
}

// ErrInsufficientBalance is returned by DeductCredit when the ledger
// balance does not cover the requested amount. Callers must treat this as
// a recoverable outcome, not a fault.
var ErrInsufficientBalance = PaymentRequired("credits.deduct", "insufficient credit balance")

// IdentityService resolves a bearer credential to an organizer identity.
// The identity provider is an external collaborator; this subsystem only
// consumes the resolution.
type IdentityService interface {
	ResolveToken(ctx context.Context, token string) (uuid.UUID, error)
}
