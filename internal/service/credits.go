package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/telemetry"
)

// CreditService manages the per-organizer credit ledger: an append-only
// transaction log with a derived balance. The balance never goes negative;
// the store enforces that under a per-organizer serialized write.
type CreditService struct {
	store  domain.BillingStore
	logger *slog.Logger
}

// NewCreditService creates a CreditService.
func NewCreditService(store domain.BillingStore, logger *slog.Logger) *CreditService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditService{
		store:  store,
		logger: logger.With("service", "credits"),
	}
}

// AddCredits appends a purchase transaction. externalRef is the provider's
// payment reference, sessionID the checkout session that bought the credit.
func (s *CreditService) AddCredits(ctx context.Context, userID uuid.UUID, amount int, tierKey, sessionID, externalRef string) error {
	if amount <= 0 {
		return domain.Invalid("credits.add", "amount must be positive")
	}
	if _, ok := TierByKey(tierKey); !ok {
		return domain.Errorf(domain.EINVALID, "credits.add", "unknown tier: %s", tierKey)
	}

	err := s.store.AddCredits(ctx, &domain.CreditTransaction{
		UserID:      userID,
		Type:        domain.CreditPurchase,
		Amount:      amount,
		TierKey:     tierKey,
		SessionID:   sessionID,
		ExternalRef: externalRef,
	})
	if err != nil {
		return domain.WrapError(err, domain.EINTERNAL, "credits.add", "failed to record credit purchase")
	}

	if telemetry.Business != nil {
		telemetry.Business.CreditsPurchased.WithLabelValues(tierKey).Add(float64(amount))
	}
	s.logger.Info("credits added",
		"user_id", userID,
		"amount", amount,
		"tier", tierKey)
	return nil
}

// DeductCredit consumes credits for an event session. Returns (false, nil)
// when the balance does not cover the amount: the caller decides whether to
// block the registration or let it proceed without consuming a credit, so
// an empty balance is a recoverable outcome rather than a fault.
func (s *CreditService) DeductCredit(ctx context.Context, userID uuid.UUID, amount int, sessionID string) (bool, error) {
	if amount <= 0 {
		return false, domain.Invalid("credits.deduct", "amount must be positive")
	}

	credits, err := s.store.GetCredits(ctx, userID)
	if err != nil {
		return false, domain.WrapError(err, domain.EINTERNAL, "credits.deduct", "failed to load credit balance")
	}

	err = s.store.DeductCredit(ctx, &domain.CreditTransaction{
		UserID:    userID,
		Type:      domain.CreditConsumed,
		Amount:    -amount,
		TierKey:   credits.TierKey,
		SessionID: sessionID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) || domain.IsCode(err, domain.EPAYMENT) {
			return false, nil
		}
		return false, domain.WrapError(err, domain.EINTERNAL, "credits.deduct", "failed to record credit consumption")
	}

	if telemetry.Business != nil {
		telemetry.Business.CreditsConsumed.WithLabelValues(credits.TierKey).Add(float64(amount))
	}
	s.logger.Info("credit consumed",
		"user_id", userID,
		"amount", amount,
		"event_session", sessionID)
	return true, nil
}

// GetBalance returns the derived balance and capacity tier.
func (s *CreditService) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.CreditSummary, error) {
	credits, err := s.store.GetCredits(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, "credits.balance", "failed to load credit balance")
	}
	return credits, nil
}

// ListTransactions returns the organizer's ledger, newest first.
func (s *CreditService) ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	txs, err := s.store.GetCreditTransactions(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, "credits.list", "failed to load credit transactions")
	}
	return txs, nil
}

// RefundEventCredit restores the credit consumed for an event session.
//
// Precondition (caller's responsibility, not re-verified here): zero
// registrations exist for the session. Verifying that would cross into the
// registration subsystem's domain.
//
// The ledger is scanned for a consumed transaction with the given session
// id; if none exists, or it was already refunded, this is a no-op returning
// false. The scan and the refund append run as one serialized store write,
// so concurrent refund requests for the same session cannot both succeed.
func (s *CreditService) RefundEventCredit(ctx context.Context, userID uuid.UUID, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, domain.Invalid("credits.refund", "session id is required")
	}

	refund, err := s.store.RefundCredit(ctx, userID, sessionID)
	if err != nil {
		return false, domain.WrapError(err, domain.EINTERNAL, "credits.refund", "failed to record credit refund")
	}
	if refund == nil {
		return false, nil
	}

	if telemetry.Business != nil {
		telemetry.Business.CreditsRefunded.WithLabelValues(refund.TierKey).Inc()
	}
	s.logger.Info("credit refunded",
		"user_id", userID,
		"event_session", sessionID)
	return true, nil
}
