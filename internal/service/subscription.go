package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/billing"
	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/telemetry"
)

// refreshTimeout bounds the provider call on the read path. Freshness is
// best-effort there: on timeout the caller gets last-known local state.
const refreshTimeout = 3 * time.Second

// SubscriptionService owns the local mirror of the provider's subscription
// lifecycle. All provider-driven transitions flow through the webhook
// processor; this service handles the read path, cancellation intent, and
// administrative grants.
type SubscriptionService struct {
	store    domain.BillingStore
	provider billing.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(store domain.BillingStore, provider billing.Provider, logger *slog.Logger) *SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{
		store:    store,
		provider: provider,
		logger:   logger.With("service", "subscription"),
		now:      time.Now,
	}
}

// GetSubscription returns the organizer's subscription record, refreshed
// from the provider when possible. Provider failures on this path are
// swallowed and logged: the last-known local state is returned instead.
// Admin-granted records are never refreshed from the provider.
func (s *SubscriptionService) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionRecord, error) {
	rec, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if rec.AdminGranted() || rec.ExternalSubscriptionRef == "" {
		return rec, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	remote, err := s.provider.GetSubscription(refreshCtx, rec.ExternalSubscriptionRef)
	if err != nil {
		s.logger.Warn("subscription refresh failed, serving local state",
			"user_id", userID,
			"subscription_ref", rec.ExternalSubscriptionRef,
			"error", err)
		return rec, nil
	}

	refreshed := mirrorProviderSubscription(rec, remote)
	if refreshed {
		if err := s.store.UpdateSubscription(ctx, rec); err != nil {
			s.logger.Warn("failed to persist refreshed subscription",
				"user_id", userID,
				"error", err)
		}
	}

	return rec, nil
}

// CancelSubscription requests cancellation of the organizer's subscription.
//
// For a real subscription this only sets intent: the provider is asked to
// cancel at period end, cancelAtPeriodEnd is mirrored locally, and the
// status stays unchanged until the provider's deletion webhook arrives, so
// access persists until currentPeriodEnd.
//
// Admin-granted records have no remote counterpart and transition to
// cancelled locally, immediately.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionRecord, error) {
	rec, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if rec.AdminGranted() {
		rec.Status = domain.SubscriptionCancelled
		rec.CancelAtPeriodEnd = false
		if err := s.store.UpdateSubscription(ctx, rec); err != nil {
			return nil, domain.WrapError(err, domain.EINTERNAL, "subscription.cancel", "failed to cancel granted subscription")
		}
		s.logger.Info("admin-granted subscription cancelled", "user_id", userID)
		return rec, nil
	}

	if rec.ExternalSubscriptionRef == "" {
		return nil, domain.NotFound("subscription.cancel", "subscription", userID.String())
	}

	remote, err := s.provider.CancelSubscriptionAtPeriodEnd(ctx, rec.ExternalSubscriptionRef)
	if err != nil {
		// Cancellation is a required write; surface the failure.
		return nil, domain.Unavailable(err, "subscription.cancel", "payment provider is unavailable, please try again")
	}

	rec.CancelAtPeriodEnd = true
	if !remote.CurrentPeriodEnd.IsZero() {
		rec.CurrentPeriodEnd = remote.CurrentPeriodEnd
	}
	if err := s.store.UpdateSubscription(ctx, rec); err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, "subscription.cancel", "failed to record cancellation")
	}

	if telemetry.Business != nil {
		telemetry.Business.SubscriptionsCancelled.WithLabelValues(rec.TierKey).Inc()
	}
	s.logger.Info("subscription cancellation requested",
		"user_id", userID,
		"subscription_ref", rec.ExternalSubscriptionRef,
		"period_end", rec.CurrentPeriodEnd)
	return rec, nil
}

// GrantSubscription creates or overwrites an organizer's subscription with
// a local administrative grant. The record carries the admin-granted
// customer ref and is never sent to the provider for mutation.
func (s *SubscriptionService) GrantSubscription(ctx context.Context, userID uuid.UUID, tierKey string, periodEnd time.Time) (*domain.SubscriptionRecord, error) {
	if _, ok := TierByKey(tierKey); !ok {
		return nil, domain.Errorf(domain.EINVALID, "subscription.grant", "unknown tier: %s", tierKey)
	}

	rec := &domain.SubscriptionRecord{
		UserID:              userID,
		ExternalCustomerRef: domain.AdminGrantedCustomerRef,
		TierKey:             tierKey,
		Status:              domain.SubscriptionActive,
		CurrentPeriodEnd:    periodEnd,
		Plan:                tierKey,
	}
	if err := s.store.UpsertSubscription(ctx, rec); err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, "subscription.grant", "failed to store granted subscription")
	}

	s.logger.Info("subscription granted",
		"user_id", userID,
		"tier", tierKey,
		"period_end", periodEnd)
	return rec, nil
}

// ListInvoices returns the organizer's provider invoices. Admin-granted
// records have no provider customer and yield an empty list.
func (s *SubscriptionService) ListInvoices(ctx context.Context, userID uuid.UUID) ([]billing.Invoice, error) {
	rec, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if rec.AdminGranted() || rec.ExternalCustomerRef == "" {
		return []billing.Invoice{}, nil
	}

	invoices, err := s.provider.ListInvoices(ctx, rec.ExternalCustomerRef, 24)
	if err != nil {
		return nil, domain.Unavailable(err, "subscription.invoices", "payment provider is unavailable, please try again")
	}
	return invoices, nil
}

// mapProviderStatus maps the provider's raw subscription status onto the
// local lifecycle. Unknown statuses (incomplete, paused, ...) map to
// past_due: access is withheld without discarding the record.
func mapProviderStatus(status string) domain.SubscriptionStatus {
	switch status {
	case "active":
		return domain.SubscriptionActive
	case "trialing":
		return domain.SubscriptionTrialing
	case "past_due", "unpaid":
		return domain.SubscriptionPastDue
	case "canceled", "cancelled":
		return domain.SubscriptionCancelled
	default:
		return domain.SubscriptionPastDue
	}
}

// mirrorProviderSubscription copies the provider-owned lifecycle fields
// onto the local record. The local record is a mirror, not an authority.
// Reports whether anything changed.
func mirrorProviderSubscription(rec *domain.SubscriptionRecord, remote *billing.Subscription) bool {
	changed := false
	if st := mapProviderStatus(remote.Status); st != rec.Status {
		rec.Status = st
		changed = true
	}
	if remote.CancelAtPeriodEnd != rec.CancelAtPeriodEnd {
		rec.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
		changed = true
	}
	if !remote.CurrentPeriodEnd.IsZero() && !remote.CurrentPeriodEnd.Equal(rec.CurrentPeriodEnd) {
		rec.CurrentPeriodEnd = remote.CurrentPeriodEnd
		changed = true
	}
	return changed
}
