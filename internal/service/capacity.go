package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/telemetry"
)

// CapacityService answers the authorization question "can this organizer
// run an event for N participants right now?". It combines the tier
// catalog, the organizer's subscription record and their credit ledger.
//
// Authorize only reads state. Consuming a credit is a separate explicit
// step owned by CreditService; calling Authorize twice is always safe.
type CapacityService struct {
	store  domain.BillingStore
	logger *slog.Logger
	now    func() time.Time
}

// NewCapacityService creates a CapacityService.
func NewCapacityService(store domain.BillingStore, logger *slog.Logger) *CapacityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityService{
		store:  store,
		logger: logger.With("service", "capacity"),
		now:    time.Now,
	}
}

// Authorize decides whether the organizer may run an event with the
// requested participant capacity.
//
// Decision order, first match wins:
//  1. requested capacity within the free threshold
//  2. usable subscription (active/trialing, or cancelled inside the grace
//     period) whose tier covers the capacity; a usable subscription with an
//     insufficient tier denies without falling through to credits, so a
//     purchased credit is never silently consumed while a subscription exists
//  3. positive credit balance whose tier covers the capacity
//  4. denied, with a purchase suggestion
func (s *CapacityService) Authorize(ctx context.Context, userID uuid.UUID, requestedCapacity int) (*domain.CapacityDecision, error) {
	if requestedCapacity <= 0 {
		return nil, domain.Invalid("capacity.authorize", "capacity must be positive")
	}

	if requestedCapacity <= domain.FreeCapacity {
		return s.decided(&domain.CapacityDecision{
			Allowed:     true,
			Reason:      "within free capacity",
			CurrentTier: TierFree,
		}), nil
	}

	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil && !domain.IsCode(err, domain.ENOTFOUND) {
		return nil, domain.WrapError(err, domain.EINTERNAL, "capacity.authorize", "failed to load subscription")
	}

	if sub != nil && sub.Usable(s.now()) {
		tier, ok := TierByKey(sub.TierKey)
		if !ok {
			return nil, domain.Errorf(domain.EINTERNAL, "capacity.authorize", "subscription has unknown tier: %s", sub.TierKey)
		}
		if requestedCapacity <= tier.Capacity {
			return s.decided(&domain.CapacityDecision{
				Allowed:     true,
				Reason:      "covered by subscription",
				CurrentTier: tier.Key,
			}), nil
		}
		suggested := ResolveTier(requestedCapacity)
		return s.decided(&domain.CapacityDecision{
			Allowed:     false,
			Reason:      fmt.Sprintf("subscription tier allows up to %d participants", tier.Capacity),
			CurrentTier: tier.Key,
			Suggestion:  fmt.Sprintf("upgrade your subscription to the %s tier for up to %d participants", suggested.Key, suggested.Capacity),
		}), nil
	}

	credits, err := s.store.GetCredits(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, "capacity.authorize", "failed to load credit balance")
	}

	if credits.Balance > 0 {
		tier, ok := TierByKey(credits.TierKey)
		if ok && requestedCapacity <= tier.Capacity {
			return s.decided(&domain.CapacityDecision{
				Allowed:     true,
				Reason:      "covered by event credit",
				CurrentTier: tier.Key,
			}), nil
		}
		suggested := ResolveTier(requestedCapacity)
		return s.decided(&domain.CapacityDecision{
			Allowed:     false,
			Reason:      "available credit does not cover the requested capacity",
			CurrentTier: credits.TierKey,
			Suggestion:  fmt.Sprintf("purchase a %s event credit for up to %d participants", suggested.Key, suggested.Capacity),
		}), nil
	}

	suggested := ResolveTier(requestedCapacity)
	return s.decided(&domain.CapacityDecision{
		Allowed:     false,
		Reason:      "no subscription or event credits",
		CurrentTier: TierFree,
		Suggestion:  fmt.Sprintf("subscribe or purchase a %s event credit for up to %d participants", suggested.Key, suggested.Capacity),
	}), nil
}

func (s *CapacityService) decided(d *domain.CapacityDecision) *domain.CapacityDecision {
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	if telemetry.Business != nil {
		telemetry.Business.CapacityChecks.WithLabelValues(outcome, d.CurrentTier).Inc()
	}
	return d
}
