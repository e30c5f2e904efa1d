package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/calder/internal/domain"
)

func TestAuthorize_InvalidCapacity(t *testing.T) {
	svc := NewCapacityService(newFakeStore(), nil)

	for _, capacity := range []int{0, -5} {
		_, err := svc.Authorize(context.Background(), testUserID(), capacity)
		require.Error(t, err)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	}
}

func TestAuthorize_FreeCapacity(t *testing.T) {
	// No subscription, no credits: small events are always allowed.
	svc := NewCapacityService(newFakeStore(), nil)

	for _, capacity := range []int{1, 5, domain.FreeCapacity} {
		decision, err := svc.Authorize(context.Background(), testUserID(), capacity)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "capacity %d", capacity)
		assert.Equal(t, TierFree, decision.CurrentTier)
	}
}

func TestAuthorize_NoSubscriptionOrCredits(t *testing.T) {
	svc := NewCapacityService(newFakeStore(), nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 25)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, TierFree, decision.CurrentTier)
	assert.Contains(t, decision.Suggestion, "starter")
}

func TestAuthorize_SubscriptionCovers(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:                  testUserID(),
		ExternalCustomerRef:     "cus_1",
		ExternalSubscriptionRef: "sub_1",
		TierKey:                 "growth",
		Status:                  domain.SubscriptionActive,
	})
	svc := NewCapacityService(store, nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 150)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "growth", decision.CurrentTier)

	decision, err = svc.Authorize(context.Background(), testUserID(), 151)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Suggestion, "pro")
}

func TestAuthorize_SubscriptionDoesNotFallThroughToCredits(t *testing.T) {
	// An organizer with an active but undersized subscription and a spare
	// credit is denied: the credit is never consumed implicitly.
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:                  testUserID(),
		ExternalCustomerRef:     "cus_1",
		ExternalSubscriptionRef: "sub_1",
		TierKey:                 "starter",
		Status:                  domain.SubscriptionActive,
	})
	seedPurchase(store, testUserID(), 1, "max")
	svc := NewCapacityService(store, nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 500)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "starter", decision.CurrentTier)
}

func TestAuthorize_GracePeriod(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:                  testUserID(),
		ExternalCustomerRef:     "cus_1",
		ExternalSubscriptionRef: "sub_1",
		TierKey:                 "growth",
		Status:                  domain.SubscriptionCancelled,
		CurrentPeriodEnd:        time.Now().Add(48 * time.Hour),
	})
	svc := NewCapacityService(store, nil)

	// Cancelled but inside the paid period still grants tier access.
	decision, err := svc.Authorize(context.Background(), testUserID(), 100)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "growth", decision.CurrentTier)
}

func TestAuthorize_ExpiredCancellationFallsToCredits(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:                  testUserID(),
		ExternalCustomerRef:     "cus_1",
		ExternalSubscriptionRef: "sub_1",
		TierKey:                 "growth",
		Status:                  domain.SubscriptionCancelled,
		CurrentPeriodEnd:        time.Now().Add(-time.Hour),
	})
	seedPurchase(store, testUserID(), 1, "pro")
	svc := NewCapacityService(store, nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 200)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "pro", decision.CurrentTier)
}

func TestAuthorize_PastDueFallsToCredits(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:                  testUserID(),
		ExternalCustomerRef:     "cus_1",
		ExternalSubscriptionRef: "sub_1",
		TierKey:                 "max",
		Status:                  domain.SubscriptionPastDue,
	})
	svc := NewCapacityService(store, nil)

	// Past due grants nothing; with no credits the request is denied even
	// though the subscription tier would cover it.
	decision, err := svc.Authorize(context.Background(), testUserID(), 100)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestAuthorize_CreditCovers(t *testing.T) {
	store := newFakeStore()
	seedPurchase(store, testUserID(), 1, "growth")
	svc := NewCapacityService(store, nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 120)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "growth", decision.CurrentTier)
}

func TestAuthorize_CreditTierTooSmall(t *testing.T) {
	store := newFakeStore()
	seedPurchase(store, testUserID(), 1, "starter")
	svc := NewCapacityService(store, nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 200)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Suggestion, "pro")
}

func TestAuthorize_AdminGrant(t *testing.T) {
	store := newFakeStore()
	seedSubscription(store, domain.SubscriptionRecord{
		UserID:              testUserID(),
		ExternalCustomerRef: domain.AdminGrantedCustomerRef,
		TierKey:             "max",
		Status:              domain.SubscriptionActive,
	})
	svc := NewCapacityService(store, nil)

	decision, err := svc.Authorize(context.Background(), testUserID(), 800)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "max", decision.CurrentTier)
}
