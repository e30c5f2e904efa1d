package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/domain"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// fakeStore is an in-memory domain.BillingStore for testing.
type fakeStore struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]domain.SubscriptionRecord
	transactions  []domain.CreditTransaction
	seenEvents    map[string]bool
	nextID        int64

	// error injection
	getSubscriptionErr error
	getCreditsErr      error
	addCreditsErr      error
}

var _ domain.BillingStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscriptions: make(map[uuid.UUID]domain.SubscriptionRecord),
		seenEvents:    make(map[string]bool),
	}
}

func (f *fakeStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getSubscriptionErr != nil {
		return nil, f.getSubscriptionErr
	}
	rec, ok := f.subscriptions[userID]
	if !ok {
		return nil, domain.NotFound("subscription.get", "subscription", userID.String())
	}
	out := rec
	return &out, nil
}

func (f *fakeStore) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*domain.SubscriptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.subscriptions {
		if rec.ExternalSubscriptionRef == ref && ref != "" {
			out := rec
			return &out, nil
		}
	}
	return nil, domain.NotFound("subscription.get_by_ref", "subscription", ref)
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, rec *domain.SubscriptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.UpdatedAt = time.Now()
	f.subscriptions[rec.UserID] = *rec
	return nil
}

func (f *fakeStore) UpdateSubscription(ctx context.Context, rec *domain.SubscriptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscriptions[rec.UserID]; !ok {
		return domain.NotFound("subscription.update", "subscription", rec.UserID.String())
	}
	rec.UpdatedAt = time.Now()
	f.subscriptions[rec.UserID] = *rec
	return nil
}

func (f *fakeStore) GetCredits(ctx context.Context, userID uuid.UUID) (*domain.CreditSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getCreditsErr != nil {
		return nil, f.getCreditsErr
	}
	return f.summaryLocked(userID), nil
}

func (f *fakeStore) summaryLocked(userID uuid.UUID) *domain.CreditSummary {
	summary := &domain.CreditSummary{}
	for _, tx := range f.transactions {
		if tx.UserID != userID {
			continue
		}
		summary.Balance += tx.Amount
		if tx.Type == domain.CreditPurchase {
			summary.TierKey = tx.TierKey
		}
	}
	return summary
}

func (f *fakeStore) AddCredits(ctx context.Context, tx *domain.CreditTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addCreditsErr != nil {
		return f.addCreditsErr
	}
	f.appendLocked(tx)
	return nil
}

func (f *fakeStore) DeductCredit(ctx context.Context, tx *domain.CreditTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaryLocked(tx.UserID).Balance+tx.Amount < 0 {
		return domain.ErrInsufficientBalance
	}
	f.appendLocked(tx)
	return nil
}

func (f *fakeStore) RefundCredit(ctx context.Context, userID uuid.UUID, sessionID string) (*domain.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var consumed *domain.CreditTransaction
	consumptions, refunds := 0, 0
	for i := range f.transactions {
		tx := &f.transactions[i]
		if tx.UserID != userID || tx.SessionID != sessionID {
			continue
		}
		switch tx.Type {
		case domain.CreditConsumed:
			consumptions++
			if consumed == nil {
				consumed = tx
			}
		case domain.CreditRefund:
			refunds++
		}
	}
	if consumed == nil || refunds >= consumptions {
		return nil, nil
	}

	refund := &domain.CreditTransaction{
		UserID:    userID,
		Type:      domain.CreditRefund,
		Amount:    -consumed.Amount,
		TierKey:   consumed.TierKey,
		SessionID: sessionID,
	}
	f.appendLocked(refund)
	return refund, nil
}

func (f *fakeStore) appendLocked(tx *domain.CreditTransaction) {
	f.nextID++
	tx.ID = f.nextID
	tx.CreatedAt = time.Now()
	f.transactions = append(f.transactions, *tx)
}

func (f *fakeStore) GetCreditTransactions(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CreditTransaction
	for i := len(f.transactions) - 1; i >= 0; i-- {
		if f.transactions[i].UserID == userID {
			out = append(out, f.transactions[i])
		}
	}
	return out, nil
}

func (f *fakeStore) MarkWebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seenEvents[eventID] {
		return false, nil
	}
	f.seenEvents[eventID] = true
	return true, nil
}

// ============================================================================
// Test Fixtures
// ============================================================================

func testUserID() uuid.UUID {
	return uuid.MustParse("11111111-1111-1111-1111-111111111111")
}

func seedSubscription(f *fakeStore, rec domain.SubscriptionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[rec.UserID] = rec
}

func seedPurchase(f *fakeStore, userID uuid.UUID, amount int, tierKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendLocked(&domain.CreditTransaction{
		UserID:  userID,
		Type:    domain.CreditPurchase,
		Amount:  amount,
		TierKey: tierKey,
	})
}
