package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderhq/calder/internal/domain"
)

// BillingStore implements domain.BillingStore using PostgreSQL.
type BillingStore struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure BillingStore implements domain.BillingStore.
var _ domain.BillingStore = (*BillingStore)(nil)

// NewBillingStore creates a new BillingStore instance.
func NewBillingStore(pool *pgxpool.Pool) *BillingStore {
	return &BillingStore{pool: pool}
}

// =============================================================================
// Subscriptions
// =============================================================================

const subscriptionColumns = `user_id, external_customer_ref, external_subscription_ref,
	tier_key, status, current_period_end, cancel_at_period_end, plan, updated_at`

// GetSubscription returns the organizer's subscription record.
func (s *BillingStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	return scanSubscription(row, "subscription.get", userID.String())
}

// GetSubscriptionByExternalRef locates a record by the provider's
// subscription reference.
func (s *BillingStore) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*domain.SubscriptionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_ref = $1`,
		ref,
	)
	return scanSubscription(row, "subscription.get_by_ref", ref)
}

// UpsertSubscription creates or fully overwrites the organizer's record.
func (s *BillingStore) UpsertSubscription(ctx context.Context, rec *domain.SubscriptionRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (
			user_id, external_customer_ref, external_subscription_ref,
			tier_key, status, current_period_end, cancel_at_period_end, plan, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			external_customer_ref     = EXCLUDED.external_customer_ref,
			external_subscription_ref = EXCLUDED.external_subscription_ref,
			tier_key                  = EXCLUDED.tier_key,
			status                    = EXCLUDED.status,
			current_period_end        = EXCLUDED.current_period_end,
			cancel_at_period_end      = EXCLUDED.cancel_at_period_end,
			plan                      = EXCLUDED.plan,
			updated_at                = EXCLUDED.updated_at`,
		rec.UserID, rec.ExternalCustomerRef, rec.ExternalSubscriptionRef,
		rec.TierKey, string(rec.Status), nullableTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd, rec.Plan, rec.UpdatedAt,
	)
	if err != nil {
		return domain.Internal(err, "subscription.upsert", "failed to save subscription")
	}
	return nil
}

// UpdateSubscription overwrites the mutable lifecycle fields of an existing
// record.
func (s *BillingStore) UpdateSubscription(ctx context.Context, rec *domain.SubscriptionRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			status               = $2,
			current_period_end   = $3,
			cancel_at_period_end = $4,
			updated_at           = $5
		WHERE user_id = $1`,
		rec.UserID, string(rec.Status), nullableTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd, rec.UpdatedAt,
	)
	if err != nil {
		return domain.Internal(err, "subscription.update", "failed to update subscription")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("subscription.update", "subscription", rec.UserID.String())
	}
	return nil
}

// scanSubscription reads one subscription row. current_period_end is nullable
// in the schema and maps to the zero time.
func scanSubscription(row pgx.Row, op, identifier string) (*domain.SubscriptionRecord, error) {
	var (
		rec       domain.SubscriptionRecord
		status    string
		periodEnd *time.Time
	)
	err := row.Scan(
		&rec.UserID, &rec.ExternalCustomerRef, &rec.ExternalSubscriptionRef,
		&rec.TierKey, &status, &periodEnd, &rec.CancelAtPeriodEnd,
		&rec.Plan, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(op, "subscription", identifier)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load subscription")
	}

	rec.Status = domain.SubscriptionStatus(status)
	if periodEnd != nil {
		rec.CurrentPeriodEnd = *periodEnd
	}
	return &rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// =============================================================================
// Credit ledger
// =============================================================================

// GetCredits returns the derived balance and the tier of the most recent
// purchase.
func (s *BillingStore) GetCredits(ctx context.Context, userID uuid.UUID) (*domain.CreditSummary, error) {
	var summary domain.CreditSummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount), 0),
			COALESCE((
				SELECT tier_key FROM credit_transactions
				WHERE user_id = $1 AND type = 'purchase'
				ORDER BY created_at DESC, id DESC
				LIMIT 1
			), '')
		FROM credit_transactions
		WHERE user_id = $1`,
		userID,
	).Scan(&summary.Balance, &summary.TierKey)
	if err != nil {
		return nil, domain.Internal(err, "credits.get", "failed to load credit balance")
	}
	return &summary, nil
}

// AddCredits appends a purchase or refund transaction.
func (s *BillingStore) AddCredits(ctx context.Context, tx *domain.CreditTransaction) error {
	return s.appendTransaction(ctx, tx, "credits.add")
}

// DeductCredit appends a consumed transaction. The balance check and the
// append run in one transaction under a per-organizer advisory lock, so
// concurrent deductions cannot drive the balance negative.
func (s *BillingStore) DeductCredit(ctx context.Context, tx *domain.CreditTransaction) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "credits.deduct", "failed to begin transaction")
	}
	defer dbtx.Rollback(ctx)

	if _, err := dbtx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
		tx.UserID,
	); err != nil {
		return domain.Internal(err, "credits.deduct", "failed to lock ledger")
	}

	var balance int
	err = dbtx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`,
		tx.UserID,
	).Scan(&balance)
	if err != nil {
		return domain.Internal(err, "credits.deduct", "failed to load credit balance")
	}

	// tx.Amount is negative for consumed entries
	if balance+tx.Amount < 0 {
		return domain.ErrInsufficientBalance
	}

	err = dbtx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, tier_key, session_id, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		tx.UserID, string(tx.Type), tx.Amount, tx.TierKey, tx.SessionID, tx.ExternalRef,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return domain.Internal(err, "credits.deduct", "failed to append ledger entry")
	}

	if err := dbtx.Commit(ctx); err != nil {
		return domain.Internal(err, "credits.deduct", "failed to commit transaction")
	}
	return nil
}

// RefundCredit appends a refund for the session's consumed credit, at most
// one refund per prior consumption. The scan and the append run in one
// transaction under the same per-organizer advisory lock DeductCredit
// takes, so concurrent refund requests for the same session cannot both
// pass the scan.
func (s *BillingStore) RefundCredit(ctx context.Context, userID uuid.UUID, sessionID string) (*domain.CreditTransaction, error) {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Internal(err, "credits.refund", "failed to begin transaction")
	}
	defer dbtx.Rollback(ctx)

	if _, err := dbtx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
		userID,
	); err != nil {
		return nil, domain.Internal(err, "credits.refund", "failed to lock ledger")
	}

	var consumptions, refunds int
	err = dbtx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE type = 'consumed'),
			COUNT(*) FILTER (WHERE type = 'refund')
		FROM credit_transactions
		WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID,
	).Scan(&consumptions, &refunds)
	if err != nil {
		return nil, domain.Internal(err, "credits.refund", "failed to scan ledger")
	}

	if consumptions == 0 || refunds >= consumptions {
		return nil, nil
	}

	var (
		amount  int
		tierKey string
	)
	err = dbtx.QueryRow(ctx, `
		SELECT amount, tier_key FROM credit_transactions
		WHERE user_id = $1 AND session_id = $2 AND type = 'consumed'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		userID, sessionID,
	).Scan(&amount, &tierKey)
	if err != nil {
		return nil, domain.Internal(err, "credits.refund", "failed to load consumed entry")
	}

	// amount is negative on consumed entries
	tx := &domain.CreditTransaction{
		UserID:    userID,
		Type:      domain.CreditRefund,
		Amount:    -amount,
		TierKey:   tierKey,
		SessionID: sessionID,
	}
	err = dbtx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, tier_key, session_id, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		tx.UserID, string(tx.Type), tx.Amount, tx.TierKey, tx.SessionID, tx.ExternalRef,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return nil, domain.Internal(err, "credits.refund", "failed to append ledger entry")
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, domain.Internal(err, "credits.refund", "failed to commit transaction")
	}
	return tx, nil
}

// GetCreditTransactions lists the organizer's ledger, newest first.
func (s *BillingStore) GetCreditTransactions(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, amount, tier_key, session_id, external_ref, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, domain.Internal(err, "credits.list", "failed to list credit transactions")
	}
	defer rows.Close()

	var transactions []domain.CreditTransaction
	for rows.Next() {
		var (
			tx  domain.CreditTransaction
			typ string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.TierKey,
			&tx.SessionID, &tx.ExternalRef, &tx.CreatedAt); err != nil {
			return nil, domain.Internal(err, "credits.list", "failed to scan credit transaction")
		}
		tx.Type = domain.CreditTransactionType(typ)
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "credits.list", "failed to list credit transactions")
	}
	return transactions, nil
}

func (s *BillingStore) appendTransaction(ctx context.Context, tx *domain.CreditTransaction, op string) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, tier_key, session_id, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		tx.UserID, string(tx.Type), tx.Amount, tx.TierKey, tx.SessionID, tx.ExternalRef,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return domain.Internal(err, op, "failed to append ledger entry")
	}
	return nil
}

// =============================================================================
// Webhook deliveries
// =============================================================================

// MarkWebhookEventProcessed records a provider delivery id and reports
// whether this is the first time it was seen.
func (s *BillingStore) MarkWebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id) VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, domain.Internal(err, "webhook.mark_processed", "failed to record webhook delivery")
	}
	return tag.RowsAffected() == 1, nil
}
