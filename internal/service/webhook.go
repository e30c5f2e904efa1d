package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/calderhq/calder/internal/billing"
	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/telemetry"
)

// WebhookProcessor applies asynchronous provider notifications to the
// subscription record and credit ledger.
//
// Every handler is safe to run twice for the same event: the provider
// delivers at least once, not exactly once. Status handlers are pure
// overwrites keyed by stable identifiers; credit addition is an append and
// is therefore deduplicated by provider event id before it runs.
type WebhookProcessor struct {
	store    domain.BillingStore
	provider billing.Provider
	credits  *CreditService
	secret   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookProcessor creates a WebhookProcessor. secret is the webhook
// signing secret provisioned at the provider.
func NewWebhookProcessor(store domain.BillingStore, provider billing.Provider, credits *CreditService, secret string, logger *slog.Logger) *WebhookProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookProcessor{
		store:    store,
		provider: provider,
		credits:  credits,
		secret:   secret,
		logger:   logger.With("service", "webhook"),
		now:      time.Now,
	}
}

// Handle verifies and dispatches one webhook delivery.
//
// A non-nil error means the delivery must be answered non-2xx so the
// provider retries: the signature did not verify, or the payload did not
// parse. Once an event parses and dispatches, Handle returns nil even if a
// handler failed internally; the failure is logged and counted, and the
// provider is not asked to retry an event this system already attributed.
func (p *WebhookProcessor) Handle(ctx context.Context, payload []byte, signature string) error {
	start := p.now()

	if err := p.provider.VerifyWebhookSignature(payload, signature, p.secret); err != nil {
		p.logger.Error("webhook signature verification failed", "error", err)
		return domain.Errorf(domain.EINVALID, "webhook.verify", "invalid webhook signature")
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		p.logger.Error("webhook payload did not parse", "error", err)
		return domain.Errorf(domain.EINVALID, "webhook.parse", "invalid webhook payload")
	}

	p.logger.Info("webhook event received",
		"type", event.Type,
		"id", event.ID)
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(string(event.Type)).Inc()
		defer func() {
			telemetry.Business.WebhookLatency.WithLabelValues(string(event.Type)).Observe(p.now().Sub(start).Seconds())
		}()
	}

	var err error
	switch string(event.Type) {
	case "checkout.session.completed":
		err = p.handleCheckoutCompleted(ctx, event)

	case "customer.subscription.updated":
		err = p.handleSubscriptionUpdated(ctx, event)

	case "customer.subscription.deleted":
		err = p.handleSubscriptionDeleted(ctx, event)

	case "invoice.payment_failed":
		err = p.handleInvoicePaymentFailed(ctx, event)

	default:
		// Unrecognized kinds are acknowledged so the provider stops
		// retrying events this system intentionally ignores.
		p.logger.Debug("webhook event ignored", "type", event.Type)
	}

	if err != nil {
		p.logger.Error("webhook handler failed",
			"type", event.Type,
			"id", event.ID,
			"error", err)
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(string(event.Type)).Inc()
		}
		return nil
	}

	if telemetry.Business != nil {
		telemetry.Business.WebhookProcessed.WithLabelValues(string(event.Type)).Inc()
	}
	return nil
}

// intent is the correlation metadata echoed back by the provider.
type intent struct {
	userID      uuid.UUID
	tierKey     string
	paymentType domain.PaymentType
}

// parseIntent extracts the checkout intent from provider metadata.
// Returns false when the metadata does not belong to this system.
func parseIntent(metadata map[string]string) (intent, bool) {
	userID, err := uuid.Parse(metadata[MetaUserID])
	if err != nil {
		return intent{}, false
	}
	tier := metadata[MetaTier]
	if _, ok := TierByKey(tier); !ok {
		return intent{}, false
	}
	return intent{
		userID:      userID,
		tierKey:     tier,
		paymentType: domain.PaymentType(metadata[MetaPaymentType]),
	}, true
}

// handleCheckoutCompleted processes checkout.session.completed.
// A subscription-type intent creates or overwrites the organizer's
// subscription record; a single-event intent adds a purchased credit.
func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.WrapError(err, domain.EINVALID, "webhook.checkout", "failed to parse checkout session")
	}

	in, ok := parseIntent(session.Metadata)
	if !ok {
		p.logger.Warn("checkout session without usable intent metadata, skipping",
			"session_id", session.ID)
		return nil
	}

	switch in.paymentType {
	case domain.PaymentTypeSubscription:
		rec := &domain.SubscriptionRecord{
			UserID:  in.userID,
			TierKey: in.tierKey,
			Status:  domain.SubscriptionActive,
			Plan:    in.tierKey,
		}
		if session.Customer != nil {
			rec.ExternalCustomerRef = session.Customer.ID
		}
		if session.Subscription != nil {
			rec.ExternalSubscriptionRef = session.Subscription.ID
		}
		// Upsert keyed by organizer: replaying the same event converges on
		// the same record state.
		if err := p.store.UpsertSubscription(ctx, rec); err != nil {
			return err
		}
		if telemetry.Business != nil {
			telemetry.Business.SubscriptionsCreated.WithLabelValues(in.tierKey).Inc()
		}
		p.logger.Info("subscription activated from checkout",
			"user_id", in.userID,
			"tier", in.tierKey,
			"session_id", session.ID)
		return nil

	case domain.PaymentTypeSingleEvent:
		// Credit addition appends to the ledger, so replaying the same
		// delivery would double-credit. Dedupe on the provider event id.
		first, err := p.store.MarkWebhookEventProcessed(ctx, event.ID)
		if err != nil {
			return err
		}
		if !first {
			p.logger.Info("duplicate checkout delivery, credit already recorded",
				"event_id", event.ID,
				"session_id", session.ID)
			return nil
		}

		var paymentRef string
		if session.PaymentIntent != nil {
			paymentRef = session.PaymentIntent.ID
		}
		if err := p.credits.AddCredits(ctx, in.userID, 1, in.tierKey, session.ID, paymentRef); err != nil {
			return err
		}
		p.logger.Info("event credit purchased",
			"user_id", in.userID,
			"tier", in.tierKey,
			"session_id", session.ID)
		return nil

	default:
		p.logger.Warn("checkout session with unknown payment type, skipping",
			"session_id", session.ID,
			"payment_type", session.Metadata[MetaPaymentType])
		return nil
	}
}

// handleSubscriptionUpdated mirrors provider state onto the local record.
// The record is located by the subscription's own intent metadata so the
// lookup works even when the local record predates the remote reference;
// the remote reference is the fallback.
func (p *WebhookProcessor) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return domain.WrapError(err, domain.EINVALID, "webhook.subscription", "failed to parse subscription")
	}

	rec, err := p.locateRecord(ctx, &sub)
	if err != nil || rec == nil {
		return err
	}
	if rec.AdminGranted() {
		// Locally granted records never receive provider-sourced updates.
		p.logger.Warn("provider update for admin-granted record ignored",
			"user_id", rec.UserID,
			"subscription_ref", sub.ID)
		return nil
	}

	rec.Status = mapProviderStatus(string(sub.Status))
	rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if end := subscriptionPeriodEnd(&sub); !end.IsZero() {
		rec.CurrentPeriodEnd = end
	}
	if rec.ExternalSubscriptionRef == "" {
		rec.ExternalSubscriptionRef = sub.ID
	}
	if rec.ExternalCustomerRef == "" && sub.Customer != nil {
		rec.ExternalCustomerRef = sub.Customer.ID
	}

	if err := p.store.UpsertSubscription(ctx, rec); err != nil {
		return err
	}
	p.logger.Info("subscription mirrored",
		"user_id", rec.UserID,
		"status", rec.Status,
		"cancel_at_period_end", rec.CancelAtPeriodEnd)
	return nil
}

// handleSubscriptionDeleted transitions the record to cancelled.
func (p *WebhookProcessor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return domain.WrapError(err, domain.EINVALID, "webhook.subscription", "failed to parse subscription")
	}

	rec, err := p.locateRecord(ctx, &sub)
	if err != nil || rec == nil {
		return err
	}
	if rec.AdminGranted() {
		p.logger.Warn("provider deletion for admin-granted record ignored",
			"user_id", rec.UserID,
			"subscription_ref", sub.ID)
		return nil
	}

	rec.Status = domain.SubscriptionCancelled
	rec.CancelAtPeriodEnd = false
	if err := p.store.UpdateSubscription(ctx, rec); err != nil {
		return err
	}

	if telemetry.Business != nil {
		telemetry.Business.SubscriptionsCancelled.WithLabelValues(rec.TierKey).Inc()
	}
	p.logger.Info("subscription cancelled by provider",
		"user_id", rec.UserID,
		"subscription_ref", sub.ID)
	return nil
}

// handleInvoicePaymentFailed marks the subscription past_due. The record is
// located by the remote subscription reference, not by organizer id:
// invoices carry no intent metadata.
func (p *WebhookProcessor) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return domain.WrapError(err, domain.EINVALID, "webhook.invoice", "failed to parse invoice")
	}

	subRef := invoiceSubscriptionRef(&invoice)
	if subRef == "" {
		p.logger.Debug("invoice not tied to a subscription, skipping",
			"invoice_id", invoice.ID)
		return nil
	}

	rec, err := p.store.GetSubscriptionByExternalRef(ctx, subRef)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			p.logger.Warn("payment failure for unknown subscription, skipping",
				"subscription_ref", subRef)
			return nil
		}
		return err
	}

	switch rec.Status {
	case domain.SubscriptionActive, domain.SubscriptionTrialing:
		rec.Status = domain.SubscriptionPastDue
		if err := p.store.UpdateSubscription(ctx, rec); err != nil {
			return err
		}
		p.logger.Info("subscription past due",
			"user_id", rec.UserID,
			"subscription_ref", subRef)
	default:
		p.logger.Debug("payment failure for non-active subscription, no transition",
			"user_id", rec.UserID,
			"status", rec.Status)
	}
	return nil
}

// locateRecord finds the local record for a provider subscription: first by
// the intent metadata the subscription carries, then by its reference.
// Returns (nil, nil) when no local record matches.
func (p *WebhookProcessor) locateRecord(ctx context.Context, sub *stripe.Subscription) (*domain.SubscriptionRecord, error) {
	if raw, ok := sub.Metadata[MetaUserID]; ok {
		if userID, err := uuid.Parse(raw); err == nil {
			rec, err := p.store.GetSubscription(ctx, userID)
			if err == nil {
				return rec, nil
			}
			if !domain.IsCode(err, domain.ENOTFOUND) {
				return nil, err
			}
		}
	}

	rec, err := p.store.GetSubscriptionByExternalRef(ctx, sub.ID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			p.logger.Warn("no local record for provider subscription, skipping",
				"subscription_ref", sub.ID)
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// subscriptionPeriodEnd extracts the billing period end. Since the
// provider's "basil" API the period lives on subscription items; the
// subscription-level end is the latest item period end.
func subscriptionPeriodEnd(sub *stripe.Subscription) time.Time {
	if sub.Items == nil {
		return time.Time{}
	}
	var end int64
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0)
}

// invoiceSubscriptionRef extracts the subscription reference from an
// invoice. Returns "" if the invoice is not for a subscription.
func invoiceSubscriptionRef(invoice *stripe.Invoice) string {
	if invoice.Parent == nil || invoice.Parent.SubscriptionDetails == nil || invoice.Parent.SubscriptionDetails.Subscription == nil {
		return ""
	}
	return invoice.Parent.SubscriptionDetails.Subscription.ID
}
