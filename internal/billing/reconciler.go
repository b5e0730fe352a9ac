package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/store"
)

// ErrMissingUserID means the event carried no account correlation ID in its
// metadata. Such events are rejected without any mutation.
var ErrMissingUserID = errors.New("event has no userId in metadata")

// Reconciler translates provider subscription lifecycle events into
// subscription rows and ledger refills, at most once per distinct event.
type Reconciler struct {
	store         store.Store
	ledger        *ledger.Ledger
	logger        *slog.Logger
	webhookSecret string
	proPriceID    string
}

// NewReconciler creates a Reconciler.
func NewReconciler(s store.Store, l *ledger.Ledger, cfg config.BillingConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:         s,
		ledger:        l,
		logger:        logger.With("component", "billing"),
		webhookSecret: cfg.WebhookSecret,
		proPriceID:    cfg.ProPriceID,
	}
}

// HandleWebhook verifies, decodes, and applies a raw webhook delivery.
// Signature verification runs before anything else; a failure mutates
// nothing. Replays of an already-applied event ID are skipped.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	if err := VerifySignature(payload, sigHeader, r.webhookSecret); err != nil {
		return err
	}

	ev, err := DecodeEvent(payload)
	if err != nil {
		return err
	}

	return r.Apply(ctx, ev)
}

// Apply runs a decoded event through the subscription state machine.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) error {
	if ev.Kind == KindUnknown {
		r.logger.Info("ignoring unhandled event type", "type", ev.WireType, "event_id", ev.ID)
		return nil
	}
	if ev.UserID == "" {
		return ErrMissingUserID
	}

	// Dedup on the provider's event ID so webhook replays do not re-refill
	// credits. The event is marked only after it has been applied; a failed
	// apply stays unmarked and the provider's retry gets a clean run.
	if ev.ID != "" {
		seen, err := r.store.WasBillingEventProcessed(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("event dedup: %w", err)
		}
		if seen {
			r.logger.Info("skipping already-processed event", "event_id", ev.ID, "kind", ev.Kind.String())
			return nil
		}
	}

	var err error
	switch ev.Kind {
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		err = r.applySubscriptionChange(ctx, ev)
	case KindSubscriptionDeleted:
		err = r.applySubscriptionDeleted(ctx, ev)
	case KindInvoiceSucceeded:
		err = r.applyInvoiceSucceeded(ctx, ev)
	case KindInvoiceFailed:
		err = r.applyInvoiceFailed(ctx, ev)
	}
	if err != nil {
		return err
	}

	if ev.ID != "" {
		if _, err := r.store.MarkBillingEventProcessed(ctx, ev.ID, ev.Kind.String(), time.Now()); err != nil {
			r.logger.Warn("failed to mark event processed", "event_id", ev.ID, "error", err)
		}
	}

	r.audit(ctx, ev)
	return nil
}

// applySubscriptionChange upserts the subscription row and refills the
// balance to the plan's full grant. Written as a full upsert so it is
// correct whatever state the row was in (deliveries may arrive out of
// order).
func (r *Reconciler) applySubscriptionChange(ctx context.Context, ev *Event) error {
	planType, plan := PlanForPrice(ev.PriceID, r.proPriceID)
	now := time.Now()

	if err := r.store.UpsertSubscription(ctx, &store.Subscription{
		UserID:               ev.UserID,
		StripeCustomerID:     ev.CustomerID,
		StripeSubscriptionID: ev.SubscriptionID,
		Status:               ev.Status,
		PlanType:             planType,
		CurrentPeriodStart:   ev.PeriodStart,
		CurrentPeriodEnd:     ev.PeriodEnd,
		UpdatedAt:            now,
	}); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	if err := r.ledger.Reset(ctx, ev.UserID, plan.Credits); err != nil {
		return fmt.Errorf("refill credits: %w", err)
	}

	r.logger.Info("subscription reconciled",
		"user_id", ev.UserID, "plan", planType, "status", ev.Status, "credits", plan.Credits)
	return nil
}

// applySubscriptionDeleted cancels the subscription and drops the balance
// back to the free-tier grant (a reset, not a decrement).
func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, ev *Event) error {
	now := time.Now()
	if err := r.store.UpdateSubscriptionStatus(ctx, ev.UserID, "canceled", now); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if err := r.ledger.Reset(ctx, ev.UserID, Plans[PlanFree].Credits); err != nil {
		return fmt.Errorf("reset credits: %w", err)
	}

	r.logger.Info("subscription canceled", "user_id", ev.UserID)
	return nil
}

// applyInvoiceSucceeded models the monthly credit refresh: the balance is
// set to the plan's full grant, overwriting whatever was left.
func (r *Reconciler) applyInvoiceSucceeded(ctx context.Context, ev *Event) error {
	_, plan := PlanForPrice(ev.PriceID, r.proPriceID)
	if err := r.ledger.Reset(ctx, ev.UserID, plan.Credits); err != nil {
		return fmt.Errorf("refill credits: %w", err)
	}

	r.logger.Info("invoice paid, credits refilled", "user_id", ev.UserID, "credits", plan.Credits)
	return nil
}

// applyInvoiceFailed marks the subscription past_due. The ledger is left
// untouched; the user keeps whatever credits remain.
func (r *Reconciler) applyInvoiceFailed(ctx context.Context, ev *Event) error {
	if err := r.store.UpdateSubscriptionStatus(ctx, ev.UserID, "past_due", time.Now()); err != nil {
		return fmt.Errorf("mark past_due: %w", err)
	}

	r.logger.Warn("invoice payment failed", "user_id", ev.UserID, "subscription_id", ev.SubscriptionID)
	return nil
}

func (r *Reconciler) audit(ctx context.Context, ev *Event) {
	detail, _ := json.Marshal(map[string]string{
		"event_id":        ev.ID,
		"kind":            ev.Kind.String(),
		"subscription_id": ev.SubscriptionID,
	})
	err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "billing." + ev.Kind.String(),
		UserID:    ev.UserID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to log audit event", "action", "billing."+ev.Kind.String(), "error", err)
	}
}
