package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/ledger"
	"github.com/promptdeck/promptdeck/internal/notify"
	"github.com/promptdeck/promptdeck/internal/pricing"
	"github.com/promptdeck/promptdeck/internal/syncutil"
	"github.com/promptdeck/promptdeck/internal/traces"
)

var (
	ErrUnknownPrice = errors.New("unknown price id")
	ErrNoUser       = errors.New("no user for customer")
)

// Service applies payment-provider events to user, subscription, and ledger
// state exactly once per event id.
type Service struct {
	users  account.Store
	ledger *ledger.Service
	events EventStore
	sink   notify.Sink
	locks  *syncutil.ShardedMutex
	logger *slog.Logger
}

// New creates a billing reconciliation service. locks must be the ledger's
// lock set so subscription-driven balance writes serialize with consumes.
func New(users account.Store, lgr *ledger.Service, events EventStore, sink notify.Sink, locks *syncutil.ShardedMutex, logger *slog.Logger) *Service {
	return &Service{
		users:  users,
		ledger: lgr,
		events: events,
		sink:   sink,
		locks:  locks,
		logger: logger,
	}
}

// HandleEvent runs one webhook event through the idempotency state machine
// and the per-type handler. A nil return tells the provider the event is
// settled; an error tells it to redeliver.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	ctx, span := traces.StartSpan(ctx, "billing.HandleEvent",
		traces.EventID(event.ID))
	defer span.End()

	proceed, err := s.events.BeginProcessing(ctx, event.ID, string(event.Type))
	if err != nil {
		return err
	}
	if !proceed {
		// Terminal: already applied, acknowledge without reprocessing.
		eventsTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		s.logger.Info("duplicate webhook event acknowledged", "event_id", event.ID)
		return nil
	}

	err = s.dispatch(ctx, event)
	if err != nil {
		eventsTotal.WithLabelValues(string(event.Type), "failed").Inc()
		if markErr := s.events.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to record webhook failure", "event_id", event.ID, "error", markErr)
		}
		return err
	}

	eventsTotal.WithLabelValues(string(event.Type), "processed").Inc()
	return s.events.MarkProcessed(ctx, event.ID)
}

func (s *Service) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChange(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_failed":
		return s.handleInvoiceFailed(ctx, event)
	default:
		// Unhandled types are acknowledged, never failed.
		s.logger.Info("unhandled webhook event type", "event_id", event.ID, "type", string(event.Type))
		return nil
	}
}

// handleSubscriptionChange maps the provider subscription onto the user's
// tier and the local subscription record in one transaction.
func (s *Service) handleSubscriptionChange(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.Customer == nil {
		return errors.New("subscription event without customer")
	}

	tier, err := tierFromSubscription(&sub)
	if err != nil {
		return err
	}

	u, err := s.users.Get(ctx, sub.Metadata["user_id"])
	if errors.Is(err, account.ErrUserNotFound) || sub.Metadata["user_id"] == "" {
		u, err = s.users.GetByCustomerID(ctx, sub.Customer.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoUser, sub.Customer.ID)
	}

	unlock := s.locks.Lock(u.ID)
	defer unlock()

	change := account.SubscriptionChange{
		SubscriptionID:   sub.ID,
		Tier:             tier,
		Status:           statusFromStripe(sub.Status),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if err := s.users.ApplySubscription(ctx, u.ID, change); err != nil {
		return err
	}

	s.logger.Info("subscription reconciled",
		"user_id", u.ID, "tier", string(tier), "status", string(change.Status))
	return nil
}

// handleSubscriptionDeleted downgrades the user to the free tier, caps the
// balance at the free ceiling, and cancels the local subscription record.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.Customer == nil {
		return errors.New("subscription event without customer")
	}

	u, err := s.users.GetByCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoUser, sub.Customer.ID)
	}

	func() {
		unlock := s.locks.Lock(u.ID)
		defer unlock()
		err = s.users.ApplySubscription(ctx, u.ID, account.SubscriptionChange{
			SubscriptionID: sub.ID,
			Tier:           pricing.TierFree,
			Status:         account.StatusCanceled,
		})
	}()
	if err != nil {
		return err
	}

	// CapBalance takes the same per-user lock itself.
	removed, err := s.ledger.CapBalance(ctx, u.ID, pricing.FreeBalanceCeiling())
	if err != nil {
		return err
	}
	s.logger.Info("subscription canceled, user downgraded",
		"user_id", u.ID, "tokens_removed", removed)
	return nil
}

// handleCheckoutCompleted credits a one-time token package purchase, keyed
// by the payment intent so a redelivery never double-credits.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if session.Mode != stripe.CheckoutSessionModePayment {
		// Subscription checkouts are reconciled by subscription events.
		return nil
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return errors.New("checkout session without user reference")
	}

	pkg, ok := pricing.PackageByID(session.Metadata["package_id"])
	if !ok {
		return fmt.Errorf("unknown token package %q", session.Metadata["package_id"])
	}

	externalRef := session.ID
	if session.PaymentIntent != nil {
		externalRef = session.PaymentIntent.ID
	}

	expiry := time.Now().AddDate(0, 0, pkg.ExpiryDays)
	_, err := s.ledger.Credit(ctx, userID, ledger.CreditRequest{
		Type:        ledger.TypePurchase,
		Tokens:      pkg.Tokens,
		CostCents:   pkg.PriceCents,
		PackageID:   pkg.ID,
		ExternalRef: externalRef,
		ExpiresAt:   &expiry,
	})
	if errors.Is(err, ledger.ErrDuplicateCredit) {
		s.logger.Info("duplicate purchase credit skipped", "user_id", userID, "ref", externalRef)
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("token package credited",
		"user_id", userID, "package", pkg.ID, "tokens", pkg.Tokens)
	return nil
}

// handleInvoiceFailed marks the subscription past_due. It never suspends;
// suspension comes only from cost protection or a later deletion event.
func (s *Service) handleInvoiceFailed(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to parse invoice: %w", err)
	}
	if inv.Customer == nil {
		return errors.New("invoice event without customer")
	}

	u, err := s.users.GetByCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoUser, inv.Customer.ID)
	}

	unlock := s.locks.Lock(u.ID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		fresh, err := s.users.Get(ctx, u.ID)
		if err != nil {
			return err
		}
		fresh.SubscriptionStatus = account.StatusPastDue
		err = s.users.Update(ctx, fresh)
		if err == nil {
			s.sink.Notify(ctx, notify.NewEvent(notify.EventInvoiceFailed, u.ID,
				"invoice payment failed, subscription past due", nil))
			return nil
		}
		if !errors.Is(err, account.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("past_due mark for %s did not settle: %w", u.ID, lastErr)
}

// PurgeProcessed garbage-collects event records older than the retention
// window. Returns the number removed.
func (s *Service) PurgeProcessed(ctx context.Context, retention time.Duration) (int, error) {
	return s.events.PurgeOlderThan(ctx, time.Now().Add(-retention))
}

func tierFromSubscription(sub *stripe.Subscription) (pricing.Tier, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return pricing.TierFree, errors.New("subscription without price item")
	}
	priceID := sub.Items.Data[0].Price.ID
	tier, ok := pricing.TierForPriceID(priceID)
	if !ok {
		return pricing.TierFree, fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}
	return tier, nil
}

func statusFromStripe(status stripe.SubscriptionStatus) account.Status {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return account.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return account.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return account.StatusCanceled
	case stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusUnpaid:
		return account.StatusExpired
	default:
		return account.StatusNone
	}
}
