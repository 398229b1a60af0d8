package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
	"github.com/vaultpay/server/internal/shared/metrics"
)

// ErrInvalidSignature is returned when the webhook payload fails
// signature verification. Such requests are rejected outright and
// leave no trace in the mirror or the event store.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Config tunes the reconciler's per-event retry budget.
type Config struct {
	// MaxApplyAttempts bounds in-process retries for a failing event
	// before it is parked.
	MaxApplyAttempts int
	// ApplyBackoff is the initial delay between attempts; it doubles
	// per attempt.
	ApplyBackoff time.Duration
}

// DefaultConfig returns the retry budget used when none is configured.
func DefaultConfig() Config {
	return Config{
		MaxApplyAttempts: 3,
		ApplyBackoff:     200 * time.Millisecond,
	}
}

// Reconciler consumes verified webhook events and projects them onto
// the mirror. Every handler is idempotent, so replaying an event or
// racing a direct API response converges on the same mirror state.
type Reconciler struct {
	gateway provider.Gateway
	store   mirror.Store
	events  EventStore
	dedup   Deduper
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
}

// NewReconciler wires a reconciler. dedup may be nil, in which case
// only the durable event store deduplicates.
func NewReconciler(
	gateway provider.Gateway,
	store mirror.Store,
	events EventStore,
	dedup Deduper,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Reconciler {
	if cfg.MaxApplyAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Reconciler{
		gateway: gateway,
		store:   store,
		events:  events,
		dedup:   dedup,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// Handle verifies, deduplicates and applies one raw webhook delivery.
// A nil return means the delivery is acknowledged: applied, ignored as
// unknown, skipped as duplicate, or parked after exhausting retries.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature string) error {
	raw, err := r.gateway.VerifyWebhookSignature(body, signature)
	if err != nil {
		r.recordResult("unverified", "rejected")
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event, err := decodeEvent(raw)
	if err != nil {
		return r.parkUndecodable(ctx, raw, body, err)
	}

	if _, ok := event.Payload.(Unknown); ok {
		r.logger.Debug("ignoring webhook event of unhandled type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		r.recordResult(string(event.Type), "ignored")
		return nil
	}

	dup, err := r.alreadyProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("dedup check for event %s: %w", event.ID, err)
	}
	if dup {
		r.logger.Debug("skipping duplicate webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		r.recordResult(string(event.Type), "duplicate")
		return nil
	}

	if err := r.events.Record(ctx, event.ID, string(event.Type), body); err != nil {
		return fmt.Errorf("record event %s: %w", event.ID, err)
	}

	if err := r.applyWithRetry(ctx, event); err != nil {
		if parkErr := r.events.Park(ctx, event.ID, err); parkErr != nil {
			r.logger.Error("failed to park webhook event",
				zap.String("event_id", event.ID),
				zap.Error(parkErr))
		}
		if r.metrics != nil {
			r.metrics.WebhookEventsParked.Inc()
		}
		r.recordResult(string(event.Type), "parked")
		r.logger.Error("webhook event parked after exhausting retries",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return nil
	}

	if err := r.events.MarkProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("mark event %s processed: %w", event.ID, err)
	}
	if r.dedup != nil {
		if err := r.dedup.MarkProcessed(ctx, event.ID); err != nil {
			r.logger.Warn("failed to record event in dedup cache",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
	r.recordResult(string(event.Type), "applied")
	return nil
}

// parkUndecodable records and parks a signature-valid event whose
// payload fails to decode. Decoding is deterministic, so neither
// in-process retries nor provider redelivery can help; the raw body
// is kept in the event store for inspection.
func (r *Reconciler) parkUndecodable(ctx context.Context, raw *stripe.Event, body []byte, decodeErr error) error {
	dup, err := r.alreadyProcessed(ctx, raw.ID)
	if err != nil {
		return fmt.Errorf("dedup check for event %s: %w", raw.ID, err)
	}
	if dup {
		r.recordResult(string(raw.Type), "duplicate")
		return nil
	}
	if err := r.events.Record(ctx, raw.ID, string(raw.Type), body); err != nil {
		return fmt.Errorf("record event %s: %w", raw.ID, err)
	}
	if err := r.events.Park(ctx, raw.ID, decodeErr); err != nil {
		return fmt.Errorf("park event %s: %w", raw.ID, err)
	}
	if r.metrics != nil {
		r.metrics.WebhookEventsParked.Inc()
	}
	r.recordResult(string(raw.Type), "malformed")
	r.logger.Error("webhook event parked as undecodable",
		zap.String("event_id", raw.ID),
		zap.String("event_type", string(raw.Type)),
		zap.Error(decodeErr))
	return nil
}

func (r *Reconciler) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	if r.dedup != nil {
		seen, err := r.dedup.Seen(ctx, eventID)
		if err != nil {
			r.logger.Warn("dedup cache unavailable, falling back to event store",
				zap.String("event_id", eventID),
				zap.Error(err))
		} else if seen {
			return true, nil
		}
	}
	return r.events.Exists(ctx, eventID)
}

func (r *Reconciler) applyWithRetry(ctx context.Context, event *Event) error {
	backoff := r.cfg.ApplyBackoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxApplyAttempts; attempt++ {
		lastErr = r.apply(ctx, event)
		if lastErr == nil {
			return nil
		}
		if attempt == r.cfg.MaxApplyAttempts {
			break
		}
		r.logger.Warn("webhook event application failed, retrying",
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (r *Reconciler) apply(ctx context.Context, event *Event) error {
	switch payload := event.Payload.(type) {
	case SaveIntentSucceeded:
		return r.applySaveSucceeded(ctx, payload)
	case ChargeIntentSucceeded:
		return r.applyChargeSucceeded(ctx, payload)
	case ChargeIntentFailed:
		r.logger.Info("charge intent failed at provider",
			zap.String("intent_id", payload.IntentID),
			zap.String("reason", payload.Reason))
		return nil
	case InstrumentAttached:
		return r.store.PutInstrument(ctx, &payload.Instrument)
	case CustomerCreated:
		return r.store.PutCustomer(ctx, &payload.Customer)
	case CustomerDeleted:
		err := r.store.DeleteCustomer(ctx, payload.CustomerID)
		if errors.Is(err, mirror.ErrNotFound) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// applySaveSucceeded vaults the instrument confirmed by a save intent.
// The webhook payload carries only the instrument id, so the expanded
// intent is fetched from the provider for card details.
func (r *Reconciler) applySaveSucceeded(ctx context.Context, payload SaveIntentSucceeded) error {
	res, err := r.gateway.GetSaveIntent(ctx, payload.IntentID)
	if err != nil {
		return fmt.Errorf("fetch save intent %s: %w", payload.IntentID, err)
	}
	if res.Instrument == nil {
		r.logger.Warn("save intent succeeded without an instrument",
			zap.String("intent_id", payload.IntentID))
		return nil
	}
	return r.store.PutInstrument(ctx, &mirror.Instrument{
		ID:         res.Instrument.ID,
		CustomerID: res.CustomerID,
		Brand:      res.Instrument.Brand,
		Last4:      res.Instrument.Last4,
		ExpMonth:   res.Instrument.ExpMonth,
		ExpYear:    res.Instrument.ExpYear,
		CreatedAt:  res.Instrument.CreatedAt,
	})
}

// applyChargeSucceeded vaults the charged instrument when the charge
// requested it. Charges without a save request leave the mirror alone.
func (r *Reconciler) applyChargeSucceeded(ctx context.Context, payload ChargeIntentSucceeded) error {
	if !payload.SaveRequested {
		return nil
	}
	res, err := r.gateway.GetChargeIntent(ctx, payload.IntentID)
	if err != nil {
		return fmt.Errorf("fetch charge intent %s: %w", payload.IntentID, err)
	}
	if res.Instrument == nil {
		r.logger.Warn("charge intent succeeded without an instrument",
			zap.String("intent_id", payload.IntentID))
		return nil
	}
	return r.store.PutInstrument(ctx, &mirror.Instrument{
		ID:         res.Instrument.ID,
		CustomerID: res.CustomerID,
		Brand:      res.Instrument.Brand,
		Last4:      res.Instrument.Last4,
		ExpMonth:   res.Instrument.ExpMonth,
		ExpYear:    res.Instrument.ExpYear,
		CreatedAt:  res.Instrument.CreatedAt,
	})
}

func (r *Reconciler) recordResult(eventType, result string) {
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	}
}
