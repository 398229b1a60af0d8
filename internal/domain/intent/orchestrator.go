package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
	"github.com/vaultpay/server/internal/shared/metrics"
)

// Config holds orchestrator tuning.
type Config struct {
	// MaxGatewayRetries bounds automatic retries of ProviderUnavailable
	// failures before surfacing them to the caller as retryable.
	MaxGatewayRetries int
	RetryBackoff      time.Duration
	// TerminalRetention is how long a terminal intent stays queryable
	// in the registry before it is discarded. Retry matching by id
	// only needs the entry transiently.
	TerminalRetention time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxGatewayRetries: 3,
		RetryBackoff:      500 * time.Millisecond,
		TerminalRetention: 30 * time.Minute,
	}
}

// SaveParams describes a request to vault a new instrument.
type SaveParams struct {
	CustomerID string
	OnSession  bool
}

// ChargeParams describes a request to charge an instrument.
type ChargeParams struct {
	CustomerID     string
	InstrumentID   string
	Amount         int64
	Currency       string
	OnSession      bool
	SaveInstrument bool
}

// Orchestrator drives a single save or charge operation through its
// state machine, calling the gateway and applying confirmation and
// authentication steps. It never blocks waiting for webhooks; the
// reconciler converges the mirror independently.
type Orchestrator struct {
	gateway  provider.Gateway
	store    mirror.Store
	registry *Registry
	pending  PendingStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
}

// NewOrchestrator creates an intent orchestrator. Metrics may be nil.
func NewOrchestrator(
	gateway provider.Gateway,
	store mirror.Store,
	registry *Registry,
	pending PendingStore,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.MaxGatewayRetries == 0 {
		cfg = DefaultConfig()
	}
	if cfg.TerminalRetention == 0 {
		cfg.TerminalRetention = DefaultConfig().TerminalRetention
	}
	return &Orchestrator{
		gateway:  gateway,
		store:    store,
		registry: registry,
		pending:  pending,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Get returns the intent with the given id, consulting the durable
// pending store when the registry no longer holds it.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Intent, error) {
	if it, ok := o.registry.Get(id); ok {
		return it, nil
	}
	if o.pending != nil {
		if p, err := o.pending.Get(ctx, id); err == nil {
			it := restoreFromPending(p)
			o.registry.Put(it)
			return it, nil
		}
	}
	return nil, ErrIntentNotFound
}

// StartSave begins vaulting a new instrument for an existing customer.
func (o *Orchestrator) StartSave(ctx context.Context, params SaveParams) (*Intent, error) {
	if params.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer id required", ErrCustomerNotFound)
	}
	if err := o.resolveCustomer(ctx, params.CustomerID); err != nil {
		return nil, err
	}

	var res *provider.IntentResult
	err := o.withRetry(ctx, "create save intent", func() error {
		var callErr error
		res, callErr = o.gateway.CreateSaveIntent(ctx, params.CustomerID, params.OnSession)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	it := &Intent{
		ID:         res.ID,
		Kind:       KindSave,
		CustomerID: params.CustomerID,
		State:      StateCreated,
		OnSession:  params.OnSession,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o.registry.Put(it)

	return o.applyOutcome(ctx, it.ID, res)
}

// StartCharge begins a charge attempt. Off-session charges request
// immediate confirmation; when the gateway reports authentication
// required the intent surfaces AwaitingAuthentication instead of
// prompting, since no cardholder is present.
func (o *Orchestrator) StartCharge(ctx context.Context, params ChargeParams) (*Intent, error) {
	if params.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if params.Currency == "" {
		return nil, ErrMissingCurrency
	}
	if params.CustomerID != "" {
		if err := o.resolveCustomer(ctx, params.CustomerID); err != nil {
			return nil, err
		}
	} else if params.SaveInstrument {
		return nil, fmt.Errorf("%w: saving requires a customer", ErrCustomerNotFound)
	}

	now := time.Now()
	it := &Intent{
		ID:             "int_" + uuid.NewString(),
		Kind:           KindCharge,
		CustomerID:     params.CustomerID,
		InstrumentID:   params.InstrumentID,
		Amount:         params.Amount,
		Currency:       params.Currency,
		State:          StateCreated,
		OnSession:      params.OnSession,
		SaveInstrument: params.SaveInstrument,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var res *provider.IntentResult
	err := o.withRetry(ctx, "create charge intent", func() error {
		var callErr error
		res, callErr = o.gateway.CreateChargeIntent(ctx, provider.ChargeParams{
			CustomerID:     params.CustomerID,
			InstrumentID:   params.InstrumentID,
			Amount:         params.Amount,
			Currency:       params.Currency,
			OnSession:      params.OnSession,
			SaveInstrument: params.SaveInstrument,
		})
		return callErr
	})
	if cardErr, ok := provider.AsCardError(err); ok {
		// Terminal for this attempt; no instrument is vaulted even if
		// saving was requested.
		o.registry.Put(it)
		return o.failIntent(it.ID, cardErr)
	}
	if err != nil {
		return nil, err
	}

	// Adopt the gateway-assigned id so webhook events and retries match.
	it.ID = res.ID
	o.registry.Put(it)

	return o.applyOutcome(ctx, it.ID, res)
}

// Confirm executes the confirmation step for an on-session intent and
// re-checks the resulting state.
func (o *Orchestrator) Confirm(ctx context.Context, id string) (*Intent, error) {
	it, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.State.IsTerminal() {
		if it.State == StateSucceeded {
			return it, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrIntentTerminal, it.State)
	}

	var res *provider.IntentResult
	callErr := o.withRetry(ctx, "confirm intent", func() error {
		var err error
		switch it.Kind {
		case KindSave:
			// Save intents are confirmed client-side with the client
			// secret; here we sync the resulting state.
			res, err = o.gateway.GetSaveIntent(ctx, id)
		default:
			res, err = o.gateway.ConfirmChargeIntent(ctx, id)
		}
		return err
	})
	if cardErr, ok := provider.AsCardError(callErr); ok {
		return o.failIntent(id, cardErr)
	}
	if callErr != nil {
		return nil, callErr
	}

	return o.applyOutcome(ctx, id, res)
}

// Cancel cancels an intent that has not yet succeeded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Intent, error) {
	it, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.State.IsTerminal() {
		if it.State == StateCanceled {
			return it, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrIntentTerminal, it.State)
	}

	if it.Kind == KindCharge {
		err := o.withRetry(ctx, "cancel charge intent", func() error {
			return o.gateway.CancelChargeIntent(ctx, id)
		})
		if err != nil && !errors.Is(err, provider.ErrNotFound) {
			return nil, err
		}
	}

	return o.transition(ctx, id, StateCanceled, "")
}

// Retry re-enters the state machine for a prior intent id, reusing
// state already known to the gateway rather than creating a duplicate
// charge. Used for off-session intents that surfaced
// AwaitingAuthentication and were later authenticated out of band.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Intent, error) {
	it, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Kind != KindCharge {
		return nil, ErrRetryNotCharge
	}
	if it.State == StateSucceeded {
		// Already concluded; retrying must never mint a second charge.
		return it, nil
	}
	if it.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrIntentTerminal, it.State)
	}

	// Always consult the existing gateway intent first.
	var res *provider.IntentResult
	callErr := o.withRetry(ctx, "get charge intent", func() error {
		var err error
		res, err = o.gateway.GetChargeIntent(ctx, id)
		return err
	})
	if callErr != nil {
		return nil, callErr
	}

	switch res.Status {
	case provider.StatusRequiresConfirmation, provider.StatusRequiresAction:
		confirmErr := o.withRetry(ctx, "confirm charge intent", func() error {
			var err error
			res, err = o.gateway.ConfirmChargeIntent(ctx, id)
			return err
		})
		if cardErr, ok := provider.AsCardError(confirmErr); ok {
			return o.failIntent(id, cardErr)
		}
		if confirmErr != nil {
			return nil, confirmErr
		}
	}

	return o.applyOutcome(ctx, id, res)
}

// --- Internal machinery ---

// applyOutcome maps a gateway outcome onto the intent state machine.
// For vaulting intents the mirror upsert happens before the success
// transition, so the mirror write happens-before success is observable
// to the caller.
func (o *Orchestrator) applyOutcome(ctx context.Context, id string, res *provider.IntentResult) (*Intent, error) {
	it, ok := o.registry.Get(id)
	if !ok {
		return nil, ErrIntentNotFound
	}

	var target State
	switch res.Status {
	case provider.StatusSucceeded:
		target = StateSucceeded
	case provider.StatusRequiresAction:
		target = StateAwaitingAuthentication
	case provider.StatusRequiresConfirmation, provider.StatusRequiresPaymentMethod, provider.StatusProcessing:
		target = StateAwaitingConfirmation
	case provider.StatusCanceled:
		target = StateCanceled
	default:
		target = StateAwaitingConfirmation
	}

	if target == StateSucceeded && it.WantsVaulting() {
		if err := o.vaultInstrument(ctx, it, res); err != nil {
			return nil, err
		}
	}

	updated, err := o.registry.Update(id, func(i *Intent) error {
		if !i.State.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, i.State, target)
		}
		i.State = target
		if res.ClientSecret != "" {
			i.ClientSecret = res.ClientSecret
		}
		if res.Instrument != nil && i.InstrumentID == "" {
			i.InstrumentID = res.Instrument.ID
		}
		i.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.afterTransition(ctx, updated)
	return updated, nil
}

// vaultInstrument upserts the instrument carried by a successful save
// outcome into the mirror, fetching the expanded intent when the result
// lacks instrument details. Keyed by instrument id so the independent
// webhook-driven upsert is idempotent with this one.
func (o *Orchestrator) vaultInstrument(ctx context.Context, it *Intent, res *provider.IntentResult) error {
	inst := res.Instrument
	if inst == nil {
		err := o.withRetry(ctx, "expand intent instrument", func() error {
			var callErr error
			var expanded *provider.IntentResult
			if it.Kind == KindSave {
				expanded, callErr = o.gateway.GetSaveIntent(ctx, it.ID)
			} else {
				expanded, callErr = o.gateway.GetChargeIntent(ctx, it.ID)
			}
			if callErr != nil {
				return callErr
			}
			inst = expanded.Instrument
			return nil
		})
		if err != nil {
			return err
		}
	}
	if inst == nil {
		return fmt.Errorf("succeeded intent %s carries no instrument", it.ID)
	}

	customerID := inst.CustomerID
	if customerID == "" {
		customerID = it.CustomerID
	}

	return o.store.PutInstrument(ctx, &mirror.Instrument{
		ID:         inst.ID,
		CustomerID: customerID,
		Brand:      inst.Brand,
		Last4:      inst.Last4,
		ExpMonth:   inst.ExpMonth,
		ExpYear:    inst.ExpYear,
		CreatedAt:  inst.CreatedAt,
	})
}

func (o *Orchestrator) transition(ctx context.Context, id string, target State, failureReason string) (*Intent, error) {
	updated, err := o.registry.Update(id, func(i *Intent) error {
		if !i.State.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, i.State, target)
		}
		i.State = target
		i.FailureReason = failureReason
		i.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.afterTransition(ctx, updated)
	return updated, nil
}

func (o *Orchestrator) failIntent(id string, cardErr *provider.CardError) (*Intent, error) {
	updated, err := o.registry.Update(id, func(i *Intent) error {
		if !i.State.CanTransitionTo(StateFailed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, i.State, StateFailed)
		}
		i.State = StateFailed
		i.FailureReason = cardErr.Reason
		i.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("intent failed",
		zap.String("intent_id", id),
		zap.String("reason", cardErr.Reason),
	)
	o.afterTransition(context.Background(), updated)
	return updated, nil
}

// afterTransition handles pending-store bookkeeping, registry
// retention, and metrics.
func (o *Orchestrator) afterTransition(ctx context.Context, it *Intent) {
	if it.State.IsTerminal() {
		if o.metrics != nil {
			o.metrics.IntentsTotal.WithLabelValues(string(it.Kind), string(it.State)).Inc()
		}
		// Terminal intents stay queryable for the retention window,
		// then only the gateway holds their history. Terminal states
		// are immutable so a plain eviction is safe.
		id := it.ID
		time.AfterFunc(o.cfg.TerminalRetention, func() {
			o.registry.Evict(id)
		})
	}

	if o.pending == nil {
		return
	}
	switch {
	case it.State == StateAwaitingAuthentication && !it.OnSession:
		p := &PendingIntent{
			ID:             it.ID,
			Kind:           it.Kind,
			CustomerID:     it.CustomerID,
			InstrumentID:   it.InstrumentID,
			Amount:         it.Amount,
			Currency:       it.Currency,
			SaveInstrument: it.SaveInstrument,
			CreatedAt:      it.CreatedAt,
		}
		if err := o.pending.Put(ctx, p); err != nil {
			o.logger.Warn("persist pending intent", zap.String("intent_id", it.ID), zap.Error(err))
		}
	case it.State.IsTerminal():
		if err := o.pending.Delete(ctx, it.ID); err != nil {
			o.logger.Debug("delete pending intent", zap.String("intent_id", it.ID), zap.Error(err))
		}
	}
}

// resolveCustomer checks the mirror first and falls back to the
// gateway, caching the customer locally on a hit.
func (o *Orchestrator) resolveCustomer(ctx context.Context, customerID string) error {
	if _, err := o.store.GetCustomer(ctx, customerID); err == nil {
		return nil
	} else if !errors.Is(err, mirror.ErrNotFound) {
		return err
	}

	var cust *provider.Customer
	err := o.withRetry(ctx, "get customer", func() error {
		var callErr error
		cust, callErr = o.gateway.GetCustomer(ctx, customerID)
		return callErr
	})
	if errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
	}
	if err != nil {
		return err
	}

	if err := o.store.PutCustomer(ctx, &mirror.Customer{
		ID:          cust.ID,
		Email:       cust.Email,
		DisplayName: cust.Name,
		CreatedAt:   cust.CreatedAt,
	}); err != nil {
		o.logger.Warn("cache customer in mirror", zap.String("customer_id", customerID), zap.Error(err))
	}
	return nil
}

// withRetry retries transient gateway failures a bounded number of
// times with exponential backoff before surfacing them as retryable.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := o.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= o.cfg.MaxGatewayRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w: %v", op, provider.ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = fn()
		if err == nil || !errors.Is(err, provider.ErrUnavailable) {
			return err
		}

		o.logger.Warn("gateway unavailable, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

func restoreFromPending(p *PendingIntent) *Intent {
	return &Intent{
		ID:             p.ID,
		Kind:           p.Kind,
		CustomerID:     p.CustomerID,
		InstrumentID:   p.InstrumentID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		State:          StateAwaitingAuthentication,
		SaveInstrument: p.SaveInstrument,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      time.Now(),
	}
}
