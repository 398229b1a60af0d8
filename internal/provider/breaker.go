package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/shared/metrics"
)

// BreakerConfig holds circuit breaker settings for the gateway.
type BreakerConfig struct {
	FailureThreshold    uint32
	Timeout             time.Duration
	MaxHalfOpenRequests uint32
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:    5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// BreakerGateway decorates a Gateway with a circuit breaker and call
// metrics. Only unavailability trips the breaker; card errors and
// validation failures are successful calls from the transport's view.
type BreakerGateway struct {
	inner   Gateway
	cb      *gobreaker.CircuitBreaker[any]
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// WrapGateway wraps a gateway with a circuit breaker. Metrics may be nil.
func WrapGateway(inner Gateway, cfg *BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *BreakerGateway {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}

	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.MaxHalfOpenRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway breaker state change",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerGateway{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker[any](settings),
		metrics: m,
		logger:  logger,
	}
}

func (g *BreakerGateway) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	result, err := g.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%s: %w: circuit open", op, ErrUnavailable)
	}

	if g.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		g.metrics.RecordGatewayCall(op, outcome, time.Since(start))
	}

	return result, err
}

func (g *BreakerGateway) Name() string {
	return g.inner.Name()
}

func (g *BreakerGateway) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	result, err := g.execute("create_customer", func() (any, error) {
		return g.inner.CreateCustomer(ctx, email, name)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Customer), nil
}

func (g *BreakerGateway) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	result, err := g.execute("get_customer", func() (any, error) {
		return g.inner.GetCustomer(ctx, customerID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Customer), nil
}

func (g *BreakerGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	_, err := g.execute("delete_customer", func() (any, error) {
		return nil, g.inner.DeleteCustomer(ctx, customerID)
	})
	return err
}

func (g *BreakerGateway) CreateSaveIntent(ctx context.Context, customerID string, onSession bool) (*IntentResult, error) {
	result, err := g.execute("create_save_intent", func() (any, error) {
		return g.inner.CreateSaveIntent(ctx, customerID, onSession)
	})
	if err != nil {
		return nil, err
	}
	return result.(*IntentResult), nil
}

func (g *BreakerGateway) GetSaveIntent(ctx context.Context, intentID string) (*IntentResult, error) {
	result, err := g.execute("get_save_intent", func() (any, error) {
		return g.inner.GetSaveIntent(ctx, intentID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*IntentResult), nil
}

func (g *BreakerGateway) CreateChargeIntent(ctx context.Context, params ChargeParams) (*IntentResult, error) {
	result, err := g.execute("create_charge_intent", func() (any, error) {
		return g.inner.CreateChargeIntent(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return result.(*IntentResult), nil
}

func (g *BreakerGateway) GetChargeIntent(ctx context.Context, intentID string) (*IntentResult, error) {
	result, err := g.execute("get_charge_intent", func() (any, error) {
		return g.inner.GetChargeIntent(ctx, intentID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*IntentResult), nil
}

func (g *BreakerGateway) ConfirmChargeIntent(ctx context.Context, intentID string) (*IntentResult, error) {
	result, err := g.execute("confirm_charge_intent", func() (any, error) {
		return g.inner.ConfirmChargeIntent(ctx, intentID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*IntentResult), nil
}

func (g *BreakerGateway) CancelChargeIntent(ctx context.Context, intentID string) error {
	_, err := g.execute("cancel_charge_intent", func() (any, error) {
		return nil, g.inner.CancelChargeIntent(ctx, intentID)
	})
	return err
}

func (g *BreakerGateway) ListInstruments(ctx context.Context, customerID string) ([]*Instrument, error) {
	result, err := g.execute("list_instruments", func() (any, error) {
		return g.inner.ListInstruments(ctx, customerID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*Instrument), nil
}

func (g *BreakerGateway) AttachInstrument(ctx context.Context, instrumentID, customerID string) (*Instrument, error) {
	result, err := g.execute("attach_instrument", func() (any, error) {
		return g.inner.AttachInstrument(ctx, instrumentID, customerID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Instrument), nil
}

func (g *BreakerGateway) DetachInstrument(ctx context.Context, instrumentID string) error {
	_, err := g.execute("detach_instrument", func() (any, error) {
		return nil, g.inner.DetachInstrument(ctx, instrumentID)
	})
	return err
}

func (g *BreakerGateway) SetDefaultInstrument(ctx context.Context, customerID, instrumentID string) error {
	_, err := g.execute("set_default_instrument", func() (any, error) {
		return nil, g.inner.SetDefaultInstrument(ctx, customerID, instrumentID)
	})
	return err
}

func (g *BreakerGateway) VerifyWebhookSignature(payload []byte, signature string) (*stripe.Event, error) {
	// Pure local computation, not subject to the breaker.
	return g.inner.VerifyWebhookSignature(payload, signature)
}
