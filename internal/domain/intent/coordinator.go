package intent

import (
	"context"

	"go.uber.org/zap"
)

// AuthNotification is the actionable payload emitted for an off-session
// intent that needs out-of-band authentication. The caller turns it
// into a customer-facing authentication link.
type AuthNotification struct {
	IntentID     string `json:"intent_id"`
	CustomerID   string `json:"customer_id,omitempty"`
	ClientSecret string `json:"client_secret"`
}

// Decision is the coordinator's outcome for an intent in
// AwaitingAuthentication.
type Decision struct {
	Intent *Intent `json:"intent"`
	// Notification is set when authentication must happen out of band;
	// the intent stays queryable by id until an explicit retry.
	Notification *AuthNotification `json:"notification,omitempty"`
}

// Coordinator decides whether an authentication-required intent is
// resolved synchronously or escalated to out-of-band authentication.
type Coordinator struct {
	orchestrator *Orchestrator
	logger       *zap.Logger
}

// NewCoordinator creates a retry/authentication coordinator.
func NewCoordinator(orchestrator *Orchestrator, logger *zap.Logger) *Coordinator {
	return &Coordinator{orchestrator: orchestrator, logger: logger}
}

// Resolve drives the confirmation step for an intent. An intent
// awaiting authentication without the cardholder present is not
// confirmed; it yields a notification payload and stays queryable for
// a later explicit retry. Every other non-terminal state proceeds to
// confirmation and re-checks the resulting state.
func (c *Coordinator) Resolve(ctx context.Context, intentID string, cardholderPresent bool) (*Decision, error) {
	it, err := c.orchestrator.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if it.State != StateAwaitingAuthentication || cardholderPresent {
		resolved, err := c.orchestrator.Confirm(ctx, intentID)
		if err != nil {
			return nil, err
		}
		return &Decision{Intent: resolved}, nil
	}

	c.logger.Info("intent requires out-of-band authentication",
		zap.String("intent_id", intentID),
		zap.String("customer_id", it.CustomerID),
	)
	return &Decision{
		Intent: it,
		Notification: &AuthNotification{
			IntentID:     it.ID,
			CustomerID:   it.CustomerID,
			ClientSecret: it.ClientSecret,
		},
	}, nil
}

// RetryPending re-enters the state machine for a previously surfaced
// off-session intent, reusing the existing gateway intent id so the
// same logical charge is never duplicated.
func (c *Coordinator) RetryPending(ctx context.Context, intentID string) (*Intent, error) {
	return c.orchestrator.Retry(ctx, intentID)
}
