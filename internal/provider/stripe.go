package provider

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/paymentmethod"
	"github.com/stripe/stripe-go/v76/setupintent"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// StripeGateway implements Gateway against Stripe.
type StripeGateway struct {
	webhookSecret string
	callTimeout   time.Duration
	logger        *zap.Logger
}

// StripeConfig holds Stripe gateway configuration.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	CallTimeout   time.Duration
}

// NewStripeGateway creates a new Stripe gateway.
func NewStripeGateway(cfg *StripeConfig, logger *zap.Logger) *StripeGateway {
	stripe.Key = cfg.APIKey
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeGateway{
		webhookSecret: cfg.WebhookSecret,
		callTimeout:   timeout,
		logger:        logger,
	}
}

// Name returns the gateway name.
func (g *StripeGateway) Name() string {
	return "stripe"
}

// callContext bounds every remote call with the configured timeout.
func (g *StripeGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.callTimeout)
}

// --- Customers ---

func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx

	c, err := customer.New(params)
	if err != nil {
		return nil, classify("create customer", err)
	}
	return mapStripeCustomer(c), nil
}

func (g *StripeGateway) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := customer.Get(customerID, params)
	if err != nil {
		return nil, classify("get customer", err)
	}
	return mapStripeCustomer(c), nil
}

func (g *StripeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx

	if _, err := customer.Del(customerID, params); err != nil {
		return classify("delete customer", err)
	}
	return nil
}

// --- Save intents ---

func (g *StripeGateway) CreateSaveIntent(ctx context.Context, customerID string, onSession bool) (*IntentResult, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	usage := string(stripe.SetupIntentUsageOffSession)
	if onSession {
		usage = string(stripe.SetupIntentUsageOnSession)
	}
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		Usage:              stripe.String(usage),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx

	si, err := setupintent.New(params)
	if err != nil {
		return nil, classify("create save intent", err)
	}
	return mapStripeSetupIntent(si), nil
}

func (g *StripeGateway) GetSaveIntent(ctx context.Context, intentID string) (*IntentResult, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	params.AddExpand("payment_method")

	si, err := setupintent.Get(intentID, params)
	if err != nil {
		return nil, classify("get save intent", err)
	}
	return mapStripeSetupIntent(si), nil
}

// --- Charge intents ---

func (g *StripeGateway) CreateChargeIntent(ctx context.Context, p ChargeParams) (*IntentResult, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.InstrumentID != "" {
		params.PaymentMethod = stripe.String(p.InstrumentID)
	}
	if p.SaveInstrument {
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	if !p.OnSession {
		// Off-session: request immediate confirmation at creation time.
		// If authentication is required the gateway reports it instead of
		// prompting, since no cardholder is present.
		params.Confirm = stripe.Bool(true)
		params.OffSession = stripe.Bool(true)
	}
	if len(p.Metadata) > 0 {
		params.Metadata = p.Metadata
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, classify("create charge intent", err)
	}
	return mapStripePaymentIntent(pi), nil
}

func (g *StripeGateway) GetChargeIntent(ctx context.Context, intentID string) (*IntentResult, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("payment_method")

	pi, err := paymentintent.Get(intentID, params)
	if err != nil {
		return nil, classify("get charge intent", err)
	}
	return mapStripePaymentIntent(pi), nil
}

func (g *StripeGateway) ConfirmChargeIntent(ctx context.Context, intentID string) (*IntentResult, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx

	pi, err := paymentintent.Confirm(intentID, params)
	if err != nil {
		return nil, classify("confirm charge intent", err)
	}
	return mapStripePaymentIntent(pi), nil
}

func (g *StripeGateway) CancelChargeIntent(ctx context.Context, intentID string) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := paymentintent.Cancel(intentID, params); err != nil {
		return classify("cancel charge intent", err)
	}
	return nil
}

// --- Instruments ---

func (g *StripeGateway) ListInstruments(ctx context.Context, customerID string) ([]*Instrument, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	// The gateway is authoritative for the default flag.
	defaultID := ""
	custParams := &stripe.CustomerParams{}
	custParams.Context = ctx
	if c, err := customer.Get(customerID, custParams); err != nil {
		// Without the customer the listing still works, but every
		// instrument reports as non-default.
		g.logger.Warn("failed to resolve default payment method",
			zap.String("customer_id", customerID),
			zap.Error(err))
	} else if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		defaultID = c.InvoiceSettings.DefaultPaymentMethod.ID
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String("card"),
	}
	params.Context = ctx

	var instruments []*Instrument
	iter := paymentmethod.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		inst := mapStripePaymentMethod(pm)
		if inst == nil {
			continue
		}
		inst.CustomerID = customerID
		inst.IsDefault = pm.ID == defaultID
		instruments = append(instruments, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list instruments", err)
	}

	return instruments, nil
}

func (g *StripeGateway) AttachInstrument(ctx context.Context, instrumentID, customerID string) (*Instrument, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx

	pm, err := paymentmethod.Attach(instrumentID, params)
	if err != nil {
		return nil, classify("attach instrument", err)
	}

	inst := mapStripePaymentMethod(pm)
	inst.CustomerID = customerID
	return inst, nil
}

func (g *StripeGateway) DetachInstrument(ctx context.Context, instrumentID string) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx

	if _, err := paymentmethod.Detach(instrumentID, params); err != nil {
		return classify("detach instrument", err)
	}
	return nil
}

func (g *StripeGateway) SetDefaultInstrument(ctx context.Context, customerID, instrumentID string) error {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(instrumentID),
		},
	}
	params.Context = ctx

	if _, err := customer.Update(customerID, params); err != nil {
		return classify("set default instrument", err)
	}
	return nil
}

// --- Webhooks ---

func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// --- Mapping helpers ---

func mapStripeCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:        c.ID,
		Email:     c.Email,
		Name:      c.Name,
		CreatedAt: time.Unix(c.Created, 0),
	}
}

func mapStripePaymentMethod(pm *stripe.PaymentMethod) *Instrument {
	if pm == nil {
		return nil
	}
	inst := &Instrument{
		ID:        pm.ID,
		CreatedAt: time.Unix(pm.Created, 0),
	}
	if pm.Customer != nil {
		inst.CustomerID = pm.Customer.ID
	}
	if pm.Card != nil {
		inst.Brand = string(pm.Card.Brand)
		inst.Last4 = pm.Card.Last4
		inst.ExpMonth = int(pm.Card.ExpMonth)
		inst.ExpYear = int(pm.Card.ExpYear)
	}
	return inst
}

func mapStripeSetupIntent(si *stripe.SetupIntent) *IntentResult {
	result := &IntentResult{
		ID:           si.ID,
		ClientSecret: si.ClientSecret,
		Status:       mapSetupIntentStatus(si.Status),
		Instrument:   mapStripePaymentMethod(si.PaymentMethod),
	}
	if si.Customer != nil {
		result.CustomerID = si.Customer.ID
		if result.Instrument != nil && result.Instrument.CustomerID == "" {
			result.Instrument.CustomerID = si.Customer.ID
		}
	}
	return result
}

func mapStripePaymentIntent(pi *stripe.PaymentIntent) *IntentResult {
	result := &IntentResult{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       mapPaymentIntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Instrument:   mapStripePaymentMethod(pi.PaymentMethod),
	}
	if pi.Customer != nil {
		result.CustomerID = pi.Customer.ID
		if result.Instrument != nil && result.Instrument.CustomerID == "" {
			result.Instrument.CustomerID = pi.Customer.ID
		}
	}
	return result
}

func mapSetupIntentStatus(s stripe.SetupIntentStatus) OutcomeStatus {
	switch s {
	case stripe.SetupIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.SetupIntentStatusRequiresConfirmation:
		return StatusRequiresConfirmation
	case stripe.SetupIntentStatusRequiresAction:
		return StatusRequiresAction
	case stripe.SetupIntentStatusRequiresPaymentMethod:
		return StatusRequiresPaymentMethod
	case stripe.SetupIntentStatusProcessing:
		return StatusProcessing
	case stripe.SetupIntentStatusCanceled:
		return StatusCanceled
	default:
		return StatusProcessing
	}
}

func mapPaymentIntentStatus(s stripe.PaymentIntentStatus) OutcomeStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusRequiresConfirmation:
		return StatusRequiresConfirmation
	case stripe.PaymentIntentStatusRequiresAction:
		return StatusRequiresAction
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return StatusRequiresPaymentMethod
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	default:
		return StatusProcessing
	}
}
