package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantgate/pkg/errs"
)

const instrumentationName = "github.com/platinummonkey/tenantgate/pkg/billing"

// StripeConfig configures the Stripe adapter
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Timeout bounds every API call
	Timeout time.Duration
	// MaxRetries for idempotent API calls; 0 disables retries
	MaxRetries int64
	// APIURL overrides the API endpoint, for tests
	APIURL string
	Logger logrus.FieldLogger
}

// StripeProvider implements Provider with Stripe hosted pages
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	tracer        trace.Tracer
	recorder      Recorder
}

// NewStripeProvider creates the Stripe adapter. It does not contact Stripe.
func NewStripeProvider(cfg StripeConfig, recorder Recorder) *StripeProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	backendConfig := func(url string) *stripe.BackendConfig {
		bc := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			LeveledLogger:     cfg.Logger,
			MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		}
		if url != "" {
			bc.URL = stripe.String(url)
		}
		return bc
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig(cfg.APIURL)),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig(cfg.APIURL)),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig(cfg.APIURL)),
	}

	return &StripeProvider{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		tracer:        otel.Tracer(instrumentationName),
		recorder:      recorder,
	}
}

// call wraps one API request in a span and records its latency
func (p *StripeProvider) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "stripe."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.recorder.RecordProviderCall(op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return errs.ExternalProvider(err, "payment provider request failed")
	}
	return nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	var out *Session
	attrs := []attribute.KeyValue{attribute.Int64("workspace.id", req.WorkspaceID)}
	err := p.call(ctx, "checkout_session.create", attrs, func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{
			Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
			},
			SuccessURL: stripe.String(req.SuccessURL),
			CancelURL:  stripe.String(req.CancelURL),
		}
		if req.CustomerEmail != "" {
			params.CustomerEmail = stripe.String(req.CustomerEmail)
		}
		params.AddMetadata(MetadataWorkspaceID, strconv.FormatInt(req.WorkspaceID, 10))
		params.Context = ctx

		cs, err := p.api.CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		out = &Session{ID: cs.ID, URL: cs.URL}
		return nil
	})
	return out, err
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error) {
	var out *Session
	attrs := []attribute.KeyValue{attribute.String("billing.customer", customerID)}
	err := p.call(ctx, "billing_portal_session.create", attrs, func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		}
		params.Context = ctx

		ps, err := p.api.BillingPortalSessions.New(params)
		if err != nil {
			return err
		}
		out = &Session{ID: ps.ID, URL: ps.URL}
		return nil
	})
	return out, err
}

func (p *StripeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var out *CheckoutSession
	attrs := []attribute.KeyValue{attribute.String("checkout.session_id", sessionID)}
	err := p.call(ctx, "checkout_session.get", attrs, func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx

		cs, err := p.api.CheckoutSessions.Get(sessionID, params)
		if err != nil {
			return err
		}
		out = &CheckoutSession{
			ID:            cs.ID,
			Status:        string(cs.Status),
			PaymentStatus: string(cs.PaymentStatus),
			CustomerID:    customerID(cs.Customer),
			Metadata:      cs.Metadata,
		}
		return nil
	})
	return out, err
}

func (p *StripeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out *Subscription
	attrs := []attribute.KeyValue{attribute.String("subscription.id", subscriptionID)}
	err := p.call(ctx, "subscription.get", attrs, func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx

		sub, err := p.api.Subscriptions.Get(subscriptionID, params)
		if err != nil {
			return err
		}
		out = &Subscription{
			ID:         sub.ID,
			Status:     string(sub.Status),
			CustomerID: customerID(sub.Customer),
		}
		return nil
	})
	return out, err
}

// VerifyEvent checks the Stripe-Signature header and decodes the event.
// The payload's API version is not enforced; only the fields read here
// matter.
func (p *StripeProvider) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	if p.webhookSecret == "" {
		return nil, errs.NotConfigured("webhook secret is not configured")
	}
	if signatureHeader == "" {
		return nil, errs.Validation("missing webhook signature")
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "invalid webhook signature or payload")
	}
	return parseEvent(ev)
}

func parseEvent(ev stripe.Event) (*Event, error) {
	if ev.ID == "" {
		return nil, errs.Validation("webhook event has no id")
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := decodeObject(raw, &cs); err != nil {
			return nil, err
		}
		if cs.ID == "" {
			return nil, errs.Validation("checkout event has no session id")
		}
		out.Data = CheckoutCompleted{SessionID: cs.ID}

	case EventSubscriptionCreated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(raw, &sub); err != nil {
			return nil, err
		}
		customer := customerID(sub.Customer)
		if customer == "" {
			return nil, errs.Validation("subscription event has no customer")
		}
		if out.Type == EventSubscriptionCreated {
			if sub.ID == "" {
				return nil, errs.Validation("subscription event has no subscription id")
			}
			out.Data = SubscriptionCreated{SubscriptionID: sub.ID, CustomerID: customer}
		} else {
			out.Data = SubscriptionDeleted{CustomerID: customer}
		}

	case EventPaymentFailed:
		var inv stripe.Invoice
		if err := decodeObject(raw, &inv); err != nil {
			return nil, err
		}
		customer := customerID(inv.Customer)
		if customer == "" {
			return nil, errs.Validation("invoice event has no customer")
		}
		out.Data = PaymentFailed{CustomerID: customer}

	default:
		out.Data = Ignored{}
	}
	return out, nil
}

func decodeObject(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 {
		return errs.Validation("webhook event has no data object")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errs.Wrap(errs.KindValidation, err, "malformed webhook data object")
	}
	return nil
}

// customerID handles both a bare customer ID and an expanded customer
func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
