package billing

import (
	"context"
)

// Provider is the external payment provider
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	// VerifyEvent checks the signature and parses the event
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
}

// CheckoutRequest describes a hosted checkout for the pro plan
type CheckoutRequest struct {
	WorkspaceID   int64
	CustomerEmail string
	PriceID       string
	SuccessURL    string
	CancelURL     string
}

// Session is a provider-hosted page
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Checkout session and payment states reported by the provider
const (
	CheckoutStatusComplete = "complete"

	PaymentStatusPaid              = "paid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// MetadataWorkspaceID is the checkout metadata key carrying the workspace
const MetadataWorkspaceID = "workspace_id"

// CheckoutSession is a checkout as re-fetched from the provider
type CheckoutSession struct {
	ID            string
	Status        string
	PaymentStatus string
	CustomerID    string
	Metadata      map[string]string
}

// Paid reports whether the checkout finished with a settled payment
func (s *CheckoutSession) Paid() bool {
	if s.Status != CheckoutStatusComplete {
		return false
	}
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// Subscription states that keep a workspace on pro
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusTrialing = "trialing"
)

// Subscription is a subscription as re-fetched from the provider
type Subscription struct {
	ID         string
	Status     string
	CustomerID string
}

// Active reports whether the subscription currently entitles the customer
func (s *Subscription) Active() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// Outcome is the result of handling one webhook delivery
type Outcome string

const (
	// OutcomeApplied changed a workspace plan
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event ID was already processed
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoop recorded the event without a plan change
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored is an event type the reconciler does not handle
	OutcomeIgnored Outcome = "ignored"
)

// Transition sources
const (
	SourceCheckout = "checkout"
	SourceWebhook  = "webhook"
	SourceAdmin    = "admin"
)
