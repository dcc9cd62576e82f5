package billing

// Event types handled by the reconciler
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// Event is a verified provider event
type Event struct {
	ID   string
	Type string
	Data EventData
}

// EventData is one of CheckoutCompleted, SubscriptionCreated,
// SubscriptionDeleted, PaymentFailed or Ignored.
type EventData interface {
	eventData()
}

// CheckoutCompleted carries the session to re-fetch
type CheckoutCompleted struct {
	SessionID string
}

// SubscriptionCreated upgrades the workspace billed to the customer while
// the subscription is still active
type SubscriptionCreated struct {
	SubscriptionID string
	CustomerID     string
}

// SubscriptionDeleted downgrades the workspace billed to the customer
type SubscriptionDeleted struct {
	CustomerID string
}

// PaymentFailed downgrades the workspace billed to the customer
type PaymentFailed struct {
	CustomerID string
}

// Ignored is any event type without an effect
type Ignored struct{}

func (CheckoutCompleted) eventData()   {}
func (SubscriptionCreated) eventData() {}
func (SubscriptionDeleted) eventData() {}
func (PaymentFailed) eventData()       {}
func (Ignored) eventData()             {}
