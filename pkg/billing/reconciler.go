package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Recorder receives billing metrics
type Recorder interface {
	RecordProviderCall(operation string, duration time.Duration, err error)
	RecordWebhook(eventType, outcome string)
	RecordPlanTransition(from, to, source string)
}

type nopRecorder struct{}

func (nopRecorder) RecordProviderCall(string, time.Duration, error) {}
func (nopRecorder) RecordWebhook(string, string)                    {}
func (nopRecorder) RecordPlanTransition(string, string, string)     {}

// Config for the reconciler
type Config struct {
	// BaseURL is the public URL of the application, used in redirects
	BaseURL string
	// PriceID is the provider's price for the pro plan
	PriceID string
	// SeenEventsSize bounds the in-process cache of committed event IDs
	SeenEventsSize int
	SeenEventsTTL  time.Duration
}

// Reconciler applies provider outcomes to workspace plans
type Reconciler struct {
	provider Provider
	dir      storage.Directory
	config   Config
	logger   logrus.FieldLogger
	recorder Recorder
	now      func() time.Time
	seen     *expirable.LRU[string, struct{}]
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the reconciler logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithRecorder installs a metrics recorder
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler
func NewReconciler(provider Provider, dir storage.Directory, config Config, opts ...Option) *Reconciler {
	if config.SeenEventsSize <= 0 {
		config.SeenEventsSize = 10000
	}
	if config.SeenEventsTTL <= 0 {
		config.SeenEventsTTL = 24 * time.Hour
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	r := &Reconciler{
		provider: provider,
		dir:      dir,
		config:   config,
		logger:   logrus.StandardLogger(),
		recorder: nopRecorder{},
		now:      time.Now,
		seen:     expirable.NewLRU[string, struct{}](config.SeenEventsSize, nil, config.SeenEventsTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateUpgradeSession starts a hosted checkout for the pro plan. The
// workspace ID travels in the session metadata.
func (r *Reconciler) CreateUpgradeSession(ctx context.Context, ws *storage.Workspace, customerEmail string) (*Session, error) {
	if r.config.PriceID == "" {
		return nil, errs.NotConfigured("pro plan price is not configured")
	}

	session, err := r.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		WorkspaceID:   ws.ID,
		CustomerEmail: customerEmail,
		PriceID:       r.config.PriceID,
		SuccessURL:    r.config.BaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     r.config.BaseURL + "/dashboard",
	})
	if err != nil {
		r.logger.WithError(err).WithField("workspace_id", ws.ID).Error("failed to create checkout session")
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"workspace_id": ws.ID,
		"session_id":   session.ID,
	}).Info("checkout session created")
	return session, nil
}

// CreatePortalSession opens the provider's billing portal for a workspace
// that already has a billing account.
func (r *Reconciler) CreatePortalSession(ctx context.Context, ws *storage.Workspace) (*Session, error) {
	if ws.BillingCustomerID == nil || *ws.BillingCustomerID == "" {
		return nil, errs.Conflict("workspace has no billing account")
	}

	returnURL := fmt.Sprintf("%s/workspace/%d/settings", r.config.BaseURL, ws.ID)
	session, err := r.provider.CreatePortalSession(ctx, *ws.BillingCustomerID, returnURL)
	if err != nil {
		r.logger.WithError(err).WithField("workspace_id", ws.ID).Error("failed to create portal session")
		return nil, err
	}
	return session, nil
}

// HandleSuccessfulPayment applies a checkout given only its session ID.
// Nothing but the provider's copy of the session is trusted. Returns the
// upgraded workspace, also when it was already on pro.
func (r *Reconciler) HandleSuccessfulPayment(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errs.Validation("session_id is required")
	}

	cs, err := r.provider.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Error("failed to retrieve checkout session")
		return 0, err
	}
	if !cs.Paid() {
		return 0, errs.Validation("checkout session is not paid")
	}
	workspaceID, err := metadataWorkspace(cs)
	if err != nil {
		return 0, err
	}

	var change *transition
	err = r.dir.InTx(ctx, func(tx storage.Tx) error {
		if err := r.claimCheckout(ctx, tx, sessionID); err != nil {
			return err
		}
		var err error
		if change, err = r.upgradeWorkspace(ctx, tx, workspaceID, cs.CustomerID); err != nil {
			return err
		}
		return r.audit(ctx, tx, change, SourceCheckout)
	})
	if storage.IsConstraint(err, storage.ConstraintBillingEvent) {
		// applied before, possibly since cancelled; a replay must not re-upgrade
		r.logger.WithFields(logrus.Fields{
			"workspace_id": workspaceID,
			"session_id":   sessionID,
		}).Info("checkout already applied")
		return workspaceID, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return 0, errs.NotFound("workspace not found")
	}
	if err != nil {
		return 0, errs.Internal(err, "failed to apply checkout")
	}

	r.record(change, SourceCheckout)
	r.logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"session_id":   sessionID,
		"changed":      change != nil,
	}).Info("checkout applied")
	return workspaceID, nil
}

// HandleWebhook verifies, deduplicates and applies one provider event.
// Returned errors are either terminal (validation) or retryable (internal).
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	event, err := r.provider.VerifyEvent(payload, signatureHeader)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotConfigured {
			r.logger.WithError(err).Error("webhook rejected: not configured")
		} else {
			r.logger.WithError(err).Error("webhook rejected: verification failed")
		}
		r.recorder.RecordWebhook("unverified", "rejected")
		return "", err
	}

	outcome, err := r.applyEvent(ctx, event)
	logger := r.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	if err != nil {
		logger.WithError(err).Error("webhook processing failed")
		r.recorder.RecordWebhook(event.Type, "error")
		return "", err
	}

	logger.WithField("outcome", outcome).Info("webhook processed")
	r.recorder.RecordWebhook(event.Type, string(outcome))
	return outcome, nil
}

func (r *Reconciler) applyEvent(ctx context.Context, event *Event) (Outcome, error) {
	if _, ok := event.Data.(Ignored); ok || event.Data == nil {
		return OutcomeIgnored, nil
	}

	if r.seen.Contains(event.ID) {
		return OutcomeDuplicate, nil
	}
	seen, err := r.dir.HasBillingEvent(ctx, event.ID)
	if err != nil {
		return "", errs.Internal(err, "failed to check event ledger")
	}
	if seen {
		r.seen.Add(event.ID, struct{}{})
		return OutcomeDuplicate, nil
	}

	current, err := r.fetchCurrent(ctx, event)
	if err != nil {
		return "", err
	}

	var change *transition
	err = r.dir.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBillingEvent(ctx, &storage.BillingEvent{
			EventID:    event.ID,
			EventType:  event.Type,
			ReceivedAt: r.now(),
		}); err != nil {
			return err
		}
		var err error
		if change, err = r.transitionFor(ctx, tx, event, current); err != nil {
			return err
		}
		return r.audit(ctx, tx, change, SourceWebhook)
	})
	if storage.IsConstraint(err, storage.ConstraintBillingEvent) {
		r.seen.Add(event.ID, struct{}{})
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", errs.Internal(err, "failed to apply webhook event")
	}

	r.seen.Add(event.ID, struct{}{})
	if change == nil {
		return OutcomeNoop, nil
	}
	r.record(change, SourceWebhook)
	return OutcomeApplied, nil
}

// providerState is the provider's current view of the objects an event
// refers to, fetched before the transaction opens
type providerState struct {
	checkout *CheckoutSession
	// checkoutClaimed is set when the session was already applied
	checkoutClaimed bool
	subscription    *Subscription
}

// fetchCurrent keeps provider round trips outside the transaction
func (r *Reconciler) fetchCurrent(ctx context.Context, event *Event) (*providerState, error) {
	current := &providerState{}
	var err error
	switch data := event.Data.(type) {
	case CheckoutCompleted:
		current.checkoutClaimed, err = r.dir.HasBillingEvent(ctx, checkoutKey(data.SessionID))
		if err != nil {
			return nil, errs.Internal(err, "failed to check event ledger")
		}
		if current.checkoutClaimed {
			return current, nil
		}
		current.checkout, err = r.provider.RetrieveCheckoutSession(ctx, data.SessionID)
	case SubscriptionCreated:
		// deliveries can arrive out of order; only a live subscription upgrades
		if data.SubscriptionID != "" {
			current.subscription, err = r.provider.RetrieveSubscription(ctx, data.SubscriptionID)
		}
	}
	if err != nil {
		return nil, err
	}
	return current, nil
}

// transitionFor applies the event's effect inside the ledger transaction.
// Missing workspaces are a logged no-op so stale references do not cause
// redelivery storms.
func (r *Reconciler) transitionFor(ctx context.Context, tx storage.Tx, event *Event, current *providerState) (*transition, error) {
	logger := r.logger.WithField("event_id", event.ID)

	var change *transition
	var err error
	switch data := event.Data.(type) {
	case CheckoutCompleted:
		if current.checkoutClaimed {
			logger.WithField("session_id", data.SessionID).Info("checkout already applied")
			return nil, nil
		}
		checkout := current.checkout
		if !checkout.Paid() {
			logger.WithField("session_id", data.SessionID).Info("checkout not paid yet")
			return nil, nil
		}
		workspaceID, merr := metadataWorkspace(checkout)
		if merr != nil {
			logger.WithError(merr).Warn("checkout without workspace metadata")
			return nil, nil
		}
		if err := r.claimCheckout(ctx, tx, data.SessionID); err != nil {
			return nil, err
		}
		change, err = r.upgradeWorkspace(ctx, tx, workspaceID, checkout.CustomerID)

	case SubscriptionCreated:
		if sub := current.subscription; sub != nil && !sub.Active() {
			logger.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"status":          sub.Status,
			}).Info("subscription no longer active")
			return nil, nil
		}
		change, err = r.setPlanByCustomer(ctx, tx, data.CustomerID, storage.PlanPro)

	case SubscriptionDeleted:
		change, err = r.setPlanByCustomer(ctx, tx, data.CustomerID, storage.PlanFree)

	case PaymentFailed:
		change, err = r.setPlanByCustomer(ctx, tx, data.CustomerID, storage.PlanFree)
	}

	if errors.Is(err, storage.ErrNotFound) {
		logger.WithField("event_type", event.Type).Warn("no workspace matches event")
		return nil, nil
	}
	return change, err
}

// checkoutKey is the ledger entry marking a checkout session as applied.
// Session and event IDs use distinct prefixes so they cannot collide.
func checkoutKey(sessionID string) string {
	return "checkout:" + sessionID
}

func (r *Reconciler) claimCheckout(ctx context.Context, tx storage.Tx, sessionID string) error {
	return tx.InsertBillingEvent(ctx, &storage.BillingEvent{
		EventID:    checkoutKey(sessionID),
		EventType:  EventCheckoutCompleted,
		ReceivedAt: r.now(),
	})
}

type transition struct {
	workspaceID int64
	from, to    storage.Plan
}

func (r *Reconciler) upgradeWorkspace(ctx context.Context, tx storage.Tx, workspaceID int64, customerID string) (*transition, error) {
	ws, err := tx.LockWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.IsPro() {
		return nil, nil
	}

	now := r.now()
	change := storage.PlanChange{Plan: storage.PlanPro, UpgradedAt: &now, UpdatedAt: now}
	if customerID != "" {
		change.BillingCustomerID = &customerID
	}
	if err := tx.SetWorkspacePlan(ctx, ws.ID, change); err != nil {
		return nil, err
	}
	return &transition{workspaceID: ws.ID, from: ws.Plan, to: storage.PlanPro}, nil
}

func (r *Reconciler) setPlanByCustomer(ctx context.Context, tx storage.Tx, customerID string, plan storage.Plan) (*transition, error) {
	ws, err := tx.LockWorkspaceByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return r.setPlan(ctx, tx, ws, plan)
}

func (r *Reconciler) setPlan(ctx context.Context, tx storage.Tx, ws *storage.Workspace, plan storage.Plan) (*transition, error) {
	if ws.Plan == plan {
		return nil, nil
	}

	now := r.now()
	change := storage.PlanChange{Plan: plan, UpdatedAt: now}
	if plan == storage.PlanPro {
		change.UpgradedAt = &now
	}
	if err := tx.SetWorkspacePlan(ctx, ws.ID, change); err != nil {
		return nil, err
	}
	return &transition{workspaceID: ws.ID, from: ws.Plan, to: plan}, nil
}

// SetPlan is the explicit administrative plan change
func (r *Reconciler) SetPlan(ctx context.Context, workspaceID int64, plan storage.Plan) (*storage.Workspace, error) {
	if !plan.Valid() {
		return nil, errs.Validation("invalid plan: %q", plan)
	}

	var ws *storage.Workspace
	var change *transition
	err := r.dir.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		if change, err = r.setPlan(ctx, tx, locked, plan); err != nil {
			return err
		}
		ws = locked
		return r.audit(ctx, tx, change, SourceAdmin)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("workspace not found")
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to change plan")
	}

	r.record(change, SourceAdmin)
	if change != nil {
		ws.Plan = plan
		ws.UpdatedAt = r.now()
		r.logger.WithFields(logrus.Fields{
			"workspace_id": workspaceID,
			"plan":         plan,
		}).Info("plan changed by administrator")
	}
	return ws, nil
}

// audit writes the plan change to the workspace audit trail. Webhook
// changes carry no actor.
func (r *Reconciler) audit(ctx context.Context, tx storage.Tx, change *transition, source string) error {
	if change == nil {
		return nil
	}
	return tx.InsertAuditEntry(ctx, &storage.AuditEntry{
		WorkspaceID: change.workspaceID,
		ActorID:     contextkeys.ActorID(ctx),
		Action:      storage.AuditPlanChanged,
		Detail:      fmt.Sprintf("%s -> %s (%s)", change.from, change.to, source),
		CreatedAt:   r.now(),
	})
}

func (r *Reconciler) record(change *transition, source string) {
	if change == nil {
		return
	}
	r.recorder.RecordPlanTransition(string(change.from), string(change.to), source)
	r.logger.WithFields(logrus.Fields{
		"workspace_id": change.workspaceID,
		"from":         change.from,
		"to":           change.to,
		"source":       source,
	}).Info("workspace plan changed")
}

func metadataWorkspace(cs *CheckoutSession) (int64, error) {
	raw := cs.Metadata[MetadataWorkspaceID]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("checkout session has no workspace reference")
	}
	return id, nil
}
