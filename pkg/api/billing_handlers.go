package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// SignatureHeader carries the provider's webhook signature
const SignatureHeader = "Stripe-Signature"

// BillingHandlers handles checkout redirects and provider webhooks
type BillingHandlers struct {
	billing Billing
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(b Billing) *BillingHandlers {
	return &BillingHandlers{billing: b}
}

// RegisterRoutes registers the session-authenticated billing routes. The
// webhook is registered by the server outside the session stages.
func (h *BillingHandlers) RegisterRoutes(router *mux.Router, guard *access.Guard) {
	admin := guard.RequireWorkspace(storage.RoleAdmin)

	router.HandleFunc("/billing/success", h.Success).Methods(http.MethodGet)
	router.Handle("/workspace/{id:[0-9]+}/upgrade", stage(h.Upgrade, admin)).Methods(http.MethodGet)
	router.Handle("/workspace/{id:[0-9]+}/billing/portal", stage(h.Portal, admin)).Methods(http.MethodGet)
}

// Webhook applies one signed provider event. Duplicates, no-ops and
// ignored event types are all acknowledged with 200 so the provider stops
// retrying.
func (h *BillingHandlers) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, r, errs.Wrap(errs.KindValidation, err, "failed to read webhook payload"))
		return
	}

	outcome, err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	contextkeys.Logger(r.Context()).WithField("outcome", outcome).Debug("webhook handled")
	httputil.WriteSuccess(w, map[string]string{"status": "OK", "outcome": string(outcome)}) //nolint:errcheck
}

// Success completes a checkout from the provider's redirect
func (h *BillingHandlers) Success(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	workspaceID, err := h.billing.HandleSuccessfulPayment(r.Context(), sessionID)
	if err != nil {
		if errs.KindOf(err) == errs.KindExternalProvider {
			contextkeys.Logger(r.Context()).WithError(err).Error("checkout confirmation failed")
			httputil.WriteErrorMessage(w, http.StatusBadGateway, "payment processing error")
			return
		}
		httputil.WriteError(w, r, err)
		return
	}

	contextkeys.Logger(r.Context()).WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"session_id":   sessionID,
	}).Info("checkout completed")
	http.Redirect(w, r, fmt.Sprintf("/workspace/%d/", workspaceID), http.StatusSeeOther)
}

// Upgrade redirects a workspace admin to a hosted checkout
func (h *BillingHandlers) Upgrade(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())
	user, _ := contextkeys.User(r.Context())

	session, err := h.billing.CreateUpgradeSession(r.Context(), &tenant.Workspace, user.Email)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, session.URL, http.StatusSeeOther)
}

// Portal redirects a workspace admin to the provider's billing portal
func (h *BillingHandlers) Portal(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())

	session, err := h.billing.CreatePortalSession(r.Context(), &tenant.Workspace)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, session.URL, http.StatusSeeOther)
}
