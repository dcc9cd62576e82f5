package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

// IdentityResolver vouches for who is signing in. Credential checks and
// federation live behind it.
type IdentityResolver interface {
	Resolve(r *http.Request) (workspaces.Identity, error)
}

// HeaderIdentityResolver trusts identity headers set by an authenticating
// reverse proxy. Headers are only honoured on connections whose peer address
// falls inside TrustedProxies; with no trusted proxies every login is
// refused. The proxy must still strip client-supplied copies.
type HeaderIdentityResolver struct {
	EmailHeader    string
	NameHeader     string
	TrustedProxies []*net.IPNet
}

// ParseTrustedProxies parses CIDRs such as "10.0.0.0/8". Bare addresses are
// accepted as single-host networks.
func ParseTrustedProxies(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			if ip := net.ParseIP(c); ip != nil && ip.To4() != nil {
				c += "/32"
			} else {
				c += "/128"
			}
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (h HeaderIdentityResolver) trusted(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.TrustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h HeaderIdentityResolver) Resolve(r *http.Request) (workspaces.Identity, error) {
	if !h.trusted(r) {
		return workspaces.Identity{}, errs.Unauthenticated("identity headers are not accepted from this address")
	}
	email := strings.TrimSpace(r.Header.Get(h.EmailHeader))
	if email == "" {
		return workspaces.Identity{}, errs.Unauthenticated("no identity presented")
	}
	id := workspaces.Identity{Email: email}
	if h.NameHeader != "" {
		id.Name = strings.TrimSpace(r.Header.Get(h.NameHeader))
	}
	return id, nil
}

// AuthHandlers handles login, logout and the current user
type AuthHandlers struct {
	identity   IdentityResolver
	workspaces *workspaces.Service
	sessions   *access.Sessions
}

// NewAuthHandlers creates a new AuthHandlers. identity may be nil when
// login is handled elsewhere.
func NewAuthHandlers(identity IdentityResolver, svc *workspaces.Service, sessions *access.Sessions) *AuthHandlers {
	return &AuthHandlers{identity: identity, workspaces: svc, sessions: sessions}
}

// RegisterLogin registers the anonymous login route
func (h *AuthHandlers) RegisterLogin(router *mux.Router) {
	router.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
}

// RegisterRoutes registers the authenticated session routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodPost)
	router.HandleFunc("/api/me", h.Me).Methods(http.MethodGet)
}

// Login provisions the resolved identity and starts a fresh session
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity.Resolve(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	user, err := h.workspaces.ProvisionUser(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := h.sessions.Login(w, r, user.ID); err != nil {
		httputil.WriteError(w, r, errs.Internal(err, "failed to start session"))
		return
	}

	contextkeys.Logger(r.Context()).WithField("user_id", user.ID).Info("user logged in")
	httputil.WriteSuccess(w, map[string]interface{}{"user": user}) //nolint:errcheck
}

// Logout ends the session
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(w, r); err != nil {
		httputil.WriteError(w, r, errs.Internal(err, "failed to end session"))
		return
	}
	httputil.WriteSuccess(w, map[string]string{"message": "Logged out"}) //nolint:errcheck
}

// Me returns the session user
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	user, _ := contextkeys.User(r.Context())
	httputil.WriteSuccess(w, map[string]interface{}{"user": user}) //nolint:errcheck
}
