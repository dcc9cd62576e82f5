package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// UserStore loads session users
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*storage.User, error)
}

// Authenticate loads the session user into the request context. Requests
// without a session continue anonymously; later stages decide whether that
// is allowed. A session for a user that no longer exists is cleared.
func Authenticate(users UserStore, sessions *access.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := sessions.UserID(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if errors.Is(err, storage.ErrNotFound) {
				logger := contextkeys.Logger(r.Context()).WithField("user_id", userID)
				logger.Warn("session user no longer exists")
				if err := sessions.Logout(w, r); err != nil {
					logger.WithError(err).Error("failed to clear session")
				}
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				httputil.WriteError(w, r, errs.Internal(err, "failed to load session user"))
				return
			}

			ctx := contextkeys.WithUser(r.Context(), user)
			ctx = contextkeys.WithLogger(ctx, contextkeys.Logger(ctx).WithField("user_id", user.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests
//
// REQUIRES: Authenticate must run before this middleware
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextkeys.User(r.Context()); !ok {
			httputil.WriteError(w, r, errs.Unauthenticated("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
