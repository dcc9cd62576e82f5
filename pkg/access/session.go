package access

import (
	"net/http"

	"github.com/gorilla/sessions"
)

// SessionName is the cookie name of the login session
const SessionName = "tenantgate_session"

const (
	sessionUserID           = "user_id"
	sessionCurrentWorkspace = "current_workspace_id"
)

// NewCookieStore creates the signed cookie store backing login sessions
func NewCookieStore(secret []byte, secure bool, maxAge int) *sessions.CookieStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Sessions reads and writes the login session
type Sessions struct {
	store sessions.Store
	name  string
}

// NewSessions wraps a gorilla session store
func NewSessions(store sessions.Store) *Sessions {
	return &Sessions{store: store, name: SessionName}
}

// get never fails: a cookie that cannot be decoded yields a fresh session
func (s *Sessions) get(r *http.Request) *sessions.Session {
	sess, _ := s.store.Get(r, s.name)
	if sess == nil {
		sess = sessions.NewSession(s.store, s.name)
	}
	return sess
}

// UserID returns the logged-in user, if any
func (s *Sessions) UserID(r *http.Request) (int64, bool) {
	id, ok := s.get(r).Values[sessionUserID].(int64)
	return id, ok && id > 0
}

// Login starts a fresh session for the user. Any previous current
// workspace is dropped.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, userID int64) error {
	sess := s.get(r)
	sess.Values = map[interface{}]interface{}{sessionUserID: userID}
	return sess.Save(r, w)
}

// Logout clears the whole session and expires the cookie
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	sess := s.get(r)
	sess.Values = map[interface{}]interface{}{}
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// CurrentWorkspace returns the workspace hint. It is not an authorization.
func (s *Sessions) CurrentWorkspace(r *http.Request) (int64, bool) {
	id, ok := s.get(r).Values[sessionCurrentWorkspace].(int64)
	return id, ok && id > 0
}

func (s *Sessions) setCurrentWorkspace(w http.ResponseWriter, r *http.Request, workspaceID int64) error {
	sess := s.get(r)
	if current, ok := sess.Values[sessionCurrentWorkspace].(int64); ok && current == workspaceID {
		return nil
	}
	sess.Values[sessionCurrentWorkspace] = workspaceID
	return sess.Save(r, w)
}

func (s *Sessions) clearCurrentWorkspace(w http.ResponseWriter, r *http.Request) error {
	sess := s.get(r)
	if _, ok := sess.Values[sessionCurrentWorkspace]; !ok {
		return nil
	}
	delete(sess.Values, sessionCurrentWorkspace)
	return sess.Save(r, w)
}
