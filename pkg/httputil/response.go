package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message}) //nolint:errcheck
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindUnauthenticated:
		return http.StatusUnauthorized
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindUpgradeRequired:
		return http.StatusPaymentRequired
	case errs.KindExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// detailed errors contribute extra fields to the error body
type detailed interface {
	Details() map[string]string
}

// WriteError writes a classified error. Server errors are logged and
// replaced by their caller-safe message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(errs.KindOf(err))
	if status >= http.StatusInternalServerError {
		contextkeys.Logger(r.Context()).
			WithError(err).
			WithField("status", status).
			Error("request failed")
	}

	body := map[string]string{"error": errs.Message(err)}
	var d detailed
	if errors.As(err, &d) {
		for k, v := range d.Details() {
			body[k] = v
		}
	}
	WriteJSON(w, status, body) //nolint:errcheck
}
