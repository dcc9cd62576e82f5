package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestStatusFor(t *testing.T) {
	tests := map[errs.Kind]int{
		errs.KindUnauthenticated:  http.StatusUnauthorized,
		errs.KindForbidden:        http.StatusForbidden,
		errs.KindNotFound:         http.StatusNotFound,
		errs.KindConflict:         http.StatusConflict,
		errs.KindValidation:       http.StatusBadRequest,
		errs.KindUpgradeRequired:  http.StatusPaymentRequired,
		errs.KindExternalProvider: http.StatusBadGateway,
		errs.KindNotConfigured:    http.StatusInternalServerError,
		errs.KindInternal:         http.StatusInternalServerError,
	}
	for kind, status := range tests {
		assert.Equal(t, status, StatusFor(kind), string(kind))
	}
}

type detailedErr struct{}

func (detailedErr) Error() string { return "needs pro" }
func (detailedErr) Unwrap() error {
	return &errs.Error{Kind: errs.KindUpgradeRequired, Message: "Pro plan required"}
}
func (detailedErr) Details() map[string]string {
	return map[string]string{"feature": "export"}
}

func TestWriteError(t *testing.T) {
	t.Run("classified", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		WriteError(w, r, errs.Forbidden("not a member"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.JSONEq(t, `{"error":"not a member"}`, w.Body.String())
	})

	t.Run("internal cause hidden and logged", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(contextkeys.WithLogger(r.Context(), logrus.NewEntry(logger)))
		w := httptest.NewRecorder()

		WriteError(w, r, errs.Internal(errors.New("pq: connection refused"), "failed to load"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "pq:")
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	})

	t.Run("details merged into body", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), detailedErr{})

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Pro plan required", body["error"])
		assert.Equal(t, "export", body["feature"])
	})
}
