package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/coord"
	"github.com/fleetwatch/fleetwatch/internal/crypt"
	"github.com/fleetwatch/fleetwatch/internal/fleet"
)

// Error kinds surfaced in response bodies. Handlers return typed errors;
// translation to a status code happens in exactly one place.
const (
	kindAuth        = "AuthError"
	kindCSRF        = "CsrfError"
	kindNotFound    = "NotFound"
	kindBadRequest  = "BadRequest"
	kindConflict    = "Conflict"
	kindRateLimited = "RateLimited"
	kindBackend     = "BackendUnavailable"
	kindInternal    = "Internal"
)

// badRequestError wraps schema violations and malformed bodies so the
// dispatcher can map them without a dedicated sentinel per cause.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

// errorBody is the uniform JSON error shape.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// respondError maps a handler error onto a status code and writes the
// JSON body. Internal errors are logged with the request id and never
// leak detail to the caller.
func respondError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	kind := kindInternal

	var br *badRequestError
	switch {
	case errors.As(err, &br),
		errors.Is(err, crypt.ErrDecrypt),
		errors.Is(err, crypt.ErrBadEnvelope),
		errors.Is(err, crypt.ErrKeySize),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordNoLetter),
		errors.Is(err, auth.ErrPasswordNoDigit):
		status, kind = http.StatusBadRequest, kindBadRequest
	case errors.Is(err, fleet.ErrUnknownMachine), errors.Is(err, fleet.ErrBadCommand):
		status, kind = http.StatusNotFound, kindNotFound
	case errors.Is(err, auth.ErrBadCredentials):
		status, kind = http.StatusUnauthorized, kindAuth
	case errors.Is(err, auth.ErrUserExists):
		status, kind = http.StatusConflict, kindConflict
	case errors.Is(err, coord.ErrUnavailable):
		status, kind = http.StatusServiceUnavailable, kindBackend
	}

	requestID := ""
	if rc := auth.GetRequestContext(r.Context()); rc != nil {
		requestID = rc.RequestID
	}

	if status == http.StatusInternalServerError {
		log.Error("internal error", "path", r.URL.Path, "requestID", requestID, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		// Hint dashboards to retry once the backend recovers.
		w.Header().Set("Retry-After", "2")
	}

	writeJSON(w, status, errorBody{Error: kind, RequestID: requestID})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
