// Package apierr maps service errors to the codes shared by the REST and
// websocket surfaces.
package apierr

import (
	"errors"
	"net/http"

	"teleconsult/internal/media"
	"teleconsult/internal/service"
)

const (
	CodeNotFound          = "not_found"
	CodeUnauthenticated   = "unauthenticated"
	CodeUnauthorized      = "unauthorized"
	CodeInvalidTransition = "invalid_transition"
	CodeNotPending        = "not_pending"
	CodeAlreadyInCall     = "already_in_call"
	CodeNotInCall         = "not_in_call"
	CodeNotConnected      = "not_connected"
	CodeMediaDenied       = "media_access_denied"
	CodeNegotiation       = "negotiation_failed"
	CodeInvalidRequest    = "invalid_request"
	CodeFinalizePending   = "finalize_pending"
	CodeInternal          = "internal"
)

var table = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrSessionNotFound, http.StatusNotFound, CodeNotFound},
	{service.ErrInvalidToken, http.StatusUnauthorized, CodeUnauthenticated},
	{service.ErrUnauthorized, http.StatusForbidden, CodeUnauthorized},
	{service.ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
	{service.ErrNotPending, http.StatusConflict, CodeNotPending},
	{service.ErrAlreadyInCall, http.StatusConflict, CodeAlreadyInCall},
	{service.ErrNotInCall, http.StatusConflict, CodeNotInCall},
	{media.ErrNotConnected, http.StatusConflict, CodeNotConnected},
	{media.ErrMediaAccessDenied, http.StatusUnprocessableEntity, CodeMediaDenied},
	{media.ErrNegotiationFailed, http.StatusBadGateway, CodeNegotiation},
	{service.ErrInvalidRequest, http.StatusBadRequest, CodeInvalidRequest},
	{service.ErrFinalizeFailed, http.StatusServiceUnavailable, CodeFinalizePending},
}

// Classify returns the HTTP status and code for err. Unknown errors are
// infrastructure faults and map to 500.
func Classify(err error) (int, string) {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// Message is the client-facing text for err. Internal errors, including the
// cause of a failed finalize hand-off, are not exposed.
func Message(err error) string {
	switch _, code := Classify(err); code {
	case CodeInternal:
		return "internal error"
	case CodeFinalizePending:
		return service.ErrFinalizeFailed.Error()
	}
	return err.Error()
}
