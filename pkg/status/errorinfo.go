package status

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
)

// ErrorInfo contains error information to be returned to the user. The
// contents of the error MUST only contain user visible state, never internal
// details.
type ErrorInfo struct {
	// StatusCode contains the HTTP status code.
	StatusCode int `json:"-"`

	// Kind is the error kind, such as 'not_found'.
	Kind string `json:"kind"`

	// Message contains the error message to return to the user.
	Message string `json:"error"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf(
		"%s (%d): %s",
		strings.ToLower(http.StatusText(e.StatusCode)),
		e.StatusCode,
		e.Message,
	)
}

// Unwrap returns the error of the same kind, so errors decoded from a
// response still match with errors.Is.
func (e *ErrorInfo) Unwrap() error {
	for _, k := range kinds {
		if k.name == e.Kind {
			return k.err
		}
	}
	return nil
}

type kind struct {
	err    error
	name   string
	status int
}

// kinds is ordered so that the most specific kind matches first. ErrTimeout
// is joined with the deadline error so must be checked before anything that
// may also be in the chain.
var kinds = []kind{
	{errdefs.ErrTimeout, "timeout", http.StatusGatewayTimeout},
	{errdefs.ErrInvalidKeyFormat, "invalid_key_format", http.StatusBadRequest},
	{errdefs.ErrInvalidSignature, "invalid_signature", http.StatusBadRequest},
	{errdefs.ErrMalformedDbName, "malformed_db_name", http.StatusBadRequest},
	{errdefs.ErrTimestampOutOfRange, "timestamp_out_of_range", http.StatusBadRequest},
	{errdefs.ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{errdefs.ErrPayloadTooLarge, "payload_too_large", http.StatusRequestEntityTooLarge},
	{errdefs.ErrNotFound, "not_found", http.StatusNotFound},
	{errdefs.ErrNodeNotRunning, "node_not_running", http.StatusServiceUnavailable},
	{errdefs.ErrAlreadyRunning, "already_running", http.StatusConflict},
	{errdefs.ErrNetworkUnreachable, "network_unreachable", http.StatusBadGateway},
	{errdefs.ErrStorageOpenFailed, "storage_open_failed", http.StatusInternalServerError},
}

// FromError converts a node error into the error returned to the user.
//
// Errors of a known kind return their message. Unknown errors are internal
// so only return a generic message.
func FromError(err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return &ErrorInfo{
				StatusCode: k.status,
				Kind:       k.name,
				Message:    err.Error(),
			}
		}
	}
	return &ErrorInfo{
		StatusCode: http.StatusInternalServerError,
		Kind:       "internal",
		Message:    "internal error",
	}
}

// KindOf returns the name of the error kind, or 'internal' if unknown.
func KindOf(err error) string {
	return FromError(err).Kind
}
