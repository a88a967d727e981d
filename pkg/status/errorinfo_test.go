package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{
			err:    fmt.Errorf("verify: %w", errdefs.ErrInvalidSignature),
			status: http.StatusBadRequest,
			kind:   "invalid_signature",
		},
		{
			err:    fmt.Errorf("get: %w", errdefs.ErrNotFound),
			status: http.StatusNotFound,
			kind:   "not_found",
		},
		{
			err:    errdefs.ErrNodeNotRunning,
			status: http.StatusServiceUnavailable,
			kind:   "node_not_running",
		},
		{
			err:    errdefs.Timeout(fmt.Errorf("sync: %w", context.DeadlineExceeded)),
			status: http.StatusGatewayTimeout,
			kind:   "timeout",
		},
		{
			err:    errdefs.ErrPayloadTooLarge,
			status: http.StatusRequestEntityTooLarge,
			kind:   "payload_too_large",
		},
		{
			err:    errors.New("disk on fire"),
			status: http.StatusInternalServerError,
			kind:   "internal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			info := FromError(tt.err)
			assert.Equal(t, tt.status, info.StatusCode)
			assert.Equal(t, tt.kind, info.Kind)
		})
	}

	t.Run("internal message hidden", func(t *testing.T) {
		info := FromError(errors.New("disk on fire"))
		assert.Equal(t, "internal error", info.Message)
	})

	t.Run("error info", func(t *testing.T) {
		err := fmt.Errorf("decode: %w", &ErrorInfo{
			StatusCode: http.StatusBadRequest,
			Kind:       "bad_request",
			Message:    "invalid body",
		})
		info := FromError(err)
		assert.Equal(t, http.StatusBadRequest, info.StatusCode)
		assert.Equal(t, "bad request (400): invalid body", info.Error())
	})

	t.Run("unwrap kind", func(t *testing.T) {
		info := &ErrorInfo{
			StatusCode: http.StatusNotFound,
			Kind:       "not_found",
			Message:    "key not found",
		}
		assert.ErrorIs(t, info, errdefs.ErrNotFound)
		assert.NotErrorIs(t, info, errdefs.ErrTimeout)
	})
}
