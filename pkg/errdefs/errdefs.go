// Package errdefs defines the error kinds returned by the node.
//
// Errors are wrapped with context as they propagate, so callers should match
// kinds with errors.Is rather than comparing directly.
package errdefs

import (
	"context"
	"errors"
)

var (
	ErrInvalidKeyFormat    = errors.New("invalid key format")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrMalformedDbName     = errors.New("malformed db name")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrNotFound            = errors.New("not found")
	ErrNodeNotRunning      = errors.New("node not running")
	ErrAlreadyRunning      = errors.New("node already running")
	ErrStorageOpenFailed   = errors.New("storage open failed")
	ErrTimeout             = errors.New("timeout")
	ErrNetworkUnreachable  = errors.New("network unreachable")
	ErrTimestampOutOfRange = errors.New("timestamp out of range")
)

// Timeout converts a context deadline into ErrTimeout, keeping the original
// error in the chain. Other errors are returned unchanged.
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
