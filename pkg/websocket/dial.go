// Package websocket dials WebSocket connections, classifying failures as
// retryable or not.
package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = time.Second * 30

// retryableStatusCodes contains a set of HTTP status codes that should be
// retried.
var retryableStatusCodes = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// RetryableError indicates a error is retryable.
type RetryableError struct {
	err error
}

func NewRetryableError(err error) *RetryableError {
	return &RetryableError{err}
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

// StatusError is returned when the server rejects the upgrade.
type StatusError struct {
	StatusCode int
	err        error
}

func (e *StatusError) Unwrap() error {
	return e.err
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.err)
}

type dialOptions struct {
	token     string
	tlsConfig *tls.Config
}

type DialOption interface {
	apply(*dialOptions)
}

type tokenOption string

func (o tokenOption) apply(opts *dialOptions) {
	opts.token = string(o)
}

// WithToken configures a bearer token to authenticate the upgrade request.
func WithToken(token string) DialOption {
	return tokenOption(token)
}

type tlsConfigOption struct {
	TLSConfig *tls.Config
}

func (o tlsConfigOption) apply(opts *dialOptions) {
	opts.tlsConfig = o.TLSConfig
}

func WithTLSConfig(config *tls.Config) DialOption {
	return tlsConfigOption{TLSConfig: config}
}

// Dial opens a WebSocket connection to url.
//
// Network errors and transient server statuses are wrapped in
// RetryableError. Other rejected upgrades return a StatusError.
func Dial(ctx context.Context, url string, opts ...DialOption) (*websocket.Conn, error) {
	options := dialOptions{}
	for _, o := range opts {
		o.apply(&options)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  options.tlsConfig,
	}

	header := make(http.Header)
	if options.token != "" {
		header.Set("Authorization", "Bearer "+options.token)
	}

	wsConn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			statusErr := &StatusError{StatusCode: resp.StatusCode, err: err}
			if _, ok := retryableStatusCodes[resp.StatusCode]; ok {
				return nil, NewRetryableError(statusErr)
			}
			return nil, statusErr
		}
		return nil, NewRetryableError(err)
	}
	return wsConn, nil
}
