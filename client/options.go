package client

import (
	"crypto/tls"
	"net/http"

	"github.com/cyberfly-io/flynode/pkg/log"
)

type options struct {
	token      string
	url        string
	tlsConfig  *tls.Config
	httpClient *http.Client
	logger     log.Logger
}

type Option interface {
	apply(*options)
}

type tokenOption string

func (o tokenOption) apply(opts *options) {
	opts.token = string(o)
}

// WithToken configures the bearer token to authenticate the client.
func WithToken(token string) Option {
	return tokenOption(token)
}

type urlOption string

func (o urlOption) apply(opts *options) {
	opts.url = string(o)
}

// WithURL configures the node API URL. Such as 'https://flynode.local:8101'.
func WithURL(url string) Option {
	return urlOption(url)
}

type tlsConfigOption struct {
	TLSConfig *tls.Config
}

func (o tlsConfigOption) apply(opts *options) {
	opts.tlsConfig = o.TLSConfig
}

// WithTLSConfig configures the TLS configuration used to connect to the node.
func WithTLSConfig(config *tls.Config) Option {
	return tlsConfigOption{TLSConfig: config}
}

type httpClientOption struct {
	HTTPClient *http.Client
}

func (o httpClientOption) apply(opts *options) {
	opts.httpClient = o.HTTPClient
}

// WithHTTPClient configures the HTTP client. Requests are bounded by their
// context, so the client should not set a timeout as that would end entry
// streams early.
func WithHTTPClient(client *http.Client) Option {
	return httpClientOption{HTTPClient: client}
}

type loggerOption struct {
	Logger log.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.Logger
}

// WithLogger configures the logger. Defaults to no output.
func WithLogger(logger log.Logger) Option {
	return loggerOption{Logger: logger}
}
