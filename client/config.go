package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/pflag"
)

// Config configures a client from flags.
type Config struct {
	// URL is the node API URL.
	URL string `json:"url" yaml:"url"`

	// Token is the bearer token to authenticate with, if the node requires
	// authentication.
	Token string `json:"token" yaml:"token"`

	// RootCAs is a path to a PEM file of root certificates used to verify
	// the node, or empty to use the system pool.
	RootCAs string `json:"root_cas" yaml:"root_cas"`
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url: unsupported scheme: %s", u.Scheme)
	}
	if c.RootCAs != "" && u.Scheme != "https" {
		return fmt.Errorf("root cas require an https url")
	}
	return nil
}

// Options returns the client options for the configuration.
func (c *Config) Options() ([]Option, error) {
	opts := []Option{WithURL(c.URL)}
	if c.Token != "" {
		opts = append(opts, WithToken(c.Token))
	}
	if c.RootCAs != "" {
		b, err := os.ReadFile(c.RootCAs)
		if err != nil {
			return nil, fmt.Errorf("read root cas: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("root cas: no certificates found")
		}
		opts = append(opts, WithTLSConfig(&tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}))
	}
	return opts, nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.URL,
		"api.url",
		defaultURL,
		`
Node API URL.`,
	)
	fs.StringVar(
		&c.Token,
		"api.token",
		"",
		`
Bearer token to authenticate with the node API.

Required if the node has authentication enabled. The token must grant the
scope required by the command, either 'read', 'write' or 'admin'.`,
	)
	fs.StringVar(
		&c.RootCAs,
		"api.tls.root-cas",
		"",
		`
A path to a certificate PEM file containing root certificate authorities to
validate the node API TLS certificate.

If unset uses the system root certificates.`,
	)
}
