package auth

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"
)

type JWKSConfig struct {
	// Endpoint to load the JWKS from.
	//
	// Supports schemes http, https or a local file path.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// CacheTTL is how long to cache a remote JWKS before reloading.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// Timeout for loading a remote JWKS.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// LoadedJWKS provides the key function to verify tokens.
type LoadedJWKS struct {
	KeyFunc jwt.Keyfunc
}

func (c *JWKSConfig) Validate() error {
	if _, err := url.Parse(c.Endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	return nil
}

// Load loads the key set from the configured endpoint.
func (c *JWKSConfig) Load(ctx context.Context) (*LoadedJWKS, error) {
	endpoint, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	switch endpoint.Scheme {
	case "http", "https":
		return c.loadRemote(ctx)
	default:
		return c.loadLocal(endpoint.Path)
	}
}

func (c *JWKSConfig) loadLocal(path string) (*LoadedJWKS, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	kf, err := keyfunc.NewJWKSetJSON(b)
	if err != nil {
		return nil, fmt.Errorf("key func: %w", err)
	}
	return &LoadedJWKS{
		KeyFunc: kf.Keyfunc,
	}, nil
}

// loadRemote loads the key set from a remote endpoint, which is refreshed
// every CacheTTL.
func (c *JWKSConfig) loadRemote(ctx context.Context) (*LoadedJWKS, error) {
	kf, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{c.Endpoint}, keyfunc.Override{
		RefreshInterval: c.CacheTTL,
		HTTPTimeout:     c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("key func: %w", err)
	}
	return &LoadedJWKS{
		KeyFunc: kf.Keyfunc,
	}, nil
}

func (c *JWKSConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix += "jwks."

	fs.StringVar(
		&c.Endpoint,
		prefix+"endpoint",
		c.Endpoint,
		`
Endpoint to load the JWK Set from. Accepts a remote URL or a local path.`,
	)
	fs.DurationVar(
		&c.CacheTTL,
		prefix+"cache-ttl",
		c.CacheTTL,
		`
Frequency to refresh the JWK Set from a remote endpoint.`,
	)
	fs.DurationVar(
		&c.Timeout,
		prefix+"timeout",
		c.Timeout,
		`
Timeout loading the JWK Set from a remote endpoint.`,
	)
}
