package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"
)

// Config configures how to verify API client JWTs.
type Config struct {
	// HMACSecretKey is the secret key to verify HMAC signed JWTs.
	HMACSecretKey string `json:"hmac_secret_key" yaml:"hmac_secret_key"`

	// RSAPublicKey is the PEM encoded public key to verify RSA signed JWTs.
	RSAPublicKey string `json:"rsa_public_key" yaml:"rsa_public_key"`

	// ECDSAPublicKey is the PEM encoded public key to verify ECDSA signed
	// JWTs.
	ECDSAPublicKey string `json:"ecdsa_public_key" yaml:"ecdsa_public_key"`

	// Audience is the required 'aud' claim of the authenticated JWTs.
	//
	// If not given the 'aud' claim will be ignored.
	Audience string `json:"audience" yaml:"audience"`

	// Issuer is the required 'iss' claim of the authenticated JWTs.
	//
	// If not given the 'iss' claim will be ignored.
	Issuer string `json:"issuer" yaml:"issuer"`

	// JWKS is the JSON Web Key Set to verify JWTs.
	//
	// Cannot be combined with the other verification keys.
	JWKS JWKSConfig `json:"jwks" yaml:"jwks"`
}

// LoadedConfig is the same as Config except it parses the RSA and ECDSA keys
// and loads the JWKS.
type LoadedConfig struct {
	HMACSecretKey  []byte
	RSAPublicKey   *rsa.PublicKey
	ECDSAPublicKey *ecdsa.PublicKey
	Audience       string
	Issuer         string
	JWKS           *LoadedJWKS
}

// Enabled returns whether authentication is enabled.
//
// It is enabled when at least one verification key is configured.
func (c *Config) Enabled() bool {
	return c.HMACSecretKey != "" ||
		c.RSAPublicKey != "" ||
		c.ECDSAPublicKey != "" ||
		c.JWKS.Endpoint != ""
}

func (c *Config) Validate() error {
	if c.JWKS.Endpoint != "" {
		if c.HMACSecretKey != "" || c.RSAPublicKey != "" || c.ECDSAPublicKey != "" {
			return fmt.Errorf("jwks cannot be combined with other verification keys")
		}
		if err := c.JWKS.Validate(); err != nil {
			return fmt.Errorf("jwks: %w", err)
		}
	}
	return nil
}

func (c *Config) Load(ctx context.Context) (*LoadedConfig, error) {
	config := LoadedConfig{
		HMACSecretKey: []byte(c.HMACSecretKey),
		Audience:      c.Audience,
		Issuer:        c.Issuer,
	}

	if c.RSAPublicKey != "" {
		rsaPublicKey, err := jwt.ParseRSAPublicKeyFromPEM(
			[]byte(c.RSAPublicKey),
		)
		if err != nil {
			return nil, fmt.Errorf("parse rsa public key: %w", err)
		}
		config.RSAPublicKey = rsaPublicKey
	}
	if c.ECDSAPublicKey != "" {
		ecdsaPublicKey, err := jwt.ParseECPublicKeyFromPEM(
			[]byte(c.ECDSAPublicKey),
		)
		if err != nil {
			return nil, fmt.Errorf("parse ecdsa public key: %w", err)
		}
		config.ECDSAPublicKey = ecdsaPublicKey
	}

	if c.JWKS.Endpoint != "" {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		jwks, err := c.JWKS.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load jwks: %w", err)
		}
		config.JWKS = jwks
	}

	return &config, nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix += ".auth."

	fs.StringVar(
		&c.HMACSecretKey,
		prefix+"hmac-secret-key",
		c.HMACSecretKey,
		`
Secret key to verify HMAC signed client JWTs.`,
	)
	fs.StringVar(
		&c.RSAPublicKey,
		prefix+"rsa-public-key",
		c.RSAPublicKey,
		`
PEM encoded public key to verify RSA signed client JWTs.`,
	)
	fs.StringVar(
		&c.ECDSAPublicKey,
		prefix+"ecdsa-public-key",
		c.ECDSAPublicKey,
		`
PEM encoded public key to verify ECDSA signed client JWTs.`,
	)
	fs.StringVar(
		&c.Audience,
		prefix+"audience",
		c.Audience,
		`
Audience of client JWTs to verify.

If given the JWT 'aud' claim must match the given audience. Otherwise it
is ignored.`,
	)
	fs.StringVar(
		&c.Issuer,
		prefix+"issuer",
		c.Issuer,
		`
Issuer of client JWTs to verify.

If given the JWT 'iss' claim must match the given issuer. Otherwise it
is ignored.`,
	)

	c.JWKS.RegisterFlags(fs, prefix)
}
