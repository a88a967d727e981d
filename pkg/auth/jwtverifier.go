package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type FlynodeClaims struct {
	Scopes []string `json:"scopes"`
}

type JWTClaims struct {
	jwt.RegisteredClaims
	Flynode FlynodeClaims `json:"flynode"`
}

// JWTVerifier verifies client JWTs.
type JWTVerifier struct {
	hmacSecretKey  []byte
	rsaPublicKey   *rsa.PublicKey
	ecdsaPublicKey *ecdsa.PublicKey
	jwks           jwt.Keyfunc

	audience string
	issuer   string

	// methods contains the valid JWT methods, which depends on the
	// verification keys configured. Empty when using a JWKS, where the key
	// set decides.
	methods []string
}

func NewJWTVerifier(conf *LoadedConfig) *JWTVerifier {
	v := &JWTVerifier{
		audience: conf.Audience,
		issuer:   conf.Issuer,
	}

	if conf.JWKS != nil {
		v.jwks = conf.JWKS.KeyFunc
		return v
	}

	if len(conf.HMACSecretKey) > 0 {
		v.hmacSecretKey = conf.HMACSecretKey
		v.methods = append(v.methods, "HS256", "HS384", "HS512")
	}
	if conf.RSAPublicKey != nil {
		v.rsaPublicKey = conf.RSAPublicKey
		v.methods = append(v.methods, "RS256", "RS384", "RS512")
	}
	if conf.ECDSAPublicKey != nil {
		v.ecdsaPublicKey = conf.ECDSAPublicKey
		v.methods = append(v.methods, "ES256", "ES384", "ES512")
	}
	return v
}

func (v *JWTVerifier) Verify(tokenString string) (*Token, error) {
	claims := &JWTClaims{}

	var opts []jwt.ParserOption
	if v.methods != nil {
		opts = append(opts, jwt.WithValidMethods(v.methods))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	keyFunc := v.keyFunc
	if v.jwks != nil {
		keyFunc = v.jwks
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return &Token{
		Expiry: expiry,
		Scopes: claims.Flynode.Scopes,
	}, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.Alg() {
	case "HS256", "HS384", "HS512":
		return v.hmacSecretKey, nil
	case "RS256", "RS384", "RS512":
		return v.rsaPublicKey, nil
	case "ES256", "ES384", "ES512":
		return v.ecdsaPublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", token.Method.Alg())
	}
}

var _ Verifier = &JWTVerifier{}
