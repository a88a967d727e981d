package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/auth"
	"github.com/cyberfly-io/flynode/pkg/log"
)

const (
	TokenContextKey = "_flynode_token"
)

// Auth is middleware to verify API client tokens.
type Auth struct {
	verifier auth.Verifier
	logger   log.Logger
}

func NewAuth(verifier auth.Verifier, logger log.Logger) *Auth {
	return &Auth{
		verifier: verifier,
		logger:   logger,
	}
}

// Verify verifies the request token and adds it to the context.
//
// If the token is invalid, returns 401 to the client.
func (m *Auth) Verify(c *gin.Context) {
	tokenString, ok := m.parseToken(c)
	if !ok {
		return
	}

	token, err := m.verifier.Verify(tokenString)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			m.logger.Warn("auth invalid token", zap.Error(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "invalid token"},
			)
			return
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			m.logger.Warn("auth expired token", zap.Error(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "expired token"},
			)
			return
		}

		m.logger.Warn("unknown verification error", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Set(TokenContextKey, token)
	c.Next()
}

// RequireScope returns a handler that rejects requests whose token doesn't
// grant the scope with 403. Requests without a token, when authentication is
// disabled, are allowed.
func (m *Auth) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(TokenContextKey)
		if !ok {
			c.Next()
			return
		}
		token := v.(*auth.Token)
		if !token.Allows(scope) {
			m.logger.Warn(
				"auth missing scope",
				zap.String("scope", scope),
				zap.Strings("scopes", token.Scopes),
			)
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				gin.H{"error": "missing scope: " + scope},
			)
			return
		}
		c.Next()
	}
}

func (m *Auth) parseToken(c *gin.Context) (string, bool) {
	// x-flynode-authorization takes precedence over authorization so a
	// proxy in front of the API can use its own authorization header.
	authorization := c.Request.Header.Get("x-flynode-authorization")
	if authorization == "" {
		authorization = c.Request.Header.Get("Authorization")
	}
	if authorization == "" {
		// Browsers can't set headers on websocket upgrades.
		if token := c.Query("token"); token != "" && isWebsocket(c.Request) {
			return token, true
		}

		m.logger.Warn("missing authorization header")
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			gin.H{"error": "missing authorization"},
		)
		return "", false
	}
	authType, tokenString, ok := strings.Cut(authorization, " ")
	if !ok {
		m.logger.Warn("invalid authorization header")
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			gin.H{"error": "invalid authorization"},
		)
		return "", false
	}
	if authType != "Bearer" {
		m.logger.Warn(
			"unsupported auth type",
			zap.String("auth-type", authType),
		)
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			gin.H{"error": "unsupported auth type"},
		)
		return "", false
	}

	return tokenString, true
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
