package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKID1 = "_GEUy9hK_WTYI9PKwnUhEeXZw6f5uiED6mTpSJmNJ6o"
	testKID2 = "nf4NIGcUu45x7Fkr1euV2NGokFb6Fvsbjy6FpXtCDyw"
)

func TestJWKS_Load(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(testJWKS))
	}))
	t.Cleanup(server.Close)

	path := filepath.Join(t.TempDir(), "jwks.json")
	require.NoError(t, os.WriteFile(path, []byte(testJWKS), 0o600))

	tests := []struct {
		name     string
		endpoint string
	}{
		{name: "remote", endpoint: server.URL},
		{name: "local", endpoint: path},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := JWKSConfig{
				Endpoint: tt.endpoint,
				CacheTTL: time.Minute,
				Timeout:  time.Second * 5,
			}
			jwks, err := config.Load(context.Background())
			require.NoError(t, err)

			for _, kid := range []string{testKID1, testKID2} {
				key, err := jwks.KeyFunc(&jwt.Token{
					Header: map[string]interface{}{
						"alg": "RS256",
						"kid": kid,
					},
				})
				require.NoError(t, err)
				assert.NotNil(t, key)
			}

			_, err = jwks.KeyFunc(&jwt.Token{
				Header: map[string]interface{}{
					"alg": "RS256",
					"kid": "unknown",
				},
			})
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		config := JWKSConfig{
			Endpoint: filepath.Join(t.TempDir(), "missing.json"),
		}
		_, err := config.Load(context.Background())
		assert.Error(t, err)
	})
}

// Keys generated using https://mkjwk.org/.
const testJWKS = `{
	"keys": [
	{
		"kty": "RSA",
		"e": "AQAB",
		"use": "sig",
		"kid": "_GEUy9hK_WTYI9PKwnUhEeXZw6f5uiED6mTpSJmNJ6o",
		"alg": "RS256",
		"n": "vOO2BDiQufa-L-xPDmkzVA5zk13wA-PD0bBIhI29DzkDDngAFJquGATD8p_mmI0g0z-qWh1bP2sg401RemyBMw8eU8bZ2owHViZigS4leTj1kWxfDf-_s934fvLoHR6kavyMefFTCYqMJbF9IXP4eZkMyu7VZMFkgLy2DiLc4zIgBXZoAkxO1wIJJSyjMht_nkVMWgp5j6JBMwGNl3d9HIhLTpCFUJjyZJ2rFVF0zl5AUN4xfTzmCKyESVXjGaitug6cHWyta-6i1xRXxLvfLfcpnx-hzdVqqSgQKOuA7WcZRtDqJbL5hSJtyHJDb7ivdY7CnaKMWo3A6TlAaSTBjw"
	},
	{
		"kty": "RSA",
		"e": "AQAB",
		"use": "sig",
		"kid": "nf4NIGcUu45x7Fkr1euV2NGokFb6Fvsbjy6FpXtCDyw",
		"alg": "RS256",
		"n": "uWfqOuT_d_NM7c5iRU_9bu-gNadfF4QRbKyZoiSrv0p0mPytjOQOjftFEIXu7iY4RE8ESXH8xmrk94B1ifSK_13j567EhgMOuW5fzrAzjrX62ao7RChkAFzUOcy7Gavwhbc5j18ixMJVLHtl3-9N0DMCo-H9nWmUM-PtmOY1oLjD04TNHEowVeyo0GSHd9xDFTMYq3cTdnNM_IJhmb02rhANPSvxtohOWzyhxq0RbAK_YO_2mwJjlT2a3R39PY7NgsXoNuZ3WnvOAKOfBEK3AcCwcw74g6i2TvxxllxtWrE5MA2Xw6Mqv0wGMxlPL1uH8B_FiZVesKd5KpqA6ENerw"
	}]
}`
