package admin

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/pkg/testutil"
	"github.com/cyberfly-io/flynode/server/status"
)

type fakeStatus struct {
}

func (s *fakeStatus) Register(group *gin.RouterGroup) {
	group.GET("/foo", s.fooRoute)
}

func (s *fakeStatus) fooRoute(c *gin.Context) {
	c.String(http.StatusOK, "foo")
}

var _ status.Handler = &fakeStatus{}

func serve(t *testing.T, s *Server) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		assert.NoError(t, s.Serve(ln))
	}()
	t.Cleanup(func() {
		_ = s.Shutdown(context.TODO())
	})
	return ln.Addr().String()
}

func get(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer_AdminRoutes(t *testing.T) {
	ready := atomic.NewBool(false)
	addr := serve(t, NewServer(
		prometheus.NewRegistry(),
		ready.Load,
		nil,
		log.NewNopLogger(),
	))

	t.Run("health", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/health", addr))
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("ready", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/ready", addr))
		assert.Equal(t, http.StatusServiceUnavailable, code)

		ready.Store(true)

		code, _ = get(t, fmt.Sprintf("http://%s/ready", addr))
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("metrics", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/metrics", addr))
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("not found", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/foo", addr))
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestServer_StatusRoutes(t *testing.T) {
	s := NewServer(nil, nil, nil, log.NewNopLogger())
	s.AddStatus("/mystatus", &fakeStatus{})
	addr := serve(t, s)

	t.Run("status ok", func(t *testing.T) {
		code, body := get(t, fmt.Sprintf("http://%s/status/mystatus/foo", addr))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "foo", body)
	})

	t.Run("not found", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/status/notfound", addr))
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("no metrics", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/metrics", addr))
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestServer_TLS(t *testing.T) {
	rootCAPool, cert, err := testutil.LocalTLSServerCert()
	require.NoError(t, err)

	addr := serve(t, NewServer(
		nil,
		nil,
		&tls.Config{Certificates: []tls.Certificate{cert}},
		log.NewNopLogger(),
	))

	t.Run("https ok", func(t *testing.T) {
		client := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: rootCAPool,
				},
			},
		}
		resp, err := client.Get(fmt.Sprintf("https://%s/health", addr))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("https bad ca", func(t *testing.T) {
		_, err := http.Get(fmt.Sprintf("https://%s/health", addr))
		assert.ErrorContains(t, err, "certificate signed by unknown authority")
	})

	t.Run("http", func(t *testing.T) {
		code, _ := get(t, fmt.Sprintf("http://%s/health", addr))
		assert.Equal(t, http.StatusBadRequest, code)
	})
}
