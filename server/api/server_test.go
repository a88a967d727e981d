package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/auth"
	"github.com/cyberfly-io/flynode/pkg/dbname"
	"github.com/cyberfly-io/flynode/pkg/identity"
	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/pkg/status"
	"github.com/cyberfly-io/flynode/server/config"
)

func testNodeConfig(t *testing.T) *node.Config {
	conf := node.DefaultConfig()
	conf.DataDir = t.TempDir()
	conf.Gossip.BindAddr = "127.0.0.1:0"
	conf.Gossip.AnnounceInterval = time.Hour
	conf.Gossip.PeerExpiry = time.Hour * 2
	conf.Gossip.ProbeInterval = time.Hour
	conf.InitialSyncDelay = time.Hour
	conf.SyncInterval = time.Hour
	conf.DrainTimeout = time.Second
	return &conf
}

type testServer struct {
	url  string
	node *node.Node
}

func newTestServer(t *testing.T, verifier auth.Verifier) *testServer {
	n := node.New(testNodeConfig(t))
	b := bridge.New(n, time.Second*10)

	conf := config.Default().API
	server := NewServer(b, &conf, verifier, nil, nil, log.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		b.Close()
		if n.IsRunning() {
			_ = n.Stop(context.Background())
		}
	})

	return &testServer{
		url:  "http://" + ln.Addr().String(),
		node: n,
	}
}

func (s *testServer) request(
	t *testing.T,
	method string,
	path string,
	body []byte,
	token string,
) *http.Response {
	req, err := http.NewRequest(method, s.url+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
	})
	return resp
}

func (s *testServer) start(t *testing.T) {
	resp := s.request(t, http.MethodPost, "/v1/node/start", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func decodeErrorInfo(t *testing.T, resp *http.Response) status.ErrorInfo {
	var info status.ErrorInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func signedRequest(t *testing.T, name, key, value string) node.StoreRequest {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	dbName := dbname.Generate(name, kp.PublicKey)
	sig := kp.Sign(storage.SignedMessage(dbName, key, []byte(value)))
	return node.StoreRequest{
		DbName:    dbName,
		Key:       key,
		Value:     []byte(value),
		PublicKey: kp.PublicKeyHex(),
		Signature: hex.EncodeToString(sig),
	}
}

func TestServer_Node(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		server := newTestServer(t, nil)

		resp := server.request(t, http.MethodPost, "/v1/node/start", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info node.Info
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		assert.Equal(t, node.StateRunning, info.State)
		assert.NotEmpty(t, info.NodeID)

		resp = server.request(t, http.MethodGet, "/v1/node/status", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var s node.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
		assert.True(t, s.IsRunning)
		assert.Equal(t, info.NodeID, s.NodeID)

		resp = server.request(t, http.MethodGet, "/v1/peers", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var peers []json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
		assert.Empty(t, peers)

		resp = server.request(t, http.MethodPost, "/v1/node/stop", nil, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.False(t, server.node.IsRunning())
	})

	t.Run("already running", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPost, "/v1/node/start", nil, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "already_running", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("invalid secret key", func(t *testing.T) {
		server := newTestServer(t, nil)

		resp := server.request(
			t, http.MethodPost, "/v1/node/start",
			[]byte(`{"secret_key": "not-hex"}`), "",
		)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_key_format", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("not running", func(t *testing.T) {
		server := newTestServer(t, nil)

		for _, path := range []string{"/v1/peers", "/v1/db"} {
			resp := server.request(t, http.MethodGet, path, nil, "")
			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
			assert.Equal(t, "node_not_running", decodeErrorInfo(t, resp).Kind, path)
		}

		// Status is available in any state.
		resp := server.request(t, http.MethodGet, "/v1/node/status", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("bad request body", func(t *testing.T) {
		server := newTestServer(t, nil)

		resp := server.request(
			t, http.MethodPost, "/v1/node/start", []byte(`{`), "",
		)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "bad_request", decodeErrorInfo(t, resp).Kind)
	})
}

func TestServer_Data(t *testing.T) {
	t.Run("store and get", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		req := signedRequest(t, "users", "alice", `{"age":30}`)
		body, err := json.Marshal(req)
		require.NoError(t, err)

		path := "/v1/db/" + req.DbName + "/keys/alice"
		resp := server.request(t, http.MethodPut, path, body, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var storeResp StoreResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&storeResp))
		assert.True(t, storeResp.Applied)

		resp = server.request(t, http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entry bridge.DbEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
		assert.Equal(t, req.DbName, entry.DbName)
		assert.Equal(t, "alice", entry.Key)
		assert.Equal(t, []byte(`{"age":30}`), entry.Value)
		assert.JSONEq(t, `{"age":30}`, string(entry.ValueBytes))
		assert.Equal(t, req.PublicKey, entry.PublicKey)

		resp = server.request(t, http.MethodGet, "/v1/db/"+req.DbName+"/keys", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var keys []string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
		assert.Equal(t, []string{"alice"}, keys)
	})

	t.Run("invalid signature", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		req := signedRequest(t, "users", "alice", "foo")
		req.Value = []byte("bar")
		body, err := json.Marshal(req)
		require.NoError(t, err)

		resp := server.request(t, http.MethodPut, "/v1/db/"+req.DbName+"/keys/alice", body, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_signature", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("path overrides body", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		// The signature covers the key in the body, not the path.
		req := signedRequest(t, "users", "alice", "foo")
		body, err := json.Marshal(req)
		require.NoError(t, err)

		resp := server.request(t, http.MethodPut, "/v1/db/"+req.DbName+"/keys/bob", body, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get not found", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodGet, "/v1/db/unknown/keys/foo", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("local", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPut, "/v1/local/cache/keys/k1", []byte("v1"), "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = server.request(t, http.MethodGet, "/v1/db/cache/keys/k1", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entry bridge.DbEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
		assert.Equal(t, []byte("v1"), entry.Value)
		assert.Empty(t, entry.Signature)

		resp = server.request(t, http.MethodDelete, "/v1/db/cache/keys/k1", nil, "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = server.request(t, http.MethodGet, "/v1/db/cache/keys/k1", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("key with slash", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPut, "/v1/local/cache/keys/a%2Fb", []byte("v1"), "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = server.request(t, http.MethodGet, "/v1/db/cache/keys", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var keys []string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
		assert.Equal(t, []string{"a/b"}, keys)
	})

	t.Run("payload too large", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		value := make([]byte, storage.MaxValueSize+1)
		resp := server.request(t, http.MethodPut, "/v1/local/cache/keys/k1", value, "")
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assert.Equal(t, "payload_too_large", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("entries", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		for _, key := range []string{"k1", "k2", "k3"} {
			resp := server.request(t, http.MethodPut, "/v1/local/cache/keys/"+key, []byte(key), "")
			require.Equal(t, http.StatusNoContent, resp.StatusCode)
		}

		resp := server.request(t, http.MethodGet, "/v1/db/cache/entries", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

		var keys []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var entry bridge.DbEntry
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
			assert.Equal(t, "cache", entry.DbName)
			assert.Equal(t, entry.Key, string(entry.Value))
			keys = append(keys, entry.Key)
		}
		require.NoError(t, scanner.Err())
		assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, keys)
	})

	t.Run("entries empty", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodGet, "/v1/entries", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, buf.String())
	})

	t.Run("entries not running", func(t *testing.T) {
		server := newTestServer(t, nil)

		resp := server.request(t, http.MethodGet, "/v1/entries", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestServer_Network(t *testing.T) {
	t.Run("sync without peers", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPost, "/v1/sync", nil, "")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "network_unreachable", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("gossip", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPost, "/v1/gossip/chat", []byte("hello"), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var gossipResp GossipResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&gossipResp))
		assert.NotEmpty(t, gossipResp.ID)
	})

	t.Run("gossip reserved topic", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPost, "/v1/gossip/_sync", []byte("hello"), "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "unauthorized", decodeErrorInfo(t, resp).Kind)
	})

	t.Run("latency unknown peer", func(t *testing.T) {
		server := newTestServer(t, nil)
		server.start(t)

		resp := server.request(t, http.MethodPost, "/v1/peers/unknown/latency", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_Events(t *testing.T) {
	server := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(server.url, "http") + "/v1/events"
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer wsConn.Close()

	server.start(t)

	require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(time.Second*5)))
	var e node.Event
	require.NoError(t, wsConn.ReadJSON(&e))
	assert.Equal(t, node.EventStarted, e.Type)
	assert.Equal(t, server.node.Status().NodeID, e.NodeID)
}

func TestServer_Auth(t *testing.T) {
	secretKey := []byte("test-secret-key")
	verifier := auth.NewJWTVerifier(&auth.LoadedConfig{
		HMACSecretKey: secretKey,
	})

	token := func(t *testing.T, scopes ...string) string {
		claims := auth.JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Flynode: auth.FlynodeClaims{
				Scopes: scopes,
			},
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretKey)
		require.NoError(t, err)
		return s
	}

	t.Run("missing token", func(t *testing.T) {
		server := newTestServer(t, verifier)

		resp := server.request(t, http.MethodGet, "/v1/node/status", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		server := newTestServer(t, verifier)

		resp := server.request(t, http.MethodGet, "/v1/node/status", nil, "invalid")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("read scope", func(t *testing.T) {
		server := newTestServer(t, verifier)
		readToken := token(t, auth.ScopeRead)

		resp := server.request(t, http.MethodGet, "/v1/node/status", nil, readToken)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = server.request(t, http.MethodPut, "/v1/local/cache/keys/k1", []byte("v1"), readToken)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = server.request(t, http.MethodPost, "/v1/node/start", nil, readToken)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin scope", func(t *testing.T) {
		server := newTestServer(t, verifier)
		adminToken := token(t, auth.ScopeAdmin)

		resp := server.request(t, http.MethodPost, "/v1/node/start", nil, adminToken)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = server.request(t, http.MethodPut, "/v1/local/cache/keys/k1", []byte("v1"), adminToken)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("websocket query token", func(t *testing.T) {
		server := newTestServer(t, verifier)

		wsURL := "ws" + strings.TrimPrefix(server.url, "http") + "/v1/events"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		wsConn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token(t, auth.ScopeRead), nil)
		require.NoError(t, err)
		wsConn.Close()
	})
}
