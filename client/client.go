// Package client is a Go client for the node API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/node/syncer"
	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/pkg/status"
	"github.com/cyberfly-io/flynode/server/api"
)

const (
	// defaultURL is the URL of the node API when running locally.
	defaultURL = "http://localhost:8101"

	maxErrorSize = 64 * 1024

	// maxLineSize bounds an entry line, which includes the value both base64
	// encoded and as a JSON document.
	maxLineSize = storage.MaxValueSize * 4
)

// Client sends requests to the node API.
//
// Failed requests return a *status.ErrorInfo, which matches the node error
// kinds with errors.Is, such as errdefs.ErrNotFound.
type Client struct {
	httpClient *http.Client
	url        *url.URL
	token      string
	tlsConfig  *tls.Config

	logger log.Logger
}

// New returns a client for the node API.
func New(opts ...Option) (*Client, error) {
	options := options{
		url:    defaultURL,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	u, err := url.Parse(options.url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse url: unsupported scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	httpClient := options.httpClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = options.tlsConfig
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{
		httpClient: httpClient,
		url:        u,
		token:      options.token,
		tlsConfig:  options.tlsConfig,
		logger:     options.logger.WithSubsystem("client"),
	}, nil
}

// Start starts the node, returning the node info once running.
func (c *Client) Start(ctx context.Context, req api.StartRequest) (node.Info, error) {
	var info node.Info
	err := c.doJSON(ctx, http.MethodPost, "/v1/node/start", req, &info)
	return info, err
}

func (c *Client) Stop(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/node/stop", nil, nil)
}

func (c *Client) Status(ctx context.Context) (node.Status, error) {
	var s node.Status
	err := c.doJSON(ctx, http.MethodGet, "/v1/node/status", nil, &s)
	return s, err
}

func (c *Client) Info(ctx context.Context) (node.Info, error) {
	var info node.Info
	err := c.doJSON(ctx, http.MethodGet, "/v1/node/info", nil, &info)
	return info, err
}

func (c *Client) Peers(ctx context.Context) ([]registry.Peer, error) {
	var peers []registry.Peer
	err := c.doJSON(ctx, http.MethodGet, "/v1/peers", nil, &peers)
	return peers, err
}

// Latency measures the latency from the node to the peer.
func (c *Client) Latency(ctx context.Context, nodeID string) (time.Duration, error) {
	var resp api.LatencyResponse
	path := "/v1/peers/" + url.PathEscape(nodeID) + "/latency"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.LatencyMs) * time.Millisecond, nil
}

func (c *Client) Databases(ctx context.Context) ([]string, error) {
	var dbs []string
	err := c.doJSON(ctx, http.MethodGet, "/v1/db", nil, &dbs)
	return dbs, err
}

func (c *Client) Keys(ctx context.Context, dbName string) ([]string, error) {
	var keys []string
	err := c.doJSON(ctx, http.MethodGet, "/v1/db/"+url.PathEscape(dbName)+"/keys", nil, &keys)
	return keys, err
}

// Store writes a signed entry, returning whether the write was applied.
func (c *Client) Store(ctx context.Context, req node.StoreRequest) (bool, error) {
	var resp api.StoreResponse
	if err := c.doJSON(ctx, http.MethodPut, keyPath("db", req.DbName, req.Key), req, &resp); err != nil {
		return false, err
	}
	return resp.Applied, nil
}

// StoreLocal writes an unsigned entry that is never replicated.
func (c *Client) StoreLocal(ctx context.Context, dbName, key string, value []byte) error {
	resp, err := c.do(
		ctx, http.MethodPut, keyPath("local", dbName, key),
		bytes.NewReader(value), "application/octet-stream",
	)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) Get(ctx context.Context, dbName, key string) (bridge.DbEntry, error) {
	var entry bridge.DbEntry
	err := c.doJSON(ctx, http.MethodGet, keyPath("db", dbName, key), nil, &entry)
	return entry, err
}

func (c *Client) Delete(ctx context.Context, dbName, key string) error {
	return c.doJSON(ctx, http.MethodDelete, keyPath("db", dbName, key), nil, nil)
}

// Entries calls f with each entry in the database, or every database if
// dbName is empty. Returning an error from f stops iteration.
func (c *Client) Entries(ctx context.Context, dbName string, f func(bridge.DbEntry) error) error {
	path := "/v1/entries"
	if dbName != "" {
		path = "/v1/db/" + url.PathEscape(dbName) + "/entries"
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Lines are either an entry or a final error.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, maxLineSize)
	for scanner.Scan() {
		var line struct {
			bridge.DbEntry
			Kind  string `json:"kind"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		if line.Error != "" {
			return &status.ErrorInfo{
				StatusCode: resp.StatusCode,
				Kind:       line.Kind,
				Message:    line.Error,
			}
		}
		if err := f(line.DbEntry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read entries: %w", err)
	}
	return nil
}

// Sync requests operations newer than since from peers, or all operations if
// since is nil.
func (c *Client) Sync(ctx context.Context, since *int64) (syncer.Result, error) {
	var result syncer.Result
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync", api.SyncRequest{Since: since}, &result)
	return result, err
}

// Gossip publishes the message on the topic, returning the message ID.
func (c *Client) Gossip(ctx context.Context, topic string, message []byte) (string, error) {
	resp, err := c.do(
		ctx, http.MethodPost, "/v1/gossip/"+url.PathEscape(topic),
		bytes.NewReader(message), "application/octet-stream",
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var gossipResp api.GossipResponse
	if err := json.NewDecoder(resp.Body).Decode(&gossipResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return gossipResp.ID, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) doJSON(ctx context.Context, method, path string, req any, resp any) error {
	var body io.Reader
	var contentType string
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	httpResp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	u := *c.url
	u.RawPath = u.EscapedPath() + path
	u.Path, _ = url.PathUnescape(u.RawPath)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// decodeError returns the error in the response body, falling back to the
// status text if the body isn't an error response.
func decodeError(resp *http.Response) error {
	info := &status.ErrorInfo{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorSize)).Decode(info); err != nil ||
		info.Message == "" {
		info.Kind = ""
		info.Message = strings.ToLower(http.StatusText(resp.StatusCode))
	}
	info.StatusCode = resp.StatusCode
	return info
}

func keyPath(prefix, dbName, key string) string {
	return "/v1/" + prefix + "/" + url.PathEscape(dbName) + "/keys/" + url.PathEscape(key)
}
