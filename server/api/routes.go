package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/status"
)

// maxJSONBodySize bounds JSON request bodies, which encode values in base64.
const maxJSONBodySize = storage.MaxValueSize*2 + 64*1024

// StartRequest is the body of a start request. All fields are optional and
// default to the node configuration.
type StartRequest struct {
	DataDir        string   `json:"data_dir,omitempty"`
	SecretKey      string   `json:"secret_key,omitempty"`
	BootstrapPeers []string `json:"bootstrap_peers,omitempty"`
	Region         string   `json:"region,omitempty"`
}

// StoreResponse is the response to a signed store.
type StoreResponse struct {
	Applied bool `json:"applied"`
}

// SyncRequest is the body of a sync request. If Since is nil all operations
// are requested.
type SyncRequest struct {
	Since *int64 `json:"since,omitempty"`
}

type GossipResponse struct {
	ID string `json:"id"`
}

type LatencyResponse struct {
	LatencyMs int64 `json:"latency_ms"`
}

func (s *Server) startNodeRoute(c *gin.Context) {
	var req StartRequest
	if err := decodeJSON(c, &req, true); err != nil {
		s.writeError(c, err)
		return
	}

	_, err := s.bridge.StartNode(
		req.DataDir, req.SecretKey, req.BootstrapPeers, req.Region,
	).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.bridge.GetNodeInfo())
}

func (s *Server) stopNodeRoute(c *gin.Context) {
	if _, err := s.bridge.StopNode().Wait(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) nodeStatusRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.bridge.GetNodeStatus())
}

func (s *Server) nodeInfoRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.bridge.GetNodeInfo())
}

func (s *Server) peersRoute(c *gin.Context) {
	peers := s.bridge.GetPeers()
	if peers == nil {
		if !s.bridge.IsNodeRunning() {
			s.writeError(c, errdefs.ErrNodeNotRunning)
			return
		}
		peers = []registry.Peer{}
	}
	c.JSON(http.StatusOK, peers)
}

func (s *Server) latencyRoute(c *gin.Context) {
	latency, err := s.bridge.SendLatencyRequest(c.Param("id")).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, LatencyResponse{LatencyMs: latency})
}

func (s *Server) listDatabasesRoute(c *gin.Context) {
	dbs, err := s.bridge.ListDatabases()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dbs)
}

func (s *Server) listKeysRoute(c *gin.Context) {
	keys, err := s.bridge.ListKeys(c.Param("db"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (s *Server) storeRoute(c *gin.Context) {
	var req node.StoreRequest
	if err := decodeJSON(c, &req, false); err != nil {
		s.writeError(c, err)
		return
	}
	req.DbName = c.Param("db")
	req.Key = c.Param("key")

	applied, err := s.bridge.Store(req).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StoreResponse{Applied: applied})
}

func (s *Server) getRoute(c *gin.Context) {
	entry, err := s.bridge.GetData(c.Param("db"), c.Param("key")).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) deleteRoute(c *gin.Context) {
	_, err := s.bridge.DeleteData(c.Param("db"), c.Param("key")).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// storeLocalRoute stores the raw request body as the value.
func (s *Server) storeLocalRoute(c *gin.Context) {
	value, err := readBody(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	_, err = s.bridge.StoreDataLocal(c.Param("db"), c.Param("key"), value).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) entriesRoute(c *gin.Context) {
	s.streamEntries(c, s.bridge.GetAllEntries(c.Param("db")))
}

func (s *Server) allEntriesRoute(c *gin.Context) {
	s.streamEntries(c, s.bridge.GetAllData())
}

func (s *Server) syncRoute(c *gin.Context) {
	var req SyncRequest
	if err := decodeJSON(c, &req, true); err != nil {
		s.writeError(c, err)
		return
	}

	result, err := s.bridge.RequestSync(req.Since).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// gossipRoute publishes the raw request body on the topic.
func (s *Server) gossipRoute(c *gin.Context) {
	message, err := readBody(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	id, err := s.bridge.SendGossip(c.Param("topic"), message).Wait(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, GossipResponse{ID: id})
}

// streamEntries writes the entries as newline delimited JSON.
//
// If the stream fails before the first entry the error is returned as a
// normal error response. Once the response has started, a failure is written
// as a final error line.
func (s *Server) streamEntries(c *gin.Context, stream *bridge.Stream[bridge.DbEntry]) {
	defer stream.Close()

	var (
		first bridge.DbEntry
		ok    bool
	)
	select {
	case first, ok = <-stream.C():
	case <-c.Request.Context().Done():
		return
	}
	if !ok {
		if err := stream.Err(); err != nil {
			s.writeError(c, err)
			return
		}
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	if !ok {
		return
	}

	enc := json.NewEncoder(c.Writer)
	if err := enc.Encode(first); err != nil {
		return
	}
	for entry := range stream.C() {
		if err := enc.Encode(entry); err != nil {
			s.logger.Debug("write entry", zap.Error(err))
			return
		}
		c.Writer.Flush()
	}
	if err := stream.Err(); err != nil {
		s.logger.Warn("entry stream", zap.Error(err))
		_ = enc.Encode(status.FromError(err))
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	info := status.FromError(err)
	if info.StatusCode >= http.StatusInternalServerError &&
		info.StatusCode != http.StatusServiceUnavailable {
		s.logger.Warn(
			"request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(info.StatusCode, info)
}

// decodeJSON decodes the request body into v. If optional an empty body
// leaves v unchanged.
func decodeJSON(c *gin.Context, v any, optional bool) error {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("request body: %w", errdefs.ErrPayloadTooLarge)
		}
		return &status.ErrorInfo{
			StatusCode: http.StatusBadRequest,
			Kind:       "bad_request",
			Message:    "invalid request body: " + err.Error(),
		}
	}
	return nil
}

// readBody reads the raw request body. Bodies larger than
// storage.MaxValueSize return errdefs.ErrPayloadTooLarge.
func readBody(c *gin.Context) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, storage.MaxValueSize+1))
	if err != nil {
		return nil, &status.ErrorInfo{
			StatusCode: http.StatusBadRequest,
			Kind:       "bad_request",
			Message:    "read request body: " + err.Error(),
		}
	}
	if len(b) > storage.MaxValueSize {
		return nil, fmt.Errorf("request body: %w", errdefs.ErrPayloadTooLarge)
	}
	return b, nil
}
