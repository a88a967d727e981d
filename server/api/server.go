// Package api implements the HTTP API host applications use to control the
// node and read and write data.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/pkg/auth"
	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/pkg/middleware"
	"github.com/cyberfly-io/flynode/server/config"
)

// Server is the API HTTP server.
type Server struct {
	bridge *bridge.Bridge

	auth *middleware.Auth

	httpServer *http.Server

	websocketUpgrader *websocket.Upgrader

	// shutdownCh is closed when the server begins shutting down, to close
	// long lived event streams.
	shutdownCh chan struct{}

	logger log.Logger
}

// NewServer returns an API server for the node behind the bridge.
//
// If verifier is nil requests are not authenticated.
func NewServer(
	b *bridge.Bridge,
	conf *config.APIConfig,
	verifier auth.Verifier,
	metrics *middleware.Metrics,
	tlsConfig *tls.Config,
	logger log.Logger,
) *Server {
	logger = logger.WithSubsystem("api")

	router := gin.New()
	// Route on the escaped path so keys may contain '/'.
	router.UseRawPath = true
	server := &Server{
		bridge: b,
		httpServer: &http.Server{
			Handler:           router,
			TLSConfig:         tlsConfig,
			ReadTimeout:       conf.HTTP.ReadTimeout,
			ReadHeaderTimeout: conf.HTTP.ReadHeaderTimeout,
			IdleTimeout:       conf.HTTP.IdleTimeout,
			MaxHeaderBytes:    conf.HTTP.MaxHeaderBytes,
			ErrorLog:          logger.StdLogger(zapcore.WarnLevel),
		},
		websocketUpgrader: &websocket.Upgrader{},
		shutdownCh:        make(chan struct{}),
		logger:            logger,
	}

	// Recover from panics.
	router.Use(gin.CustomRecoveryWithWriter(nil, server.panicRoute))
	router.Use(middleware.NewLogger(conf.AccessLog, logger))
	if metrics != nil {
		router.Use(metrics.Handler())
	}

	server.auth = middleware.NewAuth(verifier, logger)
	if verifier != nil {
		router.Use(server.auth.Verify)
	}

	server.registerRoutes(router)

	return server
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info(
		"starting api server",
		zap.String("addr", ln.Addr().String()),
	)

	var err error
	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.ServeTLS(ln, "", "")
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown attempts to gracefully shutdown the server by closing event
// streams and waiting for pending requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(router *gin.Engine) {
	read := s.auth.RequireScope(auth.ScopeRead)
	write := s.auth.RequireScope(auth.ScopeWrite)
	admin := s.auth.RequireScope(auth.ScopeAdmin)

	v1 := router.Group("/v1")

	v1.POST("/node/start", admin, s.startNodeRoute)
	v1.POST("/node/stop", admin, s.stopNodeRoute)
	v1.GET("/node/status", read, s.nodeStatusRoute)
	v1.GET("/node/info", read, s.nodeInfoRoute)

	v1.GET("/peers", read, s.peersRoute)
	v1.POST("/peers/:id/latency", write, s.latencyRoute)

	v1.GET("/db", read, s.listDatabasesRoute)
	v1.GET("/db/:db/keys", read, s.listKeysRoute)
	v1.GET("/db/:db/entries", read, s.entriesRoute)
	v1.PUT("/db/:db/keys/:key", write, s.storeRoute)
	v1.GET("/db/:db/keys/:key", read, s.getRoute)
	v1.DELETE("/db/:db/keys/:key", write, s.deleteRoute)
	v1.GET("/entries", read, s.allEntriesRoute)

	v1.PUT("/local/:db/keys/:key", write, s.storeLocalRoute)

	v1.POST("/sync", write, s.syncRoute)
	v1.POST("/gossip/:topic", write, s.gossipRoute)

	v1.GET("/events", read, s.eventsRoute)
}

func (s *Server) panicRoute(c *gin.Context, err any) {
	s.logger.Error(
		"handler panic",
		zap.String("path", c.FullPath()),
		zap.Any("err", err),
	)
	c.AbortWithStatus(http.StatusInternalServerError)
}

func init() {
	// Disable Gin debug logs.
	gin.SetMode(gin.ReleaseMode)
}
