package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventWriteTimeout = time.Second * 10

// eventsRoute streams node events to the client over a WebSocket as JSON
// text messages. Events published while the client is slow to read are
// dropped.
func (s *Server) eventsRoute(c *gin.Context) {
	events := s.bridge.Subscribe()
	defer events.Close()

	wsConn, err := s.websocketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade replies to the client so nothing else to do.
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}
	defer wsConn.Close()

	s.logger.Debug(
		"events subscriber connected",
		zap.String("client-ip", c.ClientIP()),
	)
	defer s.logger.Debug(
		"events subscriber disconnected",
		zap.String("client-ip", c.ClientIP()),
	)

	// The client never sends messages, though must read to process control
	// frames and detect the connection closing.
	closedCh := make(chan struct{})
	go func() {
		defer close(closedCh)
		for {
			if _, _, err := wsConn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-events.C():
			if !ok {
				return
			}
			_ = wsConn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := wsConn.WriteJSON(e); err != nil {
				s.logger.Debug("write event", zap.Error(err))
				return
			}
		case <-closedCh:
			return
		case <-s.shutdownCh:
			_ = wsConn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(eventWriteTimeout),
			)
			return
		}
	}
}
