package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/pkg/backoff"
	pkgwebsocket "github.com/cyberfly-io/flynode/pkg/websocket"
)

const (
	minReconnectBackoff = time.Millisecond * 100
	maxReconnectBackoff = time.Second * 15

	subscriptionBuffer = 64
)

// Subscription receives node events.
//
// After the initial connection succeeds, the subscription reconnects after
// any transient errors. Events published while disconnected are missed.
type Subscription struct {
	ch chan node.Event

	err error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// C returns the channel of events, which is closed when the subscription
// ends.
func (s *Subscription) C() <-chan node.Event {
	return s.ch
}

// Err returns the error that ended the subscription, or nil if it was
// closed. Only valid once C is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	<-s.done
}

// Subscribe connects to the node event stream.
//
// Blocks until the client can connect. Returns an error if the context is
// cancelled before the connection can be established, or if the node rejects
// the subscription with a non-retryable error, such as an invalid token.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	wsConn, err := c.connectEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ch:     make(chan node.Event, subscriptionBuffer),
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.receive(sub, wsConn)
	return sub, nil
}

func (c *Client) receive(sub *Subscription, wsConn *websocket.Conn) {
	defer close(sub.done)
	defer close(sub.ch)

	for {
		err := c.readEvents(sub, wsConn)
		if sub.ctx.Err() != nil {
			return
		}

		c.logger.Warn("event stream disconnected; reconnecting", zap.Error(err))

		wsConn, err = c.connectEvents(sub.ctx)
		if err != nil {
			if sub.ctx.Err() == nil {
				sub.err = err
			}
			return
		}
	}
}

// readEvents reads events until the connection fails or the subscription is
// closed.
func (c *Client) readEvents(sub *Subscription, wsConn *websocket.Conn) error {
	stop := context.AfterFunc(sub.ctx, func() {
		_ = wsConn.Close()
	})
	defer stop()
	defer wsConn.Close()

	for {
		var e node.Event
		if err := wsConn.ReadJSON(&e); err != nil {
			return err
		}

		select {
		case sub.ch <- e:
		case <-sub.ctx.Done():
			return sub.ctx.Err()
		}
	}
}

func (c *Client) connectEvents(ctx context.Context) (*websocket.Conn, error) {
	backoff := backoff.New(0, minReconnectBackoff, maxReconnectBackoff)
	for {
		wsConn, err := pkgwebsocket.Dial(
			ctx,
			c.eventsURL(),
			pkgwebsocket.WithToken(c.token),
			pkgwebsocket.WithTLSConfig(c.tlsConfig),
		)
		if err == nil {
			c.logger.Debug("connected to event stream", zap.String("url", c.eventsURL()))
			return wsConn, nil
		}

		var retryableError *pkgwebsocket.RetryableError
		if !errors.As(err, &retryableError) {
			c.logger.Error(
				"failed to connect to event stream; non-retryable",
				zap.String("url", c.eventsURL()),
				zap.Error(err),
			)
			return nil, err
		}

		c.logger.Warn(
			"failed to connect to event stream; retrying",
			zap.String("url", c.eventsURL()),
			zap.Error(err),
		)

		if !backoff.Wait(ctx) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) eventsURL() string {
	u := *c.url
	u.Path += "/v1/events"
	u.RawPath = ""
	if u.Scheme == "http" {
		u.Scheme = "ws"
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	}
	return u.String()
}
