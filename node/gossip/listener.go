package gossip

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/log"
)

// maxUDPPacketSize is the read buffer size. Peers may be configured with a
// larger max packet size than the local node.
const maxUDPPacketSize = 1 << 16

// streamListener accepts incoming stream connections and passes each to the
// handler in its own goroutine.
type streamListener struct {
	ln net.Listener

	handler func(s *Stream) error

	metrics *Metrics

	logger log.Logger
}

func newStreamListener(
	ln net.Listener,
	handler func(s *Stream) error,
	metrics *Metrics,
	logger log.Logger,
) *streamListener {
	return &streamListener{
		ln:      ln,
		handler: handler,
		metrics: metrics,
		logger:  logger,
	}
}

// Serve will accept connections until listener is closed.
func (l *streamListener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		l.logger.Debug(
			"accepted conn",
			zap.String("addr", conn.RemoteAddr().String()),
		)

		l.metrics.StreamsInbound.Inc()

		go func() {
			_ = conn.SetDeadline(time.Now().Add(streamTimeout))

			s := newStream(conn, l.metrics)
			defer s.Close()

			if err := l.handler(s); err != nil {
				l.logger.Warn(
					"failed to handle stream",
					zap.String("addr", conn.RemoteAddr().String()),
					zap.Error(err),
				)
			}
		}()
	}
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}

// packetListener reads incoming packets and passes each to the handler.
type packetListener struct {
	ln net.PacketConn

	handler func(b []byte, addr net.Addr) error

	readBuf []byte

	metrics *Metrics

	logger log.Logger
}

func newPacketListener(
	ln net.PacketConn,
	handler func(b []byte, addr net.Addr) error,
	metrics *Metrics,
	logger log.Logger,
) *packetListener {
	return &packetListener{
		ln:      ln,
		handler: handler,
		readBuf: make([]byte, maxUDPPacketSize),
		metrics: metrics,
		logger:  logger,
	}
}

func (l *packetListener) Serve() {
	for {
		n, addr, err := l.ln.ReadFrom(l.readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("failed to read packet", zap.Error(err))
			continue
		}

		l.metrics.PacketBytesInbound.Add(float64(n))

		if err = l.handler(l.readBuf[:n], addr); err != nil {
			l.logger.Debug(
				"failed to handle packet",
				zap.String("addr", addr.String()),
				zap.Error(err),
			)
		}
	}
}

func (l *packetListener) Close() error {
	return l.ln.Close()
}
