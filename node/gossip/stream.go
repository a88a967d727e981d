package gossip

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

const (
	streamTimeout = time.Second * 10
)

// StreamHandler handles an inbound stream. The stream is closed once the
// handler returns.
type StreamHandler func(s *Stream) error

// Stream is a TCP connection to a peer carrying msgpack encoded messages.
type Stream struct {
	conn net.Conn

	r *bufio.Reader
	w *bufio.Writer

	trackedReader *trackedReader
	trackedWriter *trackedWriter

	encoder *encoder
	decoder *decoder

	metrics *Metrics
}

func newStream(conn net.Conn, metrics *Metrics) *Stream {
	trackedReader := newTrackedReader(conn)
	trackedWriter := newTrackedWriter(conn)
	r := bufio.NewReader(trackedReader)
	w := bufio.NewWriter(trackedWriter)
	return &Stream{
		conn:          conn,
		r:             r,
		w:             w,
		trackedReader: trackedReader,
		trackedWriter: trackedWriter,
		encoder:       newEncoder(w),
		decoder:       newDecoder(r),
		metrics:       metrics,
	}
}

// Encode writes v to the stream. The write is buffered until Flush.
func (s *Stream) Encode(v interface{}) error {
	return s.encoder.Encode(v)
}

// Decode reads the next message from the stream into v.
func (s *Stream) Decode(v interface{}) error {
	return s.decoder.Decode(v)
}

func (s *Stream) Flush() error {
	return s.w.Flush()
}

func (s *Stream) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) Close() error {
	s.metrics.StreamBytesInbound.Add(float64(s.trackedReader.NumBytesRead()))
	s.metrics.StreamBytesOutbound.Add(float64(s.trackedWriter.NumBytesWritten()))
	return s.conn.Close()
}

// readHeader reads the stream type and protocol version.
func (s *Stream) readHeader() (StreamType, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	version, err := s.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return 0, fmt.Errorf("unsupported version: %d", version)
	}
	return StreamType(b), nil
}

func (s *Stream) writeHeader(t StreamType) error {
	if err := s.w.WriteByte(byte(t)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := s.w.WriteByte(supportedVersion); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// dialStream opens a stream of the given type to addr. The stream deadline
// is the context deadline if set, otherwise the default stream timeout.
func dialStream(
	ctx context.Context,
	dialer *net.Dialer,
	addr string,
	t StreamType,
	metrics *Metrics,
) (*Stream, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %s: %w", addr, err)
	}

	metrics.StreamsOutbound.Inc()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(streamTimeout)
	}
	_ = conn.SetDeadline(deadline)

	s := newStream(conn, metrics)
	if err := s.writeHeader(t); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
