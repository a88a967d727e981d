package gossip

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

type messageType uint8

const (
	messageTypeAnnounce messageType = iota + 1
	messageTypePeerList
	messageTypeGossip
	messageTypeLatencyRequest
	messageTypeLatencyResponse
)

func (t messageType) String() string {
	switch t {
	case messageTypeAnnounce:
		return "announce"
	case messageTypePeerList:
		return "peer_list"
	case messageTypeGossip:
		return "gossip"
	case messageTypeLatencyRequest:
		return "latency_request"
	case messageTypeLatencyResponse:
		return "latency_response"
	default:
		return "unknown"
	}
}

// StreamType identifies the exchange carried by a TCP stream.
type StreamType uint8

const (
	// StreamTypeJoin swaps announcements and peer lists with a peer.
	StreamTypeJoin StreamType = iota + 16
	// StreamTypeSync carries a sync request and its response.
	StreamTypeSync
	// StreamTypePacket carries a single packet that is too large to send
	// over UDP.
	StreamTypePacket
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeJoin:
		return "join"
	case StreamTypeSync:
		return "sync"
	case StreamTypePacket:
		return "packet"
	default:
		return "unknown"
	}
}

const (
	supportedVersion uint8 = 0

	// minPacketSize is the smallest packet that can hold an announcement.
	minPacketSize = 512

	// maxStreamPacketSize limits the size of a packet sent over a stream.
	maxStreamPacketSize = 4 << 20
)

// trackedWriter is a wrapper for the underlying writer that counts the number
// of bytes written.
type trackedWriter struct {
	w io.Writer
	n int
}

func newTrackedWriter(w io.Writer) *trackedWriter {
	return &trackedWriter{
		w: w,
	}
}

func (w *trackedWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.n += n
	return n, err
}

func (w *trackedWriter) NumBytesWritten() int {
	return w.n
}

var _ io.Writer = &trackedWriter{}

// trackedReader is a wrapper for the underlying reader that counts the number
// of bytes read.
type trackedReader struct {
	r io.Reader
	n int
}

func newTrackedReader(r io.Reader) *trackedReader {
	return &trackedReader{
		r: r,
	}
}

func (r *trackedReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	r.n += n
	return n, err
}

func (r *trackedReader) NumBytesRead() int {
	return r.n
}

var _ io.Reader = &trackedReader{}

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(writer io.Writer) *encoder {
	var handle codec.MsgpackHandle
	return &encoder{
		encoder: codec.NewEncoder(writer, &handle),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(reader io.Reader) *decoder {
	var handle codec.MsgpackHandle
	return &decoder{
		decoder: codec.NewDecoder(reader, &handle),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

// encodePacket encodes the message with a fixed header containing the message
// type and protocol version.
func encodePacket(t messageType, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(t))
	_ = buf.WriteByte(supportedVersion)

	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %s: %w", t, err)
	}
	return buf.Bytes(), nil
}

// decodePacketHeader returns the message type of the packet and the encoded
// message body.
func decodePacketHeader(b []byte) (messageType, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("packet too small: %d", len(b))
	}
	if version := b[1]; version != supportedVersion {
		return 0, nil, fmt.Errorf("unsupported version: %d", version)
	}
	return messageType(b[0]), b[2:], nil
}

func decodeBody(b []byte, v interface{}) error {
	return newDecoder(bytes.NewReader(b)).Decode(v)
}
