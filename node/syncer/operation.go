package syncer

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/cyberfly-io/flynode/node/storage"
)

// Operation is a signed write replicated between nodes.
type Operation struct {
	OpID      string `codec:"op_id" json:"op_id"`
	DbName    string `codec:"db_name" json:"db_name"`
	Key       string `codec:"key" json:"key"`
	Value     []byte `codec:"value" json:"value"`
	PublicKey string `codec:"public_key" json:"public_key"`
	Signature string `codec:"signature" json:"signature"`
	Timestamp int64  `codec:"timestamp" json:"timestamp"`
}

func OperationFromEntry(e *storage.Entry) Operation {
	return Operation{
		OpID:      e.OpID,
		DbName:    e.DbName,
		Key:       e.Key,
		Value:     e.Value,
		PublicKey: e.PublicKey,
		Signature: e.Signature,
		Timestamp: e.Timestamp,
	}
}

// Entry returns the storage entry of the operation. Operations received from
// peers are never local.
func (o *Operation) Entry() *storage.Entry {
	return &storage.Entry{
		DbName:    o.DbName,
		Key:       o.Key,
		Value:     o.Value,
		PublicKey: o.PublicKey,
		Signature: o.Signature,
		Timestamp: o.Timestamp,
		OpID:      o.OpID,
	}
}

// EncodeOperation encodes the operation to push to peers as a gossip
// payload.
func EncodeOperation(op Operation) ([]byte, error) {
	var buf bytes.Buffer
	var handle codec.MsgpackHandle
	if err := codec.NewEncoder(&buf, &handle).Encode(&op); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeOperation(b []byte) (Operation, error) {
	var op Operation
	var handle codec.MsgpackHandle
	if err := codec.NewDecoderBytes(b, &handle).Decode(&op); err != nil {
		return Operation{}, fmt.Errorf("decode: %w", err)
	}
	return op, nil
}

// request is sent by the requesting node to start a sync exchange.
type request struct {
	Requester string `codec:"requester"`
	// Since is the watermark timestamp. If nil all operations are
	// requested.
	Since     *int64 `codec:"since"`
	Timestamp int64  `codec:"timestamp"`
}

// chunk is a batch of operations sent in response to a request. The final
// chunk of the response has HasMore set to false.
type chunk struct {
	Operations []Operation `codec:"operations"`
	HasMore    bool        `codec:"has_more"`
}
