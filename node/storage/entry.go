package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cyberfly-io/flynode/pkg/dbname"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

// MaxValueSize is the maximum size of an entry value.
const MaxValueSize = 1 << 20

// Entry is a value stored in a database along with its write provenance.
type Entry struct {
	DbName string `codec:"-" json:"db_name"`
	Key    string `codec:"-" json:"key"`
	Value  []byte `codec:"value" json:"value"`

	// PublicKey is the hex encoded public key of the writer. Empty for local
	// entries.
	PublicKey string `codec:"public_key" json:"public_key,omitempty"`
	// Signature is the hex encoded signature of the write. Empty for local
	// entries.
	Signature string `codec:"signature" json:"signature,omitempty"`

	// Timestamp is the write time in milliseconds since the epoch.
	Timestamp int64  `codec:"timestamp" json:"timestamp"`
	OpID      string `codec:"op_id" json:"op_id"`

	// Local is true if the entry was written by the node itself without an
	// owner signature. Local entries are never replicated.
	Local bool `codec:"local" json:"local"`
}

// Structured returns the value as a JSON document, or nil if the value is not
// valid JSON.
func (e *Entry) Structured() json.RawMessage {
	if len(e.Value) == 0 || !gjson.ValidBytes(e.Value) {
		return nil
	}
	return json.RawMessage(e.Value)
}

// Newer returns whether e wins over other when both write the same key.
//
// Entries are ordered by timestamp, then op ID, then signature, so all
// nodes converge on the same value regardless of the order writes arrive.
func (e *Entry) Newer(other *Entry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	if e.OpID != other.OpID {
		return e.OpID > other.OpID
	}
	return e.Signature > other.Signature
}

// SignedMessage returns the message an owner signs to write value to key.
func SignedMessage(dbName, key string, value []byte) []byte {
	b := make([]byte, 0, len(dbName)+len(key)+len(value)+2)
	b = append(b, dbName...)
	b = append(b, ':')
	b = append(b, key...)
	b = append(b, ':')
	b = append(b, value...)
	return b
}

// OperationMessage returns the message an owner signs to write value to key
// bound to a specific operation ID and timestamp.
func OperationMessage(opID string, timestamp int64, dbName, key string, value []byte) []byte {
	b := make([]byte, 0, len(opID)+len(dbName)+len(key)+len(value)+24)
	b = append(b, opID...)
	b = append(b, ':')
	b = strconv.AppendInt(b, timestamp, 10)
	b = append(b, ':')
	return append(b, SignedMessage(dbName, key, value)...)
}

// Verify checks the entry may be written to its database.
//
// The database must be owned by the entry public key, and the signature must
// be a valid signature by that key of either the operation message or the
// signed message.
func Verify(e *Entry) error {
	if len(e.Value) > MaxValueSize {
		return fmt.Errorf("value size %d: %w", len(e.Value), errdefs.ErrPayloadTooLarge)
	}
	if _, err := dbname.Extract(e.DbName); err != nil {
		return err
	}
	pub, err := identity.ParsePublicKey(e.PublicKey)
	if err != nil {
		return err
	}
	if !dbname.Verify(e.DbName, pub) {
		return fmt.Errorf("%s not owned by %s: %w", e.DbName, e.PublicKey, errdefs.ErrUnauthorized)
	}
	// The signed message joins the key and value with ':', so a key
	// containing ':' could be re-split into a different key and value under
	// the same signature.
	if strings.Contains(e.Key, ":") {
		return fmt.Errorf("key %q contains ':': %w", e.Key, errdefs.ErrInvalidSignature)
	}
	sig, err := identity.ParseSignature(e.Signature)
	if err != nil {
		return err
	}

	if e.OpID != "" && e.Timestamp != 0 {
		msg := OperationMessage(e.OpID, e.Timestamp, e.DbName, e.Key, e.Value)
		if identity.Verify(pub, msg, sig) {
			return nil
		}
	}
	if identity.Verify(pub, SignedMessage(e.DbName, e.Key, e.Value), sig) {
		return nil
	}
	return fmt.Errorf("%s/%s: %w", e.DbName, e.Key, errdefs.ErrInvalidSignature)
}
