// Package wire defines the serialized forms exchanged between replicas:
// the transaction message broadcast on every commit and the saved-state
// blob produced by Document.Save.
//
// Both use a schema-evolution-tolerant encoding (JSON via sonic, gin's
// serializer): unknown fields are ignored on decode and optional fields
// are omitted when zero, so old and new replicas can interoperate.
package wire

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Version is written into every transaction header. Decoders reject
// versions they do not know rather than guessing at field semantics.
const Version = 1

// stdJSON sorts map keys like encoding/json does, so replicas with equal
// state produce byte-equal blobs.
var stdJSON = sonic.ConfigStd

// Op is one operation inside a transaction: opaque payload bytes
// addressed to the sub-CRDT at Path (edge labels from the document root).
type Op struct {
	Path    []string `json:"p"`
	Payload []byte   `json:"d"`
}

// Transaction is the atomic unit of replication. The sender's own vector
// clock entry is carried as SenderCounter and never repeated in VCKeys.
//
// VCKeys/VCValues hold only the entries the sender's CRDTs actually read
// (plus explicitly requested keys); receivers must treat absent entries
// as "possibly incorrect zero".
type Transaction struct {
	Version       int      `json:"v"`
	SenderID      string   `json:"s"`
	SenderCounter uint64   `json:"c"`
	VCKeys        []string `json:"vk,omitempty"`
	VCValues      []uint64 `json:"vv,omitempty"`
	WallClockTime int64    `json:"w,omitempty"` // ms since epoch, 0 = not requested
	Lamport       uint64   `json:"l,omitempty"` // 0 = not requested
	Ops           []Op     `json:"ops"`
}

// ProtocolError reports bytes that could not be accepted as a
// transaction: undecodable, unknown version, or an inconsistent header.
// The offending bytes are discarded and causal state is unchanged.
type ProtocolError struct {
	SenderID      string
	SenderCounter uint64
	Reason        string
}

func (e *ProtocolError) Error() string {
	if e.SenderID == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error from %s#%d: %s", e.SenderID, e.SenderCounter, e.Reason)
}

// EncodeTransaction serializes tx. Fails only on programmer error
// (payloads are opaque bytes and always encodable).
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	data, err := stdJSON.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	return data, nil
}

// DecodeTransaction parses and validates a transaction message.
// All failures are *ProtocolError.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := stdJSON.Unmarshal(data, &tx); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	if err := validate(&tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func validate(tx *Transaction) error {
	if tx.Version != Version {
		return &ProtocolError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
			Reason: fmt.Sprintf("unknown version %d", tx.Version)}
	}
	if tx.SenderID == "" {
		return &ProtocolError{Reason: "empty sender id"}
	}
	if tx.SenderCounter == 0 {
		return &ProtocolError{SenderID: tx.SenderID, Reason: "sender counter must be >= 1"}
	}
	if len(tx.VCKeys) != len(tx.VCValues) {
		return &ProtocolError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
			Reason: fmt.Sprintf("vc keys/values length mismatch: %d != %d", len(tx.VCKeys), len(tx.VCValues))}
	}
	for _, k := range tx.VCKeys {
		if k == tx.SenderID {
			return &ProtocolError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
				Reason: "sender's own entry repeated in vc keys"}
		}
	}
	if len(tx.Ops) == 0 {
		return &ProtocolError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
			Reason: "transaction carries no ops"}
	}
	return nil
}

// VC reconstructs the partial vector clock carried by the transaction,
// excluding the sender's own entry.
func (tx *Transaction) VC() map[string]uint64 {
	vc := make(map[string]uint64, len(tx.VCKeys))
	for i, k := range tx.VCKeys {
		vc[k] = tx.VCValues[i]
	}
	return vc
}

// SavedStateTree is the recursive per-Collab state: a node's own opaque
// serialization plus its children keyed by edge label. Children are kept
// as parallel key/value slices in lexicographic key order so that two
// replicas with equal state produce byte-equal blobs.
type SavedStateTree struct {
	Self           []byte            `json:"s,omitempty"`
	ChildrenKeys   []string          `json:"ck,omitempty"`
	ChildrenValues []*SavedStateTree `json:"cv,omitempty"`
}

// SavedState is the top-level blob produced by Document.Save: the
// sender-side vector clock, the still-pending causal buffer as opaque
// per-transaction bytes, and the state tree. Lamport is carried so a
// restored document never re-issues a timestamp it already produced.
type SavedState struct {
	Version       int               `json:"v"`
	VectorClock   map[string]uint64 `json:"vc"`
	PendingBuffer [][]byte          `json:"pb,omitempty"`
	Tree          *SavedStateTree   `json:"t"`
	Lamport       uint64            `json:"l,omitempty"`
}

// EncodeSavedState serializes a saved state blob.
func EncodeSavedState(st *SavedState) ([]byte, error) {
	data, err := stdJSON.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "encode saved state")
	}
	return data, nil
}

// DecodeSavedState parses a saved state blob.
func DecodeSavedState(data []byte) (*SavedState, error) {
	var st SavedState
	if err := stdJSON.Unmarshal(data, &st); err != nil {
		return nil, &ProtocolError{Reason: "saved state: " + err.Error()}
	}
	if st.Version != Version {
		return nil, &ProtocolError{Reason: fmt.Sprintf("saved state: unknown version %d", st.Version)}
	}
	if st.Tree == nil {
		return nil, &ProtocolError{Reason: "saved state: missing tree"}
	}
	if len(st.Tree.ChildrenKeys) != len(st.Tree.ChildrenValues) {
		return nil, &ProtocolError{Reason: "saved state: children keys/values length mismatch"}
	}
	return &st, nil
}

// Child returns the subtree stored under key, nil if absent.
func (t *SavedStateTree) Child(key string) *SavedStateTree {
	if t == nil {
		return nil
	}
	for i, k := range t.ChildrenKeys {
		if k == key {
			return t.ChildrenValues[i]
		}
	}
	return nil
}
