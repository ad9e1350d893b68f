package crdt

import (
	"time"

	"github.com/google/uuid"
)

// OpKind discriminates the two wire-level operation types.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Operation is the wire-level record of a single edit. For an insert,
// S4 identifies the new node and LeftS4/RightS4 record the visible
// neighbours at generation time; for a delete, S4 identifies the
// target and the anchors are unused. Operations are immutable once
// created.
type Operation struct {
	ID         string    `json:"id"` // surrogate id, unique per record
	Kind       OpKind    `json:"kind"`
	DocumentID string    `json:"document_id"`
	S4         S4Vector  `json:"s4"`
	Value      string    `json:"value,omitempty"`
	LeftS4     S4Vector  `json:"left_s4"`
	RightS4    S4Vector  `json:"right_s4"`
	Origin     uint64    `json:"origin_sid"`
	Timestamp  time.Time `json:"timestamp"` // informational only
}

// NewInsertOp builds the record for a freshly integrated insert.
func NewInsertOp(docID string, s4, left, right S4Vector, value string) Operation {
	return Operation{
		ID:         uuid.New().String(),
		Kind:       OpInsert,
		DocumentID: docID,
		S4:         s4,
		Value:      value,
		LeftS4:     left,
		RightS4:    right,
		Origin:     s4.SID,
		Timestamp:  time.Now().UTC(),
	}
}

// NewDeleteOp builds the record for a tombstoning of target.
func NewDeleteOp(docID string, target S4Vector, origin uint64) Operation {
	return Operation{
		ID:         uuid.New().String(),
		Kind:       OpDelete,
		DocumentID: docID,
		S4:         target,
		Origin:     origin,
		Timestamp:  time.Now().UTC(),
	}
}

// LogKey is the operation's member key in the durable log. The S4
// prefix keeps the log in total order under lexicographic range scans;
// the kind suffix keeps a delete distinct from the insert it targets.
func (op Operation) LogKey() string {
	return op.S4.Key() + ":" + string(op.Kind)
}
