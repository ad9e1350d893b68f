package crdt

import (
	"fmt"
	"math"
)

// S4Vector identifies a node or operation across all replicas. It is a
// value object: two equal vectors denote the same node, and the
// lexicographic (SSN, Sum, SID, Seq) order is total.
//
// The order is used only to tie-break concurrent inserts that share an
// anchor; reading order of the document comes from the linked list.
type S4Vector struct {
	SSN uint64 `json:"ssn"` // session number, bumped per replica session
	Sum uint64 `json:"sum"` // Lamport scalar
	SID uint64 `json:"sid"` // stable site (replica) identifier
	Seq uint64 `json:"seq"` // per-session emission counter
}

// Sentinel vectors for the head and tail of every document. They are
// present in every replica's index from birth, so operations anchored
// at a document boundary are always causally ready on that side.
var (
	HeadS4 = S4Vector{}
	TailS4 = S4Vector{SSN: math.MaxUint64, Sum: math.MaxUint64, SID: math.MaxUint64, Seq: math.MaxUint64}
)

// Compare returns -1, 0 or +1 for a < b, a == b, a > b in the
// lexicographic 4-tuple order.
func Compare(a, b S4Vector) int {
	switch {
	case a.SSN != b.SSN:
		return cmpU64(a.SSN, b.SSN)
	case a.Sum != b.Sum:
		return cmpU64(a.Sum, b.Sum)
	case a.SID != b.SID:
		return cmpU64(a.SID, b.SID)
	default:
		return cmpU64(a.Seq, b.Seq)
	}
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Greater reports whether a sorts after b.
func (a S4Vector) Greater(b S4Vector) bool { return Compare(a, b) > 0 }

// IsSentinel reports whether the vector names a document boundary.
func (a S4Vector) IsSentinel() bool { return a == HeadS4 || a == TailS4 }

// Key renders the vector as a fixed-width hex string whose byte order
// matches the 4-tuple order, so lexicographic range scans over keys see
// vectors in total order.
func (a S4Vector) Key() string {
	return fmt.Sprintf("%016x:%016x:%016x:%016x", a.SSN, a.Sum, a.SID, a.Seq)
}

func (a S4Vector) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", a.SSN, a.Sum, a.SID, a.Seq)
}
