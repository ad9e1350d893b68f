// Package crdt implements the replicated growable array that backs a
// collaborative document: an ordered sequence of immutably identified
// nodes with tombstone deletion, a causal admission buffer, and the
// S4Vector identifier discipline that makes concurrent edits converge.
//
// The structures here are pure in-memory state with no I/O; the replica
// controller serialises all access.
package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIndexOutOfRange reports a local edit index past the visible
	// length of the document.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrNotVisible reports a local delete whose target is already
	// tombstoned.
	ErrNotVisible = errors.New("node not visible")
)

// ApplyResult is the outcome of offering a remote operation to the RGA.
type ApplyResult int

const (
	// Applied means the operation mutated the structure.
	Applied ApplyResult = iota
	// Deferred means a referenced S4Vector is not indexed yet; the
	// causal buffer will retry once it arrives.
	Deferred
	// Duplicate means the operation's effect is already present.
	Duplicate
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// node is one element of the sequence. Nodes live in a contiguous
// arena; prev/next are arena indices, which keeps the doubly-linked
// list free of pointer cycles.
type node struct {
	s4        S4Vector
	value     string
	tombstone bool

	// Anchors recorded by the creator; immutable.
	leftS4  S4Vector
	rightS4 S4Vector

	// Live-list links; rewritten as concurrent strands weave in.
	prev int
	next int
}

const (
	headIdx = 0
	tailIdx = 1
)

// RGA is a single document replica's sequence state: the arena-backed
// linked list, the S4Vector index, and the visible-length counter.
type RGA struct {
	docID string
	clock *Clock

	arena   []node
	byS4    map[S4Vector]int
	visible int

	// Greatest operation identifier applied so far, in total order.
	// Serves as the snapshot cursor.
	lastS4 S4Vector
}

// NewRGA creates an empty document bound to the given clock. The head
// and tail sentinels are indexed from birth so boundary-anchored
// operations are always causally ready on that side.
func NewRGA(docID string, clock *Clock) *RGA {
	r := &RGA{
		docID: docID,
		clock: clock,
		byS4:  make(map[S4Vector]int),
	}
	r.arena = append(r.arena,
		node{s4: HeadS4, prev: -1, next: tailIdx},
		node{s4: TailS4, prev: headIdx, next: -1},
	)
	r.byS4[HeadS4] = headIdx
	r.byS4[TailS4] = tailIdx
	return r
}

// DocumentID returns the id of the document this replica holds.
func (r *RGA) DocumentID() string { return r.docID }

// LocalInsert places value at the 0-based visible index, allocating a
// fresh S4Vector from the clock, and returns the operation to ship to
// peers and the durable log.
func (r *RGA) LocalInsert(index int, value string) (Operation, error) {
	if index < 0 || index > r.visible {
		return Operation{}, fmt.Errorf("%w: insert at %d, visible length %d", ErrIndexOutOfRange, index, r.visible)
	}

	left := headIdx
	if index > 0 {
		left = r.visibleAt(index - 1)
	}
	right := r.nextVisible(left)

	s4 := r.clock.Tick()
	leftS4, rightS4 := r.arena[left].s4, r.arena[right].s4
	r.integrate(s4, value, leftS4, rightS4)
	return NewInsertOp(r.docID, s4, leftS4, rightS4, value), nil
}

// LocalDelete tombstones the visible node at the 0-based index and
// returns the delete operation carrying the target's S4Vector.
func (r *RGA) LocalDelete(index int) (Operation, error) {
	if index < 0 || index >= r.visible {
		return Operation{}, fmt.Errorf("%w: delete at %d, visible length %d", ErrIndexOutOfRange, index, r.visible)
	}
	idx := r.visibleAt(index)
	n := &r.arena[idx]
	if n.tombstone {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotVisible, n.s4)
	}
	n.tombstone = true
	r.visible--
	r.noteApplied(n.s4)
	return NewDeleteOp(r.docID, n.s4, r.clock.SID), nil
}

// RemoteApply offers a peer operation to the structure. It never
// mutates the clock; the controller witnesses remote Lamport sums on
// receipt, applied or not.
func (r *RGA) RemoteApply(op Operation) ApplyResult {
	switch op.Kind {
	case OpInsert:
		if _, ok := r.byS4[op.S4]; ok {
			return Duplicate
		}
		if len(r.MissingDeps(op)) > 0 {
			return Deferred
		}
		r.integrate(op.S4, op.Value, op.LeftS4, op.RightS4)
		return Applied
	case OpDelete:
		idx, ok := r.byS4[op.S4]
		if !ok {
			return Deferred
		}
		if r.arena[idx].tombstone {
			return Duplicate
		}
		r.arena[idx].tombstone = true
		r.visible--
		r.noteApplied(op.S4)
		return Applied
	default:
		return Duplicate
	}
}

// MissingDeps lists the S4Vectors the operation references that are not
// indexed yet. Empty means the operation is causally ready.
func (r *RGA) MissingDeps(op Operation) []S4Vector {
	var missing []S4Vector
	switch op.Kind {
	case OpInsert:
		if _, ok := r.byS4[op.LeftS4]; !ok {
			missing = append(missing, op.LeftS4)
		}
		if _, ok := r.byS4[op.RightS4]; !ok {
			missing = append(missing, op.RightS4)
		}
	case OpDelete:
		if _, ok := r.byS4[op.S4]; !ok {
			missing = append(missing, op.S4)
		}
	}
	return missing
}

// integrate links a new node between its anchors. Siblings that share
// the left anchor sit in descending S4Vector order (newer closer to the
// anchor); the same comparison settles ties against nodes woven in by
// other concurrent strands. Anchors must be indexed.
func (r *RGA) integrate(s4 S4Vector, value string, leftS4, rightS4 S4Vector) {
	li := r.byS4[leftS4]
	ri := r.byS4[rightS4]

	cur := r.arena[li].next
	for cur != ri && r.arena[cur].s4.Greater(s4) {
		cur = r.arena[cur].next
	}

	idx := len(r.arena)
	prev := r.arena[cur].prev
	r.arena = append(r.arena, node{
		s4:      s4,
		value:   value,
		leftS4:  leftS4,
		rightS4: rightS4,
		prev:    prev,
		next:    cur,
	})
	r.arena[prev].next = idx
	r.arena[cur].prev = idx
	r.byS4[s4] = idx
	r.visible++
	r.noteApplied(s4)
}

func (r *RGA) noteApplied(s4 S4Vector) {
	if s4.Greater(r.lastS4) {
		r.lastS4 = s4
	}
}

// visibleAt returns the arena index of the visible node at the 0-based
// position. Callers bound-check against VisibleLen first.
func (r *RGA) visibleAt(index int) int {
	seen := -1
	for cur := r.arena[headIdx].next; cur != tailIdx; cur = r.arena[cur].next {
		if r.arena[cur].tombstone {
			continue
		}
		seen++
		if seen == index {
			return cur
		}
	}
	return -1
}

// nextVisible returns the arena index of the first visible node after
// from, or the tail sentinel.
func (r *RGA) nextVisible(from int) int {
	for cur := r.arena[from].next; cur != tailIdx; cur = r.arena[cur].next {
		if !r.arena[cur].tombstone {
			return cur
		}
	}
	return tailIdx
}

// Materialize concatenates the values of all visible nodes in list
// order: the current document text.
func (r *RGA) Materialize() string {
	var b strings.Builder
	for cur := r.arena[headIdx].next; cur != tailIdx; cur = r.arena[cur].next {
		if !r.arena[cur].tombstone {
			b.WriteString(r.arena[cur].value)
		}
	}
	return b.String()
}

// VisibleLen is the number of non-tombstoned nodes.
func (r *RGA) VisibleLen() int { return r.visible }

// TotalLen counts every node including tombstones, excluding sentinels.
func (r *RGA) TotalLen() int { return len(r.arena) - 2 }

// LastS4 is the greatest operation identifier applied so far.
func (r *RGA) LastS4() S4Vector { return r.lastS4 }

// Contains reports whether the S4Vector is indexed.
func (r *RGA) Contains(s4 S4Vector) bool {
	_, ok := r.byS4[s4]
	return ok
}

// walk visits every non-sentinel node in live-list order.
func (r *RGA) walk(fn func(n *node)) {
	for cur := r.arena[headIdx].next; cur != tailIdx; cur = r.arena[cur].next {
		fn(&r.arena[cur])
	}
}
