package crdt

import (
	"errors"
	"math/rand"
	"testing"
)

func newReplica(t *testing.T, sid uint64) (*RGA, *Buffer, *Clock) {
	t.Helper()
	clock := NewClock(sid, 1)
	rga := NewRGA("doc-1", clock)
	return rga, NewBuffer(rga), clock
}

func TestRGA_SingleInsert(t *testing.T) {
	rga, _, _ := newReplica(t, 1)

	op, err := rga.LocalInsert(0, "H")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	want := S4Vector{SSN: 1, Sum: 1, SID: 1, Seq: 1}
	if op.S4 != want {
		t.Errorf("allocated %s, want %s", op.S4, want)
	}
	if got := rga.Materialize(); got != "H" {
		t.Errorf("materialize = %q, want %q", got, "H")
	}
	if rga.VisibleLen() != 1 || rga.TotalLen() != 1 {
		t.Errorf("lengths = (%d,%d), want (1,1)", rga.VisibleLen(), rga.TotalLen())
	}
}

func TestRGA_SequentialTyping(t *testing.T) {
	rga, _, _ := newReplica(t, 1)
	for i, ch := range []string{"H", "e", "l", "l", "o"} {
		if _, err := rga.LocalInsert(i, ch); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if got := rga.Materialize(); got != "Hello" {
		t.Errorf("materialize = %q, want %q", got, "Hello")
	}
}

func TestRGA_IndexOutOfRange(t *testing.T) {
	rga, _, _ := newReplica(t, 1)
	if _, err := rga.LocalInsert(1, "x"); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("insert past end: err = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := rga.LocalDelete(0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("delete on empty: err = %v, want ErrIndexOutOfRange", err)
	}
	if rga.TotalLen() != 0 {
		t.Errorf("failed edits must not mutate state, total = %d", rga.TotalLen())
	}
}

// Fixture for the concurrent-sibling scenarios: a document reading "AB"
// where A is (1,1,1,1) from site 1 and B is (1,1,2,1) from site 2,
// woven with B anchored after A.
func abFixture() (opA, opB Operation) {
	sA := S4Vector{SSN: 1, Sum: 1, SID: 1, Seq: 1}
	sB := S4Vector{SSN: 1, Sum: 1, SID: 2, Seq: 1}
	opA = NewInsertOp("doc-1", sA, HeadS4, TailS4, "A")
	opB = NewInsertOp("doc-1", sB, sA, TailS4, "B")
	return opA, opB
}

func TestRGA_ConcurrentInsertsSameAnchor(t *testing.T) {
	opA, opB := abFixture()
	opX := NewInsertOp("doc-1", S4Vector{SSN: 1, Sum: 2, SID: 1, Seq: 2}, opA.S4, opB.S4, "x")
	opY := NewInsertOp("doc-1", S4Vector{SSN: 1, Sum: 2, SID: 2, Seq: 2}, opA.S4, opB.S4, "y")

	orders := [][]Operation{
		{opA, opB, opX, opY},
		{opA, opB, opY, opX},
	}
	for _, ops := range orders {
		rga, buf, _ := newReplica(t, 3)
		for _, op := range ops {
			buf.Offer(op)
		}
		if got := rga.Materialize(); got != "AyxB" {
			t.Errorf("order %v: materialize = %q, want %q", ops, got, "AyxB")
		}
	}
}

func TestRGA_OutOfOrderDelivery(t *testing.T) {
	opA, opB := abFixture()

	rga, buf, _ := newReplica(t, 3)
	if res := buf.Offer(opB); res != Deferred {
		t.Fatalf("child before parent: result = %v, want deferred", res)
	}
	if buf.Len() != 1 {
		t.Fatalf("buffer len = %d, want 1", buf.Len())
	}
	if res := buf.Offer(opA); res != Applied {
		t.Fatalf("parent: result = %v, want applied", res)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer not drained, len = %d", buf.Len())
	}
	if got := rga.Materialize(); got != "AB" {
		t.Errorf("materialize = %q, want %q", got, "AB")
	}
}

func TestRGA_DuplicateDelivery(t *testing.T) {
	opA, _ := abFixture()

	rga, buf, _ := newReplica(t, 3)
	if res := buf.Offer(opA); res != Applied {
		t.Fatalf("first delivery: %v", res)
	}
	before := rga.VisibleLen()
	if res := buf.Offer(opA); res != Duplicate {
		t.Errorf("second delivery: result = %v, want duplicate", res)
	}
	if rga.VisibleLen() != before {
		t.Errorf("duplicate changed visible length")
	}
	if buf.Duplicates() != 1 {
		t.Errorf("duplicates = %d, want 1", buf.Duplicates())
	}
}

func TestRGA_DeleteThenLateInsertAtTombstone(t *testing.T) {
	// Site 1 types "H", site 2 anchors "i" after it while site 1
	// concurrently deletes it. Both replicas must converge on "i".
	sH := S4Vector{SSN: 1, Sum: 1, SID: 1, Seq: 1}
	opH := NewInsertOp("doc-1", sH, HeadS4, TailS4, "H")
	opDel := NewDeleteOp("doc-1", sH, 1)
	opI := NewInsertOp("doc-1", S4Vector{SSN: 1, Sum: 2, SID: 2, Seq: 1}, sH, TailS4, "i")

	orders := [][]Operation{
		{opH, opDel, opI},
		{opH, opI, opDel},
		{opI, opDel, opH}, // fully out of order
	}
	for i, ops := range orders {
		rga, buf, _ := newReplica(t, 3)
		for _, op := range ops {
			buf.Offer(op)
		}
		if got := rga.Materialize(); got != "i" {
			t.Errorf("order %d: materialize = %q, want %q", i, got, "i")
		}
		if rga.VisibleLen() != 1 || rga.TotalLen() != 2 {
			t.Errorf("order %d: lengths = (%d,%d), want (1,2)", i, rga.VisibleLen(), rga.TotalLen())
		}
	}
}

func TestRGA_RemoteDeleteIdempotent(t *testing.T) {
	opA, _ := abFixture()
	opDel := NewDeleteOp("doc-1", opA.S4, 2)

	rga, buf, _ := newReplica(t, 3)
	buf.Offer(opA)
	if res := buf.Offer(opDel); res != Applied {
		t.Fatalf("first delete: %v", res)
	}
	if res := buf.Offer(opDel); res != Duplicate {
		t.Errorf("second delete: result = %v, want duplicate", res)
	}
	if got := rga.Materialize(); got != "" {
		t.Errorf("materialize = %q, want empty", got)
	}
}

func TestRGA_LocalDeleteTombstones(t *testing.T) {
	rga, _, _ := newReplica(t, 1)
	ins, _ := rga.LocalInsert(0, "A")
	op, err := rga.LocalDelete(0)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if op.Kind != OpDelete || op.S4 != ins.S4 {
		t.Errorf("delete op targets %s, want %s", op.S4, ins.S4)
	}
	if rga.VisibleLen() != 0 || rga.TotalLen() != 1 {
		t.Errorf("tombstone must be retained: lengths (%d,%d)", rga.VisibleLen(), rga.TotalLen())
	}
}

// Convergence: any permutation of the same operation set yields the
// same document and the same state hash.
func TestRGA_ConvergenceUnderPermutation(t *testing.T) {
	ops := scriptedOps(t)

	ref, refBuf, _ := newReplica(t, 9)
	for _, op := range ops {
		refBuf.Offer(op)
	}
	wantText := ref.Materialize()
	wantHash := ref.StateHash()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		shuffled := make([]Operation, len(ops))
		copy(shuffled, ops)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		rga, buf, _ := newReplica(t, 9)
		for _, op := range shuffled {
			buf.Offer(op)
		}
		if buf.Len() != 0 {
			t.Fatalf("trial %d: buffer not drained, %d parked", trial, buf.Len())
		}
		if got := rga.Materialize(); got != wantText {
			t.Fatalf("trial %d: materialize = %q, want %q", trial, got, wantText)
		}
		if rga.StateHash() != wantHash {
			t.Fatalf("trial %d: state hash diverged", trial)
		}
	}
}

// Idempotence: delivering the whole operation set twice equals
// delivering it once.
func TestRGA_IdempotentRedelivery(t *testing.T) {
	ops := scriptedOps(t)

	once, onceBuf, _ := newReplica(t, 9)
	for _, op := range ops {
		onceBuf.Offer(op)
	}

	twice, twiceBuf, _ := newReplica(t, 9)
	for _, op := range ops {
		twiceBuf.Offer(op)
	}
	for _, op := range ops {
		twiceBuf.Offer(op)
	}

	if once.Materialize() != twice.Materialize() || once.StateHash() != twice.StateHash() {
		t.Errorf("redelivery diverged: %q vs %q", once.Materialize(), twice.Materialize())
	}
}

// scriptedOps builds an operation set from two live replicas editing
// concurrently with periodic exchange, so it contains sibling
// conflicts, deletes, and inserts anchored at tombstones.
func scriptedOps(t *testing.T) []Operation {
	t.Helper()
	var ops []Operation

	aRGA, aBuf, aClock := newReplica(t, 1)
	bRGA, bBuf, bClock := newReplica(t, 2)

	emitA := func(op Operation) {
		ops = append(ops, op)
		bClock.Witness(op.S4.Sum)
		bBuf.Offer(op)
	}
	emitB := func(op Operation) {
		ops = append(ops, op)
		aClock.Witness(op.S4.Sum)
		aBuf.Offer(op)
	}

	for i, ch := range []string{"c", "o", "l", "l", "a", "b"} {
		op, err := aRGA.LocalInsert(i, ch)
		if err != nil {
			t.Fatalf("seed insert: %v", err)
		}
		emitA(op)
	}

	// Concurrent edits at the same region.
	opA1, _ := aRGA.LocalInsert(3, "X")
	opB1, _ := bRGA.LocalInsert(3, "Y")
	opB2, _ := bRGA.LocalDelete(0)
	emitA(opA1)
	emitB(opB1)
	emitB(opB2)

	// Edits on top of the merged state, including one after a tombstone.
	opA2, _ := aRGA.LocalDelete(2)
	emitA(opA2)
	opB3, _ := bRGA.LocalInsert(2, "z")
	emitB(opB3)

	if aRGA.Materialize() != bRGA.Materialize() {
		t.Fatalf("script diverged: %q vs %q", aRGA.Materialize(), bRGA.Materialize())
	}
	return ops
}

func TestRGA_SnapshotRoundTrip(t *testing.T) {
	ops := scriptedOps(t)
	rga, buf, _ := newReplica(t, 9)
	for _, op := range ops {
		buf.Offer(op)
	}

	rec := rga.Snapshot()
	if len(rec.Entries) != rga.TotalLen() {
		t.Fatalf("snapshot has %d entries, want %d", len(rec.Entries), rga.TotalLen())
	}

	restored, err := RehydrateRGA(rec, NewClock(9, 2))
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if restored.Materialize() != rga.Materialize() {
		t.Errorf("materialize = %q, want %q", restored.Materialize(), rga.Materialize())
	}
	if restored.StateHash() != rga.StateHash() {
		t.Errorf("state hash changed across round trip")
	}
	if restored.VisibleLen() != rga.VisibleLen() || restored.TotalLen() != rga.TotalLen() {
		t.Errorf("lengths changed across round trip")
	}
	if restored.LastS4() != rga.LastS4() {
		t.Errorf("cursor = %s, want %s", restored.LastS4(), rga.LastS4())
	}

	// A restored replica keeps weaving correctly.
	late := NewInsertOp("doc-1", S4Vector{SSN: 1, Sum: 40, SID: 5, Seq: 1}, rec.Entries[0].S4, TailS4, "!")
	lateBuf := NewBuffer(restored)
	if res := lateBuf.Offer(late); res != Applied {
		t.Errorf("late insert on restored replica: %v", res)
	}
}

func TestRGA_SnapshotCorruptionDetected(t *testing.T) {
	rga, _, _ := newReplica(t, 1)
	_, _ = rga.LocalInsert(0, "H")
	rec := rga.Snapshot()

	dup := rec
	dup.Entries = append([]SnapshotEntry{}, rec.Entries...)
	dup.Entries = append(dup.Entries, rec.Entries[0])
	if _, err := RehydrateRGA(dup, NewClock(1, 2)); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("duplicate entry: err = %v, want ErrSnapshotCorrupt", err)
	}

	sentinel := rec
	sentinel.Entries = []SnapshotEntry{{S4: HeadS4, Value: "x"}}
	if _, err := RehydrateRGA(sentinel, NewClock(1, 2)); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("sentinel entry: err = %v, want ErrSnapshotCorrupt", err)
	}
}
