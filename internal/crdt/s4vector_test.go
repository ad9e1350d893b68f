package crdt

import (
	"testing"
	"time"
)

func TestS4Vector_Order(t *testing.T) {
	cases := []struct {
		a, b S4Vector
		want int
	}{
		{S4Vector{1, 1, 1, 1}, S4Vector{1, 1, 1, 1}, 0},
		{S4Vector{1, 1, 1, 1}, S4Vector{2, 0, 0, 0}, -1},
		{S4Vector{1, 2, 1, 2}, S4Vector{1, 2, 2, 2}, -1},
		{S4Vector{1, 3, 1, 1}, S4Vector{1, 2, 9, 9}, 1},
		{S4Vector{1, 1, 1, 2}, S4Vector{1, 1, 1, 1}, 1},
		{HeadS4, S4Vector{1, 1, 1, 1}, -1},
		{S4Vector{1, 1, 1, 1}, TailS4, -1},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestS4Vector_KeyOrderMatchesCompare(t *testing.T) {
	vs := []S4Vector{
		{1, 1, 1, 1}, {1, 1, 2, 1}, {1, 2, 1, 2}, {1, 2, 2, 2},
		{2, 1, 1, 1}, {1, 30, 1, 9}, {1, 3, 250, 1},
	}
	for _, a := range vs {
		for _, b := range vs {
			cmpKeys := 0
			if a.Key() < b.Key() {
				cmpKeys = -1
			} else if a.Key() > b.Key() {
				cmpKeys = 1
			}
			if cmpKeys != Compare(a, b) {
				t.Errorf("key order disagrees with Compare for %s vs %s", a, b)
			}
		}
	}
}

func TestClock_MonotoneEmission(t *testing.T) {
	c := NewClock(7, 3)
	prev := c.Now()
	for i := 0; i < 10; i++ {
		s4 := c.Tick()
		if !s4.Greater(prev) {
			t.Fatalf("emission %d: %s not greater than %s", i, s4, prev)
		}
		prev = s4
	}

	// A remote sum pushes the scalar forward; emissions stay monotone.
	c.Witness(100)
	s4 := c.Tick()
	if s4.Sum <= 100 {
		t.Errorf("sum after witness = %d, want > 100", s4.Sum)
	}
	if !s4.Greater(prev) {
		t.Errorf("post-witness emission %s not greater than %s", s4, prev)
	}
}

func TestBuffer_StuckReporting(t *testing.T) {
	rga := NewRGA("doc-1", NewClock(3, 1))
	buf := NewBuffer(rga)

	orphan := NewInsertOp("doc-1", S4Vector{SSN: 1, Sum: 5, SID: 2, Seq: 3},
		S4Vector{SSN: 1, Sum: 4, SID: 2, Seq: 2}, TailS4, "x")
	if res := buf.Offer(orphan); res != Deferred {
		t.Fatalf("orphan: %v", res)
	}

	if got := buf.Stuck(time.Hour); len(got) != 0 {
		t.Errorf("fresh op reported stuck")
	}
	if got := buf.Stuck(0); len(got) != 1 || got[0].S4 != orphan.S4 {
		t.Errorf("stuck = %v, want the orphan", got)
	}
	// Stuck ops are never discarded.
	if buf.Len() != 1 {
		t.Errorf("len = %d, want 1", buf.Len())
	}
}

func TestBuffer_TwoMissingDependencies(t *testing.T) {
	rga := NewRGA("doc-1", NewClock(3, 1))
	buf := NewBuffer(rga)

	sA := S4Vector{SSN: 1, Sum: 1, SID: 1, Seq: 1}
	sB := S4Vector{SSN: 1, Sum: 1, SID: 2, Seq: 1}
	opA := NewInsertOp("doc-1", sA, HeadS4, TailS4, "A")
	opB := NewInsertOp("doc-1", sB, sA, TailS4, "B")
	mid := NewInsertOp("doc-1", S4Vector{SSN: 1, Sum: 2, SID: 3, Seq: 1}, sA, sB, "m")

	if res := buf.Offer(mid); res != Deferred {
		t.Fatalf("mid with both anchors missing: %v", res)
	}
	if res := buf.Offer(opB); res != Deferred {
		t.Fatalf("B before A: %v", res)
	}
	if res := buf.Offer(opA); res != Applied {
		t.Fatalf("A: %v", res)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer len = %d after cascade, want 0", buf.Len())
	}
	if got := rga.Materialize(); got != "AmB" {
		t.Errorf("materialize = %q, want %q", got, "AmB")
	}
}
