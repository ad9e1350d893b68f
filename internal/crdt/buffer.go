package crdt

import (
	"sort"
	"time"
)

// Buffer is the causal gate in front of an RGA. Remote operations that
// reference S4Vectors not yet indexed are parked here and retried as
// their dependencies arrive. Parked operations are never evicted; they
// are causally necessary and either apply eventually or surface as
// stuck via Stuck.
type Buffer struct {
	rga *RGA

	// pending is keyed by the operation's log key (s4 + kind, unique).
	pending map[string]pendingOp
	// waiting indexes pending keys by each missing dependency, so an
	// arriving S4Vector wakes exactly the operations blocked on it.
	waiting map[S4Vector][]string

	arrivals   uint64
	duplicates uint64
}

type pendingOp struct {
	op       Operation
	parkedAt time.Time
	arrival  uint64 // FIFO tie-break
}

// NewBuffer creates a causal buffer feeding the given RGA.
func NewBuffer(rga *RGA) *Buffer {
	return &Buffer{
		rga:     rga,
		pending: make(map[string]pendingOp),
		waiting: make(map[S4Vector][]string),
	}
}

// Offer attempts to apply a remote operation, parking it when its
// dependencies are missing. A successful apply drains every parked
// operation that became ready, transitively.
func (b *Buffer) Offer(op Operation) ApplyResult {
	res := b.rga.RemoteApply(op)
	switch res {
	case Applied:
		delete(b.pending, op.LogKey())
		b.drain(op.S4)
	case Deferred:
		b.park(op)
	case Duplicate:
		b.duplicates++
	}
	return res
}

func (b *Buffer) park(op Operation) {
	key := op.LogKey()
	if _, ok := b.pending[key]; ok {
		return // duplicate delivery of an already-parked op
	}
	b.arrivals++
	b.pending[key] = pendingOp{op: op, parkedAt: time.Now(), arrival: b.arrivals}
	for _, dep := range b.rga.MissingDeps(op) {
		b.waiting[dep] = append(b.waiting[dep], key)
	}
}

// drain wakes operations blocked on the just-applied S4Vector and
// cascades through everything their application unblocks. Terminates:
// every iteration either applies a parked op (finite) or drops a key.
func (b *Buffer) drain(applied S4Vector) {
	queue := []S4Vector{applied}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]

		keys := b.waiting[dep]
		if len(keys) == 0 {
			continue
		}
		delete(b.waiting, dep)

		sort.SliceStable(keys, func(i, j int) bool {
			return b.pending[keys[i]].arrival < b.pending[keys[j]].arrival
		})

		for _, key := range keys {
			po, ok := b.pending[key]
			if !ok {
				continue
			}
			if len(b.rga.MissingDeps(po.op)) > 0 {
				continue // still parked under its other dependency
			}
			switch b.rga.RemoteApply(po.op) {
			case Applied:
				delete(b.pending, key)
				queue = append(queue, po.op.S4)
			case Duplicate:
				delete(b.pending, key)
				b.duplicates++
			case Deferred:
				// Dependencies reappeared is impossible; keep parked.
			}
		}
	}
}

// Len is the number of parked operations, reported as the buffer-depth
// metric.
func (b *Buffer) Len() int { return len(b.pending) }

// Duplicates counts operations discarded as already applied.
func (b *Buffer) Duplicates() uint64 { return b.duplicates }

// Stuck returns operations parked longer than grace, oldest first.
// These reference S4Vectors suspected lost; they remain parked.
func (b *Buffer) Stuck(grace time.Duration) []Operation {
	cutoff := time.Now().Add(-grace)
	var stuck []pendingOp
	for _, po := range b.pending {
		if po.parkedAt.Before(cutoff) {
			stuck = append(stuck, po)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].arrival < stuck[j].arrival })
	ops := make([]Operation, len(stuck))
	for i, po := range stuck {
		ops[i] = po.op
	}
	return ops
}
