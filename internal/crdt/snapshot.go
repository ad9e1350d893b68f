package crdt

import (
	"errors"
	"fmt"
	"time"
)

// ErrSnapshotCorrupt reports a snapshot that cannot reconstitute a
// valid replica. Bootstrap treats it as fatal.
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

// SnapshotEntry is one node of a persisted document, tombstones
// included.
type SnapshotEntry struct {
	S4        S4Vector `json:"s4"`
	Value     string   `json:"value,omitempty"`
	Tombstone bool     `json:"tombstone"`
	LeftS4    S4Vector `json:"left_s4"`
	RightS4   S4Vector `json:"right_s4"`
}

// SnapshotRecord is a self-contained serialisation of a replica's
// document state. Entries are recorded in live-list traversal order,
// not S4Vector order, so rehydration is a linear append with no
// placement scans.
type SnapshotRecord struct {
	DocumentID string          `json:"document_id"`
	LastS4     S4Vector        `json:"last_s4"`
	TakenAt    time.Time       `json:"taken_at"`
	Entries    []SnapshotEntry `json:"entries"`
}

// Snapshot serialises every node, tombstones included, in live-list
// order.
func (r *RGA) Snapshot() SnapshotRecord {
	rec := SnapshotRecord{
		DocumentID: r.docID,
		LastS4:     r.lastS4,
		TakenAt:    time.Now().UTC(),
		Entries:    make([]SnapshotEntry, 0, r.TotalLen()),
	}
	r.walk(func(n *node) {
		rec.Entries = append(rec.Entries, SnapshotEntry{
			S4:        n.s4,
			Value:     n.value,
			Tombstone: n.tombstone,
			LeftS4:    n.leftS4,
			RightS4:   n.rightS4,
		})
	})
	return rec
}

// RehydrateRGA rebuilds a replica from a snapshot alone. The by-S4
// index is rebuilt while appending; entries arrive in live-list order
// so each one links directly before the tail.
func RehydrateRGA(rec SnapshotRecord, clock *Clock) (*RGA, error) {
	r := NewRGA(rec.DocumentID, clock)
	for i, e := range rec.Entries {
		if e.S4.IsSentinel() {
			return nil, fmt.Errorf("%w: entry %d uses a sentinel identifier", ErrSnapshotCorrupt, i)
		}
		if _, ok := r.byS4[e.S4]; ok {
			return nil, fmt.Errorf("%w: duplicate identifier %s", ErrSnapshotCorrupt, e.S4)
		}
		idx := len(r.arena)
		prev := r.arena[tailIdx].prev
		r.arena = append(r.arena, node{
			s4:        e.S4,
			value:     e.Value,
			tombstone: e.Tombstone,
			leftS4:    e.LeftS4,
			rightS4:   e.RightS4,
			prev:      prev,
			next:      tailIdx,
		})
		r.arena[prev].next = idx
		r.arena[tailIdx].prev = idx
		r.byS4[e.S4] = idx
		if !e.Tombstone {
			r.visible++
		}
		r.noteApplied(e.S4)
	}
	r.noteApplied(rec.LastS4)
	return r, nil
}
