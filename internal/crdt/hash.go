package crdt

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// StateHash digests the full structure, tombstones included, in
// live-list order. Replicas holding the same set of applied operations
// produce the same hash regardless of delivery order, which makes it a
// cheap cross-replica convergence probe.
func (r *RGA) StateHash() uint64 {
	d := xxhash.New()
	r.walk(func(n *node) {
		_, _ = d.WriteString(n.s4.Key())
		_, _ = d.WriteString(n.value)
		if n.tombstone {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
	})
	return d.Sum64()
}

// StateHashHex renders StateHash for transport.
func (r *RGA) StateHashHex() string {
	return fmt.Sprintf("%016x", r.StateHash())
}
