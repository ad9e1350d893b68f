package replica

import (
	"context"
	"sync"
	"time"

	"github.com/collabtext/collabd/internal/crdt"
	"go.uber.org/zap"
)

// Manager owns every live replica in the process, one per document,
// all sharing the site identity. It routes inbound remote operations
// to the right replica and runs the background stuck-op sweep.
type Manager struct {
	log *zap.Logger
	sid uint64
	ssn uint64

	mu       sync.RWMutex
	replicas map[string]*Replica

	oplog OpLog
	snaps SnapshotStore
	bcast Broadcaster
	opts  Options
}

// NewManager creates an empty registry for the given site identity.
func NewManager(sid, ssn uint64, oplog OpLog, snaps SnapshotStore, bcast Broadcaster, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log.Named("manager"),
		sid:      sid,
		ssn:      ssn,
		replicas: make(map[string]*Replica),
		oplog:    oplog,
		snaps:    snaps,
		bcast:    bcast,
		opts:     opts,
	}
}

// Get returns the live replica for a document, if any.
func (m *Manager) Get(docID string) (*Replica, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replicas[docID]
	return r, ok
}

// GetOrCreate returns the live replica for a document, creating an
// empty one on first touch.
func (m *Manager) GetOrCreate(docID string) *Replica {
	m.mu.RLock()
	r, ok := m.replicas[docID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replicas[docID]; ok {
		return r
	}
	r = New(docID, m.sid, m.ssn, m.oplog, m.snaps, m.bcast, m.opts, m.log)
	m.replicas[docID] = r
	m.log.Info("replica created", zap.String("doc_id", docID))
	return r
}

// HandleRemote is the broadcast subscription handler. Self-originated
// deliveries are dropped; everything else goes through the owning
// replica's causal gate. An operation for a document with no live
// replica instantiates one, so late joiners converge too.
func (m *Manager) HandleRemote(op crdt.Operation) {
	if op.Origin == m.sid {
		return
	}
	m.GetOrCreate(op.DocumentID).ReceiveRemote(op)
}

// Run executes the background stuck-op sweep until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.RLock()
			replicas := make([]*Replica, 0, len(m.replicas))
			for _, r := range m.replicas {
				replicas = append(replicas, r)
			}
			m.mu.RUnlock()

			for _, r := range replicas {
				r.ReportStuck()
			}
		}
	}
}

func (m *Manager) sweepInterval() time.Duration {
	opts := m.opts
	opts.withDefaults()
	return opts.StuckGrace
}

// SnapshotAll writes a snapshot for every live replica; used at
// graceful shutdown. Failures are logged per document and do not stop
// the sweep.
func (m *Manager) SnapshotAll(ctx context.Context) {
	m.mu.RLock()
	replicas := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		replicas = append(replicas, r)
	}
	m.mu.RUnlock()

	for _, r := range replicas {
		if _, err := r.Snapshot(ctx); err != nil {
			m.log.Error("shutdown snapshot failed",
				zap.String("doc_id", r.DocumentID()),
				zap.Error(err))
		}
	}
}
