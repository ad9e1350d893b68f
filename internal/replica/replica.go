// Package replica hosts the per-document controller that serialises
// every mutation of the CRDT state and hands finished operations to the
// persistence and broadcast collaborators.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/collabtext/collabd/internal/crdt"
	"go.uber.org/zap"
)

var (
	// ErrPersistenceFailure reports that appending an operation to the
	// durable log kept failing after bounded retry. The in-memory state
	// is not rolled back; the operation is already causally live.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrDuplicateSite reports that the durable log already contains
	// operations from this site id in the current or a newer session.
	// Two live replicas sharing a sid is a configuration error.
	ErrDuplicateSite = errors.New("duplicate site id")
)

// OpLog is the durable operation log collaborator.
type OpLog interface {
	Append(ctx context.Context, op crdt.Operation) error
	Since(ctx context.Context, docID string, cursor crdt.S4Vector) ([]crdt.Operation, error)
}

// SnapshotStore is the snapshot persistence collaborator.
type SnapshotStore interface {
	Save(ctx context.Context, rec crdt.SnapshotRecord) error
	Latest(ctx context.Context, docID string) (crdt.SnapshotRecord, bool, error)
}

// Broadcaster ships operations to peer replicas. Publish is
// best-effort; the transport may reorder and duplicate.
type Broadcaster interface {
	Publish(ctx context.Context, op crdt.Operation) error
}

// EditKind discriminates local edits.
type EditKind string

const (
	EditInsert EditKind = "insert"
	EditDelete EditKind = "delete"
)

// Edit is a local edit request against the visible document.
type Edit struct {
	Kind  EditKind `json:"kind"`
	Index int      `json:"index"`
	Value string   `json:"value,omitempty"`
}

// Options tunes collaborator access.
type Options struct {
	AttemptTimeout time.Duration // per persistence/broadcast attempt
	MaxRetries     uint64
	StuckGrace     time.Duration // parked-op age before it is reported
}

func (o *Options) withDefaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 2 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.StuckGrace <= 0 {
		o.StuckGrace = 30 * time.Second
	}
}

// Replica is the controller for one (site, document) pair. A single
// mutex serialises the RGA, the causal buffer and the clock; the
// collaborators are only touched outside it.
type Replica struct {
	log   *zap.Logger
	docID string

	mu    sync.Mutex
	clock *crdt.Clock
	rga   *crdt.RGA
	buf   *crdt.Buffer

	oplog OpLog
	snaps SnapshotStore
	bcast Broadcaster
	opts  Options
}

// New creates a live, empty replica. Use Bootstrap to reconstitute
// state from persistence instead.
func New(docID string, sid, ssn uint64, oplog OpLog, snaps SnapshotStore, bcast Broadcaster, opts Options, log *zap.Logger) *Replica {
	if log == nil {
		log = zap.NewNop()
	}
	opts.withDefaults()
	clock := crdt.NewClock(sid, ssn)
	rga := crdt.NewRGA(docID, clock)
	return &Replica{
		log:   log.Named("replica").With(zap.String("doc_id", docID)),
		docID: docID,
		clock: clock,
		rga:   rga,
		buf:   crdt.NewBuffer(rga),
		oplog: oplog,
		snaps: snaps,
		bcast: bcast,
		opts:  opts,
	}
}

// DocumentID returns the document this replica holds.
func (r *Replica) DocumentID() string { return r.docID }

// SID returns the replica's site identifier.
func (r *Replica) SID() uint64 { return r.clock.SID }

// SubmitLocal applies a local edit, persists the resulting operation
// and fans it out to peers. The broadcast never blocks the submitter.
// Edit errors leave the state untouched; a persistence failure after
// retry exhaustion is reported but the edit stays applied.
func (r *Replica) SubmitLocal(ctx context.Context, edit Edit) (crdt.Operation, error) {
	r.mu.Lock()
	var (
		op  crdt.Operation
		err error
	)
	switch edit.Kind {
	case EditInsert:
		op, err = r.rga.LocalInsert(edit.Index, edit.Value)
	case EditDelete:
		op, err = r.rga.LocalDelete(edit.Index)
	default:
		err = fmt.Errorf("unknown edit kind %q", edit.Kind)
	}
	r.mu.Unlock()
	if err != nil {
		return crdt.Operation{}, err
	}

	go r.publish(op)

	if err := r.retry(ctx, func(c context.Context) error { return r.oplog.Append(c, op) }); err != nil {
		r.log.Error("append exhausted retries",
			zap.Stringer("s4", op.S4),
			zap.Error(err))
		return op, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return op, nil
}

// ReceiveRemote witnesses the operation's Lamport sum and offers it to
// the causal buffer. The sum is merged whether or not the operation
// could be applied, keeping the clock causally monotone.
func (r *Replica) ReceiveRemote(op crdt.Operation) crdt.ApplyResult {
	r.mu.Lock()
	r.clock.Witness(op.S4.Sum)
	res := r.buf.Offer(op)
	depth := r.buf.Len()
	r.mu.Unlock()

	if res == crdt.Deferred {
		r.log.Debug("operation deferred",
			zap.Stringer("s4", op.S4),
			zap.Int("buffer_depth", depth))
	}
	return res
}

// Bootstrap rebuilds the replica from the latest snapshot plus the
// durable log, replayed through the causal buffer so ordering does not
// matter. The whole log is replayed rather than the post-cursor slice:
// delete records are keyed by their target's S4Vector and can sort
// below the snapshot cursor; replay is idempotent either way.
func (r *Replica) Bootstrap(ctx context.Context) error {
	r.mu.Lock()
	sid, ssn := r.clock.SID, r.clock.SSN
	r.mu.Unlock()

	rec, found, err := r.snaps.Latest(ctx, r.docID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	clock := crdt.NewClock(sid, ssn)
	var rga *crdt.RGA
	if found {
		rga, err = crdt.RehydrateRGA(rec, clock)
		if err != nil {
			return fmt.Errorf("rehydrate: %w", err)
		}
		clock.Witness(rec.LastS4.Sum)
	} else {
		rga = crdt.NewRGA(r.docID, clock)
	}
	buf := crdt.NewBuffer(rga)

	ops, err := r.oplog.Since(ctx, r.docID, crdt.HeadS4)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	for _, op := range ops {
		if op.S4.SID == sid && op.S4.SSN >= ssn {
			return fmt.Errorf("%w: sid %d already emitted in session %d, configured session %d",
				ErrDuplicateSite, sid, op.S4.SSN, ssn)
		}
		clock.Witness(op.S4.Sum)
		buf.Offer(op)
	}

	r.mu.Lock()
	r.clock = clock
	r.rga = rga
	r.buf = buf
	r.mu.Unlock()

	r.log.Info("bootstrap complete",
		zap.Bool("from_snapshot", found),
		zap.Int("replayed_ops", len(ops)),
		zap.Int("buffered", buf.Len()),
		zap.Int("visible_len", rga.VisibleLen()))
	return nil
}

// Snapshot serialises the current state and writes it to the snapshot
// store.
func (r *Replica) Snapshot(ctx context.Context) (crdt.SnapshotRecord, error) {
	r.mu.Lock()
	rec := r.rga.Snapshot()
	r.mu.Unlock()

	if err := r.retry(ctx, func(c context.Context) error { return r.snaps.Save(c, rec) }); err != nil {
		return crdt.SnapshotRecord{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return rec, nil
}

// Materialize returns the current visible document text.
func (r *Replica) Materialize() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rga.Materialize()
}

// Metadata is the replica's observable state summary.
type Metadata struct {
	DocumentID      string        `json:"document_id"`
	LastS4          crdt.S4Vector `json:"last_s4"`
	BufferedOpCount int           `json:"buffered_op_count"`
	StateHash       string        `json:"crdt_state_hash"`
	VisibleLen      int           `json:"visible_len"`
	TotalLen        int           `json:"total_len"`
}

// Metadata reports the replica's current position and buffer depth.
func (r *Replica) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metadata{
		DocumentID:      r.docID,
		LastS4:          r.rga.LastS4(),
		BufferedOpCount: r.buf.Len(),
		StateHash:       r.rga.StateHashHex(),
		VisibleLen:      r.rga.VisibleLen(),
		TotalLen:        r.rga.TotalLen(),
	}
}

// ReportStuck logs parked operations older than the configured grace
// period and returns how many there are. They stay parked; only an
// administrative reset discards them.
func (r *Replica) ReportStuck() int {
	r.mu.Lock()
	stuck := r.buf.Stuck(r.opts.StuckGrace)
	r.mu.Unlock()

	for _, op := range stuck {
		r.log.Warn("operation parked past grace period, anchor suspected lost",
			zap.Stringer("s4", op.S4),
			zap.String("kind", string(op.Kind)))
	}
	return len(stuck)
}

// publish ships one operation with bounded retry. Runs outside the
// replica mutex; exhaustion is logged, the transport re-delivers via
// peers that did receive it.
func (r *Replica) publish(op crdt.Operation) {
	err := r.retry(context.Background(), func(c context.Context) error {
		return r.bcast.Publish(c, op)
	})
	if err != nil {
		r.log.Error("broadcast exhausted retries",
			zap.Stringer("s4", op.S4),
			zap.Error(err))
	}
}

func (r *Replica) retry(ctx context.Context, fn func(context.Context) error) error {
	attempt := func() error {
		c, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		defer cancel()
		return fn(c)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opts.MaxRetries), ctx)
	return backoff.Retry(attempt, bo)
}
