package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/collabtext/collabd/internal/crdt"
	"github.com/davecgh/go-spew/spew"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotKeyPrefix = "collabd:snapshot:"

// SnapshotRepository persists the latest snapshot per document.
type SnapshotRepository struct {
	client *Client
	log    *zap.Logger
}

// NewSnapshotRepository creates a snapshot repository on the shared client.
func NewSnapshotRepository(client *Client, log *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{client: client, log: log.Named("snapshot_repo")}
}

func snapshotKey(docID string) string { return snapshotKeyPrefix + docID }

// Save overwrites the document's snapshot.
func (r *SnapshotRepository) Save(ctx context.Context, rec crdt.SnapshotRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := r.client.Set(ctx, snapshotKey(rec.DocumentID), payload, 0).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	r.log.Info("snapshot written",
		zap.String("doc_id", rec.DocumentID),
		zap.Int("entries", len(rec.Entries)),
		zap.Stringer("last_s4", rec.LastS4),
	)
	return nil
}

// Latest returns the stored snapshot, reporting found=false when none
// exists, or crdt.ErrSnapshotCorrupt when the payload does not decode.
func (r *SnapshotRepository) Latest(ctx context.Context, docID string) (crdt.SnapshotRecord, bool, error) {
	value, err := r.client.Get(ctx, snapshotKey(docID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crdt.SnapshotRecord{}, false, nil
		}
		return crdt.SnapshotRecord{}, false, fmt.Errorf("get: %w", err)
	}

	var rec crdt.SnapshotRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		// Should never happen in normal operation. Possible causes:
		// manual Redis edits, serialization bugs, bit flips.
		r.log.Error("corrupted snapshot payload",
			zap.String("doc_id", docID),
			zap.Error(err))
		r.log.Debug("snapshot payload dump", zap.String("dump", spew.Sdump(value)))
		return crdt.SnapshotRecord{}, false, fmt.Errorf("%w: %v", crdt.ErrSnapshotCorrupt, err)
	}
	return rec, true, nil
}
