package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collabtext/collabd/internal/crdt"
	"go.uber.org/zap"
)

// Broadcaster carries operations between replicas over Redis pub/sub.
// Delivery is best-effort, at-least-once, unordered; the causal buffer
// on the receiving side absorbs duplicates and reordering.
type Broadcaster struct {
	client      *Client
	log         *zap.Logger
	topicPrefix string
}

// NewBroadcaster creates a pub/sub broadcaster. topicPrefix namespaces
// the channels, one channel per document.
func NewBroadcaster(client *Client, topicPrefix string, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		client:      client,
		log:         log.Named("pubsub"),
		topicPrefix: topicPrefix,
	}
}

func (b *Broadcaster) channel(docID string) string { return b.topicPrefix + docID }

// Publish ships one operation to every subscribed replica.
func (b *Broadcaster) Publish(ctx context.Context, op crdt.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(op.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe consumes remote operations for every document under the
// topic prefix and hands them to handler. Blocks until ctx is done.
// Undecodable payloads are logged and skipped; they cannot be retried
// locally and the durable log remains the source of truth.
func (b *Broadcaster) Subscribe(ctx context.Context, handler func(crdt.Operation)) error {
	sub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
	defer sub.Close()

	b.log.Info("subscribed", zap.String("pattern", b.topicPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			var op crdt.Operation
			if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
				b.log.Warn("undecodable operation payload",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			handler(op)
		}
	}
}
