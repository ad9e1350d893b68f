package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrDocumentNotFound = errors.New("document not found")

const (
	documentKeyPrefix = "collabd:document:" // → JSON(Document)
	documentIDSetKey  = "collabd:documents" // SET of document ids
)

// Document is the registry entry for one collaborative document.
type Document struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentRepository handles Redis operations for the document registry.
type DocumentRepository struct {
	client *Client
	log    *zap.Logger
}

// NewDocumentRepository creates a document repository on the shared client.
func NewDocumentRepository(client *Client, log *zap.Logger) *DocumentRepository {
	return &DocumentRepository{client: client, log: log.Named("document_repo")}
}

func documentKey(id string) string { return documentKeyPrefix + id }

// Create registers a document.
func (r *DocumentRepository) Create(ctx context.Context, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.SetNX(ctx, documentKey(doc.ID), payload, 0)
	pipe.SAdd(ctx, documentIDSetKey, doc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setnx+sadd: %w", err)
	}
	return nil
}

// Get retrieves a registry entry.
func (r *DocumentRepository) Get(ctx context.Context, id string) (Document, error) {
	value, err := r.client.Get(ctx, documentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("get: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(value, &doc); err != nil {
		return Document{}, fmt.Errorf("unmarshal: %w", err)
	}
	return doc, nil
}

// List returns every registered document id.
func (r *DocumentRepository) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, documentIDSetKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	return ids, nil
}
