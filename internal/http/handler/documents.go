// Package handler mounts the HTTP surface over the replica manager and
// the document registry. Handlers attach causes to the Gin context for
// the request logger and map sentinel errors to status codes.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/collabtext/collabd/internal/crdt"
	"github.com/collabtext/collabd/internal/redis"
	"github.com/collabtext/collabd/internal/replica"
	"github.com/collabtext/collabd/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DocumentHandler serves the document API.
type DocumentHandler struct {
	log  *zap.Logger
	docs *redis.DocumentRepository
	mgr  *replica.Manager
}

// NewDocumentHandler wires the handler to its collaborators.
func NewDocumentHandler(log *zap.Logger, docs *redis.DocumentRepository, mgr *replica.Manager) *DocumentHandler {
	return &DocumentHandler{log: log.Named("documents"), docs: docs, mgr: mgr}
}

// Register mounts all routes on r.
func (h *DocumentHandler) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/documents", h.Create)
	api.GET("/documents/:id", h.GetText)
	api.POST("/documents/:id/edit", h.Edit)
	api.POST("/documents/:id/sync", h.Sync)
	api.GET("/metadata/:id", h.Metadata)
	api.POST("/bootstrap/:id", h.Bootstrap)
}

type createRequest struct {
	ID string `json:"id"`
}

type editRequest struct {
	Kind  string `json:"kind"`
	Index *int   `json:"index"`
	Value string `json:"value"`
}

// Create registers a document and brings its replica up. The body is
// optional; without one the id is generated.
func (h *DocumentHandler) Create(c *gin.Context) {
	var req createRequest
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil && !errors.Is(err, jsonx.ErrEmptyBody) {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	doc := redis.Document{ID: req.ID, CreatedAt: time.Now().UTC()}
	if err := h.docs.Create(c.Request.Context(), doc); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	h.mgr.GetOrCreate(doc.ID)

	c.Header("Location", "/api/documents/"+doc.ID)
	c.JSON(http.StatusCreated, doc)
}

// GetText returns the materialised visible document.
func (h *DocumentHandler) GetText(c *gin.Context) {
	r, ok := h.replicaFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": r.DocumentID(), "text": r.Materialize()})
}

// Edit submits one local edit.
func (h *DocumentHandler) Edit(c *gin.Context) {
	r, ok := h.replicaFor(c)
	if !ok {
		return
	}

	var req editRequest
	if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.Index == nil || (req.Kind != string(replica.EditInsert) && req.Kind != string(replica.EditDelete)) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "kind must be insert or delete and index is required"})
		return
	}

	op, err := r.SubmitLocal(c.Request.Context(), replica.Edit{
		Kind:  replica.EditKind(req.Kind),
		Index: *req.Index,
		Value: req.Value,
	})
	if err != nil {
		switch {
		case errors.Is(err, crdt.ErrIndexOutOfRange), errors.Is(err, crdt.ErrNotVisible):
			_ = c.Error(err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		case errors.Is(err, replica.ErrPersistenceFailure):
			// The edit is live in memory; only durability is behind.
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error(), "s4": op.S4})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, op)
}

// Sync forces a snapshot write.
func (h *DocumentHandler) Sync(c *gin.Context) {
	r, ok := h.replicaFor(c)
	if !ok {
		return
	}
	rec, err := r.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      r.DocumentID(),
		"entries": len(rec.Entries),
		"last_s4": rec.LastS4,
	})
}

// Metadata reports the replica's position, buffer depth and state hash.
func (h *DocumentHandler) Metadata(c *gin.Context) {
	r, ok := h.replicaFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r.Metadata())
}

// Bootstrap rebuilds the replica from persistence.
func (h *DocumentHandler) Bootstrap(c *gin.Context) {
	r, ok := h.replicaFor(c)
	if !ok {
		return
	}
	if err := r.Bootstrap(c.Request.Context()); err != nil {
		_ = c.Error(err)
		// A failed bootstrap leaves the replica's previous in-memory
		// state in place; a duplicate sid maps to 409.
		status := http.StatusInternalServerError
		if errors.Is(err, replica.ErrDuplicateSite) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r.Metadata())
}

// replicaFor resolves the :id path param to a live replica, lazily
// bootstrapping a registered document that has no replica in this
// process yet. Writes the error response itself when it returns false.
func (h *DocumentHandler) replicaFor(c *gin.Context) (*replica.Replica, bool) {
	id := c.Param("id")

	if _, err := h.docs.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, redis.ErrDocumentNotFound) {
			_ = c.Error(err)
			c.JSON(http.StatusNotFound, gin.H{"message": redis.ErrDocumentNotFound.Error()})
			return nil, false
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return nil, false
	}

	if r, ok := h.mgr.Get(id); ok {
		return r, true
	}

	r := h.mgr.GetOrCreate(id)
	if err := r.Bootstrap(c.Request.Context()); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return nil, false
	}
	return r, true
}
