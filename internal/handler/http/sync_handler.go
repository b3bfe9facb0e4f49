package httphandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/errs"
	"github.com/lllypuk/matreq/internal/gateway"
	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
	"github.com/lllypuk/matreq/internal/middleware"
)

// Sync handler errors.
var (
	ErrUnknownKind  = errs.ErrUnknownKind
	ErrIDMismatch   = fmt.Errorf("%w: body id does not match path id", errs.ErrInvalidInput)
	ErrEmptyBatch   = fmt.Errorf("%w: batch must not be empty", errs.ErrInvalidInput)
	ErrWriteDenied  = fmt.Errorf("%w: principal may not write this aggregate", errs.ErrForbidden)
	ErrNoPrincipal  = fmt.Errorf("%w: authentication required", errs.ErrUnauthorized)
	errNilKindStore = errors.New("nil kind store")
)

// SnapshotResponse is the body of a resync response.
type SnapshotResponse struct {
	EntityKind change.Kind       `json:"entity_kind"`
	Items      []change.Document `json:"items"`
}

// BatchRequest is the body of a bulk upsert.
type BatchRequest struct {
	Items []change.Document `json:"items"`
}

// SyncHandler serves snapshots and writes of every synchronized kind.
type SyncHandler struct {
	stores  map[change.Kind]KindStore
	policy  *gateway.Policy
	schemas change.Schemas
	logger  *slog.Logger
}

// SyncOption configures a SyncHandler.
type SyncOption func(*SyncHandler)

// WithSyncLogger sets the logger.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(h *SyncHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSchemas overrides the schemas used for ownership checks.
func WithSchemas(schemas change.Schemas) SyncOption {
	return func(h *SyncHandler) {
		h.schemas = schemas
	}
}

// NewSyncHandler creates a SyncHandler over stores. Stores are keyed by their Kind.
func NewSyncHandler(policy *gateway.Policy, stores []KindStore, opts ...SyncOption) (*SyncHandler, error) {
	h := &SyncHandler{
		stores:  make(map[change.Kind]KindStore, len(stores)),
		policy:  policy,
		schemas: change.DefaultSchemas(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, s := range stores {
		if s == nil {
			return nil, errNilKindStore
		}
		h.stores[s.Kind()] = s
	}
	return h, nil
}

// RegisterRoutes registers the snapshot and write routes.
func (h *SyncHandler) RegisterRoutes(r *httpserver.Router) {
	r.Auth().GET("/sync/:kind", h.Snapshot)

	writes := r.Writes()
	writes.PUT("/:kind/:id", h.Upsert)
	writes.POST("/:kind/batch", h.UpsertBatch)
	writes.DELETE("/:kind/:id", h.Delete)
}

// Snapshot returns every aggregate of the kind visible to the principal.
// GET /api/v1/sync/:kind.
func (h *SyncHandler) Snapshot(c echo.Context) error {
	principal := middleware.GetPrincipal(c)
	kind := change.Kind(c.Param("kind"))

	if err := h.policy.Authorize(principal, kind); err != nil {
		return httpserver.RespondError(c, err)
	}
	store, ok := h.stores[kind]
	if !ok {
		return httpserver.RespondError(c, ErrUnknownKind)
	}

	docs, err := store.List(c.Request().Context())
	if err != nil {
		h.logger.ErrorContext(c.Request().Context(), "snapshot failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, SnapshotResponse{
		EntityKind: kind,
		Items:      h.policy.Filter(principal, kind, docs),
	})
}

// Upsert creates or replaces one aggregate.
// PUT /api/v1/:kind/:id.
func (h *SyncHandler) Upsert(c echo.Context) error {
	principal, store, err := h.writeTarget(c)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	var doc change.Document
	if err = bindBody(c, &doc); err != nil || doc == nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
	}
	if err = bindPathID(doc, c.Param("id")); err != nil {
		return httpserver.RespondError(c, err)
	}

	ctx := c.Request().Context()
	if err = h.checkWrite(ctx, principal, store, doc); err != nil {
		return httpserver.RespondError(c, err)
	}

	saved, err := store.Save(ctx, principal.UserID, doc)
	if err != nil {
		h.logWriteFailure(ctx, store.Kind(), err)
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, h.policy.Reduce(principal, store.Kind(), saved))
}

// UpsertBatch creates or replaces a batch of aggregates of one kind.
// POST /api/v1/:kind/batch.
func (h *SyncHandler) UpsertBatch(c echo.Context) error {
	principal, store, err := h.writeTarget(c)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	var req BatchRequest
	if err = bindBody(c, &req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
	}
	if len(req.Items) == 0 {
		return httpserver.RespondError(c, ErrEmptyBatch)
	}

	ctx := c.Request().Context()
	for _, doc := range req.Items {
		if doc == nil || doc.ID() == "" {
			return httpserver.RespondError(c, fmt.Errorf("%w: batch item without id", errs.ErrInvalidInput))
		}
		if err = h.checkWrite(ctx, principal, store, doc); err != nil {
			return httpserver.RespondError(c, err)
		}
	}

	saved, err := store.SaveBatch(ctx, principal.UserID, req.Items)
	if err != nil {
		h.logWriteFailure(ctx, store.Kind(), err)
		return httpserver.RespondError(c, err)
	}

	out := make([]change.Document, 0, len(saved))
	for _, doc := range saved {
		out = append(out, h.policy.Reduce(principal, store.Kind(), doc))
	}
	return httpserver.RespondOK(c, BatchRequest{Items: out})
}

// Delete removes one aggregate.
// DELETE /api/v1/:kind/:id.
func (h *SyncHandler) Delete(c echo.Context) error {
	principal, store, err := h.writeTarget(c)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	current, err := store.Get(ctx, id)
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	if !h.canWrite(principal, store.Kind(), current) {
		return httpserver.RespondError(c, ErrWriteDenied)
	}

	if _, err = store.Delete(ctx, principal.UserID, id); err != nil {
		h.logWriteFailure(ctx, store.Kind(), err)
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondNoContent(c)
}

func (h *SyncHandler) writeTarget(c echo.Context) (*access.Principal, KindStore, error) {
	principal := middleware.GetPrincipal(c)
	if principal == nil {
		return nil, nil, ErrNoPrincipal
	}
	store, ok := h.stores[change.Kind(c.Param("kind"))]
	if !ok {
		return nil, nil, ErrUnknownKind
	}
	return principal, store, nil
}

// checkWrite authorizes doc and, when it replaces an existing aggregate, the
// stored version too. An owner may not hand an aggregate over to someone else.
func (h *SyncHandler) checkWrite(ctx context.Context, principal *access.Principal, store KindStore, doc change.Document) error {
	if !h.canWrite(principal, store.Kind(), doc) {
		return ErrWriteDenied
	}
	current, err := store.Get(ctx, doc.ID())
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if !h.canWrite(principal, store.Kind(), current) {
		return ErrWriteDenied
	}
	return nil
}

func (h *SyncHandler) canWrite(principal *access.Principal, kind change.Kind, doc change.Document) bool {
	switch kind {
	case change.KindUser:
		return principal.Can(access.CapWriteUsers)
	case change.KindMaterialRequest:
		if principal.Can(access.CapWriteAllRequests) {
			return true
		}
		return principal.Can(access.CapWriteOwnRequests) &&
			h.schemas.For(kind).OwnerOf(doc) == principal.UserID
	case change.KindItemGroup:
		return principal.Can(access.CapWriteItemGroups)
	default:
		return false
	}
}

func (h *SyncHandler) logWriteFailure(ctx context.Context, kind change.Kind, err error) {
	if errors.Is(err, errs.ErrInvalidInput) || errors.Is(err, errs.ErrNotFound) {
		return
	}
	h.logger.ErrorContext(ctx, "write failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
}

// bindBody decodes only the request body. echo's Bind would also copy path
// params into map targets.
func bindBody(c echo.Context, target any) error {
	return (&echo.DefaultBinder{}).BindBody(c, target)
}

// bindPathID fills an empty body id from the path and rejects a mismatch.
func bindPathID(doc change.Document, pathID string) error {
	switch id := doc.ID(); {
	case id == "":
		doc[change.FieldID] = pathID
	case id != pathID:
		return ErrIDMismatch
	}
	return nil
}
