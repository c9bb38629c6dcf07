package permissions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/fileharbor/fileharbor/pkg/observability"
)

// Handlers provides HTTP handlers for permission resolution and cache
// invalidation.
type Handlers struct {
	resolver    *Resolver
	invalidator *Invalidator
	logger      *observability.Logger
}

// NewHandlers creates permission handlers sharing one resolver and
// invalidator.
func NewHandlers(db *sql.DB, cache Cache, cfg Config) *Handlers {
	cfg.applyDefaults()
	return &Handlers{
		resolver:    NewResolver(db, cache, cfg),
		invalidator: NewInvalidator(db, cache, cfg.MaxInheritanceDepth, cfg.Logger, cfg.Metrics),
		logger:      cfg.Logger,
	}
}

// NewHandlersWith wires handlers over an existing resolver and
// invalidator, for callers that split reads and writes across connection
// pools.
func NewHandlersWith(resolver *Resolver, invalidator *Invalidator, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		resolver:    resolver,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Resolver returns the handlers' resolver, for in-process callers like the
// RequireRight middleware.
func (h *Handlers) Resolver() *Resolver {
	return h.resolver
}

// Invalidator returns the handlers' invalidator, for resource-mutating
// collaborators.
func (h *Handlers) Invalidator() *Invalidator {
	return h.invalidator
}

// RegisterRoutes registers all permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Resolution
	router.HandleFunc("/permissions/check", h.CheckPermission).Methods("POST")
	router.HandleFunc("/permissions/bulk", h.BulkPermissions).Methods("POST")
	router.HandleFunc("/permissions/tree/{id}", h.TreePermissions).Methods("GET")

	// Invalidation hooks for permission-mutating collaborators
	router.HandleFunc("/permissions/invalidate/resource", h.InvalidateResource).Methods("POST")
	router.HandleFunc("/permissions/invalidate/group-change", h.InvalidateGroupChange).Methods("POST")
	router.HandleFunc("/permissions/invalidate/move", h.InvalidateMove).Methods("POST")

	// Cache maintenance
	router.HandleFunc("/permissions/cache/stats", h.CacheStats).Methods("GET")
	router.HandleFunc("/permissions/cache/warm", h.WarmCache).Methods("POST")
}

// CheckPermission resolves one user's permissions on one resource.
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		UserID       int64  `json:"user_id"`
		ResourceType string `json:"resource_type"`
		ResourceID   int64  `json:"resource_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	perms, err := h.resolver.Resolve(ctx, req.UserID, ResourceType(req.ResourceType), req.ResourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":       req.UserID,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"permissions":   perms,
	})
}

// BulkPermissions resolves one user's permissions on many resources of one
// type. The response carries one entry per requested id.
func (h *Handlers) BulkPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		UserID       int64   `json:"user_id"`
		ResourceType string  `json:"resource_type"`
		ResourceIDs  []int64 `json:"resource_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.ResourceIDs) == 0 {
		http.Error(w, "resource_ids is required", http.StatusBadRequest)
		return
	}

	results, err := h.resolver.ResolveBulk(ctx, req.UserID, ResourceType(req.ResourceType), req.ResourceIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// JSON object keys are strings; render ids explicitly.
	rendered := make(map[string]PermissionSet, len(results))
	for id, p := range results {
		rendered[strconv.FormatInt(id, 10)] = p
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":       req.UserID,
		"resource_type": req.ResourceType,
		"permissions":   rendered,
	})
}

// TreePermissions resolves a folder subtree for a user. Query parameters:
// user_id (required), depth, limit, offset.
func (h *Handlers) TreePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rootID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid folder id", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	depth := queryInt(r, "depth", 0)
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	page, err := h.resolver.ResolveTree(ctx, userID, rootID, depth, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

// InvalidateResource evicts cache entries after a direct-permission change.
func (h *Handlers) InvalidateResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ResourceType    string  `json:"resource_type"`
		ResourceID      int64   `json:"resource_id"`
		AffectedUserIDs []int64 `json:"affected_user_ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.invalidator.OnPermissionChange(ctx, ResourceType(req.ResourceType), req.ResourceID, req.AffectedUserIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateGroupChange evicts every entry for a user after their group
// memberships changed.
func (h *Handlers) InvalidateGroupChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.invalidator.OnGroupChange(ctx, req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateMove evicts a moved resource and its subtree.
func (h *Handlers) InvalidateMove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ResourceType string `json:"resource_type"`
		ResourceID   int64  `json:"resource_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.invalidator.OnMove(ctx, ResourceType(req.ResourceType), req.ResourceID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CacheStats reports cache hit/miss counters.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.resolver.CacheStats())
}

// WarmCache pre-resolves a user's owned and directly-granted resources.
func (h *Handlers) WarmCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	count, err := h.resolver.WarmCache(ctx, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": req.UserID,
		"warmed":  count,
	})
}

// writeError maps resolver errors onto HTTP statuses. Data-access failures
// are 503 so callers can distinguish "could not determine access" from a
// legitimate denial; denials themselves are 200 responses with source none.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrDataAccess):
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("data access failure")
		http.Error(w, "Data store unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("unhandled error")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1 // rejected downstream as invalid input
	}
	return v
}
