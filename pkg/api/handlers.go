package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-data/foundry/pkg/auth"
	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/ingest"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/quota"
)

const maxBodyBytes = 1 << 20

// Server bundles the API dependencies and owns the route table.
type Server struct {
	cat   catalog.Catalog
	store blob.Store
	orch  *pipeline.Orchestrator
	coord *ingest.Coordinator
	quota *quota.Enforcer
	log   *slog.Logger

	// PresignTTL bounds artifact download URLs. Default 15m.
	PresignTTL time.Duration
}

func NewServer(cat catalog.Catalog, store blob.Store, orch *pipeline.Orchestrator, coord *ingest.Coordinator, enforcer *quota.Enforcer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cat:        cat,
		store:      store,
		orch:       orch,
		coord:      coord,
		quota:      enforcer,
		log:        log,
		PresignTTL: 15 * time.Minute,
	}
}

// Routes builds the route table. Middleware is layered by Handler.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /api/v1/products", s.handleCreateProduct)
	mux.HandleFunc("GET /api/v1/products", s.handleListProducts)
	mux.HandleFunc("GET /api/v1/products/{id}", s.handleGetProduct)
	mux.HandleFunc("PUT /api/v1/products/{id}", s.handleUpdateProduct)
	mux.HandleFunc("DELETE /api/v1/products/{id}", s.handleDeleteProduct)

	mux.HandleFunc("POST /api/v1/datasources", s.handleCreateDataSource)
	mux.HandleFunc("GET /api/v1/datasources", s.handleListDataSources)

	mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)

	mux.HandleFunc("POST /api/v1/pipeline/run", s.handleTriggerRun)
	mux.HandleFunc("GET /api/v1/pipeline/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/pipeline/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/pipeline/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/v1/pipeline/runs/{id}/logs", s.handleRunLogs)
	mux.HandleFunc("GET /api/v1/pipeline/runs/{id}/artifacts", s.handleRunArtifacts)
	mux.HandleFunc("GET /api/v1/pipeline/artifacts/{id}/content", s.handleArtifactContent)

	mux.HandleFunc("GET /api/v1/data-quality/rules/{product_id}", s.handleGetRules)
	mux.HandleFunc("PUT /api/v1/data-quality/rules/{product_id}", s.handlePutRules)
	mux.HandleFunc("GET /api/v1/data-quality/violations", s.handleListViolations)

	mux.HandleFunc("GET /api/v1/insights/{product_id}", s.handleInsights)
	mux.HandleFunc("GET /api/v1/chunks/{product_id}", s.handleQueryChunks)

	return mux
}

// Handler layers the middleware chain over the routes.
func (s *Server) Handler(validator *auth.Validator, limiter *RateLimiter, idem IdempotencyStore) http.Handler {
	var h http.Handler = s.Routes()
	if idem != nil {
		h = IdempotencyMiddleware(idem)(h)
	}
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = AuthMiddleware(validator)(h)
	h = auth.CORSMiddleware(nil)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// workspaceID resolves the authenticated workspace; a missing principal is a
// middleware bug surfaced as 401.
func workspaceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	ws, err := auth.GetWorkspaceID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return "", false
	}
	return ws, true
}

// loadScopedProduct 404s products outside the caller's workspace, without
// leaking their existence.
func (s *Server) loadScopedProduct(w http.ResponseWriter, r *http.Request, productID string) (*catalog.Product, bool) {
	ws, ok := workspaceID(w, r)
	if !ok {
		return nil, false
	}
	p, err := s.cat.GetProduct(r.Context(), productID)
	if err != nil {
		WriteDomainError(w, err)
		return nil, false
	}
	if p.WorkspaceID != ws {
		WriteNotFound(w, "product not found")
		return nil, false
	}
	return p, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.cat.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, CodeDependencyUnavailable, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createProductRequest struct {
	Name           string                  `json:"name"`
	Description    string                  `json:"description"`
	ChunkingConfig *catalog.ChunkingConfig `json:"chunking_config,omitempty"`
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceID(w, r)
	if !ok {
		return
	}
	var req createProductRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}

	now := time.Now().UTC()
	p := &catalog.Product{
		ID:             uuid.NewString(),
		WorkspaceID:    ws,
		Name:           req.Name,
		Description:    req.Description,
		Status:         catalog.ProductDraft,
		ChunkingConfig: catalog.DefaultChunkingConfig(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.ChunkingConfig != nil {
		p.ChunkingConfig = *req.ChunkingConfig
	}
	if err := s.cat.CreateProduct(r.Context(), p); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceID(w, r)
	if !ok {
		return
	}
	products, err := s.cat.ListProducts(r.Context(), ws)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updateProductRequest struct {
	Name           *string                 `json:"name,omitempty"`
	Description    *string                 `json:"description,omitempty"`
	ChunkingConfig *catalog.ChunkingConfig `json:"chunking_config,omitempty"`
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req updateProductRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			WriteBadRequest(w, "name must not be empty")
			return
		}
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.ChunkingConfig != nil {
		p.ChunkingConfig = *req.ChunkingConfig
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateProduct(r.Context(), p); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.cat.DeleteProduct(r.Context(), p.ID); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createDataSourceRequest struct {
	ProductID string         `json:"product_id"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config"`
}

func (s *Server) handleCreateDataSource(w http.ResponseWriter, r *http.Request) {
	var req createDataSourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		WriteBadRequest(w, "product_id is required")
		return
	}
	p, ok := s.loadScopedProduct(w, r, req.ProductID)
	if !ok {
		return
	}

	ds := &catalog.DataSource{
		ID:          uuid.NewString(),
		WorkspaceID: p.WorkspaceID,
		ProductID:   p.ID,
		Type:        catalog.DataSourceType(req.Type),
		Config:      req.Config,
		CreatedAt:   time.Now().UTC(),
	}
	// Config is validated by constructing the connector up front, so a bad
	// source is rejected at creation rather than at first ingest.
	if _, err := ingest.OpenConnector(ds); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.cat.CreateDataSource(r.Context(), ds); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleListDataSources(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		WriteBadRequest(w, "product_id query parameter is required")
		return
	}
	p, ok := s.loadScopedProduct(w, r, productID)
	if !ok {
		return
	}
	sources, err := s.cat.ListDataSources(r.Context(), p.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasources": sources})
}
