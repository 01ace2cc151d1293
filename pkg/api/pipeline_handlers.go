package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
)

type ingestRequest struct {
	ProductID string `json:"product_id"`
	SourceID  string `json:"source_id,omitempty"`
	Version   int    `json:"version,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
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

	summary, err := s.coord.Ingest(r.Context(), p.ID, req.SourceID, req.Version)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type triggerRequest struct {
	ProductID string `json:"product_id"`
	Version   int    `json:"version,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type triggerResponse struct {
	RunID         string    `json:"run_id"`
	ProductID     string    `json:"product_id"`
	Version       int       `json:"version"`
	VersionSource string    `json:"version_source"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
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

	// Quota is checked before any state is mutated.
	if s.quota != nil {
		if err := s.quota.CheckRun(r.Context(), p.WorkspaceID); err != nil {
			WriteDomainError(w, err)
			return
		}
	}

	res, err := s.orch.Trigger(r.Context(), p.ID, req.Version, req.Force)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if s.quota != nil {
		if err := s.quota.RecordRun(r.Context(), p.WorkspaceID); err != nil {
			s.log.Warn("record run usage", "workspace_id", p.WorkspaceID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, triggerResponse{
		RunID:         res.RunID,
		ProductID:     res.ProductID,
		Version:       res.Version,
		VersionSource: res.VersionSource,
		Status:        res.Status,
		StartedAt:     time.Now().UTC(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		WriteBadRequest(w, "product_id query parameter is required")
		return
	}
	p, ok := s.loadScopedProduct(w, r, productID)
	if !ok {
		return
	}
	runs, err := s.cat.ListRuns(r.Context(), p.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// loadScopedRun 404s runs outside the caller's workspace.
func (s *Server) loadScopedRun(w http.ResponseWriter, r *http.Request, runID string) (*catalog.PipelineRun, bool) {
	ws, ok := workspaceID(w, r)
	if !ok {
		return nil, false
	}
	run, err := s.cat.GetRun(r.Context(), runID)
	if err != nil {
		WriteDomainError(w, err)
		return nil, false
	}
	if run.WorkspaceID != ws {
		WriteNotFound(w, "run not found")
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadScopedRun(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	stages, err := s.cat.ListStages(r.Context(), run.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "stages": stages})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadScopedRun(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.orch.Cancel(r.Context(), run.ID); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "cancel_requested": true})
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadScopedRun(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	stages, err := s.cat.ListStages(r.Context(), run.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	type stageLog struct {
		Stage        string              `json:"stage"`
		Status       catalog.StageStatus `json:"status"`
		StartedAt    *time.Time          `json:"started_at,omitempty"`
		FinishedAt   *time.Time          `json:"finished_at,omitempty"`
		Metrics      map[string]float64  `json:"metrics,omitempty"`
		ErrorMessage string              `json:"error_message,omitempty"`
	}
	logs := make([]stageLog, 0, len(stages))
	for _, se := range stages {
		logs = append(logs, stageLog{
			Stage:        se.StageName,
			Status:       se.Status,
			StartedAt:    se.StartedAt,
			FinishedAt:   se.FinishedAt,
			Metrics:      se.Metrics,
			ErrorMessage: se.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "status": run.Status, "stages": logs})
}

type artifactView struct {
	*catalog.Artifact
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadScopedRun(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	artifacts, err := s.cat.ListArtifacts(r.Context(), run.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		v := artifactView{Artifact: a}
		url, err := s.store.Presign(r.Context(), a.BlobBucket, a.BlobKey, s.PresignTTL)
		switch {
		case err == nil:
			v.DownloadURL = url
		case errors.Is(err, blob.ErrPresignUnsupported):
			// Caller falls back to the inline content endpoint.
		default:
			s.log.Warn("presign artifact", "artifact_id", a.ID, "error", err)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": views})
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceID(w, r)
	if !ok {
		return
	}
	a, err := s.cat.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	run, err := s.cat.GetRun(r.Context(), a.RunID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if run.WorkspaceID != ws {
		WriteNotFound(w, "artifact not found")
		return
	}

	rc, err := s.store.Get(r.Context(), a.BlobBucket, a.BlobKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			WriteNotFound(w, "artifact content not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", contentTypeFor(a.Type))
	if a.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	}
	_, _ = io.Copy(w, rc)
}

func contentTypeFor(t catalog.ArtifactType) string {
	switch t {
	case catalog.ArtifactJSON:
		return "application/json"
	case catalog.ArtifactJSONL:
		return "application/jsonl"
	case catalog.ArtifactCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
