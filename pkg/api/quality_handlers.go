package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/fingerprint"
	"github.com/foundry-data/foundry/pkg/quality"
)

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("product_id"))
	if !ok {
		return
	}
	rs, err := s.cat.GetEffectiveRuleSet(r.Context(), p.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

type putRulesRequest struct {
	Rules []quality.Rule `json:"rules"`
}

func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("product_id"))
	if !ok {
		return
	}
	var req putRulesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for i := range req.Rules {
		if err := req.Rules[i].Validate(); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	current, err := s.cat.GetEffectiveRuleSet(r.Context(), p.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	rs := &quality.RuleSet{
		ProductID: p.ID,
		Version:   current.Version + 1,
		Rules:     req.Rules,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.cat.PutRuleSet(r.Context(), rs); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		WriteBadRequest(w, "product_id query parameter is required")
		return
	}
	p, ok := s.loadScopedProduct(w, r, productID)
	if !ok {
		return
	}
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			WriteBadRequest(w, "version must be a positive integer")
			return
		}
		version = parsed
	}
	violations, err := s.cat.ListViolations(r.Context(), p.ID, version)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": violations})
}

// handleInsights aggregates the latest terminal run into one view: the data
// fingerprint, the policy verdict and recommendations derived from both.
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("product_id"))
	if !ok {
		return
	}
	runs, err := s.cat.ListRuns(r.Context(), p.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	var latest *catalog.PipelineRun
	for _, run := range runs {
		if !run.Status.Terminal() {
			continue
		}
		if latest == nil || run.Version > latest.Version {
			latest = run
		}
	}
	if latest == nil {
		WriteNotFound(w, "no finished runs for product")
		return
	}

	fp := s.loadArtifactJSON(r, latest.ID, "fingerprint.json", &fingerprint.Fingerprint{})
	policy := s.loadArtifactJSON(r, latest.ID, "policy.json", &map[string]any{})
	violations, err := s.cat.ListViolations(r.Context(), p.ID, latest.Version)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":      p.ID,
		"version":         latest.Version,
		"run_id":          latest.ID,
		"run_status":      latest.Status,
		"fingerprint":     fp,
		"policy":          policy,
		"recommendations": buildRecommendations(fp, violations),
	})
}

// loadArtifactJSON fetches and decodes a named artifact of the run; nil when
// absent or unreadable, the insight view degrades gracefully.
func (s *Server) loadArtifactJSON(r *http.Request, runID, name string, dst any) any {
	artifacts, err := s.cat.ListArtifacts(r.Context(), runID)
	if err != nil {
		return nil
	}
	for _, a := range artifacts {
		if a.Name != name {
			continue
		}
		rc, err := s.store.Get(r.Context(), a.BlobBucket, a.BlobKey)
		if err != nil {
			return nil
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxBodyBytes))
		_ = rc.Close()
		if err != nil || json.Unmarshal(data, dst) != nil {
			return nil
		}
		return dst
	}
	return nil
}

// buildRecommendations turns weak fingerprint dimensions and recorded
// violations into actionable hints.
func buildRecommendations(fp any, violations []*quality.Violation) []string {
	var recs []string
	if f, ok := fp.(*fingerprint.Fingerprint); ok && f != nil && f.ChunkCount > 0 {
		dims := []struct {
			name  string
			value float64
			hint  string
		}{
			{"completeness", f.Completeness, "chunks are short or truncated; consider a larger max_tokens or cleaner sources"},
			{"accuracy", f.Accuracy, "content has low signal density; review source selection"},
			{"quality", f.Quality, "text quality is low; enable normalization or exclude noisy sections"},
			{"timeliness", f.Timeliness, "sources are stale; re-ingest from fresher origins"},
			{"metadata", f.Metadata, "chunks lack section metadata; configure heading prefixes in the playbook"},
		}
		for _, d := range dims {
			if d.value < 0.5 {
				recs = append(recs, fmt.Sprintf("%s is %.2f: %s", d.name, d.value, d.hint))
			}
		}
	}
	for _, v := range violations {
		if v.Severity == quality.SeverityError {
			recs = append(recs, fmt.Sprintf("rule %q failed: %s", v.RuleName, v.Message))
		}
	}
	return recs
}

func (s *Server) handleQueryChunks(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadScopedProduct(w, r, r.PathValue("product_id"))
	if !ok {
		return
	}

	q := catalog.ChunkQuery{
		ProductID: p.ID,
		Section:   r.URL.Query().Get("section"),
		FieldName: r.URL.Query().Get("field"),
		Limit:     catalog.MaxChunkPageSize,
	}
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			WriteBadRequest(w, "version must be a positive integer")
			return
		}
		q.Version = parsed
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		if parsed < q.Limit {
			q.Limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		q.Offset = parsed
	}

	chunks, err := s.cat.QueryChunks(r.Context(), q)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks": chunks,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}
