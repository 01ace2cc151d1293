// Package api is the HTTP surface: product CRUD, ingest and pipeline
// triggers, run inspection, quality rules and chunk queries. All error
// responses use the canonical envelope {detail, code, context}.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/ingest"
	"github.com/foundry-data/foundry/pkg/quota"
)

// Stable error codes of the public taxonomy.
const (
	CodeInputInvalid          = "InputInvalid"
	CodeNotFound              = "NotFound"
	CodeConflict              = "Conflict"
	CodeRunAlreadyActive      = "RunAlreadyActive"
	CodeAlreadySucceeded      = "AlreadySucceeded"
	CodeNoRawFiles            = "NoRawFiles"
	CodeNoRawFilesForVersion  = "NoRawFilesForVersion"
	CodeQuotaExceeded         = "QuotaExceeded"
	CodeUnauthorized          = "Unauthorized"
	CodeForbidden             = "Forbidden"
	CodeDependencyUnavailable = "DependencyUnavailable"
	CodeInternal              = "Internal"
)

// ErrorEnvelope is the canonical error body.
type ErrorEnvelope struct {
	Detail  string         `json:"detail"`
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// WriteError writes the envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, detail string) {
	WriteErrorCtx(w, status, code, detail, nil)
}

// WriteErrorCtx attaches an actionable context object to the envelope.
func WriteErrorCtx(w http.ResponseWriter, status int, code, detail string, errCtx map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorEnvelope{Detail: detail, Code: code, Context: errCtx})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, CodeInputInvalid, detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, CodeForbidden, detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, detail)
}

func WriteConflict(w http.ResponseWriter, code, detail string) {
	WriteError(w, http.StatusConflict, code, detail)
}

func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded, retry after the specified interval")
}

// WriteInternal logs err and writes a sanitized 500. The cause is never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}

// WriteDomainError maps catalog, ingest and quota sentinels to the taxonomy.
func WriteDomainError(w http.ResponseWriter, err error) {
	var noFiles *catalog.NoRawFilesForVersionError
	switch {
	case errors.As(err, &noFiles):
		WriteErrorCtx(w, http.StatusNotFound, CodeNoRawFilesForVersion, err.Error(), map[string]any{
			"requested_version":       noFiles.RequestedVersion,
			"latest_ingested_version": noFiles.LatestIngested,
			"available_versions":      noFiles.AvailableVersions,
		})
	case errors.Is(err, catalog.ErrNoRawFiles):
		WriteError(w, http.StatusBadRequest, CodeNoRawFiles, err.Error())
	case errors.Is(err, catalog.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, catalog.ErrRunAlreadyActive):
		WriteConflict(w, CodeRunAlreadyActive, err.Error())
	case errors.Is(err, catalog.ErrAlreadySucceeded):
		WriteConflict(w, CodeAlreadySucceeded, err.Error())
	case errors.Is(err, catalog.ErrStateMismatch), errors.Is(err, catalog.ErrActiveRun),
		errors.Is(err, catalog.ErrDuplicateKey), errors.Is(err, ingest.ErrVersionNotEmpty):
		WriteConflict(w, CodeConflict, err.Error())
	case errors.Is(err, quota.ErrExceeded), errors.Is(err, ingest.ErrQuotaExceeded):
		WriteError(w, http.StatusTooManyRequests, CodeQuotaExceeded, err.Error())
	case errors.Is(err, ingest.ErrNoDataSources):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
