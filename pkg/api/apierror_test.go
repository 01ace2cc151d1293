package api

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/quota"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestWriteDomainErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", catalog.ErrNotFound, 404, CodeNotFound},
		{"no raw files", catalog.ErrNoRawFiles, 400, CodeNoRawFiles},
		{"run active", catalog.ErrRunAlreadyActive, 409, CodeRunAlreadyActive},
		{"already succeeded", catalog.ErrAlreadySucceeded, 409, CodeAlreadySucceeded},
		{"state mismatch", catalog.ErrStateMismatch, 409, CodeConflict},
		{"duplicate", catalog.ErrDuplicateKey, 409, CodeConflict},
		{"quota", quota.ErrExceeded, 429, CodeQuotaExceeded},
		{"unknown", errors.New("boom"), 500, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteDomainError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, tt.wantCode, env.Code)
			assert.NotEmpty(t, env.Detail)
		})
	}
}

func TestWriteDomainErrorVersionContext(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, &catalog.NoRawFilesForVersionError{
		ProductID:         "p1",
		RequestedVersion:  5,
		LatestIngested:    4,
		AvailableVersions: []int{2, 4},
	})
	assert.Equal(t, 404, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeNoRawFilesForVersion, env.Code)
	assert.EqualValues(t, 5, env.Context["requested_version"])
	assert.EqualValues(t, 4, env.Context["latest_ingested_version"])
	assert.Len(t, env.Context["available_versions"], 2)
}

func TestInternalErrorIsSanitized(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, errors.New("dsn=postgres://secret@host"))
	env := decodeEnvelope(t, rec)
	assert.NotContains(t, env.Detail, "secret")
	assert.Equal(t, CodeInternal, env.Code)
}
