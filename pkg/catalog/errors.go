package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers discriminate with errors.Is / errors.As; the API
// layer maps them onto the wire error envelope.
var (
	ErrNotFound         = errors.New("catalog: not found")
	ErrDuplicateKey     = errors.New("catalog: duplicate key")
	ErrNameConflict     = errors.New("catalog: product name already exists in workspace")
	ErrRunAlreadyActive = errors.New("catalog: a run is already queued or running for this version")
	ErrAlreadySucceeded = errors.New("catalog: a succeeded run exists for this version")
	ErrNoRawFiles       = errors.New("catalog: product has no ingested raw files")
	ErrStateMismatch    = errors.New("catalog: run status does not match expected state")
	ErrActiveRun        = errors.New("catalog: product has an active pipeline run")
)

// NoRawFilesForVersionError is returned when an explicitly requested version
// has no usable raw files. It carries the actionable context the API surfaces
// to callers.
type NoRawFilesForVersionError struct {
	ProductID         string
	RequestedVersion  int
	LatestIngested    int
	AvailableVersions []int
}

func (e *NoRawFilesForVersionError) Error() string {
	return fmt.Sprintf("catalog: no raw files for product %s version %d (latest ingested %d)",
		e.ProductID, e.RequestedVersion, e.LatestIngested)
}

// Is makes the typed error match ErrNotFound for taxonomy purposes.
func (e *NoRawFilesForVersionError) Is(target error) bool {
	return target == ErrNotFound
}
