// Package quota meters per-workspace usage and enforces plan limits at the
// ingest and pipeline entry points.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyWorkspaceID rejects events without a tenant.
	ErrEmptyWorkspaceID = errors.New("quota: workspace_id must not be empty")
	// ErrNegativeQuantity rejects negative accruals.
	ErrNegativeQuantity = errors.New("quota: quantity must not be negative")
	// ErrExceeded is wrapped with the exhausted dimension.
	ErrExceeded = errors.New("quota: limit exceeded")
)

// EventType is one metered usage dimension.
type EventType string

const (
	EventIngestByte    EventType = "ingest_byte"
	EventPipelineRun   EventType = "pipeline_run"
	EventEmbeddedChunk EventType = "embedded_chunk"
)

// Event is a single usage accrual.
type Event struct {
	WorkspaceID string    `json:"workspace_id"`
	EventType   EventType `json:"event_type"`
	Quantity    int64     `json:"quantity"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e Event) Validate() error {
	if e.WorkspaceID == "" {
		return ErrEmptyWorkspaceID
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return errors.New("quota: event_type must not be empty")
	}
	return nil
}

// Period is the aggregation window for usage queries.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthlyPeriod is the window limits apply to.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Meter records and aggregates usage events.
type Meter interface {
	Record(ctx context.Context, event Event) error
	// UsageByType sums one dimension for a workspace over the period.
	UsageByType(ctx context.Context, workspaceID string, eventType EventType, period Period) (int64, error)
}

// Limits are the per-workspace monthly ceilings. Zero means unlimited.
type Limits struct {
	IngestBytes    int64 `json:"ingest_bytes" yaml:"ingest_bytes"`
	PipelineRuns   int64 `json:"pipeline_runs" yaml:"pipeline_runs"`
	EmbeddedChunks int64 `json:"embedded_chunks" yaml:"embedded_chunks"`
}

func (l Limits) forType(t EventType) int64 {
	switch t {
	case EventIngestByte:
		return l.IngestBytes
	case EventPipelineRun:
		return l.PipelineRuns
	case EventEmbeddedChunk:
		return l.EmbeddedChunks
	default:
		return 0
	}
}

// Enforcer checks limits fail-closed: a meter error denies the request.
type Enforcer struct {
	meter  Meter
	limits Limits
	now    func() time.Time
}

func NewEnforcer(meter Meter, limits Limits) *Enforcer {
	return &Enforcer{meter: meter, limits: limits, now: time.Now}
}

func (e *Enforcer) check(ctx context.Context, workspaceID string, t EventType) error {
	limit := e.limits.forType(t)
	if limit <= 0 {
		return nil
	}
	used, err := e.meter.UsageByType(ctx, workspaceID, t, MonthlyPeriod(e.now()))
	if err != nil {
		return fmt.Errorf("quota: usage lookup failed, denying: %w", err)
	}
	if used >= limit {
		return fmt.Errorf("%w: %s used %d of %d this month", ErrExceeded, t, used, limit)
	}
	return nil
}

func (e *Enforcer) record(ctx context.Context, workspaceID string, t EventType, n int64) error {
	return e.meter.Record(ctx, Event{
		WorkspaceID: workspaceID,
		EventType:   t,
		Quantity:    n,
		Timestamp:   e.now().UTC(),
	})
}

// CheckIngest gates an ingest batch before any state is mutated.
func (e *Enforcer) CheckIngest(ctx context.Context, workspaceID string) error {
	return e.check(ctx, workspaceID, EventIngestByte)
}

// RecordIngestBytes accrues raw bytes after a successful upload.
func (e *Enforcer) RecordIngestBytes(ctx context.Context, workspaceID string, n int64) error {
	return e.record(ctx, workspaceID, EventIngestByte, n)
}

// CheckRun gates a pipeline trigger.
func (e *Enforcer) CheckRun(ctx context.Context, workspaceID string) error {
	return e.check(ctx, workspaceID, EventPipelineRun)
}

// RecordRun accrues one admitted run.
func (e *Enforcer) RecordRun(ctx context.Context, workspaceID string) error {
	return e.record(ctx, workspaceID, EventPipelineRun, 1)
}

// RecordEmbeddedChunks accrues vectors written by the indexing stage.
func (e *Enforcer) RecordEmbeddedChunks(ctx context.Context, workspaceID string, n int64) error {
	return e.record(ctx, workspaceID, EventEmbeddedChunk, n)
}
