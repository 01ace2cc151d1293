package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresMeter persists usage events in PostgreSQL.
type PostgresMeter struct {
	db *sql.DB
}

func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

const meterSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_ws_time ON usage_events(workspace_id, timestamp);
`

// Init creates the usage table.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, meterSchema)
	return err
}

func (m *PostgresMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO usage_events (workspace_id, event_type, quantity, timestamp)
		VALUES ($1, $2, $3, $4)
	`, event.WorkspaceID, event.EventType, event.Quantity, event.Timestamp)
	if err != nil {
		return fmt.Errorf("quota: record event: %w", err)
	}
	return nil
}

func (m *PostgresMeter) UsageByType(ctx context.Context, workspaceID string, eventType EventType, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity) FROM usage_events
		WHERE workspace_id = $1 AND event_type = $2
		  AND timestamp >= $3 AND timestamp < $4
	`, workspaceID, eventType, period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("quota: usage query: %w", err)
	}
	return total.Int64, nil
}
