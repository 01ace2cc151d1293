package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

type databaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// Queries maps a logical name to a SELECT; each becomes one JSONL item.
	Queries map[string]string `json:"queries"`
}

// DatabaseConnector exports query results as JSONL items. The logical query
// name is the canonical URI, so re-running the export dedups per query.
type DatabaseConnector struct {
	cfg databaseConfig
}

func NewDatabaseConnector(config map[string]any) (*DatabaseConnector, error) {
	var cfg databaseConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("database source config: %w", err)
	}
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, fmt.Errorf("database source config: driver and dsn are required")
	}
	if len(cfg.Queries) == 0 {
		return nil, fmt.Errorf("database source config: queries is required")
	}
	return &DatabaseConnector{cfg: cfg}, nil
}

func (c *DatabaseConnector) Items(ctx context.Context) ([]Item, error) {
	names := make([]string, 0, len(c.cfg.Queries))
	for name := range c.cfg.Queries {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]Item, 0, len(names))
	for _, name := range names {
		name, query := name, c.cfg.Queries[name]
		items = append(items, Item{
			URI:         "db://" + name,
			Filename:    name + ".jsonl",
			ContentType: "application/jsonl",
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return c.export(ctx, query)
			},
		})
	}
	return items, nil
}

// export materializes the result set as JSONL. Result sets are bounded by the
// product's source configuration, not streamed; the blob layer needs a
// deterministic checksum anyway.
func (c *DatabaseConnector) export(ctx context.Context, query string) (io.ReadCloser, error) {
	db, err := sql.Open(c.cfg.Driver, c.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.cfg.Driver, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeSQLValue(values[i])
		}
		if err := enc.Encode(record); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
