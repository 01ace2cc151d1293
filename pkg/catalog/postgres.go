package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/foundry-data/foundry/pkg/quality"
)

// PostgresCatalog is the shared multi-node catalog backend. Version allocation,
// finalize and begin-run take a row lock on the owning product so the version
// invariants hold under concurrent ingestion and triggers.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog wraps db and applies migrations.
func NewPostgresCatalog(db *sql.DB) (*PostgresCatalog, error) {
	c := &PostgresCatalog{db: db}
	if err := c.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("catalog: migrate postgres: %w", err)
	}
	return c, nil
}

// OpenPostgres connects using a lib/pq DSN.
func OpenPostgres(dsn string) (*PostgresCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open postgres: %w", err)
	}
	return NewPostgresCatalog(db)
}

func (c *PostgresCatalog) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_version INTEGER NOT NULL DEFAULT 0,
			promoted_version INTEGER,
			chunking_config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (workspace_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS data_sources (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS raw_files (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			data_source_id TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			file_stem TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			blob_bucket TEXT NOT NULL DEFAULT '',
			blob_key TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			ingested_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			UNIQUE (product_id, version, file_stem)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_files_product_version ON raw_files(product_id, version)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			config_snapshot JSONB NOT NULL DEFAULT '{}',
			trigger_reason TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_product_version ON pipeline_runs(product_id, version)`,
		`CREATE TABLE IF NOT EXISTS stage_executions (
			run_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			metrics JSONB NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, stage_name)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			blob_bucket TEXT NOT NULL,
			blob_key TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_metadata (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			chunk_id TEXT NOT NULL,
			source_file TEXT NOT NULL DEFAULT '',
			page_number INTEGER,
			section TEXT NOT NULL DEFAULT '',
			field_name TEXT NOT NULL DEFAULT '',
			score DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (product_id, version, chunk_id)
		)`,
		`CREATE TABLE IF NOT EXISTS quality_rule_sets (
			product_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			rules JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (product_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS quality_violations (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			rule_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			affected_count INTEGER NOT NULL DEFAULT 0,
			total_count INTEGER NOT NULL DEFAULT 0,
			violation_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts the sqlite-style `?` placeholders of shared query text to
// `$n`, letting both backends share column lists and scan helpers.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPGUnique(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// pg timestamps scan natively; these adapt the shared helpers' string columns.
func pgScanProduct(row interface{ Scan(...any) error }) (*Product, error) {
	var p Product
	var promoted sql.NullInt64
	var cfg []byte
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, (*string)(&p.Status),
		&p.CurrentVersion, &promoted, &cfg, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if promoted.Valid {
		v := int(promoted.Int64)
		p.PromotedVersion = &v
	}
	_ = json.Unmarshal(cfg, &p.ChunkingConfig)
	return &p, nil
}

func (c *PostgresCatalog) CreateWorkspace(ctx context.Context, w *Workspace) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES ($1, $2, $3)`,
		w.ID, w.Name, w.CreatedAt)
	if isPGUnique(err) {
		return ErrDuplicateKey
	}
	return err
}

func (c *PostgresCatalog) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var w Workspace
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &w, err
}

func (c *PostgresCatalog) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) CreateProduct(ctx context.Context, p *Product) error {
	cfg, err := json.Marshal(p.ChunkingConfig)
	if err != nil {
		return fmt.Errorf("catalog: marshal chunking config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO products (id, workspace_id, name, description, status, current_version,
			promoted_version, chunking_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.WorkspaceID, p.Name, p.Description, string(p.Status), p.CurrentVersion,
		p.PromotedVersion, cfg, p.CreatedAt, p.UpdatedAt)
	if isPGUnique(err) {
		return ErrNameConflict
	}
	return err
}

func (c *PostgresCatalog) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := pgScanProduct(c.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (c *PostgresCatalog) ListProducts(ctx context.Context, workspaceID string) ([]*Product, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Product
	for rows.Next() {
		p, err := pgScanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) UpdateProduct(ctx context.Context, p *Product) error {
	cfg, err := json.Marshal(p.ChunkingConfig)
	if err != nil {
		return fmt.Errorf("catalog: marshal chunking config: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE products SET name = $1, description = $2, status = $3, current_version = $4,
			promoted_version = $5, chunking_config = $6, updated_at = NOW()
		WHERE id = $7`,
		p.Name, p.Description, string(p.Status), p.CurrentVersion, p.PromotedVersion, cfg, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) DeleteProduct(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_runs
		WHERE product_id = $1 AND status IN ('QUEUED','RUNNING')`, id).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrActiveRun
	}
	cascade := []string{
		`DELETE FROM data_sources WHERE product_id = $1`,
		`DELETE FROM raw_files WHERE product_id = $1`,
		`DELETE FROM stage_executions WHERE run_id IN (SELECT id FROM pipeline_runs WHERE product_id = $1)`,
		`DELETE FROM artifacts WHERE run_id IN (SELECT id FROM pipeline_runs WHERE product_id = $1)`,
		`DELETE FROM quality_violations WHERE run_id IN (SELECT id FROM pipeline_runs WHERE product_id = $1)`,
		`DELETE FROM pipeline_runs WHERE product_id = $1`,
		`DELETE FROM chunk_metadata WHERE product_id = $1`,
		`DELETE FROM quality_rule_sets WHERE product_id = $1`,
		`DELETE FROM products WHERE id = $1`,
	}
	for _, stmt := range cascade {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *PostgresCatalog) CreateDataSource(ctx context.Context, ds *DataSource) error {
	if _, err := c.GetProduct(ctx, ds.ProductID); err != nil {
		return err
	}
	cfg, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("catalog: marshal source config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, workspace_id, product_id, source_type, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ds.ID, ds.WorkspaceID, ds.ProductID, string(ds.Type), cfg, ds.CreatedAt)
	return err
}

func pgScanDataSource(row interface{ Scan(...any) error }) (*DataSource, error) {
	var ds DataSource
	var cfg []byte
	if err := row.Scan(&ds.ID, &ds.WorkspaceID, &ds.ProductID, (*string)(&ds.Type), &cfg, &ds.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(cfg, &ds.Config)
	return &ds, nil
}

func (c *PostgresCatalog) GetDataSource(ctx context.Context, id string) (*DataSource, error) {
	ds, err := pgScanDataSource(c.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, product_id, source_type, config, created_at
		FROM data_sources WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ds, err
}

func (c *PostgresCatalog) ListDataSources(ctx context.Context, productID string) ([]*DataSource, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, workspace_id, product_id, source_type, config, created_at
		FROM data_sources WHERE product_id = $1 ORDER BY created_at`, productID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*DataSource
	for rows.Next() {
		ds, err := pgScanDataSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) AllocateIngestVersion(ctx context.Context, productID string) (int, error) {
	var cur int
	err := c.db.QueryRowContext(ctx,
		`SELECT current_version FROM products WHERE id = $1`, productID).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return cur + 1, nil
}

func (c *PostgresCatalog) RegisterRawFile(ctx context.Context, rf *RawFile) error {
	_, err := c.db.ExecContext(ctx, rebind(`
		INSERT INTO raw_files (`+rawFileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rf.ID, rf.WorkspaceID, rf.ProductID, rf.DataSourceID, rf.Version, rf.FileStem,
		rf.Filename, rf.ContentType, rf.SizeBytes, rf.Checksum, rf.BlobBucket, rf.BlobKey,
		rf.ETag, string(rf.Status), rf.ErrorMessage, rf.IngestedAt, rf.ProcessedAt)
	if isPGUnique(err) {
		return ErrDuplicateKey
	}
	return err
}

func (c *PostgresCatalog) UpdateRawFile(ctx context.Context, rf *RawFile) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE raw_files SET content_type = $1, size_bytes = $2, checksum = $3,
			blob_bucket = $4, blob_key = $5, etag = $6, status = $7,
			error_message = $8, processed_at = $9
		WHERE id = $10`,
		rf.ContentType, rf.SizeBytes, rf.Checksum, rf.BlobBucket, rf.BlobKey, rf.ETag,
		string(rf.Status), rf.ErrorMessage, rf.ProcessedAt, rf.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) FinalizeIngest(ctx context.Context, productID string, version int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock on the product serializes concurrent finalize/begin-run.
	var cur int
	err = tx.QueryRowContext(ctx,
		`SELECT current_version FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&cur)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if version > cur {
		cur = version
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE products SET current_version = $1, updated_at = NOW() WHERE id = $2`, cur, productID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE raw_files SET status = $1
		WHERE product_id = $2 AND version = $3 AND status = $4`,
		string(RawIngested), productID, version, string(RawIngesting))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func pgScanRawFile(row interface{ Scan(...any) error }) (*RawFile, error) {
	var rf RawFile
	var processed sql.NullTime
	err := row.Scan(&rf.ID, &rf.WorkspaceID, &rf.ProductID, &rf.DataSourceID, &rf.Version,
		&rf.FileStem, &rf.Filename, &rf.ContentType, &rf.SizeBytes, &rf.Checksum,
		&rf.BlobBucket, &rf.BlobKey, &rf.ETag, (*string)(&rf.Status), &rf.ErrorMessage,
		&rf.IngestedAt, &processed)
	if err != nil {
		return nil, err
	}
	if processed.Valid {
		t := processed.Time
		rf.ProcessedAt = &t
	}
	return &rf, nil
}

func (c *PostgresCatalog) ListRawFiles(ctx context.Context, productID string, version int) ([]*RawFile, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+rawFileColumns+` FROM raw_files
		WHERE product_id = $1 AND version = $2 AND status != 'DELETED'
		ORDER BY filename`, productID, version)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*RawFile
	for rows.Next() {
		rf, err := pgScanRawFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) ListRawFileVersions(ctx context.Context, productID string) ([]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT version FROM raw_files
		WHERE product_id = $1 AND status != 'DELETED' ORDER BY version`, productID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) ResolvePipelineVersion(ctx context.Context, productID string, explicitVersion int) (int, error) {
	if _, err := c.GetProduct(ctx, productID); err != nil {
		return 0, err
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT version, status FROM raw_files
		WHERE product_id = $1 AND status IN ('INGESTED','PROCESSED','FAILED')`, productID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	latestIngested := 0
	runnable := make(map[int]bool)
	targetable := make(map[int]bool)
	for rows.Next() {
		var v int
		var status string
		if err := rows.Scan(&v, &status); err != nil {
			return 0, err
		}
		targetable[v] = true
		switch RawFileStatus(status) {
		case RawIngested:
			runnable[v] = true
			if v > latestIngested {
				latestIngested = v
			}
		case RawFailed:
			runnable[v] = true
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if explicitVersion > 0 {
		if targetable[explicitVersion] {
			return explicitVersion, nil
		}
		available := make([]int, 0, len(targetable))
		for v := range targetable {
			available = append(available, v)
		}
		sort.Ints(available)
		return 0, &NoRawFilesForVersionError{
			ProductID:         productID,
			RequestedVersion:  explicitVersion,
			LatestIngested:    latestIngested,
			AvailableVersions: available,
		}
	}

	best := 0
	for v := range runnable {
		if v > best {
			best = v
		}
	}
	if best == 0 {
		return 0, ErrNoRawFiles
	}
	return best, nil
}

func (c *PostgresCatalog) BeginRun(ctx context.Context, run *PipelineRun) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE id = $1 FOR UPDATE`, run.ProductID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_runs
		WHERE product_id = $1 AND version = $2 AND status IN ('QUEUED','RUNNING')`,
		run.ProductID, run.Version).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrRunAlreadyActive
	}
	snapshot, err := json.Marshal(run.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("catalog: marshal config snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, workspace_id, product_id, version, status,
			config_snapshot, trigger_reason, cancel_requested)
		VALUES ($1, $2, $3, $4, 'QUEUED', $5, $6, FALSE)`,
		run.ID, run.WorkspaceID, run.ProductID, run.Version, snapshot, run.TriggerReason)
	if err != nil {
		return err
	}
	run.Status = RunQueued
	return tx.Commit()
}

func pgScanRun(row interface{ Scan(...any) error }) (*PipelineRun, error) {
	var r PipelineRun
	var started, finished sql.NullTime
	var snapshot []byte
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.ProductID, &r.Version, (*string)(&r.Status),
		&started, &finished, &snapshot, &r.TriggerReason, &r.CancelRequested)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	_ = json.Unmarshal(snapshot, &r.ConfigSnapshot)
	return &r, nil
}

func (c *PostgresCatalog) GetRun(ctx context.Context, runID string) (*PipelineRun, error) {
	r, err := pgScanRun(c.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (c *PostgresCatalog) ListRuns(ctx context.Context, productID string) ([]*PipelineRun, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE product_id = $1 ORDER BY started_at DESC NULLS FIRST, id`, productID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*PipelineRun
	for rows.Next() {
		r, err := pgScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) TransitionRun(ctx context.Context, runID string, from, to RunStatus, now time.Time) error {
	set := `status = $1`
	args := []any{string(to)}
	idx := 2
	if to == RunRunning {
		set += fmt.Sprintf(`, started_at = COALESCE(started_at, $%d)`, idx)
		args = append(args, now)
		idx++
	}
	if to.Terminal() {
		set += fmt.Sprintf(`, finished_at = $%d`, idx)
		args = append(args, now)
		idx++
	}
	query := fmt.Sprintf(`UPDATE pipeline_runs SET %s WHERE id = $%d AND status = $%d`, set, idx, idx+1)
	args = append(args, runID, string(from))
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := c.GetRun(ctx, runID); gerr != nil {
			return gerr
		}
		return ErrStateMismatch
	}
	return nil
}

func (c *PostgresCatalog) RequestCancel(ctx context.Context, runID string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET cancel_requested = TRUE WHERE id = $1`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) HasSucceededRun(ctx context.Context, productID string, version int) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_runs
		WHERE product_id = $1 AND version = $2 AND status = 'SUCCEEDED'`,
		productID, version).Scan(&n)
	return n > 0, err
}

func (c *PostgresCatalog) UpsertStage(ctx context.Context, runID, stageName string, patch StagePatch) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	se := &StageExecution{RunID: runID, StageName: stageName, Status: StagePending}
	var started, finished sql.NullTime
	var metrics []byte
	err = tx.QueryRowContext(ctx, `
		SELECT status, started_at, finished_at, metrics, error_message
		FROM stage_executions WHERE run_id = $1 AND stage_name = $2 FOR UPDATE`,
		runID, stageName).
		Scan((*string)(&se.Status), &started, &finished, &metrics, &se.ErrorMessage)
	switch err {
	case nil:
		if started.Valid {
			t := started.Time
			se.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			se.FinishedAt = &t
		}
		_ = json.Unmarshal(metrics, &se.Metrics)
	case sql.ErrNoRows:
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs WHERE id = $1`, runID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	default:
		return err
	}

	applyStagePatch(se, patch)
	merged, err := json.Marshal(se.Metrics)
	if err != nil {
		return fmt.Errorf("catalog: marshal stage metrics: %w", err)
	}
	var seq int
	_ = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_executions WHERE run_id = $1`, runID).Scan(&seq)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_executions (run_id, stage_name, status, started_at, finished_at, metrics, error_message, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stage_name) DO UPDATE SET
			status = EXCLUDED.status, started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at, metrics = EXCLUDED.metrics,
			error_message = EXCLUDED.error_message`,
		runID, stageName, string(se.Status), se.StartedAt, se.FinishedAt, merged, se.ErrorMessage, seq)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (c *PostgresCatalog) ListStages(ctx context.Context, runID string) ([]*StageExecution, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, stage_name, status, started_at, finished_at, metrics, error_message
		FROM stage_executions WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*StageExecution
	for rows.Next() {
		var se StageExecution
		var started, finished sql.NullTime
		var metrics []byte
		if err := rows.Scan(&se.RunID, &se.StageName, (*string)(&se.Status),
			&started, &finished, &metrics, &se.ErrorMessage); err != nil {
			return nil, err
		}
		if started.Valid {
			t := started.Time
			se.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			se.FinishedAt = &t
		}
		_ = json.Unmarshal(metrics, &se.Metrics)
		out = append(out, &se)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) InsertArtifact(ctx context.Context, a *Artifact) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, stage_name, artifact_type, name, display_name,
			blob_bucket, blob_key, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.RunID, a.StageName, string(a.Type), a.Name, a.DisplayName,
		a.BlobBucket, a.BlobKey, a.SizeBytes, a.CreatedAt)
	if isPGUnique(err) {
		return ErrDuplicateKey
	}
	return err
}

func pgScanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.StageName, (*string)(&a.Type), &a.Name,
		&a.DisplayName, &a.BlobBucket, &a.BlobKey, &a.SizeBytes, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *PostgresCatalog) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a, err := pgScanArtifact(c.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage_name, artifact_type, name, display_name,
			blob_bucket, blob_key, size_bytes, created_at
		FROM artifacts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (c *PostgresCatalog) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, run_id, stage_name, artifact_type, name, display_name,
			blob_bucket, blob_key, size_bytes, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Artifact
	for rows.Next() {
		a, err := pgScanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) UpsertChunkMetadata(ctx context.Context, rows []*ChunkMetadata) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_metadata (id, product_id, version, chunk_id, source_file,
			page_number, section, field_name, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (product_id, version, chunk_id) DO UPDATE SET
			source_file = EXCLUDED.source_file, page_number = EXCLUDED.page_number,
			section = EXCLUDED.section, field_name = EXCLUDED.field_name,
			score = EXCLUDED.score`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.ID, row.ProductID, row.Version, row.ChunkID,
			row.SourceFile, row.PageNumber, row.Section, row.FieldName, row.Score, row.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *PostgresCatalog) QueryChunks(ctx context.Context, q ChunkQuery) ([]*ChunkMetadata, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxChunkPageSize {
		limit = MaxChunkPageSize
	}
	where := `product_id = $1`
	args := []any{q.ProductID}
	idx := 2
	if q.Version > 0 {
		where += fmt.Sprintf(` AND version = $%d`, idx)
		args = append(args, q.Version)
		idx++
	}
	if q.Section != "" {
		where += fmt.Sprintf(` AND section = $%d`, idx)
		args = append(args, q.Section)
		idx++
	}
	if q.FieldName != "" {
		where += fmt.Sprintf(` AND field_name = $%d`, idx)
		args = append(args, q.FieldName)
		idx++
	}
	query := fmt.Sprintf(`
		SELECT id, product_id, version, chunk_id, source_file, page_number, section,
			field_name, score, created_at
		FROM chunk_metadata WHERE %s ORDER BY chunk_id LIMIT $%d OFFSET $%d`, where, idx, idx+1)
	args = append(args, limit, q.Offset)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*ChunkMetadata
	for rows.Next() {
		var cm ChunkMetadata
		var page sql.NullInt64
		var score sql.NullFloat64
		if err := rows.Scan(&cm.ID, &cm.ProductID, &cm.Version, &cm.ChunkID, &cm.SourceFile,
			&page, &cm.Section, &cm.FieldName, &score, &cm.CreatedAt); err != nil {
			return nil, err
		}
		if page.Valid {
			v := int(page.Int64)
			cm.PageNumber = &v
		}
		if score.Valid {
			v := score.Float64
			cm.Score = &v
		}
		out = append(out, &cm)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) PutRuleSet(ctx context.Context, rs *quality.RuleSet) error {
	if _, err := c.GetProduct(ctx, rs.ProductID); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM quality_rule_sets WHERE product_id = $1`,
		rs.ProductID).Scan(&next)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("catalog: marshal rules: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quality_rule_sets (product_id, version, rules, created_at)
		VALUES ($1, $2, $3, NOW())`, rs.ProductID, next, rules)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rs.Version = next
	return nil
}

func (c *PostgresCatalog) GetEffectiveRuleSet(ctx context.Context, productID string) (*quality.RuleSet, error) {
	if _, err := c.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	var rs quality.RuleSet
	var rules []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT product_id, version, rules, created_at FROM quality_rule_sets
		WHERE product_id = $1 ORDER BY version DESC LIMIT 1`, productID).
		Scan(&rs.ProductID, &rs.Version, &rules, &rs.CreatedAt)
	if err == sql.ErrNoRows {
		return quality.DefaultRuleSet(productID), nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &rs.Rules); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal rules: %w", err)
	}
	return &rs, nil
}

func (c *PostgresCatalog) InsertViolations(ctx context.Context, vs []*quality.Violation) error {
	if len(vs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quality_violations (id, run_id, rule_name, rule_type, severity,
			message, details, affected_count, total_count, violation_rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, v := range vs {
		_, err := stmt.ExecContext(ctx, v.ID, v.RunID, v.RuleName, string(v.RuleType),
			string(v.Severity), v.Message, v.Details, v.AffectedCount, v.TotalCount,
			v.ViolationRate, v.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *PostgresCatalog) ListViolations(ctx context.Context, productID string, version int) ([]*quality.Violation, error) {
	query := `
		SELECT v.id, v.run_id, v.rule_name, v.rule_type, v.severity, v.message, v.details,
			v.affected_count, v.total_count, v.violation_rate, v.created_at
		FROM quality_violations v
		JOIN pipeline_runs r ON r.id = v.run_id
		WHERE r.product_id = $1`
	args := []any{productID}
	if version > 0 {
		query += ` AND r.version = $2`
		args = append(args, version)
	}
	query += ` ORDER BY v.rule_name`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*quality.Violation
	for rows.Next() {
		var v quality.Violation
		if err := rows.Scan(&v.ID, &v.RunID, &v.RuleName, (*string)(&v.RuleType),
			(*string)(&v.Severity), &v.Message, &v.Details, &v.AffectedCount,
			&v.TotalCount, &v.ViolationRate, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (c *PostgresCatalog) Close() error { return c.db.Close() }
