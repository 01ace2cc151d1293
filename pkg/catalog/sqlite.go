package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foundry-data/foundry/pkg/quality"

	_ "modernc.org/sqlite"
)

// SQLiteCatalog is the default single-node catalog backend. SQLite serializes
// writers, so the product-row locking the contract requires comes for free;
// compare-and-set transitions still go through guarded UPDATEs.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog wraps db and applies migrations.
func NewSQLiteCatalog(db *sql.DB) (*SQLiteCatalog, error) {
	c := &SQLiteCatalog{db: db}
	if err := c.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("catalog: migrate sqlite: %w", err)
	}
	return c, nil
}

// OpenSQLite opens (or creates) the catalog database at path.
func OpenSQLite(path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteCatalog(db)
}

func (c *SQLiteCatalog) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_version INTEGER NOT NULL DEFAULT 0,
			promoted_version INTEGER,
			chunking_config TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (workspace_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS data_sources (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
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
			size_bytes INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			blob_bucket TEXT NOT NULL DEFAULT '',
			blob_key TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			ingested_at TEXT NOT NULL,
			processed_at TEXT,
			UNIQUE (product_id, version, file_stem)
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			config_snapshot TEXT NOT NULL DEFAULT '{}',
			trigger_reason TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_product_version ON pipeline_runs(product_id, version)`,
		`CREATE TABLE IF NOT EXISTS stage_executions (
			run_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			metrics TEXT NOT NULL DEFAULT '{}',
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
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
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
			score REAL,
			created_at TEXT NOT NULL,
			UNIQUE (product_id, version, chunk_id)
		)`,
		`CREATE TABLE IF NOT EXISTS quality_rule_sets (
			product_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			rules TEXT NOT NULL,
			created_at TEXT NOT NULL,
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
			violation_rate REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func scanTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := scanTime(v.String)
	return &t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func (c *SQLiteCatalog) CreateWorkspace(ctx context.Context, w *Workspace) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)`,
		w.ID, w.Name, fmtTime(w.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (c *SQLiteCatalog) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var w Workspace
	var created string
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.CreatedAt = scanTime(created)
	return &w, nil
}

func (c *SQLiteCatalog) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var w Workspace
		var created string
		if err := rows.Scan(&w.ID, &w.Name, &created); err != nil {
			return nil, err
		}
		w.CreatedAt = scanTime(created)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) CreateProduct(ctx context.Context, p *Product) error {
	cfg, err := json.Marshal(p.ChunkingConfig)
	if err != nil {
		return fmt.Errorf("catalog: marshal chunking config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO products (id, workspace_id, name, description, status, current_version,
			promoted_version, chunking_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Name, p.Description, string(p.Status), p.CurrentVersion,
		p.PromotedVersion, string(cfg), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrNameConflict
	}
	return err
}

const productColumns = `id, workspace_id, name, description, status, current_version,
	promoted_version, chunking_config, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*Product, error) {
	var p Product
	var promoted sql.NullInt64
	var cfg, created, updated string
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, (*string)(&p.Status),
		&p.CurrentVersion, &promoted, &cfg, &created, &updated)
	if err != nil {
		return nil, err
	}
	if promoted.Valid {
		v := int(promoted.Int64)
		p.PromotedVersion = &v
	}
	_ = json.Unmarshal([]byte(cfg), &p.ChunkingConfig)
	p.CreatedAt = scanTime(created)
	p.UpdatedAt = scanTime(updated)
	return &p, nil
}

func (c *SQLiteCatalog) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := scanProduct(c.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (c *SQLiteCatalog) ListProducts(ctx context.Context, workspaceID string) ([]*Product, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) UpdateProduct(ctx context.Context, p *Product) error {
	cfg, err := json.Marshal(p.ChunkingConfig)
	if err != nil {
		return fmt.Errorf("catalog: marshal chunking config: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE products SET name = ?, description = ?, status = ?, current_version = ?,
			promoted_version = ?, chunking_config = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, string(p.Status), p.CurrentVersion,
		p.PromotedVersion, string(cfg), fmtTime(time.Now()), p.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *SQLiteCatalog) DeleteProduct(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_runs
		WHERE product_id = ? AND status IN ('QUEUED','RUNNING')`, id).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrActiveRun
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	cascade := []string{
		`DELETE FROM data_sources WHERE product_id = ?`,
		`DELETE FROM raw_files WHERE product_id = ?`,
		`DELETE FROM stage_executions WHERE run_id IN (SELECT id FROM pipeline_runs WHERE product_id = ?)`,
		`DELETE FROM artifacts WHERE run_id IN (SELECT id FROM pipeline_runs WHERE product_id = ?)`,
		`DELETE FROM quality_violations WHERE run_id IN (SELECT id FROM pipeline_runs WHERE product_id = ?)`,
		`DELETE FROM pipeline_runs WHERE product_id = ?`,
		`DELETE FROM chunk_metadata WHERE product_id = ?`,
		`DELETE FROM quality_rule_sets WHERE product_id = ?`,
	}
	for _, stmt := range cascade {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteCatalog) CreateDataSource(ctx context.Context, ds *DataSource) error {
	if _, err := c.GetProduct(ctx, ds.ProductID); err != nil {
		return err
	}
	cfg, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("catalog: marshal source config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, workspace_id, product_id, source_type, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.WorkspaceID, ds.ProductID, string(ds.Type), string(cfg), fmtTime(ds.CreatedAt))
	return err
}

func scanDataSource(row interface{ Scan(...any) error }) (*DataSource, error) {
	var ds DataSource
	var cfg, created string
	if err := row.Scan(&ds.ID, &ds.WorkspaceID, &ds.ProductID, (*string)(&ds.Type), &cfg, &created); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(cfg), &ds.Config)
	ds.CreatedAt = scanTime(created)
	return &ds, nil
}

func (c *SQLiteCatalog) GetDataSource(ctx context.Context, id string) (*DataSource, error) {
	ds, err := scanDataSource(c.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, product_id, source_type, config, created_at
		FROM data_sources WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ds, err
}

func (c *SQLiteCatalog) ListDataSources(ctx context.Context, productID string) ([]*DataSource, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, workspace_id, product_id, source_type, config, created_at
		FROM data_sources WHERE product_id = ? ORDER BY created_at`, productID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) AllocateIngestVersion(ctx context.Context, productID string) (int, error) {
	var cur int
	err := c.db.QueryRowContext(ctx,
		`SELECT current_version FROM products WHERE id = ?`, productID).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return cur + 1, nil
}

const rawFileColumns = `id, workspace_id, product_id, data_source_id, version, file_stem,
	filename, content_type, size_bytes, checksum, blob_bucket, blob_key, etag, status,
	error_message, ingested_at, processed_at`

func (c *SQLiteCatalog) RegisterRawFile(ctx context.Context, rf *RawFile) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO raw_files (`+rawFileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rf.ID, rf.WorkspaceID, rf.ProductID, rf.DataSourceID, rf.Version, rf.FileStem,
		rf.Filename, rf.ContentType, rf.SizeBytes, rf.Checksum, rf.BlobBucket, rf.BlobKey,
		rf.ETag, string(rf.Status), rf.ErrorMessage, fmtTime(rf.IngestedAt), fmtTimePtr(rf.ProcessedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (c *SQLiteCatalog) UpdateRawFile(ctx context.Context, rf *RawFile) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE raw_files SET content_type = ?, size_bytes = ?, checksum = ?, blob_bucket = ?,
			blob_key = ?, etag = ?, status = ?, error_message = ?, processed_at = ?
		WHERE id = ?`,
		rf.ContentType, rf.SizeBytes, rf.Checksum, rf.BlobBucket, rf.BlobKey, rf.ETag,
		string(rf.Status), rf.ErrorMessage, fmtTimePtr(rf.ProcessedAt), rf.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *SQLiteCatalog) FinalizeIngest(ctx context.Context, productID string, version int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE products SET current_version = MAX(current_version, ?), updated_at = ?
		WHERE id = ?`, version, fmtTime(time.Now()), productID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE raw_files SET status = ? WHERE product_id = ? AND version = ? AND status = ?`,
		string(RawIngested), productID, version, string(RawIngesting))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanRawFile(row interface{ Scan(...any) error }) (*RawFile, error) {
	var rf RawFile
	var ingested string
	var processed sql.NullString
	err := row.Scan(&rf.ID, &rf.WorkspaceID, &rf.ProductID, &rf.DataSourceID, &rf.Version,
		&rf.FileStem, &rf.Filename, &rf.ContentType, &rf.SizeBytes, &rf.Checksum,
		&rf.BlobBucket, &rf.BlobKey, &rf.ETag, (*string)(&rf.Status), &rf.ErrorMessage,
		&ingested, &processed)
	if err != nil {
		return nil, err
	}
	rf.IngestedAt = scanTime(ingested)
	rf.ProcessedAt = scanTimePtr(processed)
	return &rf, nil
}

func (c *SQLiteCatalog) ListRawFiles(ctx context.Context, productID string, version int) ([]*RawFile, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+rawFileColumns+` FROM raw_files
		WHERE product_id = ? AND version = ? AND status != 'DELETED'
		ORDER BY filename`, productID, version)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*RawFile
	for rows.Next() {
		rf, err := scanRawFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) ListRawFileVersions(ctx context.Context, productID string) ([]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT version FROM raw_files
		WHERE product_id = ? AND status != 'DELETED' ORDER BY version`, productID)
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

func (c *SQLiteCatalog) ResolvePipelineVersion(ctx context.Context, productID string, explicitVersion int) (int, error) {
	if _, err := c.GetProduct(ctx, productID); err != nil {
		return 0, err
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT version, status FROM raw_files
		WHERE product_id = ? AND status IN ('INGESTED','PROCESSED','FAILED')`, productID)
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

func (c *SQLiteCatalog) BeginRun(ctx context.Context, run *PipelineRun) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE id = ?`, run.ProductID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_runs
		WHERE product_id = ? AND version = ? AND status IN ('QUEUED','RUNNING')`,
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
			started_at, finished_at, config_snapshot, trigger_reason, cancel_requested)
		VALUES (?, ?, ?, ?, 'QUEUED', NULL, NULL, ?, ?, 0)`,
		run.ID, run.WorkspaceID, run.ProductID, run.Version, string(snapshot), run.TriggerReason)
	if err != nil {
		return err
	}
	run.Status = RunQueued
	return tx.Commit()
}

const runColumns = `id, workspace_id, product_id, version, status, started_at, finished_at,
	config_snapshot, trigger_reason, cancel_requested`

func scanRun(row interface{ Scan(...any) error }) (*PipelineRun, error) {
	var r PipelineRun
	var started, finished sql.NullString
	var snapshot string
	var cancelled int
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.ProductID, &r.Version, (*string)(&r.Status),
		&started, &finished, &snapshot, &r.TriggerReason, &cancelled)
	if err != nil {
		return nil, err
	}
	r.StartedAt = scanTimePtr(started)
	r.FinishedAt = scanTimePtr(finished)
	r.CancelRequested = cancelled != 0
	_ = json.Unmarshal([]byte(snapshot), &r.ConfigSnapshot)
	return &r, nil
}

func (c *SQLiteCatalog) GetRun(ctx context.Context, runID string) (*PipelineRun, error) {
	r, err := scanRun(c.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (c *SQLiteCatalog) ListRuns(ctx context.Context, productID string) ([]*PipelineRun, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE product_id = ? ORDER BY started_at DESC, id`, productID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) TransitionRun(ctx context.Context, runID string, from, to RunStatus, now time.Time) error {
	set := `status = ?`
	args := []any{string(to)}
	if to == RunRunning {
		set += `, started_at = COALESCE(started_at, ?)`
		args = append(args, fmtTime(now))
	}
	if to.Terminal() {
		set += `, finished_at = ?`
		args = append(args, fmtTime(now))
	}
	args = append(args, runID, string(from))
	res, err := c.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET `+set+` WHERE id = ? AND status = ?`, args...)
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

func (c *SQLiteCatalog) RequestCancel(ctx context.Context, runID string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET cancel_requested = 1 WHERE id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *SQLiteCatalog) HasSucceededRun(ctx context.Context, productID string, version int) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_runs
		WHERE product_id = ? AND version = ? AND status = 'SUCCEEDED'`,
		productID, version).Scan(&n)
	return n > 0, err
}

func (c *SQLiteCatalog) UpsertStage(ctx context.Context, runID, stageName string, patch StagePatch) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	se := &StageExecution{RunID: runID, StageName: stageName, Status: StagePending}
	var started, finished sql.NullString
	var metrics string
	err = tx.QueryRowContext(ctx, `
		SELECT status, started_at, finished_at, metrics, error_message
		FROM stage_executions WHERE run_id = ? AND stage_name = ?`, runID, stageName).
		Scan((*string)(&se.Status), &started, &finished, &metrics, &se.ErrorMessage)
	switch err {
	case nil:
		se.StartedAt = scanTimePtr(started)
		se.FinishedAt = scanTimePtr(finished)
		_ = json.Unmarshal([]byte(metrics), &se.Metrics)
	case sql.ErrNoRows:
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs WHERE id = ?`, runID).Scan(&exists); err != nil {
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
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_executions WHERE run_id = ?`, runID).Scan(&seq)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_executions (run_id, stage_name, status, started_at, finished_at, metrics, error_message, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage_name) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at,
			finished_at = excluded.finished_at, metrics = excluded.metrics,
			error_message = excluded.error_message`,
		runID, stageName, string(se.Status), fmtTimePtr(se.StartedAt), fmtTimePtr(se.FinishedAt),
		string(merged), se.ErrorMessage, seq)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (c *SQLiteCatalog) ListStages(ctx context.Context, runID string) ([]*StageExecution, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, stage_name, status, started_at, finished_at, metrics, error_message
		FROM stage_executions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*StageExecution
	for rows.Next() {
		var se StageExecution
		var started, finished sql.NullString
		var metrics string
		if err := rows.Scan(&se.RunID, &se.StageName, (*string)(&se.Status),
			&started, &finished, &metrics, &se.ErrorMessage); err != nil {
			return nil, err
		}
		se.StartedAt = scanTimePtr(started)
		se.FinishedAt = scanTimePtr(finished)
		_ = json.Unmarshal([]byte(metrics), &se.Metrics)
		out = append(out, &se)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) InsertArtifact(ctx context.Context, a *Artifact) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, stage_name, artifact_type, name, display_name,
			blob_bucket, blob_key, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.StageName, string(a.Type), a.Name, a.DisplayName,
		a.BlobBucket, a.BlobKey, a.SizeBytes, fmtTime(a.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	var created string
	err := row.Scan(&a.ID, &a.RunID, &a.StageName, (*string)(&a.Type), &a.Name,
		&a.DisplayName, &a.BlobBucket, &a.BlobKey, &a.SizeBytes, &created)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = scanTime(created)
	return &a, nil
}

func (c *SQLiteCatalog) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a, err := scanArtifact(c.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage_name, artifact_type, name, display_name,
			blob_bucket, blob_key, size_bytes, created_at
		FROM artifacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (c *SQLiteCatalog) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, run_id, stage_name, artifact_type, name, display_name,
			blob_bucket, blob_key, size_bytes, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) UpsertChunkMetadata(ctx context.Context, rows []*ChunkMetadata) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_metadata (id, product_id, version, chunk_id, source_file,
			page_number, section, field_name, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, version, chunk_id) DO UPDATE SET
			source_file = excluded.source_file, page_number = excluded.page_number,
			section = excluded.section, field_name = excluded.field_name,
			score = excluded.score`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, row := range rows {
		var page any
		if row.PageNumber != nil {
			page = *row.PageNumber
		}
		var score any
		if row.Score != nil {
			score = *row.Score
		}
		_, err := stmt.ExecContext(ctx, row.ID, row.ProductID, row.Version, row.ChunkID,
			row.SourceFile, page, row.Section, row.FieldName, score, fmtTime(row.CreatedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteCatalog) QueryChunks(ctx context.Context, q ChunkQuery) ([]*ChunkMetadata, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxChunkPageSize {
		limit = MaxChunkPageSize
	}
	where := `product_id = ?`
	args := []any{q.ProductID}
	if q.Version > 0 {
		where += ` AND version = ?`
		args = append(args, q.Version)
	}
	if q.Section != "" {
		where += ` AND section = ?`
		args = append(args, q.Section)
	}
	if q.FieldName != "" {
		where += ` AND field_name = ?`
		args = append(args, q.FieldName)
	}
	args = append(args, limit, q.Offset)
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, product_id, version, chunk_id, source_file, page_number, section,
			field_name, score, created_at
		FROM chunk_metadata WHERE `+where+` ORDER BY chunk_id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*ChunkMetadata
	for rows.Next() {
		var cm ChunkMetadata
		var page sql.NullInt64
		var score sql.NullFloat64
		var created string
		if err := rows.Scan(&cm.ID, &cm.ProductID, &cm.Version, &cm.ChunkID, &cm.SourceFile,
			&page, &cm.Section, &cm.FieldName, &score, &created); err != nil {
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
		cm.CreatedAt = scanTime(created)
		out = append(out, &cm)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) PutRuleSet(ctx context.Context, rs *quality.RuleSet) error {
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
		`SELECT COALESCE(MAX(version), 0) + 1 FROM quality_rule_sets WHERE product_id = ?`,
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
		VALUES (?, ?, ?, ?)`,
		rs.ProductID, next, string(rules), fmtTime(time.Now()))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rs.Version = next
	return nil
}

func (c *SQLiteCatalog) GetEffectiveRuleSet(ctx context.Context, productID string) (*quality.RuleSet, error) {
	if _, err := c.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	var rs quality.RuleSet
	var rules, created string
	err := c.db.QueryRowContext(ctx, `
		SELECT product_id, version, rules, created_at FROM quality_rule_sets
		WHERE product_id = ? ORDER BY version DESC LIMIT 1`, productID).
		Scan(&rs.ProductID, &rs.Version, &rules, &created)
	if err == sql.ErrNoRows {
		return quality.DefaultRuleSet(productID), nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &rs.Rules); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal rules: %w", err)
	}
	rs.CreatedAt = scanTime(created)
	return &rs, nil
}

func (c *SQLiteCatalog) InsertViolations(ctx context.Context, vs []*quality.Violation) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, v := range vs {
		_, err := stmt.ExecContext(ctx, v.ID, v.RunID, v.RuleName, string(v.RuleType),
			string(v.Severity), v.Message, v.Details, v.AffectedCount, v.TotalCount,
			v.ViolationRate, fmtTime(v.CreatedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteCatalog) ListViolations(ctx context.Context, productID string, version int) ([]*quality.Violation, error) {
	query := `
		SELECT v.id, v.run_id, v.rule_name, v.rule_type, v.severity, v.message, v.details,
			v.affected_count, v.total_count, v.violation_rate, v.created_at
		FROM quality_violations v
		JOIN pipeline_runs r ON r.id = v.run_id
		WHERE r.product_id = ?`
	args := []any{productID}
	if version > 0 {
		query += ` AND r.version = ?`
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
		var created string
		if err := rows.Scan(&v.ID, &v.RunID, &v.RuleName, (*string)(&v.RuleType),
			(*string)(&v.Severity), &v.Message, &v.Details, &v.AffectedCount,
			&v.TotalCount, &v.ViolationRate, &created); err != nil {
			return nil, err
		}
		v.CreatedAt = scanTime(created)
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (c *SQLiteCatalog) Close() error { return c.db.Close() }
