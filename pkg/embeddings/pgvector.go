package embeddings

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PGVectorStore persists vectors in Postgres with the pgvector extension.
type PGVectorStore struct {
	db   *sql.DB
	dims int
}

// NewPGVectorStore applies migrations for the given vector width.
func NewPGVectorStore(db *sql.DB, dims int) (*PGVectorStore, error) {
	s := &PGVectorStore{db: db, dims: dims}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("embeddings: migrate pgvector: %w", err)
	}
	return s, nil
}

func (s *PGVectorStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
			chunk_id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			source_file TEXT NOT NULL DEFAULT '',
			section TEXT NOT NULL DEFAULT '',
			page_number INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_chunk_vectors_product_version ON chunk_vectors(product_id, version)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// vectorLiteral renders the pgvector input format "[0.1,0.2,...]".
func vectorLiteral(v Embedding) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func (s *PGVectorStore) Upsert(ctx context.Context, vectors []ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (chunk_id, product_id, version, source_file, section, page_number, text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
		ON CONFLICT (chunk_id) DO UPDATE SET
			product_id = EXCLUDED.product_id, version = EXCLUDED.version,
			source_file = EXCLUDED.source_file, section = EXCLUDED.section,
			page_number = EXCLUDED.page_number, text = EXCLUDED.text,
			embedding = EXCLUDED.embedding`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, v := range vectors {
		if len(v.Vector) != s.dims {
			return fmt.Errorf("embeddings: chunk %s has %d dims, store expects %d",
				v.ChunkID, len(v.Vector), s.dims)
		}
		_, err := stmt.ExecContext(ctx, v.ChunkID, v.ProductID, v.Version,
			v.SourceFile, v.Section, v.PageNumber, v.Text, vectorLiteral(v.Vector))
		if err != nil {
			return fmt.Errorf("embeddings: upsert chunk %s: %w", v.ChunkID, err)
		}
	}
	return tx.Commit()
}

func (s *PGVectorStore) Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, product_id, version, source_file, section, text,
			1 - (embedding <=> $1::vector) AS score
		FROM chunk_vectors
		ORDER BY embedding <=> $1::vector
		LIMIT $2`, vectorLiteral(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("embeddings: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.ProductID, &r.Version, &r.SourceFile,
			&r.Section, &r.Text, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGVectorStore) Count(ctx context.Context, productID string, version int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_vectors WHERE product_id = $1 AND version = $2`,
		productID, version).Scan(&n)
	return n, err
}

func (s *PGVectorStore) DeleteVersion(ctx context.Context, productID string, version int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_vectors WHERE product_id = $1 AND version = $2`, productID, version)
	return err
}
