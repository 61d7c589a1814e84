package vectormemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore is an alternate Store backend for deployments that want
// records durable in Postgres rather than a flat JSON file or a
// dedicated Qdrant instance, keeping the embedding in a pgvector column
// alongside the rest of the record as JSONB. Selected by
// memory.vector_driver: postgres in config.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn, enables the pgvector
// extension, and ensures the backing table exists sized for
// dimensions-wide embeddings.
func NewPostgresStore(ctx context.Context, dsn string, dimensions int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectormemory: ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectormemory: create vector extension: %w", err)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memory_records (
  id TEXT PRIMARY KEY,
  embedding vector(%d),
  record JSONB NOT NULL
)`, dimensions)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectormemory: create memory_records table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Upsert(ctx context.Context, rec MemoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vectormemory: marshal record: %w", err)
	}
	vec := pgvector.NewVector(rec.Embedding)
	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_records (id, embedding, record) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, record = EXCLUDED.record
`, rec.ID, vec, data)
	if err != nil {
		return fmt.Errorf("vectormemory: postgres upsert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (MemoryRecord, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM memory_records WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemoryRecord{}, false, nil
	}
	if err != nil {
		return MemoryRecord{}, false, fmt.Errorf("vectormemory: postgres get %s: %w", id, err)
	}
	var rec MemoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return MemoryRecord{}, false, fmt.Errorf("vectormemory: decode record %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *PostgresStore) All(ctx context.Context) ([]MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM memory_records`)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: postgres list: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("vectormemory: postgres scan: %w", err)
		}
		var rec MemoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("vectormemory: decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("vectormemory: postgres delete %s: %w", id, err)
	}
	return nil
}
