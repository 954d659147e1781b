// Package pgstore provides the Postgres-backed adapters: the relational
// record store used by working memory, the pgvector similarity index and
// SQL graph index used by episodic memory, and the full-text document
// store used by semantic memory. All adapters share one pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/mnemo/internal/storage"
)

const backendName = "postgres"

func init() {
	storage.RegisterDriver("postgres", func(ctx context.Context, url string) (storage.Adapter, error) {
		cluster, err := New(ctx, url, 0)
		if err != nil {
			return nil, err
		}
		return cluster.Records(), nil
	})
}

// Cluster owns the shared pool and hands out per-role adapters.
type Cluster struct {
	pool         *pgxpool.Pool
	embeddingDim int
}

// New connects a pool and initializes the schema. embeddingDim sizes the
// pgvector column; 0 falls back to 1536.
func New(ctx context.Context, databaseURL string, embeddingDim int) (*Cluster, error) {
	if embeddingDim <= 0 {
		embeddingDim = 1536
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c := &Cluster{pool: pool, embeddingDim: embeddingDim}
	if err := c.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cluster) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS mem_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			entity TEXT NOT NULL DEFAULT '',
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mem_records_session_score ON mem_records (session_id, score DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_mem_records_expires ON mem_records (expires_at);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mem_episode_vectors (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, c.embeddingDim),
		`CREATE TABLE IF NOT EXISTS mem_graph_nodes (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS mem_graph_edges (
			episode_id TEXT NOT NULL REFERENCES mem_graph_nodes(id) ON DELETE CASCADE,
			from_entity TEXT NOT NULL,
			relation TEXT NOT NULL,
			to_entity TEXT NOT NULL,
			PRIMARY KEY (episode_id, from_entity, relation, to_entity)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mem_graph_edges_from ON mem_graph_edges (from_entity, relation);`,
		`CREATE TABLE IF NOT EXISTS mem_knowledge_docs (
			id TEXT PRIMARY KEY,
			doc_type TEXT NOT NULL,
			entity TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			episode_ids TEXT[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content || ' ' || entity)) STORED
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mem_knowledge_docs_tsv ON mem_knowledge_docs USING GIN (tsv);`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init memory schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (c *Cluster) Records() *RecordAdapter { return &RecordAdapter{base: base{pool: c.pool}} }
func (c *Cluster) Vectors() *VectorAdapter { return &VectorAdapter{base: base{pool: c.pool}} }
func (c *Cluster) Graph() *GraphAdapter    { return &GraphAdapter{base: base{pool: c.pool}} }
func (c *Cluster) Docs() *DocAdapter       { return &DocAdapter{base: base{pool: c.pool}} }

func (c *Cluster) Close() { c.pool.Close() }

// base carries the pool plus the shared counter/health/error plumbing.
type base struct {
	pool *pgxpool.Pool

	stores    atomic.Int64
	retrieves atomic.Int64
	searches  atomic.Int64
	deletes   atomic.Int64
	failures  atomic.Int64
}

func (b *base) Connect(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return b.wrap("connect", err)
	}
	return nil
}

// Disconnect is a no-op: the pool is shared across adapters and closed by
// the owning Cluster.
func (b *base) Disconnect(context.Context) error { return nil }

func (b *base) HealthCheck(ctx context.Context) storage.Health {
	if err := b.pool.Ping(ctx); err != nil {
		return storage.Health{State: storage.Unhealthy, Message: err.Error()}
	}
	return storage.Health{State: storage.Healthy, Message: "postgres reachable"}
}

func (b *base) Metrics() storage.Metrics {
	return storage.Metrics{
		Stores:    b.stores.Load(),
		Retrieves: b.retrieves.Load(),
		Searches:  b.searches.Load(),
		Deletes:   b.deletes.Load(),
		Errors:    b.failures.Load(),
	}
}

func (b *base) wrap(op string, err error) error {
	b.failures.Add(1)
	kind := storage.KindConnection
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = storage.KindTimeout
	case errors.As(err, &pgErr):
		// Server answered: the request itself was rejected.
		kind = storage.KindQuery
	}
	return storage.NewError(kind, backendName, op, err)
}
