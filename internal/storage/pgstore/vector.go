package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/antoniostano/mnemo/internal/storage"
)

// VectorAdapter is the pgvector-backed similarity index holding episode
// embeddings. Upserts are idempotent on the episode id.
type VectorAdapter struct {
	base
}

func (a *VectorAdapter) UpsertVector(ctx context.Context, id string, embedding []float32, payload []byte) error {
	a.stores.Add(1)
	_, err := a.pool.Exec(ctx,
		`INSERT INTO mem_episode_vectors (id, payload, embedding)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, embedding = EXCLUDED.embedding`,
		id, payload, pgvector.NewVector(embedding),
	)
	if err != nil {
		return a.wrap("upsert_vector", err)
	}
	return nil
}

// SearchVector runs cosine-distance kNN and reports similarity in the
// record metadata.
func (a *VectorAdapter) SearchVector(ctx context.Context, embedding []float32, k int) ([]storage.Record, error) {
	a.searches.Add(1)
	if k <= 0 {
		k = 10
	}
	rows, err := a.pool.Query(ctx,
		`SELECT id, payload, created_at, 1 - (embedding <=> $1) AS similarity
		 FROM mem_episode_vectors
		 ORDER BY embedding <=> $1 LIMIT $2`,
		pgvector.NewVector(embedding), k,
	)
	if err != nil {
		return nil, a.wrap("search_vector", err)
	}
	defer rows.Close()

	out := make([]storage.Record, 0, k)
	for rows.Next() {
		var rec storage.Record
		var similarity float64
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.CreatedAt, &similarity); err != nil {
			return nil, a.wrap("search_vector", err)
		}
		rec.Metadata = map[string]any{"score": similarity}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, a.wrap("search_vector", err)
	}
	return out, nil
}

func (a *VectorAdapter) VectorIDs(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, `SELECT id FROM mem_episode_vectors ORDER BY id`)
	if err != nil {
		return nil, a.wrap("vector_ids", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, a.wrap("vector_ids", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (a *VectorAdapter) DeleteVector(ctx context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	tag, err := a.pool.Exec(ctx, `DELETE FROM mem_episode_vectors WHERE id = $1`, id)
	if err != nil {
		return false, a.wrap("delete_vector", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *VectorAdapter) Store(ctx context.Context, rec storage.Record) (string, error) {
	if err := a.UpsertVector(ctx, rec.ID, nil, rec.Payload); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (a *VectorAdapter) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	a.retrieves.Add(1)
	var rec storage.Record
	err := a.pool.QueryRow(ctx,
		`SELECT id, payload, created_at FROM mem_episode_vectors WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, a.wrap("retrieve", err)
	}
	return rec, nil
}

// Search without an embedding is not meaningful on the vector index.
func (a *VectorAdapter) Search(_ context.Context, _ storage.Query) ([]storage.Record, error) {
	a.searches.Add(1)
	return nil, storage.NewError(storage.KindQuery, backendName, "search",
		errors.New("vector index requires an embedding query"))
}

func (a *VectorAdapter) Delete(ctx context.Context, id string) (bool, error) {
	return a.DeleteVector(ctx, id)
}

var (
	_ storage.Adapter     = (*VectorAdapter)(nil)
	_ storage.VectorIndex = (*VectorAdapter)(nil)
)
