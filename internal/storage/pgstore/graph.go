package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/antoniostano/mnemo/internal/storage"
)

// GraphAdapter stores episode nodes and typed entity edges in plain SQL
// tables, with bounded-depth traversal done as one frontier query per hop.
type GraphAdapter struct {
	base
}

func (a *GraphAdapter) UpsertNode(ctx context.Context, id string, payload []byte, edges []storage.GraphEdge) error {
	a.stores.Add(1)
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return a.wrap("upsert_node", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO mem_graph_nodes (id, payload) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		id, payload,
	); err != nil {
		return a.wrap("upsert_node", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mem_graph_edges WHERE episode_id = $1`, id); err != nil {
		return a.wrap("upsert_node", err)
	}
	for _, e := range edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO mem_graph_edges (episode_id, from_entity, relation, to_entity)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			id, e.From, e.Relation, e.To,
		); err != nil {
			return a.wrap("upsert_node", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return a.wrap("upsert_node", err)
	}
	return nil
}

func (a *GraphAdapter) Traverse(ctx context.Context, entity, relation string, depth int) ([]storage.GraphEdge, error) {
	a.searches.Add(1)
	if depth <= 0 {
		depth = 1
	}
	frontier := []string{entity}
	seen := map[string]bool{}
	var out []storage.GraphEdge
	for d := 0; d < depth && len(frontier) > 0; d++ {
		query := `SELECT episode_id, from_entity, relation, to_entity
			 FROM mem_graph_edges WHERE from_entity = ANY($1)`
		args := []any{frontier}
		if relation != "" {
			query += ` AND relation = $2`
			args = append(args, relation)
		}
		rows, err := a.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, a.wrap("traverse", err)
		}
		var next []string
		for rows.Next() {
			var e storage.GraphEdge
			if err := rows.Scan(&e.EpisodeID, &e.From, &e.Relation, &e.To); err != nil {
				rows.Close()
				return nil, a.wrap("traverse", err)
			}
			key := e.From + "|" + e.Relation + "|" + e.To
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
			next = append(next, e.To)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, a.wrap("traverse", err)
		}
		frontier = next
	}
	return out, nil
}

func (a *GraphAdapter) NodeIDs(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, `SELECT id FROM mem_graph_nodes ORDER BY id`)
	if err != nil {
		return nil, a.wrap("node_ids", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, a.wrap("node_ids", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (a *GraphAdapter) DeleteNode(ctx context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	tag, err := a.pool.Exec(ctx, `DELETE FROM mem_graph_nodes WHERE id = $1`, id)
	if err != nil {
		return false, a.wrap("delete_node", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *GraphAdapter) Store(ctx context.Context, rec storage.Record) (string, error) {
	if err := a.UpsertNode(ctx, rec.ID, rec.Payload, nil); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (a *GraphAdapter) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	a.retrieves.Add(1)
	var rec storage.Record
	err := a.pool.QueryRow(ctx,
		`SELECT id, payload, created_at FROM mem_graph_nodes WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, a.wrap("retrieve", err)
	}
	return rec, nil
}

// Search on the graph backend is traversal, exposed via GraphIndex.
func (a *GraphAdapter) Search(_ context.Context, _ storage.Query) ([]storage.Record, error) {
	a.searches.Add(1)
	return nil, storage.NewError(storage.KindQuery, backendName, "search",
		errors.New("graph index supports traversal, not record search"))
}

func (a *GraphAdapter) Delete(ctx context.Context, id string) (bool, error) {
	return a.DeleteNode(ctx, id)
}

var (
	_ storage.Adapter    = (*GraphAdapter)(nil)
	_ storage.GraphIndex = (*GraphAdapter)(nil)
)
