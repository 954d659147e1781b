package pgstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/antoniostano/mnemo/internal/storage"
)

// RecordAdapter is the relational record store. Working memory keeps its
// facts here; expiry is a column purged on lifecycle passes rather than a
// native TTL.
type RecordAdapter struct {
	base
}

func (a *RecordAdapter) Store(ctx context.Context, rec storage.Record) (string, error) {
	a.stores.Add(1)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var expiresAt *time.Time
	if t, ok := rec.Metadata["expires_at"].(time.Time); ok && !t.IsZero() {
		expiresAt = &t
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO mem_records (id, session_id, entity, score, payload, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			score = EXCLUDED.score,
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at`,
		rec.ID,
		metaString(rec, "session_id"),
		metaString(rec, "entity"),
		metaFloat(rec, "score"),
		rec.Payload,
		rec.CreatedAt,
		expiresAt,
	)
	if err != nil {
		return "", a.wrap("store", err)
	}
	return rec.ID, nil
}

func (a *RecordAdapter) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	a.retrieves.Add(1)
	var rec storage.Record
	var sessionID, entity string
	var score float64
	var expiresAt *time.Time
	err := a.pool.QueryRow(ctx,
		`SELECT id, session_id, entity, score, payload, created_at, expires_at
		 FROM mem_records WHERE id = $1`, id,
	).Scan(&rec.ID, &sessionID, &entity, &score, &rec.Payload, &rec.CreatedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, a.wrap("retrieve", err)
	}
	rec.Metadata = map[string]any{"session_id": sessionID, "entity": entity, "score": score}
	if expiresAt != nil {
		rec.Metadata["expires_at"] = *expiresAt
	}
	return rec, nil
}

func (a *RecordAdapter) Search(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	a.searches.Add(1)
	where := []string{"(expires_at IS NULL OR expires_at > now())"}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if q.SessionID != "" {
		add("session_id = ?", q.SessionID)
	}
	if q.Entity != "" {
		add("entity = ?", q.Entity)
	}
	if q.MinScore > 0 {
		add("score >= ?", q.MinScore)
	}
	if !q.Since.IsZero() {
		add("created_at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		add("created_at < ?", q.Until)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := a.pool.Query(ctx,
		`SELECT id, session_id, entity, score, payload, created_at
		 FROM mem_records WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY score DESC, created_at DESC LIMIT `+placeholder(len(args)),
		args...,
	)
	if err != nil {
		return nil, a.wrap("search", err)
	}
	defer rows.Close()

	out := make([]storage.Record, 0, limit)
	for rows.Next() {
		var rec storage.Record
		var sessionID, entity string
		var score float64
		if err := rows.Scan(&rec.ID, &sessionID, &entity, &score, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, a.wrap("search", err)
		}
		rec.Metadata = map[string]any{"session_id": sessionID, "entity": entity, "score": score}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, a.wrap("search", err)
	}
	return out, nil
}

func (a *RecordAdapter) Delete(ctx context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	tag, err := a.pool.Exec(ctx, `DELETE FROM mem_records WHERE id = $1`, id)
	if err != nil {
		return false, a.wrap("delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired removes records whose TTL elapsed before now.
func (a *RecordAdapter) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx,
		`DELETE FROM mem_records WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, a.wrap("purge_expired", err)
	}
	return tag.RowsAffected(), nil
}

func metaString(rec storage.Record, key string) string {
	s, _ := rec.Metadata[key].(string)
	return s
}

func metaFloat(rec storage.Record, key string) float64 {
	f, _ := rec.Metadata[key].(float64)
	return f
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

var (
	_ storage.Adapter = (*RecordAdapter)(nil)
	_ storage.Expirer = (*RecordAdapter)(nil)
)
