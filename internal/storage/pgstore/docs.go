package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/storage"
)

// DocAdapter is the full-text knowledge-document store. Content is
// indexed with a generated tsvector column; type and entity act as
// facets.
type DocAdapter struct {
	base
}

func (a *DocAdapter) IndexDocument(ctx context.Context, id string, doc model.KnowledgeDocument) error {
	a.stores.Add(1)
	_, err := a.pool.Exec(ctx,
		`INSERT INTO mem_knowledge_docs (id, doc_type, entity, content, confidence, episode_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			confidence = EXCLUDED.confidence,
			episode_ids = EXCLUDED.episode_ids`,
		id, string(doc.Type), doc.Entity, doc.Content, doc.Confidence, doc.EpisodeIDs, doc.CreatedAt,
	)
	if err != nil {
		return a.wrap("index_document", err)
	}
	return nil
}

func (a *DocAdapter) SearchText(ctx context.Context, text string, filters map[string]string, limit int) ([]model.KnowledgeDocument, error) {
	a.searches.Add(1)
	if limit <= 0 {
		limit = 20
	}
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	order := "confidence DESC, created_at DESC"
	if strings.TrimSpace(text) != "" {
		add("tsv @@ websearch_to_tsquery('english', ?)", text)
		order = "ts_rank(tsv, websearch_to_tsquery('english', $" + strconv.Itoa(len(args)) + ")) DESC, confidence DESC"
	}
	if t := filters["type"]; t != "" {
		add("doc_type = ?", t)
	}
	if e := filters["entity"]; e != "" {
		add("entity = ?", e)
	}
	args = append(args, limit)

	rows, err := a.pool.Query(ctx,
		`SELECT id, doc_type, entity, content, confidence, episode_ids, created_at
		 FROM mem_knowledge_docs WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY `+order+` LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, a.wrap("search_text", err)
	}
	defer rows.Close()

	out := make([]model.KnowledgeDocument, 0, limit)
	for rows.Next() {
		var doc model.KnowledgeDocument
		var docType string
		if err := rows.Scan(&doc.ID, &docType, &doc.Entity, &doc.Content, &doc.Confidence, &doc.EpisodeIDs, &doc.CreatedAt); err != nil {
			return nil, a.wrap("search_text", err)
		}
		doc.Type = model.KnowledgeType(docType)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, a.wrap("search_text", err)
	}
	return out, nil
}

func (a *DocAdapter) Store(ctx context.Context, rec storage.Record) (string, error) {
	var doc model.KnowledgeDocument
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return "", storage.NewError(storage.KindData, backendName, "store", err)
	}
	if rec.ID != "" {
		doc.ID = rec.ID
	}
	if err := a.IndexDocument(ctx, doc.ID, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (a *DocAdapter) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	a.retrieves.Add(1)
	var doc model.KnowledgeDocument
	var docType string
	err := a.pool.QueryRow(ctx,
		`SELECT id, doc_type, entity, content, confidence, episode_ids, created_at
		 FROM mem_knowledge_docs WHERE id = $1`, id,
	).Scan(&doc.ID, &docType, &doc.Entity, &doc.Content, &doc.Confidence, &doc.EpisodeIDs, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, a.wrap("retrieve", err)
	}
	doc.Type = model.KnowledgeType(docType)
	payload, err := json.Marshal(doc)
	if err != nil {
		return storage.Record{}, storage.NewError(storage.KindData, backendName, "retrieve", err)
	}
	return storage.Record{ID: doc.ID, Payload: payload, CreatedAt: doc.CreatedAt}, nil
}

func (a *DocAdapter) Search(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	docs, err := a.SearchText(ctx, q.Text, map[string]string{"entity": q.Entity}, q.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Record, 0, len(docs))
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, storage.NewError(storage.KindData, backendName, "search", err)
		}
		out = append(out, storage.Record{
			ID:        doc.ID,
			Payload:   payload,
			Metadata:  map[string]any{"score": doc.Confidence, "entity": doc.Entity},
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, nil
}

func (a *DocAdapter) Delete(ctx context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	tag, err := a.pool.Exec(ctx, `DELETE FROM mem_knowledge_docs WHERE id = $1`, id)
	if err != nil {
		return false, a.wrap("delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

var (
	_ storage.Adapter   = (*DocAdapter)(nil)
	_ storage.TextIndex = (*DocAdapter)(nil)
)
