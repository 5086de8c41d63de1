package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches content titles with plainto_tsquery, scoped to the owner,
// with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const query = `
		SELECT c.id, c.title, c.content_type, c.link,
			ts_headline('english', c.title, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER () AS total
		FROM contents c
		WHERE c.user_id = $2 AND c.fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC, c.created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := p.db.QueryContext(context.Background(), query, q.Text, q.UserID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.ContentType, &r.Link, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every content row for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ContentRecord, error) {
	const query = `
		SELECT c.id, c.user_id, c.title, c.content_type, c.link,
			COALESCE(string_agg(t.title, ','), '')
		FROM contents c
		LEFT JOIN content_tags ct ON ct.content_id = c.id
		LEFT JOIN tags t ON t.id = ct.tag_id
		GROUP BY c.id, c.user_id, c.title, c.content_type, c.link`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgfts load records: %w", err)
	}
	defer rows.Close()

	var records []ContentRecord
	for rows.Next() {
		var record ContentRecord
		var tags string
		if err := rows.Scan(&record.ID, &record.UserID, &record.Title, &record.ContentType, &record.Link, &tags); err != nil {
			return nil, fmt.Errorf("pgfts scan record: %w", err)
		}
		if tags != "" {
			record.Tags = strings.Split(tags, ",")
		} else {
			record.Tags = []string{}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
