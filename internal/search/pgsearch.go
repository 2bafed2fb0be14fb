package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher using PostgreSQL full-text search as a
// fallback when Meilisearch is unavailable.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates a PostgreSQL message searcher.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over message content with ts_headline for
// snippets, newest first.
func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT m.id, m.thread_id, m.sender_name,
			ts_headline('english', m.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			m.sent_at,
			count(*) OVER () AS total
		FROM chat_messages m
		WHERE to_tsvector('english', m.content) @@ plainto_tsquery('english', $1)`
	args := []any{q.Text}
	if q.ThreadID != "" {
		query += " AND m.thread_id = $2"
		args = append(args, q.ThreadID)
	}
	query += fmt.Sprintf(" ORDER BY m.sent_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.ThreadID, &r.SenderName, &r.Snippet, &r.SentAt, &total); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every message for reindexing into Meilisearch.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, thread_id, sender_name, content, sent_at
		FROM chat_messages ORDER BY sent_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var sentAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.SenderName, &rec.Content, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			rec.SentAtUnix = sentAt.Time.Unix()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
