// Package search indexes chat messages and answers full-text queries,
// using Meilisearch when reachable and PostgreSQL when not.
package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id"`
	SenderName string    `json:"sender_name"`
	Snippet    string    `json:"snippet"`
	SentAt     time.Time `json:"sent_at"`
}

// Query describes a message search request. ThreadID scopes the query to
// a single thread; empty means all threads the caller may see, which the
// app layer encodes by leaving it empty only for admins.
type Query struct {
	Text     string
	ThreadID string
	Limit    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	SentAtUnix int64  `json:"sent_at_unix"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}
