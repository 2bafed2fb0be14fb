package search

import (
	"context"
	"log"
)

type indexer interface {
	Searcher
	IndexMessage(MessageRecord) error
	IndexMessages([]MessageRecord) error
}

// Service is the facade that tries Meilisearch first and falls back to
// PostgreSQL.
type Service struct {
	meili    indexer
	fallback Searcher
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	s := &Service{fallback: fallback}
	if meili != nil {
		s.meili = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage pushes a message into Meilisearch, fire-and-forget. The
// Postgres fallback reads live rows and needs no indexing.
func (s *Service) IndexMessage(rec MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(rec); err != nil {
			log.Printf("search: index message %s: %v", rec.ID, err)
		}
	}()
}

// ReindexAllFromPG reindexes every stored message into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgSearch) {
	if s.meili == nil || !s.meili.Healthy() || pg == nil {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		log.Printf("search: reindex messages: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
