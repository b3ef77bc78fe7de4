package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecord indexes a QC record (fire-and-forget to Meilisearch). Ingestion
// never waits on the indexer, and an indexing failure never fails an ingest.
func (s *Service) IndexRecord(doc RecordDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecord(doc); err != nil {
			log.Printf("search: index qc record %s: %v", doc.ID, err)
		}
	}()
}

// IndexPanel indexes a panel (fire-and-forget to Meilisearch).
func (s *Service) IndexPanel(p PanelDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPanel(p); err != nil {
			log.Printf("search: index panel %s: %v", p.ID, err)
		}
	}()
}

// DeletePanel removes a panel from the search index (fire-and-forget).
func (s *Service) DeletePanel(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePanel(id); err != nil {
			log.Printf("search: delete panel %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called during bootstrap if Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, panels, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexRecords(records); err != nil {
		log.Printf("search: reindex qc records: %v", err)
	}
	if err := s.meili.IndexPanels(panels); err != nil {
		log.Printf("search: reindex panels: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
