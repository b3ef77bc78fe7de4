package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxRecords = "geoliner_qc_records"
	idxPanels  = "geoliner_panels"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// The caller proceeds without search acceleration if the instance is down.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxRecords,
			primaryKey: "id",
			filterable: []string{"projectId", "panelId", "domain", "requiresReview"},
			searchable: []string{"summary", "panelId", "sourceDocId"},
		},
		{
			uid:        idxPanels,
			primaryKey: "id",
			filterable: []string{"projectId"},
			searchable: []string{"number", "id"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxRecords, ResultQCRecord},
		{idxPanels, ResultPanel},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterProjectID != "" {
			filters = append(filters, fmt.Sprintf("projectId = %q", q.FilterProjectID))
		}
		if q.FilterDomain != "" && ti.rtyp == ResultQCRecord {
			filters = append(filters, fmt.Sprintf("domain = %q", q.FilterDomain))
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxRecords:
		return ResultQCRecord
	case idxPanels:
		return ResultPanel
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ProjectID = decodeString(hit, "projectId")

	switch rtyp {
	case ResultQCRecord:
		r.PanelID = decodeString(hit, "panelId")
		r.Domain = decodeString(hit, "domain")
		r.Title = r.PanelID + " " + r.Domain
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "summary"), decodeString(hit, "summary"))
	case ResultPanel:
		r.PanelID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "number"), decodeString(hit, "number"), r.ID)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecord adds or updates a QC record in the search index.
func (m *Meili) IndexRecord(doc RecordDoc) error {
	_, err := m.client.Index(idxRecords).AddDocuments([]RecordDoc{doc}, nil)
	return err
}

// IndexPanel adds or updates a panel in the search index.
func (m *Meili) IndexPanel(p PanelDoc) error {
	_, err := m.client.Index(idxPanels).AddDocuments([]PanelDoc{p}, nil)
	return err
}

// DeletePanel removes a panel from the search index.
func (m *Meili) DeletePanel(id string) error {
	_, err := m.client.Index(idxPanels).DeleteDocument(id, nil)
	return err
}

// IndexRecords bulk-indexes QC records.
func (m *Meili) IndexRecords(docs []RecordDoc) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRecords).AddDocuments(docs, nil)
	return err
}

// IndexPanels bulk-indexes panels.
func (m *Meili) IndexPanels(panels []PanelDoc) error {
	if len(panels) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPanels).AddDocuments(panels, nil)
	return err
}
