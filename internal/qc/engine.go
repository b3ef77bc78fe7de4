package qc

import (
	"context"
	"fmt"
	"time"

	"geoliner/api/internal/layout"
	"geoliner/api/internal/util"
)

// Record is one stored QC record. RawData keeps the extractor's untouched
// key/value output; MappedData is the canonical per-domain schema.
type Record struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	PanelID        string         `json:"panelId"`
	Domain         Domain         `json:"domain"`
	SourceDocID    *string        `json:"sourceDocId"`
	RawData        map[string]any `json:"rawData"`
	MappedData     map[string]any `json:"mappedData"`
	AIConfidence   float64        `json:"aiConfidence"`
	RequiresReview bool           `json:"requiresReview"`
	CreatedBy      string         `json:"createdBy"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// LayoutReader is the read-only view of the layout store the engine is
// permitted; it never mutates panel state.
type LayoutReader interface {
	PanelExists(ctx context.Context, projectID, panelID string) (bool, error)
	Snapshot(ctx context.Context, projectID string) (layout.Snapshot, error)
}

// RecordStore persists QC records. UpsertExtracted replaces any prior record
// with the same (projectId, panelId, domain, sourceDocId) key; InsertManual
// always inserts.
type RecordStore interface {
	UpsertExtracted(ctx context.Context, rec Record) (Record, error)
	InsertManual(ctx context.Context, rec Record) (Record, error)
	ListByPanel(ctx context.Context, projectID, panelID string) ([]Record, error)
	ListRequiresReview(ctx context.Context, projectID string) ([]Record, error)
}

// Ingestion is one record on its way in.
type Ingestion struct {
	PanelID      string         `json:"panelId"`
	Domain       Domain         `json:"domain"`
	RawFields    map[string]any `json:"rawFields"`
	MappedFields map[string]any `json:"mappedFields"`
	Confidence   float64        `json:"confidence"`
	SourceDocID  string         `json:"sourceDocId"`
	CreatedBy    string         `json:"createdBy"`
	Manual       bool           `json:"manual"`
}

// BatchResult reports one record's outcome; a failed record never blocks the
// rest of its batch.
type BatchResult struct {
	Index  int     `json:"index"`
	Record *Record `json:"record,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// Engine applies the reconciliation policy. It reads the layout store for
// panel-existence validation but never mutates it.
type Engine struct {
	layouts   LayoutReader
	records   RecordStore
	threshold float64
}

const DefaultReviewThreshold = 0.85

func NewEngine(layouts LayoutReader, records RecordStore, threshold float64) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultReviewThreshold
	}
	return &Engine{layouts: layouts, records: records, threshold: threshold}
}

// Ingest validates and stores a single record.
//
// Extracted records: panel must exist in the current layout version, missing
// required fields or confidence below the threshold set requiresReview, and
// records with a sourceDocId are upserted idempotently. Manual entries get
// confidence 1.0 and requiresReview false but are still subject to the
// panel-existence check, and always insert.
func (e *Engine) Ingest(ctx context.Context, projectID string, in Ingestion) (Record, error) {
	if !ValidDomain(in.Domain) {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownDomain, in.Domain)
	}
	exists, err := e.layouts.PanelExists(ctx, projectID, in.PanelID)
	if err != nil {
		return Record{}, fmt.Errorf("check panel %s: %w", in.PanelID, err)
	}
	if !exists {
		return Record{}, fmt.Errorf("%w: %s", layout.ErrPanelNotFound, in.PanelID)
	}

	now := time.Now().UTC()
	rec := Record{
		ID:         util.NewID("qcr"),
		ProjectID:  projectID,
		PanelID:    in.PanelID,
		Domain:     in.Domain,
		RawData:    in.RawFields,
		MappedData: in.MappedFields,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.RawData == nil {
		rec.RawData = map[string]any{}
	}
	if rec.MappedData == nil {
		rec.MappedData = map[string]any{}
	}

	if in.Manual {
		rec.AIConfidence = 1.0
		rec.RequiresReview = false
		stored, err := e.records.InsertManual(ctx, rec)
		if err != nil {
			return Record{}, fmt.Errorf("insert manual record: %w", err)
		}
		return stored, nil
	}

	missing := MissingFields(in.Domain, rec.MappedData)
	rec.AIConfidence = in.Confidence
	rec.RequiresReview = in.Confidence < e.threshold || len(missing) > 0
	if in.SourceDocID != "" {
		docID := in.SourceDocID
		rec.SourceDocID = &docID
		stored, err := e.records.UpsertExtracted(ctx, rec)
		if err != nil {
			return Record{}, fmt.Errorf("upsert extracted record: %w", err)
		}
		return stored, nil
	}
	stored, err := e.records.InsertManual(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("insert extracted record: %w", err)
	}
	return stored, nil
}

// IngestBatch ingests each item independently; per-record failures are
// reported in the result slice and never abort the batch.
func (e *Engine) IngestBatch(ctx context.Context, projectID string, items []Ingestion) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, item := range items {
		rec, err := e.Ingest(ctx, projectID, item)
		results[i] = BatchResult{Index: i, Err: err}
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Record = &rec
	}
	return results
}

// IngestDocument pulls every detected record for docID from the extraction
// source and ingests them as one batch.
func (e *Engine) IngestDocument(ctx context.Context, projectID, docID, createdBy string, source DocumentSource) ([]BatchResult, error) {
	extractions, err := source.Extract(ctx, projectID, docID)
	if err != nil {
		return nil, fmt.Errorf("extract document %s: %w", docID, err)
	}
	items := make([]Ingestion, len(extractions))
	for i, ex := range extractions {
		items[i] = Ingestion{
			PanelID:      ex.PanelID,
			Domain:       ex.Domain,
			RawFields:    ex.RawFields,
			MappedFields: ex.MappedFields,
			Confidence:   ex.Confidence,
			SourceDocID:  docID,
			CreatedBy:    createdBy,
		}
	}
	return e.IngestBatch(ctx, projectID, items), nil
}

// PanelRecords is the read contract: per-domain ordered lists plus the
// right-neighbor peek for field navigation.
type PanelRecords struct {
	PanelID       string               `json:"panelId"`
	ByDomain      map[Domain][]Record  `json:"byDomain"`
	RightNeighbor *layout.NeighborPeek `json:"rightNeighbor,omitempty"`
}

// RecordsByPanel returns the panel's records grouped by domain in stored
// order, with the spatial right-neighbor peek attached when one exists.
func (e *Engine) RecordsByPanel(ctx context.Context, projectID, panelID string) (PanelRecords, error) {
	snap, err := e.layouts.Snapshot(ctx, projectID)
	if err != nil {
		return PanelRecords{}, err
	}
	found := false
	for _, panel := range snap.Panels {
		if panel.ID == panelID {
			found = true
			break
		}
	}
	if !found {
		return PanelRecords{}, fmt.Errorf("%w: %s", layout.ErrPanelNotFound, panelID)
	}

	records, err := e.records.ListByPanel(ctx, projectID, panelID)
	if err != nil {
		return PanelRecords{}, fmt.Errorf("list records: %w", err)
	}
	out := PanelRecords{PanelID: panelID, ByDomain: make(map[Domain][]Record)}
	for _, d := range Domains() {
		out.ByDomain[d] = []Record{}
	}
	for _, rec := range records {
		out.ByDomain[rec.Domain] = append(out.ByDomain[rec.Domain], rec)
	}
	if peek, ok := layout.FindRightNeighbor(snap, panelID); ok {
		out.RightNeighbor = &peek
	}
	return out, nil
}

// ReviewQueue lists the project's records flagged for human review.
func (e *Engine) ReviewQueue(ctx context.Context, projectID string) ([]Record, error) {
	records, err := e.records.ListRequiresReview(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	return records, nil
}
