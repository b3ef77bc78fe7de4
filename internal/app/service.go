package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"geoliner/api/internal/archive"
	"geoliner/api/internal/config"
	"geoliner/api/internal/export"
	"geoliner/api/internal/geo"
	"geoliner/api/internal/history"
	"geoliner/api/internal/layout"
	"geoliner/api/internal/qc"
	"geoliner/api/internal/realtime"
	"geoliner/api/internal/search"
	"geoliner/api/internal/store"
	"geoliner/api/internal/util"
)

// DataStore is the persistence surface the service needs: the project
// registry plus QC record storage.
type DataStore interface {
	CreateProject(ctx context.Context, p store.Project) (store.Project, error)
	GetProject(ctx context.Context, id string) (store.Project, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	qc.RecordStore
	Ping(ctx context.Context) error
}

// Service orchestrates the layout store, QC engine, and the supporting
// search, history, presence, and archive collaborators.
type Service struct {
	cfg      config.Config
	data     DataStore
	layouts  *layout.Store
	engine   *qc.Engine
	hub      *realtime.Hub
	presence *realtime.Presence // optional
	history  *history.Service   // optional
	search   *search.Service    // optional
	archive  *archive.Service   // optional
	exporter *export.Service
}

func New(cfg config.Config, data DataStore, layouts *layout.Store, hub *realtime.Hub, presence *realtime.Presence, historySvc *history.Service, searchSvc *search.Service, archiveSvc *archive.Service) *Service {
	s := &Service{
		cfg:      cfg,
		data:     data,
		layouts:  layouts,
		engine:   qc.NewEngine(layouts, data, cfg.ReviewThreshold),
		hub:      hub,
		presence: presence,
		history:  historySvc,
		search:   searchSvc,
		archive:  archiveSvc,
	}
	s.exporter = export.NewService(s)
	if hub != nil {
		hub.OnAccepted(s.onDeltaAccepted)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.data.Ping(ctx)
}

// onDeltaAccepted runs after the sync hub commits a delta: the as-built trail
// gets a commit and the search index learns about panel changes. Both are
// best-effort and never fail the edit that already happened.
func (s *Service) onDeltaAccepted(projectID, userID string, delta layout.Delta, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	snap, err := s.layouts.Snapshot(ctx, projectID)
	if err != nil {
		log.Printf("history: snapshot %s after v%d: %v", projectID, version, err)
		return
	}
	if s.history != nil {
		message := fmt.Sprintf("%s v%d", delta.Op, version)
		if _, err := s.history.CommitSnapshot(projectID, snap, userID, message); err != nil {
			log.Printf("history: commit %s v%d: %v", projectID, version, err)
		}
	}
	if s.search != nil {
		switch delta.Op {
		case layout.OpAddPanel:
			if delta.Panel != nil {
				s.search.IndexPanel(search.PanelDoc{ID: delta.Panel.ID, ProjectID: projectID, Number: delta.Panel.Number})
			}
		case layout.OpDeletePanel:
			s.search.DeletePanel(delta.PanelID)
		}
	}
}

// CreateProject registers a project and its empty layout at version 0.
func (s *Service) CreateProject(ctx context.Context, name string, width, height, scale float64) (store.Project, error) {
	if strings.TrimSpace(name) == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if scale <= 0 {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "INVALID_SCALE", "scale must be positive", nil)
	}
	if width <= 0 || height <= 0 {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "INVALID_GEOMETRY", "layout dimensions must be positive", nil)
	}

	project, err := s.data.CreateProject(ctx, store.Project{
		ID:     util.NewID("prj"),
		Name:   name,
		Scale:  scale,
		Width:  width,
		Height: height,
	})
	if err != nil {
		return store.Project{}, fmt.Errorf("create project: %w", err)
	}
	if err := s.layouts.Create(ctx, project.ID, width, height, scale); err != nil {
		return store.Project{}, fmt.Errorf("create layout: %w", err)
	}
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (store.Project, error) {
	return s.data.GetProject(ctx, id)
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.data.ListProjects(ctx)
}

// LayoutSnapshot returns the committed layout state for a project.
func (s *Service) LayoutSnapshot(ctx context.Context, projectID string) (layout.Snapshot, error) {
	return s.layouts.Snapshot(ctx, projectID)
}

// ApplyDelta applies one edit over HTTP with the same compare-and-swap
// contract the sync channel uses. The edit goes through the hub so connected
// editors receive it like any other accepted delta; the hub runs the
// accepted-delta hooks.
func (s *Service) ApplyDelta(ctx context.Context, projectID, userID string, delta layout.Delta, expectedVersion int64) (int64, error) {
	if s.hub != nil {
		return s.hub.Apply(ctx, projectID, userID, delta, expectedVersion)
	}
	version, err := s.layouts.ApplyDelta(ctx, projectID, delta, expectedVersion)
	if err != nil {
		return 0, err
	}
	s.onDeltaAccepted(projectID, userID, delta, version)
	return version, nil
}

// RightNeighbor peeks at the panel spatially adjacent to the right.
func (s *Service) RightNeighbor(ctx context.Context, projectID, panelID string) (*layout.NeighborPeek, error) {
	snap, err := s.layouts.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, panel := range snap.Panels {
		if panel.ID == panelID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", layout.ErrPanelNotFound, panelID)
	}
	peek, ok := layout.FindRightNeighbor(snap, panelID)
	if !ok {
		return nil, nil
	}
	return &peek, nil
}

// AddManualRecord stores a hand-entered QC record.
func (s *Service) AddManualRecord(ctx context.Context, projectID, panelID string, domain qc.Domain, fields map[string]any, createdBy string) (qc.Record, error) {
	rec, err := s.engine.Ingest(ctx, projectID, qc.Ingestion{
		PanelID:      panelID,
		Domain:       domain,
		MappedFields: fields,
		CreatedBy:    createdBy,
		Manual:       true,
	})
	if err != nil {
		return qc.Record{}, err
	}
	s.indexRecord(rec)
	return rec, nil
}

// ImportExtractions ingests the extraction output for one source document.
// The raw payload is archived before reconciliation so review disputes can be
// traced back to what the extractor produced.
func (s *Service) ImportExtractions(ctx context.Context, projectID, docID, createdBy string, extractions []qc.Extraction) ([]qc.BatchResult, error) {
	if strings.TrimSpace(docID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "docId is required", nil)
	}
	if _, err := s.data.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	if s.archive != nil {
		go func(payload []qc.Extraction) {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.archive.SavePayload(archiveCtx, projectID, docID, payload); err != nil {
				log.Printf("archive: save payload %s/%s: %v", projectID, docID, err)
			}
		}(extractions)
	}

	results, err := s.engine.IngestDocument(ctx, projectID, docID, createdBy, staticSource(extractions))
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Record != nil {
			s.indexRecord(*res.Record)
		}
	}
	return results, nil
}

// ExtractionPayloadURL returns a short-lived link to the archived raw
// extraction payload for a source document, so a disputed record can be
// traced back to what the extractor produced.
func (s *Service) ExtractionPayloadURL(ctx context.Context, projectID, docID string) (string, error) {
	if s.archive == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "archive not configured", nil)
	}
	if _, err := s.data.GetProject(ctx, projectID); err != nil {
		return "", err
	}
	url, err := s.archive.PayloadURL(ctx, projectID, docID, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign payload url: %w", err)
	}
	return url, nil
}

// staticSource adapts an already-extracted payload to the engine's document
// source contract.
type staticSource []qc.Extraction

func (s staticSource) Extract(context.Context, string, string) ([]qc.Extraction, error) {
	return []qc.Extraction(s), nil
}

func (s *Service) indexRecord(rec qc.Record) {
	if s.search == nil {
		return
	}
	doc := search.RecordDoc{
		ID:             rec.ID,
		ProjectID:      rec.ProjectID,
		PanelID:        rec.PanelID,
		Domain:         string(rec.Domain),
		Summary:        flattenFields(rec.MappedData),
		RequiresReview: rec.RequiresReview,
	}
	if rec.SourceDocID != nil {
		doc.SourceDocID = *rec.SourceDocID
	}
	s.search.IndexRecord(doc)
}

func flattenFields(fields map[string]any) string {
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s %v", k, v))
	}
	return strings.Join(parts, " ")
}

// PanelRecords returns a panel's QC records grouped by domain with the
// right-neighbor peek.
func (s *Service) PanelRecords(ctx context.Context, projectID, panelID string) (qc.PanelRecords, error) {
	return s.engine.RecordsByPanel(ctx, projectID, panelID)
}

// ReviewQueue lists records awaiting human review.
func (s *Service) ReviewQueue(ctx context.Context, projectID string) ([]qc.Record, error) {
	return s.engine.ReviewQueue(ctx, projectID)
}

// LayoutHistory lists the as-built commits for a project, newest first.
func (s *Service) LayoutHistory(ctx context.Context, projectID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return []history.CommitInfo{}, nil
	}
	if _, err := s.data.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.history.History(projectID, limit)
}

// LayoutAt recovers the layout as it was at a given history commit.
func (s *Service) LayoutAt(ctx context.Context, projectID, hash string) (layout.Snapshot, error) {
	if s.history == nil {
		return layout.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "history not configured", nil)
	}
	if _, err := s.data.GetProject(ctx, projectID); err != nil {
		return layout.Snapshot{}, err
	}
	return s.history.SnapshotAt(projectID, hash)
}

// ActiveEditors lists the editors currently present on a project.
func (s *Service) ActiveEditors(ctx context.Context, projectID string) ([]realtime.PresenceEntry, error) {
	if s.presence == nil {
		return []realtime.PresenceEntry{}, nil
	}
	entries, err := s.presence.Active(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if entries == nil {
		entries = []realtime.PresenceEntry{}
	}
	return entries, nil
}

// Search runs a full-text query over QC records and panels.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ExportPanelReport renders a panel's QC report as a PDF.
func (s *Service) ExportPanelReport(ctx context.Context, projectID, panelID string) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{ProjectID: projectID, PanelID: panelID})
}

// ProjectName implements the exporter's data source.
func (s *Service) ProjectName(ctx context.Context, projectID string) (string, error) {
	project, err := s.data.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return project.Name, nil
}

// FeetToCanvas converts a real-world length to canvas units at the project's
// drawing scale.
func (s *Service) FeetToCanvas(ctx context.Context, projectID string, feet float64) (float64, error) {
	project, err := s.data.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return geo.ToCanvas(feet, project.Scale)
}

// CanvasToFeet converts a canvas length back to feet.
func (s *Service) CanvasToFeet(ctx context.Context, projectID string, canvasUnits float64) (float64, error) {
	project, err := s.data.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return geo.ToFeet(canvasUnits, project.Scale)
}

// Bootstrap reindexes search from Postgres when a search backend is up.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.archive != nil {
		if err := s.archive.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure archive bucket: %w", err)
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}
