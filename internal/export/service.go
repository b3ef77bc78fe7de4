package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"geoliner/api/internal/layout"
	"geoliner/api/internal/qc"
)

// DataSource is the read surface the exporter needs.
type DataSource interface {
	ProjectName(ctx context.Context, projectID string) (string, error)
	LayoutSnapshot(ctx context.Context, projectID string) (layout.Snapshot, error)
	PanelRecords(ctx context.Context, projectID, panelID string) (qc.PanelRecords, error)
}

// Service generates panel QC reports.
type Service struct {
	source DataSource
}

func NewService(source DataSource) *Service {
	return &Service{source: source}
}

// Export builds the panel's QC report and renders it to PDF.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	name, err := s.source.ProjectName(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	snap, err := s.source.LayoutSnapshot(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get layout: %w", err)
	}
	records, err := s.source.PanelRecords(ctx, req.ProjectID, req.PanelID)
	if err != nil {
		return nil, fmt.Errorf("get panel records: %w", err)
	}

	var panel *layout.Panel
	for i := range snap.Panels {
		if snap.Panels[i].ID == req.PanelID {
			panel = &snap.Panels[i]
			break
		}
	}
	if panel == nil {
		return nil, fmt.Errorf("%w: %s", layout.ErrPanelNotFound, req.PanelID)
	}

	number := panel.Number
	if number == "" {
		number = panel.ID
	}
	data := ReportData{
		ProjectName:   name,
		PanelID:       panel.ID,
		PanelNumber:   number,
		Dimensions:    fmt.Sprintf("%.1f ft x %.1f ft", panel.Width, panel.Height),
		Position:      fmt.Sprintf("(%.1f, %.1f)", panel.X, panel.Y),
		Rotation:      panel.Rotation,
		PatchCount:    len(panel.Patches),
		LayoutVersion: snap.Version,
		GeneratedAt:   time.Now().UTC(),
	}
	if records.RightNeighbor != nil {
		label := records.RightNeighbor.PanelNumber
		if label == "" {
			label = records.RightNeighbor.PanelID
		}
		data.RightNeighbor = fmt.Sprintf("%s (%s)", label, records.RightNeighbor.Status)
	}

	for _, domain := range qc.Domains() {
		section := DomainSection{Name: strings.ReplaceAll(string(domain), "_", " ")}
		for _, rec := range records.ByDomain[domain] {
			section.Records = append(section.Records, toReportRecord(rec))
		}
		data.Domains = append(data.Domains, section)
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return renderPDF(html, fmt.Sprintf("%s %s QC Report", name, number))
}

func toReportRecord(rec qc.Record) ReportRecord {
	out := ReportRecord{
		CreatedAt:      rec.CreatedAt,
		CreatedBy:      rec.CreatedBy,
		Confidence:     rec.AIConfidence * 100,
		RequiresReview: rec.RequiresReview,
	}
	if rec.SourceDocID != nil {
		out.SourceDocID = *rec.SourceDocID
	}
	keys := make([]string, 0, len(rec.MappedData))
	for k := range rec.MappedData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Fields = append(out.Fields, FieldPair{Key: k, Value: fmt.Sprintf("%v", rec.MappedData[k])})
	}
	return out
}
