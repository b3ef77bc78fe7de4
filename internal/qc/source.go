package qc

import "context"

// Extraction is one detected record as produced by the external extraction
// collaborator. The engine consumes its output as-is and never invokes the
// model itself.
type Extraction struct {
	PanelID      string         `json:"panelId"`
	Domain       Domain         `json:"domain"`
	RawFields    map[string]any `json:"rawFields"`
	MappedFields map[string]any `json:"mappedFields"`
	Confidence   float64        `json:"confidence"`
}

// DocumentSource yields the extractions detected in a source document.
// Implementations wrap the external extraction service; tests use a fake.
type DocumentSource interface {
	Extract(ctx context.Context, projectID, docID string) ([]Extraction, error)
}
