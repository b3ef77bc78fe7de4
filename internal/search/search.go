package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultQCRecord ResultType = "qc_record"
	ResultPanel    ResultType = "panel"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	PanelID   string     `json:"panelId"`
	Domain    string     `json:"domain,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	FilterDomain    string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// RecordDoc is the data we index for a QC record. Summary is the flattened
// mapped-field text, which is what field crews actually search by.
type RecordDoc struct {
	ID             string `json:"id"`
	ProjectID      string `json:"projectId"`
	PanelID        string `json:"panelId"`
	Domain         string `json:"domain"`
	SourceDocID    string `json:"sourceDocId"`
	Summary        string `json:"summary"`
	RequiresReview bool   `json:"requiresReview"`
}

// PanelDoc is the data we index for a panel.
type PanelDoc struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Number    string `json:"number"`
}
