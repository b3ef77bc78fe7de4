package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// ReportData holds data for QC report rendering.
type ReportData struct {
	ProjectName   string
	PanelID       string
	PanelNumber   string
	Dimensions    string
	Position      string
	Rotation      float64
	PatchCount    int
	RightNeighbor string
	LayoutVersion int64
	GeneratedAt   time.Time
	Domains       []DomainSection
}

// DomainSection is one QC domain's block in the report.
type DomainSection struct {
	Name    string
	Records []ReportRecord
}

// ReportRecord is one QC record row.
type ReportRecord struct {
	CreatedAt      time.Time
	CreatedBy      string
	Confidence     float64
	RequiresReview bool
	SourceDocID    string
	Fields         []FieldPair
}

// FieldPair is a mapped key/value shown in the report.
type FieldPair struct {
	Key   string
	Value string
}

// RenderReportHTML renders the QC report template with provided data.
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load.
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.PanelNumber}} QC Report</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .record { background: #f5f5f5; padding: 1rem; margin: 0.5rem 0; border-left: 3px solid #333; }
    .review { border-left-color: #c0392b; }
  </style>
</head>
<body>
  <h1>Panel {{.PanelNumber}} QC Report</h1>
  <div class="meta">{{.ProjectName}} | {{.Dimensions}} at {{.Position}} | layout v{{.LayoutVersion}} | {{.GeneratedAt.Format "Jan 2, 2006"}}</div>
  {{range .Domains}}
  <h2>{{.Name}}</h2>
  {{range .Records}}
  <div class="record{{if .RequiresReview}} review{{end}}">
    {{range .Fields}}<div>{{.Key}}: {{.Value}}</div>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
