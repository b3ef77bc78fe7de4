// Package export renders a panel's QC report as a PDF for submittal packages.
package export

import "errors"

// Request contains parameters for an export operation.
type Request struct {
	ProjectID string
	PanelID   string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are
// unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
