package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL as a fallback. QC records carry
// a generated tsvector column; panels live inside the layout's JSONB document
// and are matched with ILIKE, which is fine at panel-count scale.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL fallback searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()
	var results []Result
	total := 0

	if q.FilterType == "" || q.FilterType == ResultQCRecord {
		recs, n, err := p.searchRecords(ctx, q, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, recs...)
		total += n
	}
	if q.FilterType == "" || q.FilterType == ResultPanel {
		panels, n, err := p.searchPanels(ctx, q, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, panels...)
		total += n
	}

	return results, total, nil
}

func (p *PgFTS) searchRecords(ctx context.Context, q Query, limit, offset int) ([]Result, int, error) {
	where := "r.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	if q.FilterProjectID != "" {
		where += fmt.Sprintf(" AND r.project_id = $%d", argN)
		args = append(args, q.FilterProjectID)
		argN++
	}
	if q.FilterDomain != "" {
		where += fmt.Sprintf(" AND r.domain = $%d", argN)
		args = append(args, q.FilterDomain)
		argN++
	}

	var total int
	countSQL := "SELECT count(*) FROM qc_records r WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count records: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT r.id, r.project_id, r.panel_id, r.domain,
			ts_headline('english', r.mapped_data::text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM qc_records r
		WHERE %s
		ORDER BY ts_rank(r.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query records: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Type: ResultQCRecord}
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.PanelID, &r.Domain, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan record: %w", err)
		}
		r.Title = r.PanelID + " " + r.Domain
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func (p *PgFTS) searchPanels(ctx context.Context, q Query, limit, offset int) ([]Result, int, error) {
	where := "(panel->>'id' ILIKE $1 OR panel->>'number' ILIKE $1)"
	args := []any{"%" + q.Text + "%"}
	if q.FilterProjectID != "" {
		where += " AND pl.project_id = $2"
		args = append(args, q.FilterProjectID)
	}

	var total int
	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM panel_layouts pl, jsonb_array_elements(pl.panels) panel
		WHERE %s`, where)
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count panels: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT panel->>'id', pl.project_id, coalesce(panel->>'number', '')
		FROM panel_layouts pl, jsonb_array_elements(pl.panels) panel
		WHERE %s
		ORDER BY panel->>'id'
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query panels: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Type: ResultPanel}
		var number string
		if err := rows.Scan(&r.ID, &r.ProjectID, &number); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan panel: %w", err)
		}
		r.PanelID = r.ID
		if number != "" {
			r.Title = number
		} else {
			r.Title = r.ID
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable entities for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RecordDoc, []PanelDoc, error) {
	recRows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, panel_id, domain, coalesce(source_doc_id, ''), mapped_data::text, requires_review
		FROM qc_records
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load qc records: %w", err)
	}
	defer recRows.Close()

	records := make([]RecordDoc, 0)
	for recRows.Next() {
		var d RecordDoc
		if err := recRows.Scan(&d.ID, &d.ProjectID, &d.PanelID, &d.Domain, &d.SourceDocID, &d.Summary, &d.RequiresReview); err != nil {
			return nil, nil, fmt.Errorf("scan qc record: %w", err)
		}
		records = append(records, d)
	}
	if err := recRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate qc records: %w", err)
	}

	panelRows, err := p.db.QueryContext(ctx, `
		SELECT panel->>'id', pl.project_id, coalesce(panel->>'number', '')
		FROM panel_layouts pl, jsonb_array_elements(pl.panels) panel
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load panels: %w", err)
	}
	defer panelRows.Close()

	panels := make([]PanelDoc, 0)
	for panelRows.Next() {
		var p PanelDoc
		if err := panelRows.Scan(&p.ID, &p.ProjectID, &p.Number); err != nil {
			return nil, nil, fmt.Errorf("scan panel: %w", err)
		}
		panels = append(panels, p)
	}
	if err := panelRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate panels: %w", err)
	}

	return records, panels, nil
}
