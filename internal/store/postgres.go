package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"geoliner/api/internal/layout"
	"geoliner/api/internal/qc"
)

var ErrProjectNotFound = errors.New("project not found")

// PostgresStore backs the layout store and the QC engine with one database.
// It satisfies layout.Persister and qc.RecordStore.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateProject(ctx context.Context, p Project) (Project, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, scale, width, height, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Name, p.Scale, p.Width, p.Height, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, scale, width, height, created_at, updated_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Scale, &p.Width, &p.Height, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("select project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, scale, width, height, created_at, updated_at
		FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("select projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Scale, &p.Width, &p.Height, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// SaveLayout writes the full layout row for a project. Panels go down as one
// JSONB document; the layout store serializes writers per project, so a plain
// upsert is safe here.
func (s *PostgresStore) SaveLayout(ctx context.Context, rec layout.Record) error {
	panels, err := json.Marshal(rec.Panels)
	if err != nil {
		return fmt.Errorf("marshal panels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO panel_layouts (project_id, panels, width, height, scale, version, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id) DO UPDATE SET
			panels = EXCLUDED.panels,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			scale = EXCLUDED.scale,
			version = EXCLUDED.version,
			last_updated = EXCLUDED.last_updated
	`, rec.ProjectID, panels, rec.Width, rec.Height, rec.Scale, rec.Version, rec.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert layout: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLayout(ctx context.Context, projectID string) (layout.Record, error) {
	var rec layout.Record
	var panels []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, panels, width, height, scale, version, last_updated
		FROM panel_layouts WHERE project_id = $1
	`, projectID).Scan(&rec.ProjectID, &panels, &rec.Width, &rec.Height, &rec.Scale, &rec.Version, &rec.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return layout.Record{}, layout.ErrLayoutNotPersisted
	}
	if err != nil {
		return layout.Record{}, fmt.Errorf("select layout: %w", err)
	}
	if err := json.Unmarshal(panels, &rec.Panels); err != nil {
		return layout.Record{}, fmt.Errorf("unmarshal panels: %w", err)
	}
	if rec.Panels == nil {
		rec.Panels = []layout.Panel{}
	}
	return rec, nil
}

// UpsertExtracted inserts the record or, when a row with the same
// (project, panel, domain, source document) key exists, replaces its payload
// while keeping the original id and created_at. Re-importing a document is a
// no-op in cardinality.
func (s *PostgresStore) UpsertExtracted(ctx context.Context, rec qc.Record) (qc.Record, error) {
	raw, mapped, err := marshalRecordData(rec)
	if err != nil {
		return qc.Record{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO qc_records
			(id, project_id, panel_id, domain, source_doc_id, raw_data, mapped_data,
			 ai_confidence, requires_review, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (project_id, panel_id, domain, source_doc_id)
			WHERE source_doc_id IS NOT NULL
		DO UPDATE SET
			raw_data = EXCLUDED.raw_data,
			mapped_data = EXCLUDED.mapped_data,
			ai_confidence = EXCLUDED.ai_confidence,
			requires_review = EXCLUDED.requires_review,
			created_by = EXCLUDED.created_by,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`, rec.ID, rec.ProjectID, rec.PanelID, rec.Domain, rec.SourceDocID, raw, mapped,
		rec.AIConfidence, rec.RequiresReview, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return qc.Record{}, fmt.Errorf("upsert qc record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) InsertManual(ctx context.Context, rec qc.Record) (qc.Record, error) {
	raw, mapped, err := marshalRecordData(rec)
	if err != nil {
		return qc.Record{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qc_records
			(id, project_id, panel_id, domain, source_doc_id, raw_data, mapped_data,
			 ai_confidence, requires_review, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.ProjectID, rec.PanelID, rec.Domain, rec.SourceDocID, raw, mapped,
		rec.AIConfidence, rec.RequiresReview, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return qc.Record{}, fmt.Errorf("insert qc record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByPanel(ctx context.Context, projectID, panelID string) ([]qc.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, panel_id, domain, source_doc_id, raw_data, mapped_data,
		       ai_confidence, requires_review, created_by, created_at, updated_at
		FROM qc_records
		WHERE project_id = $1 AND panel_id = $2
		ORDER BY created_at ASC, id ASC
	`, projectID, panelID)
	if err != nil {
		return nil, fmt.Errorf("select qc records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListRequiresReview(ctx context.Context, projectID string) ([]qc.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, panel_id, domain, source_doc_id, raw_data, mapped_data,
		       ai_confidence, requires_review, created_by, created_at, updated_at
		FROM qc_records
		WHERE project_id = $1 AND requires_review
		ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("select review queue: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func marshalRecordData(rec qc.Record) (raw, mapped []byte, err error) {
	raw, err = json.Marshal(rec.RawData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal raw data: %w", err)
	}
	mapped, err = json.Marshal(rec.MappedData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal mapped data: %w", err)
	}
	return raw, mapped, nil
}

func scanRecords(rows *sql.Rows) ([]qc.Record, error) {
	var out []qc.Record
	for rows.Next() {
		var rec qc.Record
		var raw, mapped []byte
		err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.PanelID, &rec.Domain, &rec.SourceDocID,
			&raw, &mapped, &rec.AIConfidence, &rec.RequiresReview, &rec.CreatedBy,
			&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan qc record: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.RawData); err != nil {
			return nil, fmt.Errorf("unmarshal raw data: %w", err)
		}
		if err := json.Unmarshal(mapped, &rec.MappedData); err != nil {
			return nil, fmt.Errorf("unmarshal mapped data: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qc records: %w", err)
	}
	return out, nil
}
