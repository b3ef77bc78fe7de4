package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"geoliner/api/internal/config"
	"geoliner/api/internal/history"
	"geoliner/api/internal/layout"
	"geoliner/api/internal/qc"
	"geoliner/api/internal/realtime"
	"geoliner/api/internal/store"
)

// fakeData backs the service with in-memory projects, layouts, and records.
type fakeData struct {
	mu       sync.Mutex
	projects map[string]store.Project
	layouts  map[string]layout.Record
	records  []qc.Record
}

func newFakeData() *fakeData {
	return &fakeData{
		projects: make(map[string]store.Project),
		layouts:  make(map[string]layout.Record),
	}
}

func (f *fakeData) CreateProject(_ context.Context, p store.Project) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeData) GetProject(_ context.Context, id string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return store.Project{}, store.ErrProjectNotFound
	}
	return p, nil
}

func (f *fakeData) ListProjects(_ context.Context) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeData) SaveLayout(_ context.Context, rec layout.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layouts[rec.ProjectID] = rec
	return nil
}

func (f *fakeData) LoadLayout(_ context.Context, projectID string) (layout.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.layouts[projectID]
	if !ok {
		return layout.Record{}, layout.ErrLayoutNotPersisted
	}
	return rec, nil
}

func (f *fakeData) UpsertExtracted(_ context.Context, rec qc.Record) (qc.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.records {
		if existing.ProjectID == rec.ProjectID &&
			existing.PanelID == rec.PanelID &&
			existing.Domain == rec.Domain &&
			existing.SourceDocID != nil && rec.SourceDocID != nil &&
			*existing.SourceDocID == *rec.SourceDocID {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			f.records[i] = rec
			return rec, nil
		}
	}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeData) InsertManual(_ context.Context, rec qc.Record) (qc.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeData) ListByPanel(_ context.Context, projectID, panelID string) ([]qc.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []qc.Record
	for _, rec := range f.records {
		if rec.ProjectID == projectID && rec.PanelID == panelID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeData) ListRequiresReview(_ context.Context, projectID string) ([]qc.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []qc.Record
	for _, rec := range f.records {
		if rec.ProjectID == projectID && rec.RequiresReview {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeData) Ping(context.Context) error { return nil }

type testServer struct {
	handler http.Handler
	service *Service
	hub     *realtime.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	data := newFakeData()
	layouts := layout.NewStore(data, layout.DefaultPatchPolicy)
	hub := realtime.NewHub(layouts, nil)
	cfg := config.Config{ReviewThreshold: 0.85}
	service := New(cfg, data, layouts, hub, nil, history.New(t.TempDir()), nil, nil)
	server := NewHTTPServer(service, nil, "*")
	return &testServer{handler: server.Handler(), service: service, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", "tester")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (ts *testServer) createProject(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name": "North Cell", "width": 1000, "height": 500, "scale": 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project returned %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID string `json:"id"`
	}
	decodeResponse(t, rec, &body)
	return body.ID
}

func (ts *testServer) addPanel(t *testing.T, projectID, panelID string, x float64, expectedVersion int64) int64 {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/layout/delta", map[string]any{
		"delta": map[string]any{
			"op":    "add_panel",
			"panel": map[string]any{"id": panelID, "number": panelID, "x": x, "y": 0, "width": 100, "height": 10},
		},
		"expectedVersion": expectedVersion,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add panel returned %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Version int64 `json:"version"`
	}
	decodeResponse(t, rec, &body)
	return body.Version
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health returned %d", rec.Code)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name": "", "width": 100, "height": 100, "scale": 2,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank name returned %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name": "Cell", "width": 100, "height": 100, "scale": 0,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("zero scale returned %d", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	decodeResponse(t, rec, &body)
	if body.Code != "INVALID_SCALE" {
		t.Errorf("expected INVALID_SCALE, got %q", body.Code)
	}
}

func TestCreateProjectAndEmptyLayout(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)

	rec := ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/layout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get layout returned %d", rec.Code)
	}
	var snap layout.Snapshot
	decodeResponse(t, rec, &snap)
	if snap.Version != 0 || len(snap.Panels) != 0 {
		t.Errorf("expected empty v0 layout, got %+v", snap)
	}
}

func TestApplyDeltaAndConflict(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)

	if v := ts.addPanel(t, projectID, "P-001", 0, 0); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	// Stale expected version returns the authoritative snapshot in details.
	rec := ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/layout/delta", map[string]any{
		"delta": map[string]any{
			"op":    "add_panel",
			"panel": map[string]any{"id": "P-002", "x": 200, "y": 0, "width": 100, "height": 10},
		},
		"expectedVersion": 0,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale delta returned %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Code    string `json:"code"`
		Details struct {
			Current  int64           `json:"current"`
			Snapshot layout.Snapshot `json:"snapshot"`
		} `json:"details"`
	}
	decodeResponse(t, rec, &body)
	if body.Code != "VERSION_CONFLICT" || body.Details.Current != 1 {
		t.Errorf("unexpected conflict payload: %+v", body)
	}
	if len(body.Details.Snapshot.Panels) != 1 {
		t.Errorf("conflict snapshot should carry current panels, got %+v", body.Details.Snapshot.Panels)
	}
}

func TestInvalidGeometryRejected(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)

	rec := ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/layout/delta", map[string]any{
		"delta": map[string]any{
			"op":    "add_panel",
			"panel": map[string]any{"id": "P-001", "x": 950, "y": 0, "width": 100, "height": 10},
		},
		"expectedVersion": 0,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("out-of-bounds panel returned %d", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	decodeResponse(t, rec, &body)
	if body.Code != "INVALID_GEOMETRY" {
		t.Errorf("expected INVALID_GEOMETRY, got %q", body.Code)
	}
}

func TestManualRecordEndpoint(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)
	ts.addPanel(t, projectID, "P-001", 0, 0)

	rec := ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/panels/P-001/records", map[string]any{
		"domain": "repairs",
		"fields": map[string]any{"dateTime": "2026-03-14", "repairId": "R-7", "panelNumbers": []string{"P-001"}, "extruderNumber": "EX-2"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("manual record returned %d: %s", rec.Code, rec.Body.String())
	}
	var record qc.Record
	decodeResponse(t, rec, &record)
	if record.AIConfidence != 1.0 || record.RequiresReview {
		t.Errorf("manual record gating wrong: %+v", record)
	}
	if record.CreatedBy != "tester" {
		t.Errorf("expected createdBy from X-User-ID, got %q", record.CreatedBy)
	}

	rec = ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/panels/P-001/records", map[string]any{
		"domain": "astrology",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown domain returned %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/panels/P-404/records", map[string]any{
		"domain": "repairs",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown panel returned %d", rec.Code)
	}
}

func TestImportEndpointCounts(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)
	ts.addPanel(t, projectID, "P-001", 0, 0)

	rec := ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/import", map[string]any{
		"docId": "doc-1",
		"extractions": []map[string]any{
			{
				"panelId": "P-001", "domain": "panel_seaming", "confidence": 0.95,
				"mappedFields": map[string]any{
					"dateTime": "2026-03-14T08:30:00Z", "panelNumbers": []string{"P-001"},
					"seamerInitials": "JT", "vboxPassFail": "pass",
				},
			},
			{"panelId": "P-001", "domain": "repairs", "confidence": 0.4, "mappedFields": map[string]any{}},
			{"panelId": "P-404", "domain": "repairs", "confidence": 0.9},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("import returned %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Accepted int `json:"accepted"`
		Flagged  int `json:"flagged"`
		Failed   int `json:"failed"`
	}
	decodeResponse(t, rec, &body)
	if body.Accepted != 1 || body.Flagged != 1 || body.Failed != 1 {
		t.Errorf("unexpected import counts: %+v", body)
	}
}

func TestPanelRecordsWithNeighbor(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)
	ts.addPanel(t, projectID, "P-001", 0, 0)
	ts.addPanel(t, projectID, "P-002", 100, 1)

	rec := ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/panels/P-001/records", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("panel records returned %d: %s", rec.Code, rec.Body.String())
	}
	var records qc.PanelRecords
	decodeResponse(t, rec, &records)
	if records.RightNeighbor == nil || records.RightNeighbor.PanelID != "P-002" {
		t.Errorf("expected neighbor P-002, got %+v", records.RightNeighbor)
	}

	rec = ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/panels/P-002/neighbor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("neighbor returned %d", rec.Code)
	}
	var neighbor struct {
		Neighbor *layout.NeighborPeek `json:"neighbor"`
	}
	decodeResponse(t, rec, &neighbor)
	if neighbor.Neighbor != nil {
		t.Errorf("rightmost panel should have no neighbor, got %+v", neighbor.Neighbor)
	}
}

func TestReviewQueueEndpoint(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)
	ts.addPanel(t, projectID, "P-001", 0, 0)

	ts.do(t, http.MethodPost, "/api/projects/"+projectID+"/import", map[string]any{
		"docId": "doc-1",
		"extractions": []map[string]any{
			{"panelId": "P-001", "domain": "repairs", "confidence": 0.2, "mappedFields": map[string]any{}},
		},
	})

	rec := ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/review-queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("review queue returned %d", rec.Code)
	}
	var body struct {
		Records []qc.Record `json:"records"`
	}
	decodeResponse(t, rec, &body)
	if len(body.Records) != 1 || !body.Records[0].RequiresReview {
		t.Errorf("unexpected review queue: %+v", body.Records)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)
	ts.addPanel(t, projectID, "P-001", 0, 0)
	ts.addPanel(t, projectID, "P-002", 200, 1)

	rec := ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history returned %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Commits []history.CommitInfo `json:"commits"`
	}
	decodeResponse(t, rec, &body)
	if len(body.Commits) != 2 {
		t.Fatalf("expected 2 history commits, got %d", len(body.Commits))
	}
	if body.Commits[0].Version != 2 || body.Commits[0].Author != "tester" {
		t.Errorf("unexpected newest commit: %+v", body.Commits[0])
	}

	at := ts.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%s/history/%s", projectID, body.Commits[1].Hash), nil)
	if at.Code != http.StatusOK {
		t.Fatalf("history at hash returned %d: %s", at.Code, at.Body.String())
	}
	var snap layout.Snapshot
	decodeResponse(t, at, &snap)
	if snap.Version != 1 || len(snap.Panels) != 1 {
		t.Errorf("recovered snapshot wrong: %+v", snap)
	}
}

func TestConvertEndpoint(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t) // scale 2 ft per canvas unit

	rec := ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/convert?feet=100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("convert returned %d", rec.Code)
	}
	var body struct {
		Feet   float64 `json:"feet"`
		Canvas float64 `json:"canvas"`
	}
	decodeResponse(t, rec, &body)
	if body.Canvas != 50 {
		t.Errorf("expected 50 canvas units for 100 ft at scale 2, got %v", body.Canvas)
	}

	rec = ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/convert?canvas=50", nil)
	decodeResponse(t, rec, &body)
	if body.Feet != 100 {
		t.Errorf("expected 100 ft for 50 canvas units, got %v", body.Feet)
	}

	rec = ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/convert", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing params returned %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/convert?feet=1&canvas=1", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("both params returned %d", rec.Code)
	}
}

// roomPeer is a minimal sync-channel connection for observing broadcasts.
type roomPeer struct {
	frames    chan realtime.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newRoomPeer() *roomPeer {
	return &roomPeer{frames: make(chan realtime.ServerMessage, 16), done: make(chan struct{})}
}

func (p *roomPeer) ReadJSON(any) error {
	<-p.done
	return io.EOF
}

func (p *roomPeer) WriteJSON(v any) error {
	select {
	case p.frames <- v.(realtime.ServerMessage):
		return nil
	case <-p.done:
		return io.EOF
	}
}

func (p *roomPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *roomPeer) recv(t *testing.T) realtime.ServerMessage {
	t.Helper()
	select {
	case msg := <-p.frames:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast frame")
		return realtime.ServerMessage{}
	}
}

func TestHTTPDeltaReachesConnectedEditors(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)

	peer := newRoomPeer()
	defer peer.Close()
	go func() { _ = ts.hub.Serve(context.Background(), projectID, "watcher", peer) }()

	if first := peer.recv(t); first.Kind != realtime.KindSnapshot {
		t.Fatalf("first frame must be a snapshot, got %q", first.Kind)
	}

	ts.addPanel(t, projectID, "P-001", 0, 0)

	got := peer.recv(t)
	if got.Kind != realtime.KindDelta || got.Version != 1 || got.Origin != "tester" {
		t.Fatalf("editor expected delta v1 from tester, got %+v", got)
	}
	if got.Delta == nil || got.Delta.Panel == nil || got.Delta.Panel.ID != "P-001" {
		t.Errorf("broadcast payload wrong: %+v", got.Delta)
	}
}

func TestImportPayloadURLWithoutArchive(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t)

	rec := ts.do(t, http.MethodGet, "/api/projects/"+projectID+"/import/doc-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("payload link without archive returned %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route returned %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/projects/prj-404", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown project returned %d", rec.Code)
	}
}
