package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geoliner/api/internal/geo"
	"geoliner/api/internal/layout"
	"geoliner/api/internal/qc"
	"geoliner/api/internal/realtime"
	"geoliner/api/internal/search"
	"geoliner/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	ws         *realtime.WSHandler
	corsOrigin string
}

func NewHTTPServer(service *Service, ws *realtime.WSHandler, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, ws: ws, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Sync channel: /ws/projects/{projectId}
	if parts := splitPath(r.URL.Path); len(parts) == 3 && parts[0] == "ws" && parts[1] == "projects" {
		if s.ws == nil {
			writeError(w, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Sync channel not configured", nil)
			return
		}
		s.ws.ServeProject(w, r, parts[2])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProjects(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		s.handleListProjects(w, r)
	case len(parts) == 0 && r.Method == http.MethodPost:
		s.handleCreateProject(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetProject(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "layout" && r.Method == http.MethodGet:
		s.handleGetLayout(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "layout" && parts[2] == "delta" && r.Method == http.MethodPost:
		s.handleApplyDelta(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "convert" && r.Method == http.MethodGet:
		s.handleConvert(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "import" && r.Method == http.MethodPost:
		s.handleImport(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "import" && r.Method == http.MethodGet:
		s.handleImportPayload(w, r, parts[0], parts[2])
	case len(parts) == 2 && parts[1] == "review-queue" && r.Method == http.MethodGet:
		s.handleReviewQueue(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "presence" && r.Method == http.MethodGet:
		s.handlePresence(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "history" && r.Method == http.MethodGet:
		s.handleHistoryAt(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "panels" && parts[3] == "records" && r.Method == http.MethodGet:
		s.handlePanelRecords(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "panels" && parts[3] == "records" && r.Method == http.MethodPost:
		s.handleAddManualRecord(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "panels" && parts[3] == "neighbor" && r.Method == http.MethodGet:
		s.handleRightNeighbor(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "panels" && parts[3] == "report" && r.Method == http.MethodGet:
		s.handlePanelReport(w, r, parts[0], parts[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projectPayloads(projects)})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string  `json:"name"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
		Scale  float64 `json:"scale"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	project, err := s.service.CreateProject(r.Context(), body.Name, body.Width, body.Height, body.Scale)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, projectPayload(project))
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := s.service.GetProject(r.Context(), projectID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, projectPayload(project))
}

func (s *HTTPServer) handleGetLayout(w http.ResponseWriter, r *http.Request, projectID string) {
	snap, err := s.service.LayoutSnapshot(r.Context(), projectID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleApplyDelta(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		Delta           layout.Delta `json:"delta"`
		ExpectedVersion int64        `json:"expectedVersion"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.ApplyDelta(r.Context(), projectID, requestUser(r), body.Delta, body.ExpectedVersion)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (s *HTTPServer) handleConvert(w http.ResponseWriter, r *http.Request, projectID string) {
	feetRaw := strings.TrimSpace(r.URL.Query().Get("feet"))
	canvasRaw := strings.TrimSpace(r.URL.Query().Get("canvas"))
	if (feetRaw == "") == (canvasRaw == "") {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "exactly one of feet or canvas is required", nil)
		return
	}

	if feetRaw != "" {
		feet, err := strconv.ParseFloat(feetRaw, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "feet must be a number", nil)
			return
		}
		canvas, err := s.service.FeetToCanvas(r.Context(), projectID, feet)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feet": feet, "canvas": canvas})
		return
	}

	canvas, err := strconv.ParseFloat(canvasRaw, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "canvas must be a number", nil)
		return
	}
	feet, err := s.service.CanvasToFeet(r.Context(), projectID, canvas)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feet": feet, "canvas": canvas})
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		DocID       string          `json:"docId"`
		Extractions []qc.Extraction `json:"extractions"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	results, err := s.service.ImportExtractions(r.Context(), projectID, body.DocID, requestUser(r), body.Extractions)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	accepted := 0
	flagged := 0
	failed := 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
		case res.Record.RequiresReview:
			flagged++
		default:
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"accepted": accepted,
		"flagged":  flagged,
		"failed":   failed,
	})
}

func (s *HTTPServer) handleImportPayload(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	url, err := s.service.ExtractionPayloadURL(r.Context(), projectID, docID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) handleReviewQueue(w http.ResponseWriter, r *http.Request, projectID string) {
	records, err := s.service.ReviewQueue(r.Context(), projectID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if records == nil {
		records = []qc.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, projectID string) {
	entries, err := s.service.ActiveEditors(r.Context(), projectID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"editors": entries})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, projectID string) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.LayoutHistory(r.Context(), projectID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": items})
}

func (s *HTTPServer) handleHistoryAt(w http.ResponseWriter, r *http.Request, projectID, hash string) {
	snap, err := s.service.LayoutAt(r.Context(), projectID, hash)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handlePanelRecords(w http.ResponseWriter, r *http.Request, projectID, panelID string) {
	records, err := s.service.PanelRecords(r.Context(), projectID, panelID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleAddManualRecord(w http.ResponseWriter, r *http.Request, projectID, panelID string) {
	var body struct {
		Domain qc.Domain      `json:"domain"`
		Fields map[string]any `json:"fields"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rec, err := s.service.AddManualRecord(r.Context(), projectID, panelID, body.Domain, body.Fields, requestUser(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *HTTPServer) handleRightNeighbor(w http.ResponseWriter, r *http.Request, projectID, panelID string) {
	peek, err := s.service.RightNeighbor(r.Context(), projectID, panelID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"neighbor": peek})
}

func (s *HTTPServer) handlePanelReport(w http.ResponseWriter, r *http.Request, projectID, panelID string) {
	result, err := s.service.ExportPanelReport(r.Context(), projectID, panelID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}
	response := s.service.Search(search.Query{
		Text:            q,
		FilterType:      search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
		FilterProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
		FilterDomain:    strings.TrimSpace(r.URL.Query().Get("domain")),
		Limit:           limit,
		Offset:          offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"scale":     p.Scale,
		"width":     p.Width,
		"height":    p.Height,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
}

func projectPayloads(projects []store.Project) []map[string]any {
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectPayload(p))
	}
	return out
}

// requestUser reads the caller identity set by the auth gateway.
func requestUser(r *http.Request) string {
	user := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if user == "" {
		return "anonymous"
	}
	return user
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// Websocket upgrades need the raw ResponseWriter for hijacking.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var conflict *layout.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "Layout version conflict", map[string]any{
			"expected": conflict.Expected,
			"current":  conflict.Current,
			"snapshot": conflict.Snapshot,
		}
	}
	switch {
	case errors.Is(err, layout.ErrInvalidGeometry):
		return http.StatusUnprocessableEntity, "INVALID_GEOMETRY", err.Error(), nil
	case errors.Is(err, geo.ErrInvalidScale):
		return http.StatusUnprocessableEntity, "INVALID_SCALE", err.Error(), nil
	case errors.Is(err, layout.ErrDuplicatePanelID):
		return http.StatusConflict, "DUPLICATE_PANEL_ID", err.Error(), nil
	case errors.Is(err, layout.ErrDuplicatePatchID):
		return http.StatusConflict, "DUPLICATE_PATCH_ID", err.Error(), nil
	case errors.Is(err, qc.ErrUnknownDomain):
		return http.StatusUnprocessableEntity, "UNKNOWN_DOMAIN", err.Error(), nil
	case errors.Is(err, layout.ErrUnknownOp):
		return http.StatusUnprocessableEntity, "UNKNOWN_OP", err.Error(), nil
	case errors.Is(err, layout.ErrPanelNotFound),
		errors.Is(err, layout.ErrPatchNotFound),
		errors.Is(err, layout.ErrProjectNotFound),
		errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
