package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ajiaco/internal/adapters/exports"
	"ajiaco/internal/blob"
	"ajiaco/internal/core"
	"ajiaco/internal/entitymodel"
	"ajiaco/internal/live"
	"ajiaco/internal/table"
	"ajiaco/pkg/domain"
)

var codec = sonic.ConfigStd

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func decodeBody(r *http.Request, v any) error {
	if err := codec.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps service errors to HTTP statuses; fallback is used for
// anything unrecognised.
func statusFor(err error, fallback int) int {
	var notFound domain.ErrNotFound
	var violation domain.RuleViolationError
	var integrity *table.IntegrityError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &integrity):
		return http.StatusInternalServerError
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrStageExited):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnknownField),
		errors.Is(err, core.ErrInvalidStage),
		errors.Is(err, domain.ErrReadOnlyField),
		errors.Is(err, domain.ErrFieldType),
		errors.Is(err, domain.ErrReservedField):
		return http.StatusBadRequest
	default:
		return fallback
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	status := statusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) render(w http.ResponseWriter, page string, data map[string]any) {
	data["Name"] = s.name
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages[page].ExecuteTemplate(w, "layout", data); err != nil {
		s.log.Error("render page", zap.String("page", page), zap.Error(err))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	s.render(w, "sessions", map[string]any{"Title": "Sessions", "Sessions": sessions})
}

func (s *Server) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	// read before rendering so updates committed meanwhile are replayed
	seq := s.hub.Seq(code)
	tbl, err := s.svc.Render(r.Context(), code)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	s.render(w, "session", map[string]any{
		"Title":       "Session " + code,
		"Table":       tbl,
		"Seq":         seq,
		"HighlightMS": s.highlight.Milliseconds(),
	})
}

func (s *Server) handleSessionTable(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	seq := s.hub.Seq(code)
	tbl, err := s.svc.Render(r.Context(), code)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": seq, "table": tbl})
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	format, err := exports.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	tbl, err := s.svc.Render(r.Context(), code)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", code+"."+string(format)))
	if err := exports.Write(w, format, tbl); err != nil {
		s.log.Error("write export", zap.String("session", code), zap.Error(err))
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := s.svc.Aggregate(r.Context(), code); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}
	live.ServeWS(s.hub, s.log, w, r, code, since)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var spec core.SessionSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agg, res, err := s.svc.CreateSession(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session":    agg.Session,
		"subjects":   agg.Subjects,
		"rounds":     len(agg.Rounds),
		"violations": res.Violations,
	})
}

type setFieldsRequest struct {
	Model   domain.EntityType `json:"model"`
	ModelID int64             `json:"model_id"`
	Fields  map[string]any    `json:"fields"`
}

func (s *Server) handleSetFields(w http.ResponseWriter, r *http.Request) {
	var req setFieldsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model == "" || req.ModelID <= 0 || len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "model, model_id and fields are required")
		return
	}
	models, err := entitymodel.Models()
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if !slices.Contains(models, string(req.Model)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("model must be one of %v", models))
		return
	}
	record, res, err := s.svc.SetFields(r.Context(), chi.URLParam(r, "code"), req.Model, req.ModelID, req.Fields)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":      record.Entity(),
		"model_id":   record.RecordID(),
		"fields":     record.Fields(),
		"violations": res.Violations,
	})
}

type exportRequest struct {
	Formats []exports.Format `json:"formats"`
}

func (s *Server) handleEnqueueExport(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req exportRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if _, err := s.svc.Aggregate(r.Context(), code); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	record, err := s.exports.Enqueue(r.Context(), exports.Input{Session: code, Formats: req.Formats, RequestedBy: r.RemoteAddr})
	switch {
	case errors.Is(err, exports.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
}

func (s *Server) handleListStoredExports(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := s.svc.Aggregate(r.Context(), code); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	stored, err := s.exports.Stored(r.Context(), code)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": stored})
}

type enterStageRequest struct {
	RoleID   int64  `json:"role_id"`
	StageIdx int    `json:"stage_idx"`
	Timeout  string `json:"timeout"`
}

func (s *Server) handleEnterStage(w http.ResponseWriter, r *http.Request) {
	var req enterStageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleID <= 0 {
		writeError(w, http.StatusBadRequest, "role_id is required")
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout: %v", err))
			return
		}
		timeout = d
	}
	history, err := s.svc.EnterStage(r.Context(), chi.URLParam(r, "code"), req.RoleID, req.StageIdx, timeout)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"stage": history})
}

func (s *Server) handleExitStage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "stage id must be a positive integer")
		return
	}
	history, err := s.svc.ExitStage(r.Context(), chi.URLParam(r, "code"), id)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": history})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	record, ok := s.exports.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	record, ok := s.exports.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	format, err := exports.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	artifact, ok := record.Artifact(format)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("export is %s", record.Status))
		return
	}
	if url, err := s.exports.PresignURL(r.Context(), artifact); err == nil {
		http.Redirect(w, r, url, http.StatusFound)
		return
	} else if !errors.Is(err, blob.ErrUnsupported) {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	rc, err := s.exports.Open(r.Context(), artifact)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.Session+"."+string(format)))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("stream export", zap.String("export", record.ID), zap.Error(err))
	}
}
