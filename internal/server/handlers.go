package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/escalation"
	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
	"github.com/leadgov-io/warden/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		roles := make([]string, 0)
		for _, ro := range s.registry.Roles() {
			roles = append(roles, string(ro))
		}
		resp["components"] = map[string]interface{}{
			"audit_store":     "ok",
			"active_sessions": s.sessions.Count(),
			"profiles":        roles,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionCreateRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "phone is required")
		return
	}

	sess, err := s.sessions.Bind(r.Context(), req.Phone)
	if err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			writeError(w, http.StatusInternalServerError, "profile_missing", err.Error())
			return
		}
		log.Error().Err(err).Func(wardenotel.LogTraceFields(r.Context())).Msg("session_bind_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	reply, err := s.sessions.HandleMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found", err.Error())
		case errors.Is(err, session.ErrRateLimited):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
		case errors.Is(err, audit.ErrAuditWrite):
			log.Error().Err(err).Str("session_id", sessionID).Func(wardenotel.LogTraceFields(r.Context())).Msg("audit_write_error")
			writeError(w, http.StatusServiceUnavailable, "audit_unavailable", "message not processed: audit trail unavailable")
		default:
			log.Error().Err(err).Str("session_id", sessionID).Func(wardenotel.LogTraceFields(r.Context())).Msg("message_error")
			writeError(w, http.StatusBadGateway, "generation_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.sessions.Logout(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	violationsOnly := r.URL.Query().Get("violations_only") == "true"

	entries, err := s.auditStore.Tail(r.Context(), afterSeq, limit, violationsOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleAuditSession(w http.ResponseWriter, r *http.Request) {
	entries, err := s.auditStore.ListBySession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": ok})
}

type mismatchRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Phone       string `json:"phone"`
	CurrentRole string `json:"current_role"`
	ClaimedRole string `json:"claimed_role"`
	Note        string `json:"note,omitempty"`
}

func (s *Server) handleMismatchReport(w http.ResponseWriter, r *http.Request) {
	var req mismatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "phone is required")
		return
	}
	claimed, err := role.Parse(req.ClaimedRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	report := &escalation.MismatchReport{
		SessionID:   req.SessionID,
		Phone:       req.Phone,
		CurrentRole: role.Role(req.CurrentRole),
		ClaimedRole: claimed,
		Note:        req.Note,
	}
	if err := s.escalations.ReportMismatch(r.Context(), report); err != nil {
		log.Error().Err(err).Str("phone", req.Phone).Func(wardenotel.LogTraceFields(r.Context())).Msg("mismatch_report_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleMismatchList(w http.ResponseWriter, r *http.Request) {
	reports, err := s.escalations.ListOpen(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

type correctionRequest struct {
	ReportID string `json:"report_id"`
}

func (s *Server) handleCorrectionApply(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.ReportID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "report_id is required")
		return
	}

	report, err := s.escalations.ApplyCorrection(r.Context(), req.ReportID)
	if err != nil {
		writeError(w, http.StatusConflict, "correction_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
