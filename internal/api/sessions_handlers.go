package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"stream-orchestrator/internal/artifacts"
	"stream-orchestrator/internal/contracts"
	"stream-orchestrator/internal/history"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/session"
	"stream-orchestrator/internal/supervisor"
)

type beginSessionRequest struct {
	StreamKey   string `json:"streamKey"`
	OwnerID     string `json:"ownerId"`
	Quality     string `json:"quality"`
	SourceWidth int    `json:"sourceWidth"`
}

type heartbeatRequest struct {
	ViewerCount int `json:"viewerCount"`
}

type historyResponse struct {
	StreamKey string           `json:"streamKey"`
	Records   []history.Record `json:"records"`
}

type artifactsResponse struct {
	StreamKey  string            `json:"streamKey"`
	TotalBytes int64             `json:"totalBytes"`
	Files      []artifacts.Entry `json:"files"`
}

func (h *Handler) BeginSession(w http.ResponseWriter, r *http.Request) {
	var req beginSessionRequest
	if err := decodeBody(w, r, contracts.SessionBegin, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.sessions.BeginSession(r.Context(), session.BeginRequest{
		StreamKey:        strings.TrimSpace(req.StreamKey),
		OwnerID:          strings.TrimSpace(req.OwnerID),
		RequestedQuality: strings.TrimSpace(req.Quality),
		SourceWidth:      req.SourceWidth,
		Source:           models.SourceRTMP,
	})
	if err != nil {
		h.requestLogger(r).Info("begin session rejected", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions returns active sessions; ?all=true includes ended sessions
// still waiting for cleanup.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.ListActive()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		sessions = h.sessions.List()
	}
	if sessions == nil {
		sessions = []models.StreamSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetSession(chi.URLParam(r, "streamKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// StopSession ends the session and answers 202 with the snapshot. The job
// is killed in the background and cleanup starts once it exits.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	if err := h.sessions.RequestStop(key); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.sessions.GetSession(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

func (h *Handler) RestartSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.RestartSession(r.Context(), chi.URLParam(r, "streamKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(w, r, contracts.SessionHeartbeat, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.sessions.Heartbeat(chi.URLParam(r, "streamKey"), req.ViewerCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	if err := models.ValidateStreamKey(key); err != nil {
		writeError(w, err)
		return
	}
	if h.history == nil {
		writeErrorStatus(w, http.StatusNotFound, "history_disabled", "session history is not configured")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, models.Errorf(models.ErrInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	records, err := h.history.List(r.Context(), key, limit)
	if err != nil {
		h.requestLogger(r).Error("list session history", "error", err)
		writeError(w, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{StreamKey: key, Records: records})
}

func (h *Handler) SessionArtifacts(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	if err := models.ValidateStreamKey(key); err != nil {
		writeError(w, err)
		return
	}
	if h.artifacts == nil {
		writeErrorStatus(w, http.StatusNotFound, "not_found", "artifact listing is not configured")
		return
	}
	files, err := h.artifacts.List(key)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := artifactsResponse{StreamKey: key, Files: files}
	if resp.Files == nil {
		resp.Files = []artifacts.Entry{}
	}
	for _, f := range files {
		resp.TotalBytes += f.Size
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeErrorStatus(w, http.StatusNotFound, "not_found", "job listing is not configured")
		return
	}
	jobs := h.jobs.List()
	if jobs == nil {
		jobs = []supervisor.TranscodeJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}
