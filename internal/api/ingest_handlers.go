package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"stream-orchestrator/internal/contracts"
	"stream-orchestrator/internal/ingest"
)

type rtmpHookRequest struct {
	App    string `json:"app"`
	Name   string `json:"name"`
	Action string `json:"action"`
	Width  int    `json:"width"`

	// Quality optionally caps the ladder, e.g. from a ?quality= publish param.
	Quality string `json:"quality"`
}

type srsHookRequest struct {
	Action string `json:"action"`
	App    string `json:"app"`
	Stream string `json:"stream"`
	Param  string `json:"param,omitempty"`

	// SRS versions differ on whether client_id is a string or a number.
	ClientID json.RawMessage `json:"client_id,omitempty"`
}

func (r srsHookRequest) clientID() string {
	return strings.Trim(strings.TrimSpace(string(r.ClientID)), `"`)
}

// srsHookResponse is the body SRS expects to allow the callback.
type srsHookResponse struct {
	Code int `json:"code"`
}

// RTMPHook handles the publish webhook of an RTMP ingest server. Any non 2xx
// answer makes the ingest server drop the publisher.
func (h *Handler) RTMPHook(w http.ResponseWriter, r *http.Request) {
	var req rtmpHookRequest
	if err := decodeBody(w, r, contracts.IngestRTMP, &req); err != nil {
		writeError(w, err)
		return
	}
	action, ok := ingest.NormalizeAction(req.Action)
	if !ok {
		writeErrorStatus(w, http.StatusBadRequest, "invalid_request", "unknown action "+req.Action)
		return
	}
	s, err := h.ingest.Handle(r.Context(), ingest.Notification{
		App:         req.App,
		StreamKey:   req.Name,
		Action:      action,
		SourceWidth: req.Width,
		Quality:     req.Quality,
	})
	if err != nil {
		h.requestLogger(r).Warn("rtmp hook rejected", "action", action, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// SRSHook handles SRS HTTP callbacks. The callback name comes from the
// route; action and stream fall back to query parameters.
func (h *Handler) SRSHook(w http.ResponseWriter, r *http.Request) {
	var req srsHookRequest
	if err := decodeBody(w, r, contracts.IngestSRS, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}
	if req.App == "" {
		req.App = r.URL.Query().Get("app")
	}
	raw := chi.URLParam(r, "action")
	action, ok := ingest.NormalizeAction(raw)
	if !ok {
		writeErrorStatus(w, http.StatusNotFound, "not_found", "unknown callback "+raw)
		return
	}
	_, err := h.ingest.Handle(r.Context(), ingest.Notification{
		App:       req.App,
		StreamKey: strings.TrimSpace(req.Stream),
		Action:    action,
		ClientID:  req.clientID(),
	})
	if err != nil {
		h.requestLogger(r).Warn("srs hook rejected", "action", action, "stream", strings.TrimSpace(req.Stream), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srsHookResponse{Code: 0})
}
