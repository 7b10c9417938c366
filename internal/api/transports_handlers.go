package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"

	"stream-orchestrator/internal/contracts"
	"stream-orchestrator/internal/models"
	"stream-orchestrator/internal/negotiator"
)

type createTransportRequest struct {
	StreamKey string          `json:"streamKey"`
	Role      negotiator.Role `json:"role"`
}

type connectTransportRequest struct {
	DTLSParameters negotiator.DTLSParameters `json:"dtlsParameters"`
}

type produceRequest struct {
	Kind          negotiator.MediaKind     `json:"kind"`
	RTPParameters negotiator.RTPParameters `json:"rtpParameters"`
}

type produceResponse struct {
	ID string `json:"id"`
}

type consumeRequest struct {
	ProducerID      string                     `json:"producerId"`
	RTPCapabilities negotiator.RTPCapabilities `json:"rtpCapabilities"`
}

type candidateRequest struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type localCandidateRequest struct {
	Candidate negotiator.ICECandidate `json:"candidate"`
}

func (h *Handler) CreateTransport(w http.ResponseWriter, r *http.Request) {
	var req createTransportRequest
	if err := decodeBody(w, r, contracts.TransportCreate, &req); err != nil {
		writeError(w, err)
		return
	}
	params, err := h.transports.CreateTransport(r.Context(), strings.TrimSpace(req.StreamKey), req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, params)
}

// ListTransports returns open transports, filtered by ?streamKey= when set.
func (h *Handler) ListTransports(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("streamKey"))
	if key != "" {
		if err := models.ValidateStreamKey(key); err != nil {
			writeError(w, err)
			return
		}
	}
	transports := h.transports.Transports(key)
	if transports == nil {
		transports = []negotiator.TransportInfo{}
	}
	writeJSON(w, http.StatusOK, transports)
}

func (h *Handler) GetTransport(w http.ResponseWriter, r *http.Request) {
	info, err := h.transports.Transport(chi.URLParam(r, "transportID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) ConnectTransport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transportID")
	var req connectTransportRequest
	if err := decodeBody(w, r, contracts.TransportConnect, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.transports.ConnectTransport(r.Context(), id, req.DTLSParameters); err != nil {
		h.requestLogger(r).Warn("transport connect failed", "transport_id", id, "error", err)
		writeError(w, err)
		return
	}
	info, err := h.transports.Transport(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) Produce(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := decodeBody(w, r, contracts.TransportProduce, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.transports.Produce(r.Context(), chi.URLParam(r, "transportID"), req.Kind, req.RTPParameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, produceResponse{ID: id})
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeBody(w, r, contracts.TransportConsume, &req); err != nil {
		writeError(w, err)
		return
	}
	params, err := h.transports.Consume(r.Context(), negotiator.ConsumeRequest{
		TransportID:     chi.URLParam(r, "transportID"),
		ProducerID:      req.ProducerID,
		RTPCapabilities: req.RTPCapabilities,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, params)
}

func (h *Handler) AddCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if err := decodeBody(w, r, contracts.ICECandidate, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.transports.AddRemoteCandidate(chi.URLParam(r, "transportID"), req.Candidate); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EngineCandidate takes a local candidate the media engine gathered after
// the transport was created. It is relayed to the peer as one iceCandidate
// push.
func (h *Handler) EngineCandidate(w http.ResponseWriter, r *http.Request) {
	var req localCandidateRequest
	if err := decodeBody(w, r, contracts.LocalCandidate, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.transports.AddLocalCandidate(chi.URLParam(r, "transportID"), req.Candidate); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CloseTransport(w http.ResponseWriter, r *http.Request) {
	if err := h.transports.CloseTransport(chi.URLParam(r, "transportID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResumeConsumer(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, h.transports.Resume(r.Context(), chi.URLParam(r, "consumerID")))
}

func (h *Handler) PauseConsumer(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, h.transports.PauseConsumer(r.Context(), chi.URLParam(r, "consumerID")))
}

func (h *Handler) PauseProducer(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, h.transports.PauseProducer(r.Context(), chi.URLParam(r, "producerID")))
}

func (h *Handler) ResumeProducer(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, h.transports.ResumeProducer(r.Context(), chi.URLParam(r, "producerID")))
}

func (h *Handler) RouterCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.transports.RouterCapabilities())
}

// Signal upgrades to the signaling socket for ?streamKey=.
func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	if h.signaling == nil {
		writeErrorStatus(w, http.StatusNotFound, "not_found", "signaling is not configured")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("streamKey"))
	if err := models.ValidateStreamKey(key); err != nil {
		writeError(w, err)
		return
	}
	h.signaling.HandleConnection(w, r, key)
}

func (h *Handler) noContent(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
