package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status         string            `json:"status"`
	ActiveSessions int               `json:"activeSessions"`
	Components     []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.health))
	for _, check := range h.health {
		if check.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check.Check(checkCtx)
		cancel()
		status := componentStatus{Component: check.Name, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

// Health reports every configured component. Any failing component makes
// the whole response degraded with a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	resp := healthResponse{Status: status, Components: components}
	if h.sessions != nil {
		resp.ActiveSessions = len(h.sessions.ListActive())
	}
	writeJSON(w, code, resp)
}
