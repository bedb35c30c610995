package api

import (
	"context"
	"net/http"
)

// HealthCheck checks one dependency for /healthz.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.HealthChecks))
	for _, check := range h.HealthChecks {
		if check.Ping == nil {
			continue
		}
		components = append(components, recordComponent(check.Component, check.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports the status of every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
