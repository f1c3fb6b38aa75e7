package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/goodtune/kfocus/internal/enforce"
	"github.com/goodtune/kfocus/internal/usage"
)

const maxBodySize = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// StatusResponse reports enforcement and session state.
type StatusResponse struct {
	enforce.Status
	Sessions int `json:"sessions"`
}

// DomainsResponse lists the tracked domains by source.
type DomainsResponse struct {
	Defaults []string `json:"defaults"`
	Custom   []string `json:"custom"`
}

// DomainsRequest replaces the custom domain list.
type DomainsRequest struct {
	Custom []string `json:"custom"`
}

// WindowResponse describes the persisted policy window.
type WindowResponse struct {
	FocusUntil       int64 `json:"focus_until"`
	ClassUntil       int64 `json:"class_until"`
	Active           bool  `json:"active"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// StartWindowRequest starts a window. Minutes defaults to 25.
type StartWindowRequest struct {
	Minutes *int `json:"minutes"`
}

// RulesResponse lists the rules currently evaluated by the surface.
type RulesResponse struct {
	Rules []enforce.Rule `json:"rules"`
}

// SessionsResponse lists the open visible sessions.
type SessionsResponse struct {
	Sessions []usage.Session `json:"sessions"`
}

// ContextRemovedRequest signals a closed context.
type ContextRemovedRequest struct {
	Context string `json:"context"`
}

// ContainerRemovedRequest signals a closed container. An empty container
// matches every session.
type ContainerRemovedRequest struct {
	Container string `json:"container"`
}

// IdleRequest signals a device idle state change.
type IdleRequest struct {
	State string `json:"state"`
}

// SignalResponse reports how many sessions a signal stopped.
type SignalResponse struct {
	Stopped int `json:"stopped"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
