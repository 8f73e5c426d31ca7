// Package gateway is the ingress edge: middleware pipeline, route table,
// upstream proxying and the locally-served operational endpoints.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courtflow/courtflow/internal/apperr"
)

// envelope is the uniform response shape.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *errorBody  `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Window  string   `json:"window,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// respondData wraps a payload in the success envelope.
func respondData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError maps any error to the failure envelope via the taxonomy.
// Untyped errors become a generic 500; their detail stays in the logs.
func respondError(w http.ResponseWriter, err error) {
	status := apperr.StatusOf(err)
	body := errorBody{Code: apperr.CodeOf(err), Message: "internal server error"}
	if typed := apperr.As(err); typed != nil {
		body.Message = typed.Message
		body.Window = typed.Window
		body.Reasons = typed.Reasons
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     &body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondCode emits a failure envelope with an explicit status and code.
func respondCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     &errorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
