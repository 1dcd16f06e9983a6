package httpserver

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the envelope of every JSON answer.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Response statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusOK        = "ok"
	StatusError     = "error"
)

func newResponse(status string, data any) Response {
	return Response{Status: status, Timestamp: time.Now().UTC(), Data: data}
}

// writeJSON writes data as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, newResponse(StatusOK, data))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	resp := newResponse(StatusError, nil)
	resp.Error = msg
	writeJSON(w, code, resp)
}
