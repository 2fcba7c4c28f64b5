package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/glkvm-cloud/device-console/internal/domain"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}

// decodeJSON writes a 400 and returns false when the body is not valid JSON.
// An empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.log.ErrorObj("request failed", "http_error", map[string]any{
		"op":    op,
		"error": msg,
	})
	writeError(w, http.StatusInternalServerError, op+" failed")
}
