package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/service"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}

// Unauthorized is the rejection used by the bearer middleware.
func Unauthorized(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusUnauthorized, service.ErrUnauthenticated.Error())
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAlreadyClaimed), errors.Is(err, service.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, service.ErrTokenAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, service.ErrProfessorNotFound):
		return http.StatusNotFound
	}
	switch service.KindOf(err) {
	case service.KindMalformed, service.KindCycleMismatch, service.KindQuotaExceeded:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err. Only messages of known service errors reach the client.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error(op+" failed", zap.Stringer("kind", service.KindOf(err)), zap.Error(err))
		writeError(w, status, service.ErrInternal.Error())
		return
	}
	var se *service.Error
	msg := service.ErrInternal.Error()
	if errors.As(err, &se) {
		msg = se.Msg
		if se.Kind == service.KindMalformed {
			msg = err.Error()
		}
	}
	writeError(w, status, msg)
}
