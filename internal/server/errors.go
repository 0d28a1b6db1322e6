package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shouta0715/ripples-api/internal/room"
	"github.com/shouta0715/ripples-api/internal/session"
	"github.com/shouta0715/ripples-api/pkg/blob"
)

type messageBody struct {
	Message string `json:"message"`
}

type successBody struct {
	Success bool `json:"success"`
}

var success = successBody{Success: true}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to write response", slog.Any("error", err))
	}
}

// statusOf maps a room or store error to an HTTP status.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, blob.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAdminNotConnected):
		return http.StatusConflict
	case errors.Is(err, room.ErrRoomFull):
		return http.StatusTooManyRequests
	case errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, room.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := http.StatusText(status)

	var se *session.Error
	if errors.As(err, &se) && status < http.StatusInternalServerError {
		msg = se.Message
	} else if status < http.StatusInternalServerError {
		msg = err.Error()
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		a.logger.Debug("Request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	a.writeJSON(w, status, messageBody{Message: msg})
}
