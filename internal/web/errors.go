package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/apperr"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
	Stack   string   `json:"stack,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrPathTraversal):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError maps an error kind to its status code and writes the display-safe
// message. Internal errors are logged with the cause; the cause reaches the
// client only in development mode.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: apperr.Message(err)}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	if s.dev && status >= http.StatusInternalServerError {
		body.Stack = err.Error() + "\n" + string(debug.Stack())
	}

	var rl *rateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.retryAfter/time.Second)+1))
	}

	writeJSON(w, status, body)
}

// rateLimitError carries the retry hint alongside the RateLimited kind.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return "rate limited" }

func (e *rateLimitError) Is(target error) bool { return target == apperr.ErrRateLimited }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a request body, rejecting unknown garbage with a
// Validation error.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.ErrValidation, "Invalid request body", err)
	}
	return nil
}
