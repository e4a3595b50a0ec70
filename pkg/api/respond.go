package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/malbeclabs/contextgraph/pkg/errs"
)

var errorCodes = map[int]string{
	http.StatusBadRequest:          "INVALID_ARGUMENT",
	http.StatusUnauthorized:        "UNAUTHENTICATED",
	http.StatusForbidden:           "PERMISSION_DENIED",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusConflict:            "CONFLICT",
	http.StatusTooManyRequests:     "RATE_LIMITED",
	http.StatusServiceUnavailable:  "DEPENDENCY_UNAVAILABLE",
	http.StatusGatewayTimeout:      "TIMEOUT",
	http.StatusInternalServerError: "INTERNAL",
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	code, ok := errorCodes[status]
	if !ok {
		code = "UNKNOWN"
	}
	retryable := status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:      code,
		Message:   message,
		Retryable: retryable,
		RequestID: requestID(r),
	}})
}

// writeServiceError maps a service error onto a status by its kind.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.KindValidation:
			writeError(w, r, http.StatusBadRequest, e.Message)
			return
		case errs.KindAuth:
			writeError(w, r, http.StatusUnauthorized, e.Message)
			return
		case errs.KindForbidden:
			writeError(w, r, http.StatusForbidden, e.Message)
			return
		case errs.KindNotFound:
			writeError(w, r, http.StatusNotFound, e.Message)
			return
		case errs.KindConflict:
			writeError(w, r, http.StatusConflict, e.Message)
			return
		}
	}
	s.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r), "error", err)
	writeError(w, r, http.StatusInternalServerError, "Internal error.")
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return "req_unknown"
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}
