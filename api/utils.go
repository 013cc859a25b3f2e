package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"castellan/core"
	"castellan/storage"

	"go.uber.org/zap"
)

const maxErrorMessageLength = 512

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var (
	connectionStringPattern = regexp.MustCompile(`(?:sqlite|redis|nats)://[^\s"']+`)
	credentialPattern       = regexp.MustCompile(`(?i)(password|secret|token)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage removes connection strings and credentials from
// messages returned to clients
func sanitizeErrorMessage(message string) string {
	message = connectionStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = credentialPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrKeyNotFound),
		errors.Is(err, core.ErrInstanceNotFound),
		errors.Is(err, core.ErrClaimNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrDeadLettered):
		return http.StatusConflict
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindConflict:
		return http.StatusConflict
	case core.KindCapacity:
		return http.StatusServiceUnavailable
	case core.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err in full and writes a sanitized JSON error
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *zap.SugaredLogger) {
	status := statusFor(err)
	requestID := RequestID(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Errorw("Request failed", "request_id", requestID, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debugw("Request rejected", "request_id", requestID, "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	resp := ErrorResponse{Error: sanitizeErrorMessage(err.Error()), RequestID: requestID}
	if k := core.KindOf(err); k != 0 {
		resp.Kind = k.String()
	}
	writeJSON(w, status, resp)
}

// writeErrorMessage writes a plain JSON error with no underlying error value
func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads one JSON document into v. Malformed bodies are
// validation errors.
func decodeJSON(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.ValidationError("decode body", fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return core.ValidationError("decode body", err)
	}
	if len(data) == 0 {
		return core.ValidationError("decode body", errors.New("empty request body"))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ValidationError("decode body", fmt.Errorf("invalid JSON: %v", err))
	}
	return nil
}

// queryInt parses an optional non-negative integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.ValidationError("query "+name, fmt.Errorf("%s must be a non-negative integer", name))
	}
	return n, nil
}
