package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/workbench/simengine/internal/model"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeRiskCheckFail, model.CodeStaleRiskCheck, model.CodeIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

// writeError writes err as {"error","code"}. Internal errors are logged and
// their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if code == model.CodeInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	} else if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	} else {
		slog.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", model.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", model.ErrValidation, err)
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrValidation, key)
	}
	return n, nil
}

// actor identifies the caller for the audit log.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}
