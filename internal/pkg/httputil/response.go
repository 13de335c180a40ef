package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/bulk-verifier/internal/pkg/logger"
)

// MaxBodyBytes caps request bodies read by Decode. A submit of 100k
// addresses is roughly 3 MB of JSON.
var MaxBodyBytes int64 = 8 << 20

// ErrorResponse is the error envelope of every API failure. Code is stable
// and machine-readable; Error is for humans.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var defaultCodes = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusPaymentRequired:       "insufficient_credits",
	http.StatusNotFound:              "not_found",
	http.StatusConflict:              "conflict",
	http.StatusRequestEntityTooLarge: "body_too_large",
	http.StatusInternalServerError:   "internal",
}

// JSON writes data as JSON with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("httputil: JSON encode failed", "error", err)
	}
}

func OK(w http.ResponseWriter, data any)       { JSON(w, http.StatusOK, data) }
func Created(w http.ResponseWriter, data any)  { JSON(w, http.StatusCreated, data) }
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }

func NoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }

// Error writes the envelope with the default code for status.
func Error(w http.ResponseWriter, status int, message string) {
	code, ok := defaultCodes[status]
	if !ok {
		code = "error"
	}
	ErrorCode(w, status, code, message)
}

// ErrorCode writes the envelope with an explicit code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string)      { Error(w, http.StatusBadRequest, message) }
func NotFound(w http.ResponseWriter, message string)        { Error(w, http.StatusNotFound, message) }
func Conflict(w http.ResponseWriter, message string)        { Error(w, http.StatusConflict, message) }
func PaymentRequired(w http.ResponseWriter, message string) { Error(w, http.StatusPaymentRequired, message) }

// InternalError logs err and answers a generic 500; internals never reach
// the client.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("httputil: internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads a JSON body of at most MaxBodyBytes into dst. On failure it
// writes a 400 (or 413) and returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.Is(err, io.EOF):
		ErrorCode(w, http.StatusBadRequest, "empty_body", "request body is required")
	default:
		ErrorCode(w, http.StatusBadRequest, "invalid_json", "invalid JSON: "+err.Error())
	}
	return false
}
