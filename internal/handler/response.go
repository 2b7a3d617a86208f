package handler

// RESPONSE HELPERS:
// Every response from the API is wrapped in an envelope so clients can
// parse success and failure the same way:
//
//	success: {"statusCode": 200, "data": {...}, "message": "...", "success": true}
//	failure: {"statusCode": 404, "message": "User does not exist", "success": false, "errors": []}
//
// Handlers never write status codes themselves. They call writeSuccess or
// WriteError, and WriteError is the single place where domain errors turn
// into HTTP statuses.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/user-accounts/internal/apperror"
)

// Envelope is the success response shape.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Data       any    `json:"data"`
	Message    string `json:"message"`
	Success    bool   `json:"success"`
}

// ErrorEnvelope is the failure response shape. Errors is never null.
type ErrorEnvelope struct {
	StatusCode int          `json:"statusCode"`
	Message    string       `json:"message"`
	Success    bool         `json:"success"`
	Errors     []FieldError `json:"errors"`
}

// FieldError points at the input field that caused a validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeJSON sends a JSON response with the given status code.
// Headers and status go out before the body, so encoding errors can only be logged.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

func writeSuccess(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, Envelope{
		StatusCode: status,
		Data:       data,
		Message:    message,
		Success:    true,
	})
}

// WriteError maps err to a status code and sends the failure envelope.
//
// Only *apperror.AppError messages reach the client. Anything else is an
// unexpected failure: it is logged and answered with a generic 500, because
// raw error text may contain SQL, file paths or other internals.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		slog.Error("unhandled error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorEnvelope{
			StatusCode: http.StatusInternalServerError,
			Message:    "An internal error occurred",
			Errors:     []FieldError{},
		})
		return
	}

	status := apperror.StatusCode(err)
	out := ErrorEnvelope{
		StatusCode: status,
		Message:    appErr.Message,
		Errors:     []FieldError{},
	}
	if appErr.Field != "" {
		out.Errors = append(out.Errors, FieldError{Field: appErr.Field, Message: appErr.Message})
	}
	writeJSON(w, status, out)
}

// decodeJSON reads a single JSON object of at most limit bytes into dst.
// Unknown fields, trailing data and oversized bodies are BadRequest.
// An empty body yields errEmptyBody so callers may treat it as optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		var syntax *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &tooLarge):
			return apperror.BadRequest(fmt.Sprintf("Request body must not exceed %d bytes", limit))
		case errors.As(err, &syntax), errors.Is(err, io.ErrUnexpectedEOF):
			return apperror.BadRequest("Request body contains malformed JSON")
		case errors.As(err, &typeErr):
			return apperror.ValidationFailed(typeErr.Field, fmt.Sprintf("Field %q has the wrong type", typeErr.Field))
		default:
			return apperror.BadRequest("Invalid JSON body")
		}
	}
	if dec.More() {
		return apperror.BadRequest("Request body must contain a single JSON object")
	}
	return nil
}

var errEmptyBody = apperror.BadRequest("Request body is required")
