package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/middleware"
	"github.com/rs/zerolog/log"
)

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorResponse writes err as a JSON error body. Validation errors carry
// their field map. 5xx errors are logged with the request id; internal
// details are never sent.
func ErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)

	if status >= http.StatusInternalServerError {
		middleware.GetLogger(r.Context()).Error().
			Err(err).
			Str("op", domain.ErrorOp(err)).
			Str("code", code).
			Msg("request failed")
	}

	WriteJSON(w, status, errorBody{Error: errorDetail{
		Code:    code,
		Message: domain.ErrorMessage(err),
		Fields:  domain.GetValidationFields(err),
	}})
}

// NotFoundResponse writes a 404.
func NotFoundResponse(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: domain.ENOTFOUND, Message: "Not found"}})
}

// MethodNotAllowedResponse writes a 405 listing the allowed methods.
func MethodNotAllowedResponse(w http.ResponseWriter, r *http.Request, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
		Code:    domain.EINVALID,
		Message: r.Method + " is not allowed on " + r.URL.Path,
	}})
}

// InternalErrorResponse logs err and writes a generic 500, whatever err's code.
func InternalErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		middleware.GetLogger(r.Context()).Error().
			Err(err).
			Str("op", domain.ErrorOp(err)).
			Msg("internal error")
	}
	WriteJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: domain.EINTERNAL, Message: domain.GenericMessage}})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
