package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Meshwork/internal/engine"
	"github.com/shaiso/Meshwork/internal/orchestrator"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse — {error: {code, message}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

// DataResponse — {data}.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — {data, total}.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON пишет value с кодом status.
func JSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// Success — 200 {data}.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Accepted — 202 {data}: задача принята, но ещё не выполнена.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List — 200 {data, total}.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error пишет {error} с кодом status.
func Error(w http.ResponseWriter, status int, detail ErrorDetail) {
	JSON(w, status, ErrorResponse{Error: detail})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrorDetail{Code: ErrCodeBadRequest, Message: message})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrorDetail{Code: ErrCodeNotFound, Message: message})
}

func MethodNotAllowed(w http.ResponseWriter) {
	Error(w, http.StatusMethodNotAllowed, ErrorDetail{Code: ErrCodeMethodNotAllow, Message: "method not allowed"})
}

// InternalError логирует err и отдаёт 500 без подробностей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrorDetail{Code: ErrCodeInternalError, Message: "internal server error"})
}

// serviceErrors сопоставляет ошибки orchestrator кодам ответа.
var serviceErrors = []struct {
	target error
	status int
	code   ErrorCode
}{
	{orchestrator.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{orchestrator.ErrAlreadyFinished, http.StatusConflict, ErrCodeConflict},
	{orchestrator.ErrNotTerminal, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{orchestrator.ErrNotChain, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{orchestrator.ErrOrchestratorStopped, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
}

// HandleServiceError пишет ответ для ошибки сервиса.
// Возвращает false, если err == nil.
func HandleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		Error(w, http.StatusBadRequest, ErrorDetail{Code: ErrCodeBadRequest, Message: verr.Error(), Field: verr.Field})
		return true
	}
	for _, e := range serviceErrors {
		if errors.Is(err, e.target) {
			Error(w, e.status, ErrorDetail{Code: e.code, Message: err.Error()})
			return true
		}
	}
	InternalError(w, logger, err)
	return true
}
