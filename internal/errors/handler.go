package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler writes structured error responses
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// HandleError processes an error and writes the matching HTTP response
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	requestID := r.Header.Get("X-Request-ID")

	if code == ErrCodeInternal {
		h.logger.Error("internal error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	h.WriteErrorResponse(w, HTTPStatus(code), code, err.Error(), requestID)
}

// WriteValidationError writes an INVALID_REQUEST response
func (h *Handler) WriteValidationError(w http.ResponseWriter, message, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, message, requestID)
}

// WriteErrorResponse writes a JSON error response
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message, requestID string) {
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write error response", zap.Error(err))
	}
}
