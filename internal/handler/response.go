package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"lending-api/internal/service"
	"lending-api/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// responder holds the JSON helpers shared by every handler.
type responder struct {
	logger   *zap.Logger
	validate *validator.Validate
}

func newResponder(logger *zap.Logger) responder {
	return responder{logger: logger, validate: validator.New()}
}

// respondWithJSON sends a JSON response
func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h responder) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// decode reads a JSON body and runs struct validation on it.
func (h responder) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	return nil
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrDecryption):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrBlocked):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrExpired), errors.Is(err, service.ErrNotFound):
		return http.StatusGone
	case errors.Is(err, service.ErrContextMismatch), errors.Is(err, service.ErrPhoneMismatch):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidOTP):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrBureauUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrProfileNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
