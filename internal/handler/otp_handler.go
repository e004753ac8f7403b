package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lending-api/internal/encryption"
	"lending-api/internal/service"
	"lending-api/internal/util"
)

// OTPService is the part of service.OTPService the handler calls.
type OTPService interface {
	Request(ctx context.Context, input service.OTPRequestInput) (*service.OTPRequestResult, error)
	Verify(ctx context.Context, input service.OTPVerifyInput) (*service.OTPVerifyResult, error)
}

// OTPHandler handles HTTP requests for the OTP flow
type OTPHandler struct {
	responder
	otpService OTPService
}

func NewOTPHandler(otpService OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		responder:  newResponder(logger),
		otpService: otpService,
	}
}

type otpRequestBody struct {
	EncryptedPhone *encryption.EncryptedPayload `json:"encryptedPhone" validate:"required"`
	PhoneHash      string                       `json:"phoneHash" validate:"omitempty,hexadecimal,len=64"`
	Context        string                       `json:"context" validate:"omitempty,max=64"`
}

type otpVerifyBody struct {
	Token          string                       `json:"token" validate:"omitempty,hexadecimal,max=128"`
	OTPHash        string                       `json:"otpHash" validate:"omitempty,hexadecimal,len=64"`
	EncryptedToken *encryption.EncryptedPayload `json:"encryptedToken" validate:"omitempty"`
	EncryptedOTP   *encryption.EncryptedPayload `json:"encryptedOtp" validate:"omitempty"`
	EncryptedPhone *encryption.EncryptedPayload `json:"encryptedPhone" validate:"omitempty"`
	PhoneHash      string                       `json:"phoneHash" validate:"omitempty,hexadecimal,len=64"`
	Context        string                       `json:"context" validate:"omitempty,max=64"`
}

type otpRequestResponse struct {
	Success        bool                         `json:"success"`
	Token          string                       `json:"token"`
	EncryptedToken *encryption.EncryptedPayload `json:"encryptedToken"`
	ExpiresIn      int                          `json:"expiresIn"`
	Cooldown       int                          `json:"cooldown"`
}

type otpVerifyResponse struct {
	Success           bool                         `json:"success"`
	Verified          bool                         `json:"verified"`
	VerificationToken *encryption.EncryptedPayload `json:"verificationToken"`
}

// otpErrorResponse is flat so the web client can read the retry hints
// without unwrapping an envelope.
type otpErrorResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	RetryAfter        *int   `json:"retryAfter,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
}

// RegisterRoutes registers the OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.RequestOTP)
		r.Post("/verify", h.VerifyOTP)
	})
}

// RequestOTP issues a passcode to the encrypted phone number.
func (h *OTPHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var body otpRequestBody
	if err := h.decode(r, &body); err != nil {
		h.respondWithOTPError(w, err, "Invalid request body")
		return
	}
	if util.ContainsSuspicious(body.Context) {
		h.respondWithOTPError(w, service.ErrValidation, "Invalid context")
		return
	}

	result, err := h.otpService.Request(r.Context(), service.OTPRequestInput{
		EncryptedPhone: body.EncryptedPhone,
		PhoneHash:      body.PhoneHash,
		Context:        body.Context,
		IPAddress:      util.ClientIP(r),
	})
	if err != nil {
		h.respondWithOTPError(w, err, "Failed to send OTP")
		return
	}

	h.respondWithJSON(w, http.StatusOK, otpRequestResponse{
		Success:        true,
		Token:          result.Token,
		EncryptedToken: result.EncryptedToken,
		ExpiresIn:      int(result.ExpiresIn / time.Second),
		Cooldown:       int(result.Cooldown / time.Second),
	})
	h.logger.Debug("OTP issued via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOTP"),
	)
}

// VerifyOTP checks a passcode hash against an issued token.
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var body otpVerifyBody
	if err := h.decode(r, &body); err != nil {
		h.respondWithOTPError(w, err, "Invalid request body")
		return
	}
	if util.ContainsSuspicious(body.Context) {
		h.respondWithOTPError(w, service.ErrValidation, "Invalid context")
		return
	}

	result, err := h.otpService.Verify(r.Context(), service.OTPVerifyInput{
		Token:          body.Token,
		OTPHash:        body.OTPHash,
		EncryptedToken: body.EncryptedToken,
		EncryptedOTP:   body.EncryptedOTP,
		EncryptedPhone: body.EncryptedPhone,
		PhoneHash:      body.PhoneHash,
		Context:        body.Context,
		IPAddress:      util.ClientIP(r),
	})
	if err != nil {
		h.respondWithOTPError(w, err, "OTP verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, otpVerifyResponse{
		Success:           true,
		Verified:          true,
		VerificationToken: result.VerificationToken,
	})
	h.logger.Debug("OTP verified via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

// respondWithOTPError maps err to a status and copies any retry hints from an
// *service.OTPError into the body.
func (h *OTPHandler) respondWithOTPError(w http.ResponseWriter, err error, fallback string) {
	statusCode := getStatusCode(err)
	resp := otpErrorResponse{Message: fallback}

	var otpErr *service.OTPError
	if errors.As(err, &otpErr) {
		if otpErr.Message != "" {
			resp.Message = otpErr.Message
		}
		if otpErr.RetryAfter > 0 {
			seconds := int((otpErr.RetryAfter + time.Second - 1) / time.Second)
			resp.RetryAfter = &seconds
		}
		resp.AttemptsRemaining = otpErr.AttemptsRemaining
	}

	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", resp.Message),
	)
	h.respondWithJSON(w, statusCode, resp)
}
