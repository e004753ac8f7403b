package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrDecryption        = errors.New("decryption error")
	ErrRateLimited       = errors.New("rate limited")
	ErrBlocked           = errors.New("blocked")
	ErrExpired           = errors.New("otp expired")
	ErrNotFound          = errors.New("otp invalid or expired")
	ErrContextMismatch   = errors.New("context mismatch")
	ErrPhoneMismatch     = errors.New("phone mismatch")
	ErrInvalidOTP        = errors.New("invalid otp")
	ErrDispatch          = errors.New("otp dispatch failed")
	ErrBureauUnavailable = errors.New("credit bureau unavailable")
	ErrProfileNotFound   = errors.New("credit profile not found")
)

// OTPError carries a caller-safe message and retry hints alongside one of the
// sentinel kinds above.
type OTPError struct {
	Kind              error
	Message           string
	RetryAfter        time.Duration
	AttemptsRemaining *int
}

func (e *OTPError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *OTPError) Unwrap() error {
	return e.Kind
}

func newOTPError(kind error, message string) *OTPError {
	return &OTPError{Kind: kind, Message: message}
}

func intPtr(v int) *int {
	return &v
}

// ceilMinutes rounds d up to whole minutes, with a floor of one.
func ceilMinutes(d time.Duration) int {
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
