package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"lending-api/internal/config"
)

var ErrInvalidPhone = errors.New("phone number must have exactly 10 digits")

const (
	countryCode = "91"
	tokenBytes  = 32
)

// Hasher produces the deterministic digests shared with the mobile client:
// the client computes the same phone and passcode hashes locally.
type Hasher struct {
	phoneSalt string
}

func NewHasher(cfg *config.Config) *Hasher {
	return &Hasher{phoneSalt: cfg.Crypto.PhoneSalt}
}

// NormalizePhone strips formatting and a leading country code, leaving the
// bare 10-digit subscriber number.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '\t':
		case r == '+' && b.Len() == 0:
		default:
			return "", ErrInvalidPhone
		}
	}

	digits := b.String()
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		digits = digits[2:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	}

	if len(digits) != 10 {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// PhoneHash hashes an already-normalized phone number.
func (h *Hasher) PhoneHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized + h.phoneSalt))
	return hex.EncodeToString(sum[:])
}

// OTPHash binds a passcode to the token it was issued with.
func OTPHash(otp, token string) string {
	sum := sha256.Sum256([]byte(otp + token))
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateCode returns a uniformly random numeric passcode of the given length.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	max := big.NewInt(10)
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}

// GenerateToken returns an opaque 64-character hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
