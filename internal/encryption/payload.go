package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters shared with the mobile client.
const (
	pbkdf2Salt       = "salt"
	pbkdf2Iterations = 100000
	keyLength        = 32
	ivLength         = 16
	tagLength        = 16
)

var ErrInvalidPayload = errors.New("invalid encrypted payload")

// EncryptedPayload is the hex-encoded AES-GCM envelope exchanged with clients.
type EncryptedPayload struct {
	Encrypted string `json:"encrypted" validate:"required,hexadecimal"`
	IV        string `json:"iv" validate:"required,hexadecimal"`
	AuthTag   string `json:"authTag" validate:"required,hexadecimal"`
}

// PayloadCipher encrypts and decrypts client payloads under a key derived from
// the server secret.
type PayloadCipher struct {
	aead cipher.AEAD
	rand io.Reader
}

func NewPayloadCipher(serverSecret string) (*PayloadCipher, error) {
	if serverSecret == "" {
		return nil, errors.New("server secret is required")
	}

	key := pbkdf2.Key([]byte(serverSecret), []byte(pbkdf2Salt), pbkdf2Iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &PayloadCipher{aead: aead, rand: rand.Reader}, nil
}

func (c *PayloadCipher) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagLength

	return &EncryptedPayload{
		Encrypted: hex.EncodeToString(sealed[:split]),
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(sealed[split:]),
	}, nil
}

func (c *PayloadCipher) EncryptString(plaintext string) (*EncryptedPayload, error) {
	return c.Encrypt([]byte(plaintext))
}

// EncryptJSON marshals v and encrypts the result.
func (c *PayloadCipher) EncryptJSON(v any) (*EncryptedPayload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return c.Encrypt(raw)
}

// Decrypt fails on malformed hex, a wrong IV length or a tag mismatch.
func (c *PayloadCipher) Decrypt(p *EncryptedPayload) ([]byte, error) {
	if p == nil {
		return nil, ErrInvalidPayload
	}

	ciphertext, err := hex.DecodeString(p.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrInvalidPayload, err)
	}
	iv, err := hex.DecodeString(p.IV)
	if err != nil || len(iv) != ivLength {
		return nil, fmt.Errorf("%w: iv", ErrInvalidPayload)
	}
	tag, err := hex.DecodeString(p.AuthTag)
	if err != nil || len(tag) != tagLength {
		return nil, fmt.Errorf("%w: auth tag", ErrInvalidPayload)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (c *PayloadCipher) DecryptString(p *EncryptedPayload) (string, error) {
	plaintext, err := c.Decrypt(p)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
