// Package crypto wraps the symmetric primitives the coordination core
// depends on: AES-256-GCM, HMAC-SHA-256, SHA-256 and TOTP verification.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"meshconf/internal/core/domain"
)

// NewAEAD builds an AES-256-GCM cipher for the given 32-byte key.
// A nil return error is the availability guarantee the boot path relies on.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != domain.KeySize {
		return nil, fmt.Errorf("aead key must be %d bytes, got %d", domain.KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return aead, nil
}

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random source: %w", err)
	}
	return b, nil
}

// SignHMAC computes HMAC-SHA-256 over payload.
func SignHMAC(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifyHMAC checks sig against the expected HMAC in constant time.
func VerifyHMAC(payload, sig, secret []byte) bool {
	return hmac.Equal(sig, SignHMAC(payload, secret))
}

// Digest returns the SHA-256 of data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// GenerateTOTPSecret creates a new shared secret for step-up authentication.
func GenerateTOTPSecret(principal string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "meshconf",
		AccountName: principal,
	})
	if err != nil {
		return "", fmt.Errorf("totp secret: %w", err)
	}
	return key.Secret(), nil
}

// GenerateTOTPCode produces the code for a shared secret at a point in
// time. Enrollment flows and tests use it; the service side only verifies.
func GenerateTOTPCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// VerifyTOTP validates a step-up code with one time-step of clock skew.
func VerifyTOTP(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
