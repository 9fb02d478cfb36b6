// Package signature authenticates job notifications by signing the (repo, course, stage)
// triple a job was created for.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Payload builds the canonical string that is signed: repo, course and stage concatenated in that order.
func Payload(repo, course, stage string) string {
	return repo + course + stage
}

// Sign returns the hex encoded HMAC-SHA256 of payload keyed with secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether received is the signature of payload under secret.
// The comparison runs in constant time.
func Verify(secret, payload, received string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(received))
}

// Signer signs and verifies job triples with a process-wide secret.
type Signer struct {
	secret string
}

// NewSigner constructs a signer bound to secret.
func NewSigner(secret string) Signer {
	return Signer{secret: secret}
}

// SignJob signs the (repo, course, stage) triple.
func (s Signer) SignJob(repo, course, stage string) string {
	return Sign(s.secret, Payload(repo, course, stage))
}

// VerifyJob checks received against the (repo, course, stage) triple.
func (s Signer) VerifyJob(repo, course, stage, received string) bool {
	if received == "" {
		return false
	}
	return Verify(s.secret, Payload(repo, course, stage), received)
}
