package certificate

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	numberPrefix     = "CERT-"
	verificationSize = 12
)

// NewNumber returns "CERT-" followed by the 32 hex digits of a UUIDv7: a
// 48-bit millisecond timestamp and 74 random bits.
func NewNumber() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate certificate number: %w", err)
	}
	return numberPrefix + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")), nil
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Verifier derives and checks the public verification code printed on a
// certificate. The code is a keyed BLAKE2b MAC of number, learner and course.
type Verifier struct {
	key [32]byte
}

// NewVerifier creates a Verifier keyed by secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{key: blake2b.Sum256([]byte(secret))}
}

// Code returns the verification code for a certificate.
func (v *Verifier) Code(number, learnerID, courseID string) string {
	h, err := blake2b.New256(v.key[:])
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(number + "|" + learnerID + "|" + courseID))
	return codeEncoding.EncodeToString(h.Sum(nil))[:verificationSize]
}

// Verify reports whether code matches the certificate. Comparison is
// case-insensitive and constant time.
func (v *Verifier) Verify(c Certificate, code string) bool {
	want := v.Code(c.Number, c.LearnerID, c.CourseID)
	got := strings.ToUpper(strings.TrimSpace(code))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
