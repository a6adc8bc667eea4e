package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/nhalm/reqguard/identity"
)

// fingerprintLen is the number of hex characters kept from the SHA-256 digest.
const fingerprintLen = 32

// Fingerprint derives a stable hash of a serialized request body and the caller identity.
// It only detects key reuse across different requests; it is not a security control.
// An empty caller is treated as identity.Anonymous.
func Fingerprint(body []byte, caller string) string {
	if caller == "" {
		caller = identity.Anonymous
	}
	h := sha256.New()
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// FingerprintValue serializes v as JSON and fingerprints it. Map keys are encoded in
// sorted order, so logically equal maps produce the same fingerprint.
func FingerprintValue(v any, caller string) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal fingerprint body: %w", err)
	}
	return Fingerprint(body, caller), nil
}
