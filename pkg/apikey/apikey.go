// Package apikey mints and verifies the service API keys that feature
// services present on the ingest API. Raw keys are never stored: the
// engine is configured only with HMAC hashes of the accepted keys.
package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateKey mints a service key.
// Format: {prefix}_{48 random hex chars}, e.g. svc_9f2c... The returned
// hash is the value to list in SERVICE_API_KEY_HASHES.
func GenerateKey(prefix, secret string) (key string, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key = fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(buf))
	return key, HashKey(key, secret), nil
}

// HashKey computes the HMAC-SHA256 of the full key under the shared
// secret. This is what gets stored and compared, never the key itself.
func HashKey(key, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateKeyFormat reports whether key was minted with the expected
// prefix. A cheap shape check before the HMAC lookup.
func ValidateKeyFormat(key, expectedPrefix string) bool {
	return strings.HasPrefix(key, expectedPrefix+"_")
}
