package request

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TrackingCode derives the short public reference for a request from its id.
// Requesters quote this code on the phone instead of a UUID.
func TrackingCode(id string) string {
	sum := sha256.Sum256([]byte(id))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}
