package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashStrings returns a SHA256 hash of the provided strings with newline separators.
func HashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeliveryKey builds the idempotency key for one (opportunity, user)
// delivery. The external sender is required to dedupe on this key since
// at-least-once retries can repeat a send that already succeeded.
func DeliveryKey(opportunityID, userID string) string {
	return HashStrings("delivery", opportunityID, userID)
}
