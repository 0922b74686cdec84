package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the Binance-futures-compatible request signature:
// HMAC-SHA256 of the canonical query string, keyed by the API secret,
// hex-encoded. The caller adds it to the request as the `signature` query
// parameter (spec §4.A, §6).
func Sign(secret, canonicalQuery string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalQuery))
	return hex.EncodeToString(mac.Sum(nil))
}
