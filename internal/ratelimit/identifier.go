package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identifier derives the quota identifier for a request. An authenticated
// principal id is preferred so a user's quota follows them across addresses;
// anonymous traffic is keyed by a hashed network origin instead. The route
// discriminator is appended in hashed form so different endpoints get
// independent quotas under one identifier namespace.
func Identifier(principalID, origin, route string) string {
	var base string
	if principalID != "" {
		base = "user:" + principalID
	} else {
		base = "ip:" + shortHash(origin, 16)
	}
	return base + ":" + shortHash(route, 8)
}

// shortHash returns the first n hex characters of the SHA-256 of s. The
// hash is a collision-resistant discriminator, not a secret.
func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
