// Package dedup decides whether a fetched body is new content for a feed.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the lowercase hex SHA-256 of body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type Decision struct {
	Hash    string
	Changed bool
}

// Check compares body against the feed's stored hash. An empty stored hash
// (first poll) always counts as changed. Nothing is persisted here; the
// caller stores Hash together with the completed poll.
func Check(body []byte, stored string) Decision {
	h := Hash(body)
	return Decision{Hash: h, Changed: stored == "" || h != stored}
}
