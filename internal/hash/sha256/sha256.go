// Package sha256 derives stable identifiers from content with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher turns origin URLs and snapshot digests into hex identifiers.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashParts hashes parts joined by a NUL separator, so ("ab","c") and
// ("a","bc") never collide.
func (h *Hasher) HashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
