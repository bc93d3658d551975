// Package sha256 digests fetched page content for result events.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

var _ crawler.Hasher = (*Hasher)(nil)

// Hasher implements crawler.Hasher with SHA-256 hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. Empty content hashes to the
// empty string so events for blank pages carry no digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
