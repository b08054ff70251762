// Package sha256 provides the field-delimited SHA-256 digest behind request fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Hasher implements shot.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// HashFields digests each field prefixed by its length so that no two
// distinct field lists share an encoding ("ab","c" vs "a","bc").
func (h *Hasher) HashFields(fields ...string) (string, error) {
	d := sha256.New()
	var prefix [binary.MaxVarintLen64]byte
	for _, f := range fields {
		n := binary.PutUvarint(prefix[:], uint64(len(f)))
		if _, err := d.Write(prefix[:n]); err != nil {
			return "", fmt.Errorf("hash field length: %w", err)
		}
		if _, err := d.Write([]byte(f)); err != nil {
			return "", fmt.Errorf("hash field: %w", err)
		}
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
