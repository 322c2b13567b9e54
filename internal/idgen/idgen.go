// Package idgen generates random identifiers.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "fl_3f9c...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string encoding numBytes bytes.
func Hex(numBytes int) string {
	var sb strings.Builder
	for sb.Len() < numBytes*2 {
		u := uuid.New()
		sb.WriteString(hex.EncodeToString(u[:]))
	}
	return sb.String()[:numBytes*2]
}
