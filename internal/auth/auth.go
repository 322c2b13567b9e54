// Package auth authenticates API clients and administrators.
//
// API keys are configured out of band and held only as SHA-256 hashes.
// Admin routes additionally require a shared secret.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Client identifies an authenticated API caller. ID is a short, stable
// fingerprint of the key that is safe to log.
type Client struct {
	ID   string `json:"id"`
	Demo bool   `json:"demo,omitempty"`
}

// demoClient is attached to requests when no keys are configured.
var demoClient = &Client{ID: "demo", Demo: true}

// KeySet is an immutable set of accepted API keys.
type KeySet struct {
	byHash map[string]*Client
}

// NewKeySet hashes the given raw keys. Blank entries are ignored.
func NewKeySet(rawKeys ...string) *KeySet {
	ks := &KeySet{byHash: make(map[string]*Client, len(rawKeys))}
	for _, raw := range rawKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		h := hashKey(raw)
		ks.byHash[h] = &Client{ID: "key_" + h[:12]}
	}
	return ks
}

// Len returns the number of distinct keys.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.byHash)
}

// Validate returns the client for rawKey.
func (ks *KeySet) Validate(rawKey string) (*Client, bool) {
	if ks.Len() == 0 || rawKey == "" {
		return nil, false
	}
	c, ok := ks.byHash[hashKey(rawKey)]
	return c, ok
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
