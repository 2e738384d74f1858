package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	keyTokenPrefix   = "sk_"
	keyPrefixLength  = 8
	keySecretEntropy = 32
)

// GenerateKey mints a raw API key and returns it with its stored digest
// and display prefix. Only the digest and prefix are ever persisted.
func GenerateKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, keySecretEntropy)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	raw = keyTokenPrefix + hex.EncodeToString(buf)
	return raw, HashKey(raw), raw[:keyPrefixLength], nil
}

// HashKey returns the hex SHA-256 digest used for credential lookup.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
