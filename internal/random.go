package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// SecretSize is the number of random bytes in a refresh or reset secret.
const SecretSize = 32

// HashHex returns the lowercase hex form of a secret hash, used as a
// storage key.
func HashHex(h [sha256.Size]byte) string {
	return hex.EncodeToString(h[:])
}

// NewSecret returns a fresh bearer secret in its transport form (base64url,
// no padding) together with the hash to persist. The secret carries no
// structure.
func NewSecret() (string, [sha256.Size]byte, error) {
	var raw [SecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [sha256.Size]byte{}, err
	}

	return base64.RawURLEncoding.EncodeToString(raw[:]), sha256.Sum256(raw[:]), nil
}

// HashSecret decodes a presented secret and returns its storage hash.
// Anything that is not exactly SecretSize bytes of base64url is rejected.
func HashSecret(token string) ([sha256.Size]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	if len(raw) != SecretSize {
		return [sha256.Size]byte{}, errors.New("invalid secret size")
	}

	return sha256.Sum256(raw), nil
}
