package jwt

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
)

// MinKeyLength is the shortest HS256 secret NewManager accepts.
const MinKeyLength = 32

// KeyProvider supplies HS256 key material. The signing key is used for new
// tokens; verification keys are looked up by the token's kid header so
// previously issued tokens stay valid across a rotation.
type KeyProvider interface {
	SigningKey() (kid string, key []byte)
	VerificationKey(kid string) ([]byte, bool)
}

// StaticKeys is a fixed KeyProvider. Previous holds retired keys that may
// still verify tokens but never sign.
type StaticKeys struct {
	KeyID    string
	Key      []byte
	Previous map[string][]byte
}

// SigningKey implements KeyProvider.
func (s StaticKeys) SigningKey() (string, []byte) {
	return s.KeyID, s.Key
}

// VerificationKey implements KeyProvider. An empty kid matches the current
// key only when the current key has no id.
func (s StaticKeys) VerificationKey(kid string) ([]byte, bool) {
	if kid == s.KeyID {
		return s.Key, len(s.Key) > 0
	}
	if kid == "" {
		return nil, false
	}
	key, ok := s.Previous[kid]
	return key, ok && len(key) > 0
}

func (s StaticKeys) validate() error {
	if len(s.Key) < MinKeyLength {
		return errors.New("hs256 signing key must be at least 32 bytes")
	}
	for kid, key := range s.Previous {
		if strings.TrimSpace(kid) == "" {
			return errors.New("verify key map contains empty kid")
		}
		if kid == s.KeyID {
			return errors.New("verify key map repeats the signing kid")
		}
		if len(key) < MinKeyLength {
			return errors.New("hs256 verify key must be at least 32 bytes")
		}
	}
	return nil
}

// GenerateKey returns a random HS256 secret of MinKeyLength bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, MinKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
