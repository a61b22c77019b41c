package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	algorithmID = "pbkdf2-sha256"

	// DefaultIterations is the PBKDF2 work factor used when Config.Iterations is zero.
	DefaultIterations = 100_000

	// SaltLength and KeyLength are fixed; records with other lengths do not verify.
	SaltLength = 16
	KeyLength  = 32

	minIterations = 1_000
	// Records claiming more iterations than this are treated as malformed so a
	// tampered row cannot pin a CPU.
	maxIterations = 10_000_000
)

var errMalformedRecord = errors.New("malformed password record")

// Config controls the cost of newly produced records.
type Config struct {
	Iterations int
}

// Record is the structured form of a stored password credential.
type Record struct {
	Iterations int
	Salt       [SaltLength]byte
	Key        [KeyLength]byte
}

// Encode renders the record as pbkdf2-sha256$<iterations>$<salt>$<key>
// with standard base64 for the binary fields.
func (r Record) Encode() string {
	return fmt.Sprintf(
		"%s$%d$%s$%s",
		algorithmID,
		r.Iterations,
		base64.StdEncoding.EncodeToString(r.Salt[:]),
		base64.StdEncoding.EncodeToString(r.Key[:]),
	)
}

// ParseRecord decodes an encoded record. Any deviation from the expected
// layout yields an error.
func ParseRecord(encoded string) (Record, error) {
	var rec Record

	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != algorithmID {
		return rec, errMalformedRecord
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 || iterations > maxIterations {
		return rec, errMalformedRecord
	}

	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) != SaltLength {
		return rec, errMalformedRecord
	}
	key, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(key) != KeyLength {
		return rec, errMalformedRecord
	}

	rec.Iterations = iterations
	copy(rec.Salt[:], salt)
	copy(rec.Key[:], key)
	return rec, nil
}

// PBKDF2 hashes and verifies passwords with PBKDF2-HMAC-SHA256.
//
// PBKDF2 holds no mutable state and is safe for concurrent use.
type PBKDF2 struct {
	config Config
}

// NewPBKDF2 validates cfg and returns a hasher. A zero Iterations selects
// DefaultIterations.
func NewPBKDF2(cfg Config) (*PBKDF2, error) {
	if cfg.Iterations == 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.Iterations < minIterations || cfg.Iterations > maxIterations {
		return nil, fmt.Errorf("password: iterations must be within [%d, %d]", minIterations, maxIterations)
	}

	return &PBKDF2{config: cfg}, nil
}

// Iterations returns the configured work factor.
func (p *PBKDF2) Iterations() int {
	return p.config.Iterations
}

// Hash derives a fresh record for plaintext with a random salt and returns
// its encoded form. Two calls with the same input never return the same string.
func (p *PBKDF2) Hash(plaintext string) (string, error) {
	rec, err := p.HashRecord(plaintext)
	if err != nil {
		return "", err
	}
	return rec.Encode(), nil
}

// HashRecord is Hash without the final encoding step.
func (p *PBKDF2) HashRecord(plaintext string) (Record, error) {
	// Plaintext bytes are used exactly as provided (no Unicode normalization).
	rec := Record{Iterations: p.config.Iterations}
	if _, err := io.ReadFull(rand.Reader, rec.Salt[:]); err != nil {
		return Record{}, err
	}

	copy(rec.Key[:], derive(plaintext, rec.Salt[:], rec.Iterations))
	return rec, nil
}

// Verify reports whether plaintext matches the encoded record. Malformed
// records never match.
func (p *PBKDF2) Verify(plaintext, encoded string) bool {
	rec, err := ParseRecord(encoded)
	if err != nil {
		return false
	}
	return VerifyRecord(plaintext, rec)
}

// VerifyRecord compares plaintext against rec in constant time.
func VerifyRecord(plaintext string, rec Record) bool {
	if rec.Iterations < 1 || rec.Iterations > maxIterations {
		return false
	}
	computed := derive(plaintext, rec.Salt[:], rec.Iterations)
	return subtle.ConstantTimeCompare(computed, rec.Key[:]) == 1
}

// NeedsUpgrade reports whether encoded was produced with a lower work factor
// than the hasher is configured for.
func (p *PBKDF2) NeedsUpgrade(encoded string) (bool, error) {
	rec, err := ParseRecord(encoded)
	if err != nil {
		return false, err
	}
	return rec.Iterations < p.config.Iterations, nil
}

func derive(plaintext string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(plaintext), salt, iterations, KeyLength, sha256.New)
}
