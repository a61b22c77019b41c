package password

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testHasher(t *testing.T) *PBKDF2 {
	t.Helper()

	hasher, err := NewPBKDF2(Config{Iterations: minIterations})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}
	return hasher
}

func TestHashAndVerify(t *testing.T) {
	hasher := testHasher(t)

	encoded, err := hasher.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2-sha256$1000$") {
		t.Fatalf("unexpected record prefix: %s", encoded)
	}
	if !hasher.Verify("P@ssw0rd-Ascii", encoded) {
		t.Fatal("expected password verification to succeed")
	}
}

func TestVerifyWrongPassword(t *testing.T) {
	hasher := testHasher(t)

	encoded, err := hasher.Hash("correct-password")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if hasher.Verify("wrong-password", encoded) {
		t.Fatal("expected wrong password verification to fail")
	}
}

func TestHashUsesDistinctSalts(t *testing.T) {
	hasher := testHasher(t)

	first, err := hasher.HashRecord("same-input")
	if err != nil {
		t.Fatalf("HashRecord error: %v", err)
	}
	second, err := hasher.HashRecord("same-input")
	if err != nil {
		t.Fatalf("HashRecord error: %v", err)
	}

	if first.Salt == second.Salt {
		t.Fatal("expected distinct salts for repeated hashing")
	}
	if first.Key == second.Key {
		t.Fatal("expected distinct derived keys for distinct salts")
	}
}

func TestVerifyUsesStoredIterations(t *testing.T) {
	weak := testHasher(t)
	strong, err := NewPBKDF2(Config{Iterations: 2 * minIterations})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}

	encoded, err := weak.Hash("rotate-me")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strong.Verify("rotate-me", encoded) {
		t.Fatal("expected verification with the stored iteration count")
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade error: %v", err)
	}
	if !upgrade {
		t.Fatal("expected weaker record to need upgrade")
	}

	upgrade, err = weak.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade error: %v", err)
	}
	if upgrade {
		t.Fatal("did not expect upgrade at the same cost")
	}
}

func TestVerifyMalformedRecords(t *testing.T) {
	hasher := testHasher(t)

	valid, err := hasher.Hash("password-1234")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	parts := strings.Split(valid, "$")
	shortSalt := base64.StdEncoding.EncodeToString([]byte("short"))

	cases := map[string]string{
		"empty":            "",
		"too few fields":   strings.Join(parts[:3], "$"),
		"too many fields":  valid + "$extra",
		"unknown tag":      "pbkdf2-sha1$" + strings.Join(parts[1:], "$"),
		"zero iterations":  parts[0] + "$0$" + parts[2] + "$" + parts[3],
		"text iterations":  parts[0] + "$many$" + parts[2] + "$" + parts[3],
		"huge iterations":  parts[0] + "$999999999$" + parts[2] + "$" + parts[3],
		"bad salt base64":  parts[0] + "$" + parts[1] + "$!!$" + parts[3],
		"short salt":       parts[0] + "$" + parts[1] + "$" + shortSalt + "$" + parts[3],
		"bad key base64":   parts[0] + "$" + parts[1] + "$" + parts[2] + "$%%",
		"truncated key":    parts[0] + "$" + parts[1] + "$" + parts[2] + "$" + shortSalt,
		"leading dollar":   "$" + valid,
		"whitespace field": parts[0] + "$ 1000$" + parts[2] + "$" + parts[3],
	}

	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			if hasher.Verify("password-1234", encoded) {
				t.Fatalf("expected malformed record to be rejected: %q", encoded)
			}
			if _, err := ParseRecord(encoded); err == nil {
				t.Fatalf("expected ParseRecord error for %q", encoded)
			}
		})
	}
}

func TestRecordEncodeRoundTrip(t *testing.T) {
	hasher := testHasher(t)

	rec, err := hasher.HashRecord("round-trip")
	if err != nil {
		t.Fatalf("HashRecord error: %v", err)
	}
	parsed, err := ParseRecord(rec.Encode())
	if err != nil {
		t.Fatalf("ParseRecord error: %v", err)
	}
	if parsed != rec {
		t.Fatal("expected parsed record to equal original")
	}
	if !VerifyRecord("round-trip", parsed) {
		t.Fatal("expected VerifyRecord to succeed")
	}
}

func TestNewPBKDF2RejectsWeakConfig(t *testing.T) {
	if _, err := NewPBKDF2(Config{Iterations: 10}); err == nil {
		t.Fatal("expected error for low iteration count")
	}

	hasher, err := NewPBKDF2(Config{})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}
	if hasher.Iterations() != DefaultIterations {
		t.Fatalf("expected default iterations, got %d", hasher.Iterations())
	}
}
