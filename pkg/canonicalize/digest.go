package canonicalize

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Algorithm is the only digest algorithm emitted and accepted.
const Algorithm = "sha256"

const prefix = Algorithm + ":"

// Digest returns "sha256:<hex>" over the canonical JSON of v.
func Digest(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return prefix + h, nil
}

// MustDigest is Digest for values that are known to marshal (plain structs and slices).
func MustDigest(v any) string {
	d, err := Digest(v)
	if err != nil {
		panic(fmt.Sprintf("canonicalize: digest of %T: %v", v, err))
	}
	return d
}

// DigestBytes returns "sha256:<hex>" over raw bytes.
func DigestBytes(data []byte) string {
	return prefix + HashBytes(data)
}

// ChainDigest links a new layer onto a previous digest: H(prev ++ next).
// Order matters; ChainDigest(a, b) != ChainDigest(b, a).
func ChainDigest(prev, next string) string {
	return DigestBytes([]byte(prev + next))
}

// ParseDigest splits a prefixed digest into its algorithm and hex parts.
func ParseDigest(d string) (algo, hexPart string, err error) {
	algo, hexPart, ok := strings.Cut(d, ":")
	if !ok || algo == "" {
		return "", "", fmt.Errorf("digest %q: missing algorithm prefix", d)
	}
	if algo != Algorithm {
		return "", "", fmt.Errorf("digest %q: unsupported algorithm %q", d, algo)
	}
	if len(hexPart) != 64 {
		return "", "", fmt.Errorf("digest %q: expected 64 hex characters, got %d", d, len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", "", fmt.Errorf("digest %q: invalid hex: %w", d, err)
	}
	return algo, hexPart, nil
}

// NormalizeText returns the NFC form of s with surrounding whitespace removed.
// Free-text fields are normalized before they are hashed.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
