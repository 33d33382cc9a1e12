// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// and the prefixed SHA-256 digests used for contract hashes, batch-list hashes and
// manifest hash chains.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 form of v. Struct tags apply because v goes through
// encoding/json first; the transform then sorts keys by UTF-16 code units, drops HTML
// escaping and formats numbers the ES6 way.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal %T: %w", v, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash is the hex SHA-256 of JCS(v), without the algorithm prefix.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
