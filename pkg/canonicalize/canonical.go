// Package canonicalize produces the deterministic encodings and dual digests
// that every Vagus commitment is built from.
//
// Values are serialized to JSON, string content is NFC-normalized, and the
// result is transformed to RFC 8785 (JCS) form. Each commitment is carried as
// a SHA-256 digest and a keccak-256 digest so that two runtimes can verify it
// with their native primitive.
package canonicalize

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(norm.NFC.Bytes(raw))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// DualDigest is a commitment carried under both digest algorithms.
type DualDigest struct {
	SHA256    contracts.Hash `json:"sha256"`
	Keccak256 contracts.Hash `json:"keccak256"`
}

// SHA256 digests raw bytes.
func SHA256(data []byte) contracts.Hash {
	return sha256.Sum256(data)
}

// Keccak256 digests raw bytes with the legacy (pre-FIPS) keccak padding.
func Keccak256(data []byte) contracts.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(data)
	var out contracts.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Digest computes both digests of raw bytes.
func Digest(data []byte) DualDigest {
	return DualDigest{SHA256: SHA256(data), Keccak256: Keccak256(data)}
}

// DigestOf canonicalizes v and digests the result.
func DigestOf(v any) (DualDigest, error) {
	b, err := Canonical(v)
	if err != nil {
		return DualDigest{}, err
	}
	return Digest(b), nil
}
