// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the two hashing primitives the rest of the evidence
// core treats as the single source of hashing truth. Both the ingestion
// authority and the verifier link against this package so that a
// divergence in canonical bytes between writer and reader is structurally
// impossible.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// ZeroDigest is the sha256-prefixed all-zero digest used as the
// prev_event_hash of sequence 0 (spec §9, Open Question 1).
var ZeroDigest = "sha256:" + strings.Repeat("0", sha256.Size*2)

// JCS returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with the standard library (so struct `json` tags,
// omitempty, etc. are respected), then re-encoded by github.com/gowebpki/jcs,
// a direct port of the reference JCS implementation: object keys are
// ordered by UTF-16 code unit, not byte value, and non-integer numbers are
// formatted per ECMA-262 7.1.12.1. Rolling this by hand (as sorting map
// keys with sort.Strings) gets byte order instead of UTF-16 order and is
// not actually RFC 8785 compliant for the full range of Unicode keys.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	return Bytes(intermediate)
}

// Bytes canonicalizes raw JSON bytes that have already been marshaled.
// Rejects NaN/Infinity (rejected earlier by json.Marshal already) and
// malformed input.
func Bytes(rawJSON []byte) ([]byte, error) {
	out, err := jcs.Transform(rawJSON)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest returns the "sha256:<hex>" form of HashBytes(data).
func Digest(data []byte) string {
	return "sha256:" + HashBytes(data)
}

// CanonicalHash returns the "sha256:<hex>" digest of JCS(v).
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// PayloadHash implements spec §4.1: payload_hash(payload) = "sha256:" +
// hex(SHA-256(canonical(payload))).
func PayloadHash(payload interface{}) (string, error) {
	return CanonicalHash(payload)
}

// EventHash implements spec §4.1: event_hash(envelope) = "sha256:" +
// hex(SHA-256(canonical(signed_fields(envelope)))).
//
// signedFields must already be reduced to exactly the ordered set defined
// in spec §3 — this function does not know about the envelope shape, it
// only canonicalizes and hashes whatever is handed to it. Callers (see
// pkg/contracts.SignedFields) are responsible for picking the right
// subset.
func EventHash(signedFields interface{}) (string, error) {
	return CanonicalHash(signedFields)
}

// Equal reports whether two JSON-compatible values are semantically
// equivalent under canonicalization (spec §8 property 6): same bytes in,
// same bytes out, independent of map key order or number representation.
func Equal(a, b interface{}) (bool, error) {
	ca, err := JCS(a)
	if err != nil {
		return false, err
	}
	cb, err := JCS(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
