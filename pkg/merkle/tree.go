// Package merkle builds inclusion proofs over a verified session's
// recomputed event hashes, so an auditor can prove a single event
// belongs to a session without replaying the whole byte stream.
//
// This is additive evidence tooling (SPEC_FULL.md "Supplemented
// components"): spec.md §4.5 step 11 only requires a single SHA-256
// fingerprint over the concatenated event hashes, which this package's
// root is designed to be consistent with in spirit but not in bytes —
// the fingerprint remains pkg/verifier's CanonicalHash of the
// concatenation; this tree is a separate, richer structure for partial
// disclosure.
//
// Grounded on the teacher's pkg/merkle/tree.go + proof.go: domain-
// separated leaf/node hash prefixes and duplicate-last-leaf padding for
// odd levels, adapted from arbitrary path->value maps to an ordered list
// of event hashes (a session's leaves are already ordered by sequence
// number, so no path-sorting step is needed here).
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	leafDomainPrefix = "tracelock:evidence:leaf:v1"
	nodeDomainPrefix = "tracelock:evidence:node:v1"
)

// Tree is a Merkle tree over a session's ordered, verifier-recomputed
// event hashes.
type Tree struct {
	Leaves []string   // leaf hash per event, in sequence order
	Levels [][]string // Levels[0] == Leaves; each subsequent level is half the size
	Root   string
}

// Build constructs a Tree from an ordered list of event hashes (already
// verifier-recomputed, never trusted stored values — see
// pkg/verifier.Verify's recomputedHashes). eventHashes must be non-empty.
func Build(eventHashes []string) (*Tree, error) {
	if len(eventHashes) == 0 {
		return nil, fmt.Errorf("merkle: cannot build a tree over zero leaves")
	}

	leaves := make([]string, len(eventHashes))
	for i, h := range eventHashes {
		leaves[i] = leafHash(i, h)
	}

	tree := &Tree{Leaves: leaves}
	level := leaves
	tree.Levels = append(tree.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		tree.Levels = append(tree.Levels, level)
	}
	tree.Root = level[0]
	return tree, nil
}

// leafHash domain-separates by index as well as value so that two
// identical event hashes appearing at different sequence positions
// (which cannot happen in a valid chain, but a tree must not silently
// collapse them) produce distinct leaves.
func leafHash(index int, eventHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomainPrefix)
	buf.WriteByte(0)
	fmt.Fprintf(&buf, "%d", index)
	buf.WriteByte(0)
	buf.WriteString(eventHash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(level []string) []string {
	n := len(level)
	if n%2 != 0 {
		level = append(level, level[n-1]) // duplicate last node for odd levels
		n++
	}
	out := make([]string, n/2)
	for i := 0; i < n; i += 2 {
		out[i/2] = nodeHash(level[i], level[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomainPrefix)
	buf.WriteByte(0)
	buf.Write(mustHexDecode(left))
	buf.Write(mustHexDecode(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func mustHexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Every hash in a Tree is produced by sha256Hex above, so this
		// can only happen if a caller hand-assembles a Levels slice with
		// non-hex garbage, which is a programmer error, not a runtime
		// condition to recover from.
		panic(fmt.Sprintf("merkle: node hash is not valid hex: %v", err))
	}
	return b
}
