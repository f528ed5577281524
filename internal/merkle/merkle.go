// Package merkle computes binary SHA-256 Merkle roots over ordered leaves.
//
// Leaves are hashed once before pairing. Each level is combined left to right
// as sha256(left || right); a trailing odd node is paired with itself. The
// root of an empty sequence is sha256 of the empty string.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ILLUVRSE/anchor/internal/canonical"
	"github.com/ILLUVRSE/anchor/internal/dataset"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a SHA-256 digest.
type Digest [Size]byte

// EmptyRoot is the root of a tree with no leaves.
var EmptyRoot = Digest(sha256.Sum256(nil))

// Hex returns the lowercase hex encoding of d.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string { return d.Hex() }

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	return FromBytes(b)
}

// FromBytes copies a raw 32-byte digest.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("invalid digest length: got %d want %d", len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}

// HashLeaf hashes a single leaf.
func HashLeaf(leaf []byte) Digest {
	return sha256.Sum256(leaf)
}

// HashPair hashes the concatenation of two nodes.
func HashPair(left, right Digest) Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var d Digest
	h.Sum(d[:0])
	return d
}

// Root computes the Merkle root of leaves in the given order.
func Root(leaves [][]byte) Digest {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := make([]Digest, len(leaves))
	for i, leaf := range leaves {
		level[i] = HashLeaf(leaf)
	}
	// At least one pairing round runs, so a single leaf is paired with itself.
	for {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(left, right))
		}
		level = next
		if len(level) == 1 {
			return level[0]
		}
	}
}

// RootOf canonicalizes records in the given order and returns the root and the
// number of leaves. Callers must supply records ordered by (tenant, player).
func RootOf(records []dataset.Record) (Digest, int, error) {
	leaves := make([][]byte, 0, len(records))
	for _, r := range records {
		b, err := canonical.Record(r)
		if err != nil {
			return Digest{}, 0, err
		}
		leaves = append(leaves, b)
	}
	return Root(leaves), len(leaves), nil
}
