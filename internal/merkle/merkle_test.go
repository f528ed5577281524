package merkle_test

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/anchor/internal/dataset"
	"github.com/ILLUVRSE/anchor/internal/merkle"
)

func TestEmptyRoot(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", merkle.Root(nil).Hex())
	assert.Equal(t, merkle.EmptyRoot, merkle.Root([][]byte{}))
}

func TestSingleLeafDuplicatesItself(t *testing.T) {
	root := merkle.Root([][]byte{[]byte("x")})

	h := sha256.Sum256([]byte("x"))
	want := sha256.Sum256(append(h[:], h[:]...))
	assert.Equal(t, merkle.Digest(want), root)
	assert.Equal(t, "51db5605b506660c95aa7275d79271fb6d4072b76be0b4036d53af9d68752233", root.Hex())
}

func TestOddLevelDuplicatesLast(t *testing.T) {
	a := merkle.HashLeaf([]byte("a"))
	b := merkle.HashLeaf([]byte("b"))
	c := merkle.HashLeaf([]byte("c"))
	want := merkle.HashPair(merkle.HashPair(a, b), merkle.HashPair(c, c))

	got := merkle.Root([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	assert.Equal(t, want, got)
	assert.Equal(t, "d31a37ef6ac14a2db1470c4316beb5592e6afd4465022339adafda76a18ffabe", got.Hex())

	five := merkle.Root([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")})
	assert.Equal(t, "dd14d0ba516bb654a3052b76f051db026f4e322d0be081468fab99440f9e7305", five.Hex())
}

func TestRootDeterministic(t *testing.T) {
	leaves := [][]byte{[]byte(`{"k":1}`), []byte(`{"k":2}`), []byte(`{"k":3}`)}
	first := merkle.Root(leaves)
	second := merkle.Root(leaves)
	assert.Equal(t, first, second)
	assert.Equal(t, "6b6a0602cd3fa3ebac2ac72a4d08ee64f75c538fc06717a3dd7a144057564948", first.Hex())
}

func TestRootDetectsTamper(t *testing.T) {
	a := [][]byte{[]byte(`{"k":1}`), []byte(`{"k":2}`), []byte(`{"k":3}`)}
	b := [][]byte{[]byte(`{"k":1}`), []byte(`{"k":2}`), []byte(`{"k":3!}`)}
	assert.NotEqual(t, merkle.Root(a), merkle.Root(b))

	for i := range a {
		flipped := make([][]byte, len(a))
		for j := range a {
			flipped[j] = append([]byte(nil), a[j]...)
		}
		flipped[i][0] ^= 0x01
		assert.NotEqual(t, merkle.Root(a), merkle.Root(flipped), "flip in leaf %d not detected", i)
	}
}

func TestRootOrderSensitive(t *testing.T) {
	a := merkle.Root([][]byte{[]byte("a"), []byte("b")})
	b := merkle.Root([][]byte{[]byte("b"), []byte("a")})
	assert.NotEqual(t, a, b)
}

func TestRootDoesNotMutateInput(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	_ = merkle.Root(leaves)
	assert.Equal(t, []byte("a"), leaves[0])
	assert.Equal(t, []byte("c"), leaves[2])
}

func TestParseDigest(t *testing.T) {
	d, err := merkle.ParseDigest(merkle.EmptyRoot.Hex())
	require.NoError(t, err)
	assert.Equal(t, merkle.EmptyRoot, d)

	_, err = merkle.ParseDigest("abcd")
	assert.Error(t, err)
	_, err = merkle.ParseDigest("zz")
	assert.Error(t, err)
}

func TestRootOfRecords(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []dataset.Record{
		{Tenant: "t1", Player: "p1", Elo: 1200, Rank: 2, Matches: 10, UpdatedAt: ts},
		{Tenant: "t1", Player: "p2", Elo: 1300, Rank: 1, Matches: 12, UpdatedAt: ts},
	}
	root, n, err := merkle.RootOf(records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records[0].Elo++
	tampered, _, err := merkle.RootOf(records)
	require.NoError(t, err)
	assert.NotEqual(t, root, tampered)

	empty, n, err := merkle.RootOf(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, merkle.EmptyRoot, empty)

	_, _, err = merkle.RootOf([]dataset.Record{{Tenant: "t1"}})
	assert.Error(t, err)
}
