package anchors

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leavesN(n int) [][32]byte {
	out := make([][32]byte, n)
	for i := range out {
		out[i] = sha256.Sum256([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return out
}

func TestBuildTreeEmpty(t *testing.T) {
	_, err := BuildTree(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestBuildTreeSingleLeaf(t *testing.T) {
	leaves := leavesN(1)
	tree, err := BuildTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, leaves[0], tree.Root)

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, Verify(leaves[0], proof, tree.Root))
}

func TestHashPairIsOrderIndependent(t *testing.T) {
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	assert.Equal(t, HashPair(a, b), HashPair(b, a))
}

func TestBuildTreeOddLevelDuplicatesLast(t *testing.T) {
	leaves := leavesN(3)
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	left := HashPair(leaves[0], leaves[1])
	right := HashPair(leaves[2], leaves[2])
	assert.Equal(t, HashPair(left, right), tree.Root)

	proof, err := tree.Proof(2)
	require.NoError(t, err)
	require.Len(t, proof, 2)
	assert.Equal(t, leaves[2], proof[0])
	assert.Equal(t, left, proof[1])
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, err := BuildTree(leavesN(4))
	require.NoError(t, err)
	_, err = tree.Proof(4)
	assert.ErrorIs(t, err, ErrLeafIndex)
	_, err = tree.Proof(-1)
	assert.ErrorIs(t, err, ErrLeafIndex)
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	leaves := leavesN(5)
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	proof, _ := tree.Proof(1)
	other := sha256.Sum256([]byte("other"))
	assert.False(t, Verify(leaves[1], proof, other))
	assert.False(t, Verify(other, proof, tree.Root))
}

func TestProofEncodingRoundTrip(t *testing.T) {
	tree, err := BuildTree(leavesN(7))
	require.NoError(t, err)
	proof, _ := tree.Proof(6)

	decoded, err := DecodeProof(EncodeProof(proof))
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)

	_, err = DecodeProof([]string{"zz"})
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestMerkleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every leaf verifies against the root", prop.ForAll(
		func(n int) bool {
			leaves := leavesN(n)
			tree, err := BuildTree(leaves)
			if err != nil {
				return false
			}
			for i, leaf := range leaves {
				proof, err := tree.Proof(i)
				if err != nil || !Verify(leaf, proof, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 64),
	))

	properties.Property("mutating any leaf byte changes the root", prop.ForAll(
		func(n, idx, bytePos int, flip uint8) bool {
			leaves := leavesN(n)
			tree, err := BuildTree(leaves)
			if err != nil {
				return false
			}
			mutated := make([][32]byte, n)
			copy(mutated, leaves)
			mutated[idx%n][bytePos] ^= flip | 1
			other, err := BuildTree(mutated)
			if err != nil {
				return false
			}
			return other.Root != tree.Root
		},
		gen.IntRange(1, 32),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 31),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
