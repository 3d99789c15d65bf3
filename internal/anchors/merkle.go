package anchors

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Merkle errors
var (
	ErrEmptyBatch   = errors.New("anchors: empty batch")
	ErrLeafIndex    = errors.New("anchors: leaf index out of range")
	ErrInvalidProof = errors.New("anchors: malformed proof")
)

// Tree is a Merkle tree whose internal nodes hash the sorted pair of their
// children. Levels[0] holds the leaves and the last level holds the root.
type Tree struct {
	Leaves [][32]byte
	Levels [][][32]byte
	Root   [32]byte
}

// HashPair combines two sibling hashes. The smaller one is hashed first, so
// verification does not need to know left from right.
func HashPair(a, b [32]byte) [32]byte {
	var combined [64]byte
	if bytes.Compare(a[:], b[:]) <= 0 {
		copy(combined[:32], a[:])
		copy(combined[32:], b[:])
	} else {
		copy(combined[:32], b[:])
		copy(combined[32:], a[:])
	}
	return sha256.Sum256(combined[:])
}

// BuildTree constructs a Merkle tree from leaves. A level with an odd node
// count pairs its last node with itself.
func BuildTree(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	tree := &Tree{
		Leaves: level,
		Levels: [][][32]byte{level},
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(level[i], right))
		}
		tree.Levels = append(tree.Levels, next)
		level = next
	}

	tree.Root = level[0]
	return tree, nil
}

// Proof returns the sibling hashes from the leaf at index up to the root.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafIndex, index, len(t.Leaves))
	}

	proof := make([][32]byte, 0, len(t.Levels)-1)
	pos := index
	for level := 0; level < len(t.Levels)-1; level++ {
		nodes := t.Levels[level]
		sibling := pos ^ 1
		if sibling >= len(nodes) {
			sibling = pos
		}
		proof = append(proof, nodes[sibling])
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf and its proof and compares it to
// root bit for bit.
func Verify(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	current := leaf
	for _, sibling := range proof {
		current = HashPair(current, sibling)
	}
	return current == root
}

// EncodeProof renders a proof as hex strings for persistence.
func EncodeProof(proof [][32]byte) []string {
	out := make([]string, len(proof))
	for i, p := range proof {
		out[i] = hex.EncodeToString(p[:])
	}
	return out
}

// DecodeProof parses a proof produced by EncodeProof.
func DecodeProof(encoded []string) ([][32]byte, error) {
	out := make([][32]byte, len(encoded))
	for i, s := range encoded {
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: element %d", ErrInvalidProof, i)
		}
		copy(out[i][:], b)
	}
	return out, nil
}
