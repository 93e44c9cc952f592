// Copyright 2025 Certen Protocol
//
// Tests for Merkle tree construction and audit proofs.

package merkle

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	digestA = "6fe977160e4b69b0e706824d01e5653e6364618462844011116323999146cbbd"
	digestB = "a3602b8b1e2f83f6cd267d032ac1a1499e8ee6058dd23f313f7713880b10774c"
)

func TestLeafHashVector(t *testing.T) {
	got := LeafHash(digestA)
	require.Equal(t, "bf0110057dbfd67acbaccc5a50139396c22d16bcaaa21e70bd04626175c3835c", hex.EncodeToString(got[:]))
}

func TestTwoLeafMerkleRootVector(t *testing.T) {
	tree, err := BuildTree([]string{digestA, digestB})
	require.NoError(t, err)
	require.Equal(t, "b8d99276c684e50aac375f8f8515341e46c6825eefd5864dee9319f238911e0c", tree.RootHex())
}

func TestSingleLeafDuplication(t *testing.T) {
	tree, err := BuildTree([]string{digestA})
	require.NoError(t, err)
	require.True(t, tree.DuplicatedLast())

	proof, err := tree.ProofByIndex(0)
	require.NoError(t, err)
	require.Len(t, proof.Siblings, 1)

	expectedLeaf := LeafHash(digestA)
	require.Equal(t, expectedLeaf, proof.Siblings[0].Hash)

	require.True(t, VerifyProof(proof.LeafHash, proof, tree.Root()))
}

func TestEmptyTreeRejected(t *testing.T) {
	_, err := BuildTree(nil)
	require.ErrorIs(t, err, ErrEmptyTree)
}

func TestRootOrderIndependent(t *testing.T) {
	t1, err := BuildTree([]string{digestA, digestB})
	require.NoError(t, err)
	t2, err := BuildTree([]string{digestB, digestA})
	require.NoError(t, err)
	require.Equal(t, t1.RootHex(), t2.RootHex())
}

func TestProofRoundTripEveryLeaf(t *testing.T) {
	digests := []string{
		digestA,
		digestB,
		"0000000000000000000000000000000000000000000000000000000000000a",
		"fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffd",
	}
	// normalize lengths to 64 chars for the synthetic entries
	digests[2] = "0a0000000000000000000000000000000000000000000000000000000000000a"[:64]
	digests[3] = "fd000000000000000000000000000000000000000000000000000000000000fd"[:64]

	tree, err := BuildTree(digests)
	require.NoError(t, err)

	for i := 0; i < tree.LeafCount(); i++ {
		proof, err := tree.ProofByIndex(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(proof.LeafHash, proof, tree.Root()))
	}
}

func TestProofByDigestNotFound(t *testing.T) {
	tree, err := BuildTree([]string{digestA})
	require.NoError(t, err)

	_, err = tree.ProofByDigest("00000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
}

func TestVerifyProofRejectsTamperedRoot(t *testing.T) {
	tree, err := BuildTree([]string{digestA, digestB})
	require.NoError(t, err)

	proof, err := tree.ProofByIndex(0)
	require.NoError(t, err)

	var tamperedRoot [32]byte
	root := tree.Root()
	copy(tamperedRoot[:], root[:])
	tamperedRoot[0] ^= 0xff

	require.False(t, VerifyProof(proof.LeafHash, proof, tamperedRoot))
}
