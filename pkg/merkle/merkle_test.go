package merkle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelock/core/pkg/merkle"
)

func sampleHashes(n int) []string {
	hashes := make([]string, n)
	for i := range hashes {
		hashes[i] = "sha256:" + string(rune('a'+i)) + "000000000000000000000000000000000000000000000000000000000000"
	}
	return hashes
}

func TestBuild_EmptyRejected(t *testing.T) {
	_, err := merkle.Build(nil)
	require.Error(t, err)
}

func TestBuild_SingleLeafRootEqualsLeaf(t *testing.T) {
	hashes := sampleHashes(1)
	tree, err := merkle.Build(hashes)
	require.NoError(t, err)
	require.Equal(t, tree.Leaves[0], tree.Root)
}

func TestProve_VerifyRoundTrip_EvenCount(t *testing.T) {
	hashes := sampleHashes(4)
	tree, err := merkle.Build(hashes)
	require.NoError(t, err)

	for i := range hashes {
		proof, err := merkle.Prove(tree, i, hashes)
		require.NoError(t, err)
		require.True(t, merkle.Verify(*proof, tree.Root), "index %d should verify", i)
	}
}

func TestProve_VerifyRoundTrip_OddCount(t *testing.T) {
	hashes := sampleHashes(5)
	tree, err := merkle.Build(hashes)
	require.NoError(t, err)

	for i := range hashes {
		proof, err := merkle.Prove(tree, i, hashes)
		require.NoError(t, err)
		require.True(t, merkle.Verify(*proof, tree.Root), "index %d should verify", i)
	}
}

func TestVerify_RejectsWrongRoot(t *testing.T) {
	hashes := sampleHashes(3)
	tree, err := merkle.Build(hashes)
	require.NoError(t, err)

	proof, err := merkle.Prove(tree, 1, hashes)
	require.NoError(t, err)
	require.False(t, merkle.Verify(*proof, "sha256:deadbeef"))
}

func TestProve_IndexOutOfRange(t *testing.T) {
	hashes := sampleHashes(2)
	tree, err := merkle.Build(hashes)
	require.NoError(t, err)

	_, err = merkle.Prove(tree, 5, hashes)
	require.Error(t, err)
}

func TestProveByEventID_FindsAndVerifies(t *testing.T) {
	hashes := sampleHashes(4)
	eventIDs := []string{"ev-0", "ev-1", "ev-2", "ev-3"}

	proof, err := merkle.ProveByEventID(eventIDs, hashes, "ev-2")
	require.NoError(t, err)
	require.Equal(t, 2, proof.Index)

	tree, err := merkle.Build(hashes)
	require.NoError(t, err)
	require.True(t, merkle.Verify(*proof, tree.Root))
}

func TestProveByEventID_UnknownEventIDErrors(t *testing.T) {
	hashes := sampleHashes(3)
	eventIDs := []string{"ev-0", "ev-1", "ev-2"}

	_, err := merkle.ProveByEventID(eventIDs, hashes, "does-not-exist")
	require.Error(t, err)
}

func TestProveByEventID_MismatchedLengthsErrors(t *testing.T) {
	_, err := merkle.ProveByEventID([]string{"ev-0", "ev-1"}, []string{"sha256:0"}, "ev-0")
	require.Error(t, err)
}

func TestBuild_DeterministicRoot(t *testing.T) {
	hashes := sampleHashes(6)
	t1, err := merkle.Build(hashes)
	require.NoError(t, err)
	t2, err := merkle.Build(hashes)
	require.NoError(t, err)
	require.Equal(t, t1.Root, t2.Root)
}
