package locktree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockDance(t *testing.T) {
	tree := New("/scratch")

	require.NoError(t, tree.Lock("two/three/four"))
	require.NoError(t, tree.Lock("two"))
	require.NoError(t, tree.Lock("/scratch/two/three"))

	require.NoError(t, tree.Unlock("two/three/four"))
	assert.Equal(t, []string{"/scratch/two/three/four"}, tree.Collect())
	assert.Empty(t, tree.Eligible())

	require.NoError(t, tree.Unlock("two"))
	assert.Empty(t, tree.Eligible(), "two still has a locked child")

	require.NoError(t, tree.Unlock("two/three"))
	assert.Equal(t, []string{"/scratch/two"}, tree.Collect())
}

func TestLockedSiblingProtected(t *testing.T) {
	tree := New("/scratch")
	require.NoError(t, tree.Lock("two"))
	require.NoError(t, tree.Lock("two/three"))
	require.NoError(t, tree.Lock("two/five"))

	require.NoError(t, tree.Unlock("two"))
	require.NoError(t, tree.Unlock("two/three"))

	assert.Equal(t, []string{"/scratch/two/three"}, tree.Eligible())
	assert.Equal(t, []string{"/scratch/two", "/scratch/two/five"}, tree.Locked())
}

func TestUnregisteredIntermediate(t *testing.T) {
	tree := New("/scratch")
	require.NoError(t, tree.Lock("a/b"))

	state, err := tree.State("a")
	require.NoError(t, err)
	assert.Equal(t, Unregistered, state)

	require.NoError(t, tree.Unlock("a/b"))
	assert.Equal(t, []string{"/scratch/a/b"}, tree.Eligible())
}

func TestPathErrors(t *testing.T) {
	tree := New("/scratch")

	var pe *PathError
	assert.True(t, errors.As(tree.Lock("/elsewhere/x"), &pe))
	assert.True(t, errors.As(tree.Lock("../x"), &pe))
	assert.True(t, errors.As(tree.Lock("/scratchy"), &pe))

	var ue *UnknownPathError
	assert.True(t, errors.As(tree.Unlock("never/locked"), &ue))

	require.NoError(t, tree.Lock("a/b"))
	assert.True(t, errors.As(tree.Unlock("a"), &ue), "intermediate nodes are not registered")
}

func TestRootLock(t *testing.T) {
	tree := New("/scratch")
	require.NoError(t, tree.Lock("/scratch"))
	require.NoError(t, tree.Lock("Batch-0"))
	require.NoError(t, tree.Unlock("Batch-0"))

	assert.Equal(t, []string{"/scratch/Batch-0"}, tree.Collect())

	require.NoError(t, tree.Unlock("/scratch"))
	assert.Equal(t, []string{"/scratch"}, tree.Collect())
}
