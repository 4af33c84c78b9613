package redbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeCacheDisabledIsNilSafe(t *testing.T) {
	t.Parallel()

	c, err := newNodeCache(0)
	require.NoError(t, err)
	require.Nil(t, c)

	_, ok := c.get(123)
	assert.False(t, ok)

	c.put(123, &node{})
	c.remove(123)
}

func TestNodeCacheGetPutRemove(t *testing.T) {
	t.Parallel()

	c, err := newNodeCache(4)
	require.NoError(t, err)
	require.NotNil(t, c)

	n := &node{isLeaf: true, numKeys: 1}
	c.put(200, n)

	got, ok := c.get(200)
	require.True(t, ok)
	assert.Same(t, n, got)

	c.remove(200)
	_, ok = c.get(200)
	assert.False(t, ok)
}
