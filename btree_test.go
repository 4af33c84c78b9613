package redbtree

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashedKey(s string) []byte {
	var buf [KeySize]byte
	copy(buf[:], s)
	return buf[:]
}

func setupTree(t *testing.T) *Tree {
	t.Helper()

	tr, err := OpenDevice(NewInMemoryDevice())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func readValue(t *testing.T, tr *Tree, off uint64) []byte {
	t.Helper()

	size, err := tr.SizeOf(off)
	require.NoError(t, err)
	buf := make([]byte, size)
	require.NoError(t, tr.PRead(buf, off))
	return buf
}

func TestTreeAddFindRoundTrip(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)

	key := hashedKey("hello")
	require.NoError(t, tr.Add(key, []byte("world"), false))

	off, err := tr.Find(key)
	require.NoError(t, err)
	assert.Equal(t, "world", string(readValue(t, tr, off)))
}

func TestTreeFindMissingKey(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)

	_, err := tr.Find(hashedKey("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTreeAddDuplicateWithoutReplaceFails(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)

	key := hashedKey("dup")
	require.NoError(t, tr.Add(key, []byte("v1"), false))

	err := tr.Add(key, []byte("v2"), false)
	assert.ErrorIs(t, err, ErrExists)

	off, err := tr.Find(key)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(readValue(t, tr, off)))
}

func TestTreeAddDuplicateWithReplaceOverwrites(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)

	key := hashedKey("dup")
	require.NoError(t, tr.Add(key, []byte("v1"), false))
	require.NoError(t, tr.Add(key, []byte("v2-longer"), true))

	off, err := tr.Find(key)
	require.NoError(t, err)
	assert.Equal(t, "v2-longer", string(readValue(t, tr, off)))
}

func TestTreeAddRejectsWrongLengthKey(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)

	err := tr.Add([]byte("short"), []byte("v"), false)
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	_, err = tr.Find([]byte("short"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
}

// TestTreeManyInsertsStaySorted forces repeated node splits (well beyond
// MaxKeys) and checks that Walk still yields every key in strictly
// ascending order and that every value round-trips.
func TestTreeManyInsertsStaySorted(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)

	const n = 500
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("value-%d", i)
		require.NoError(t, tr.Add(hashedKey(k), []byte(v), false))
		want[string(hashedKey(k))] = v
	}

	var seen [][KeySize]byte
	err := tr.Walk(func(key [KeySize]byte, valueOffset uint64, depth int) error {
		seen = append(seen, key)
		v := readValue(t, tr, valueOffset)
		expected, ok := want[string(key[:])]
		if !ok {
			return fmt.Errorf("unexpected key in walk: %x", key)
		}
		if string(v) != expected {
			return fmt.Errorf("value mismatch for %x: got %q want %q", key, v, expected)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, n)

	assert.True(t, sort.SliceIsSorted(seen, func(i, j int) bool {
		return string(seen[i][:]) < string(seen[j][:])
	}))

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		off, err := tr.Find(hashedKey(k))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(readValue(t, tr, off)))
	}
}

func TestTreePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "persist.db")

	tr, err := Open(path)
	require.NoError(t, err)

	const n = 300
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("pkey-%04d", i)
		require.NoError(t, tr.Add(hashedKey(k), []byte(fmt.Sprintf("pval-%d", i)), false))
	}
	require.NoError(t, tr.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("pkey-%04d", i)
		off, err := reopened.Find(hashedKey(k))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("pval-%d", i), string(readValue(t, reopened, off)))
	}
}

func TestOpenRejectsCorruptMagic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corrupt.db")

	tr, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	dev, err := OpenOSDevice(path)
	require.NoError(t, err)
	require.NoError(t, dev.Pwrite([]byte("NOTAVALIDMAGIC00"), 0))
	require.NoError(t, dev.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestTreeOperationsFailAfterClose(t *testing.T) {
	t.Parallel()

	tr := setupTree(t)
	require.NoError(t, tr.Close())

	err := tr.Add(hashedKey("x"), []byte("y"), false)
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	_, err = tr.Find(hashedKey("x"))
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	err = tr.Close()
	assert.ErrorIs(t, err, ErrDatabaseClosed)
}

func TestTreeWithWriteBarrierDisabled(t *testing.T) {
	t.Parallel()

	tr, err := OpenDevice(NewInMemoryDevice(), WithWriteBarrier(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	key := hashedKey("nobarrier")
	require.NoError(t, tr.Add(key, []byte("value"), false))

	off, err := tr.Find(key)
	require.NoError(t, err)
	assert.Equal(t, "value", string(readValue(t, tr, off)))

	tr.SetWriteBarrier(true)
	require.NoError(t, tr.Add(hashedKey("again"), []byte("v2"), false))
}

func TestTreeWithNodeCache(t *testing.T) {
	t.Parallel()

	tr, err := OpenDevice(NewInMemoryDevice(), WithNodeCache(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	const n = 300
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("ckey-%04d", i)
		require.NoError(t, tr.Add(hashedKey(k), []byte(fmt.Sprintf("cval-%d", i)), false))
	}
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("ckey-%04d", i)
		off, err := tr.Find(hashedKey(k))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("cval-%d", i), string(readValue(t, tr, off)))
	}
}
