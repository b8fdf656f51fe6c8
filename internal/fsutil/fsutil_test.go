package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "peers.json")

	require.NoError(t, AtomicWrite(path, []byte("first")))
	require.NoError(t, AtomicWrite(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]int{"a": 1, "b": 2}
	require.NoError(t, WriteJSON(path, in))

	var out map[string]int
	require.NoError(t, ReadJSON(path, &out))
	require.Equal(t, in, out)

	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	require.True(t, os.IsNotExist(err))
}
