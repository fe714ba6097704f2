package filex

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStat_Missing(t *testing.T) {
	fp, err := Stat(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.False(t, fp.Exists)
}

func TestStat_DetectsRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	first, err := Stat(path)
	require.NoError(t, err)
	require.True(t, first.Exists)
	require.Equal(t, int64(1), first.Size)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))
	require.NoError(t, os.Chtimes(path, later, later))

	second, err := Stat(path)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestReadLimited(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	data, err := ReadLimited(path, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = ReadLimited(path, 4)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "exceeds"))

	_, err = ReadLimited(filepath.Join(dir, "missing"), 10)
	require.True(t, errors.Is(err, fs.ErrNotExist))
}
