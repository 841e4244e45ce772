package fat

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, fsys *FS) {
	t.Helper()
	ctx := context.Background()
	root := fsys.OpenVolume()
	createFile(t, root, "HELLO.TXT", []byte("hello, world\n"))
	createFile(t, root, "empty", nil)
	docs, err := root.CreateDirectory(ctx, "docs", time.Time{})
	require.NoError(t, err)
	createFile(t, docs, "Readme file.txt", pattern(9000))
	sub, err := docs.CreateDirectory(ctx, "sub dir", time.Time{})
	require.NoError(t, err)
	createFile(t, sub, "deep.bin", pattern(100))
}

func TestIOFS(t *testing.T) {
	fsys, _ := newTestFS(t, testFormat)
	populate(t, fsys)
	iofs := IOFS(context.Background(), fsys)
	err := fstest.TestFS(iofs, "HELLO.TXT", "empty", "docs/Readme file.txt", "docs/sub dir/deep.bin")
	require.NoError(t, err)

	data, err := fs.ReadFile(iofs, "docs/Readme file.txt")
	require.NoError(t, err)
	require.Equal(t, pattern(9000), data)

	entries, err := fs.ReadDir(iofs, ".")
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	require.Equal(t, []string{"HELLO.TXT", "docs", "empty"}, got)

	info, err := fs.Stat(iofs, "docs")
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = iofs.Open("/HELLO.TXT")
	require.ErrorIs(t, err, fs.ErrInvalid)
	_, err = iofs.Open("missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = fs.ReadDir(iofs, "HELLO.TXT")
	require.Error(t, err)
}
