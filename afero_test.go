package fat

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestAfero(t *testing.T) *AferoFs {
	t.Helper()
	fsys, _ := newTestFS(t, testFormat)
	return NewAferoFs(context.Background(), fsys)
}

func TestAferoReadWrite(t *testing.T) {
	a := newTestAfero(t)
	require.Equal(t, "fat32", a.Name())
	require.NoError(t, a.MkdirAll("/docs/notes", 0o755))
	require.NoError(t, a.MkdirAll("docs/notes", 0o755), "existing directories are fine")
	require.NoError(t, afero.WriteFile(a, "/docs/notes/todo list.txt", []byte("buy milk\n"), 0o644))

	got, err := afero.ReadFile(a, "docs/notes/TODO LIST.TXT")
	require.NoError(t, err)
	require.Equal(t, "buy milk\n", string(got))

	f, err := a.OpenFile("docs/notes/todo list.txt", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("walk dog\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	got, err = afero.ReadFile(a, "docs/notes/todo list.txt")
	require.NoError(t, err)
	require.Equal(t, "buy milk\nwalk dog\n", string(got))

	_, err = a.OpenFile("docs/notes/todo list.txt", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	require.ErrorIs(t, err, os.ErrExist)

	f, err = a.OpenFile("docs/notes/todo list.txt", os.O_RDWR|os.O_TRUNC, 0)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.Zero(t, info.Size())
	require.NoError(t, f.Close())

	_, err = a.Open("docs/missing")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorIs(t, a.Mkdir("nowhere/dir", 0o755), os.ErrNotExist)
}

func TestAferoHandleSeek(t *testing.T) {
	a := newTestAfero(t)
	f, err := a.Create("seek.bin")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hello world")
	require.NoError(t, err)

	off, err := f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(6), off)
	buf := make([]byte, 5)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))
	_, err = f.Read(buf)
	require.Equal(t, io.EOF, err)

	_, err = f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = f.Write([]byte("!"))
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("H"), 0)
	require.NoError(t, err)
	n, err := f.ReadAt(buf, 7)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "orld!", string(buf))
	n, err = f.ReadAt(buf, 10)
	require.Equal(t, 2, n)
	require.Equal(t, io.EOF, err)

	_, err = f.Seek(-1, io.SeekStart)
	require.Error(t, err)
	require.NoError(t, f.Truncate(5))
	got, err := afero.ReadFile(a, "seek.bin")
	require.NoError(t, err)
	require.Equal(t, "Hello", string(got))
}

func TestAferoRenameAndRemove(t *testing.T) {
	a := newTestAfero(t)
	require.NoError(t, a.MkdirAll("src/inner", 0o755))
	require.NoError(t, afero.WriteFile(a, "src/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(a, "src/inner/b.txt", []byte("b"), 0o644))
	require.NoError(t, afero.WriteFile(a, "target.txt", []byte("old"), 0o644))

	// An existing file at the destination is replaced.
	require.NoError(t, a.Rename("src/a.txt", "target.txt"))
	got, err := afero.ReadFile(a, "target.txt")
	require.NoError(t, err)
	require.Equal(t, "a", string(got))
	_, err = a.Stat("src/a.txt")
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, a.Rename("src/inner", "moved"))
	got, err = afero.ReadFile(a, "moved/b.txt")
	require.NoError(t, err)
	require.Equal(t, "b", string(got))

	require.Error(t, a.Remove("moved"), "directory not empty")
	require.NoError(t, a.RemoveAll("moved"))
	require.NoError(t, a.RemoveAll("moved"), "missing path")
	require.NoError(t, a.Remove("target.txt"))
	require.NoError(t, a.Remove("src"))

	names, err := afero.ReadDir(a, "/")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestAferoAttributes(t *testing.T) {
	a := newTestAfero(t)
	require.NoError(t, afero.WriteFile(a, "file", []byte("x"), 0o644))

	require.NoError(t, a.Chmod("file", 0o444))
	info, err := a.Stat("file")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode())
	require.NoError(t, a.Chmod("file", 0o644))
	info, err = a.Stat("file")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o666), info.Mode())

	f, err := a.OpenFile("locked", os.O_CREATE|os.O_WRONLY, 0o400)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	info, err = a.Stat("locked")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode())

	mtime := time.Date(2022, 2, 2, 10, 10, 10, 0, time.UTC)
	require.NoError(t, a.Chtimes("file", mtime, mtime))
	info, err = a.Stat("file")
	require.NoError(t, err)
	require.True(t, mtime.Equal(info.ModTime()), "got %v", info.ModTime())

	require.Error(t, a.Chown("file", 1, 1))

	info, err = a.Stat("/")
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, ".", info.Name())
}

func TestAferoWalk(t *testing.T) {
	a := newTestAfero(t)
	require.NoError(t, a.MkdirAll("a/b", 0o755))
	require.NoError(t, afero.WriteFile(a, "a/b/c.txt", nil, 0o644))
	require.NoError(t, afero.WriteFile(a, "a/d.txt", nil, 0o644))
	require.NoError(t, afero.WriteFile(a, "top.txt", nil, 0o644))

	var walked []string
	err := afero.Walk(a, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		walked = append(walked, filepath.ToSlash(path))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/", "/a", "/a/b", "/a/b/c.txt", "/a/d.txt", "/top.txt"}, walked)
}
