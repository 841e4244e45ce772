package fat

import (
	"context"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/errors"
)

// Handle is a file or directory opened by path, with a read/write offset in the
// manner of *os.File. The context given when it was opened is used for every
// call. Handle implements afero.File and fs.ReadDirFile.
type Handle struct {
	ctx    context.Context
	name   string
	file   *File
	dir    *Dir
	off    int64
	append bool
	// listing holds the directory entries not yet returned by Readdir or ReadDir.
	listing []Entry
	listed  bool
	closed  bool
}

func newHandle(ctx context.Context, name string, n Node) *Handle {
	h := &Handle{ctx: ctx, name: name}
	switch n := n.(type) {
	case *File:
		h.file = n
	case *Dir:
		h.dir = n
	}
	return h
}

// Name returns the path the handle was opened with.
func (h *Handle) Name() string { return h.name }

func (h *Handle) check(op string) error {
	if h.closed {
		return &fs.PathError{Op: op, Path: h.name, Err: fs.ErrClosed}
	}
	return nil
}

func (h *Handle) notFile(op string) error {
	if err := h.check(op); err != nil {
		return err
	}
	if h.file == nil {
		return &fs.PathError{Op: op, Path: h.name, Err: errors.New("is a directory")}
	}
	return nil
}

// Stat returns the entry of the handle. The root directory reports the name ".".
func (h *Handle) Stat() (fs.FileInfo, error) {
	if err := h.check("stat"); err != nil {
		return nil, err
	}
	if h.file != nil {
		return h.file.Stat(), nil
	}
	e := h.dir.Stat()
	if h.dir.isRoot() {
		e.name = path.Base(path.Clean("/" + h.name))
		if e.name == "/" {
			e.name = "."
		}
	}
	return e, nil
}

func (h *Handle) Close() error {
	if err := h.check("close"); err != nil {
		return err
	}
	h.closed = true
	h.listing = nil
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}

func (h *Handle) Read(p []byte) (int, error) {
	if err := h.notFile("read"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := h.file.Read(h.ctx, h.off, p)
	h.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.notFile("read"); err != nil {
		return 0, err
	}
	return h.file.Read(h.ctx, off, p)
}

// Seek sets the offset for the next Read or Write. Offsets past the end are
// allowed; a write there fills the gap with zeros. On a directory only a seek to
// the start is supported and restarts the listing.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if err := h.check("seek"); err != nil {
		return 0, err
	}
	if h.dir != nil {
		if offset != 0 || whence != io.SeekStart {
			return 0, &fs.PathError{Op: "seek", Path: h.name, Err: fs.ErrInvalid}
		}
		h.listing, h.listed = nil, false
		return 0, nil
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += h.off
	case io.SeekEnd:
		size, err := h.file.storedSize(h.ctx)
		if err != nil {
			return 0, err
		}
		offset += size
	default:
		return 0, &fs.PathError{Op: "seek", Path: h.name, Err: fs.ErrInvalid}
	}
	if offset < 0 {
		return 0, &fs.PathError{Op: "seek", Path: h.name, Err: fs.ErrInvalid}
	}
	h.off = offset
	return offset, nil
}

func (h *Handle) Write(p []byte) (int, error) {
	if err := h.notFile("write"); err != nil {
		return 0, err
	}
	if h.append {
		size, err := h.file.storedSize(h.ctx)
		if err != nil {
			return 0, err
		}
		h.off = size
	}
	n, err := h.file.Write(h.ctx, h.off, p)
	h.off += int64(n)
	return n, err
}

func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.notFile("write"); err != nil {
		return 0, err
	}
	if h.append {
		return 0, &fs.PathError{Op: "write", Path: h.name, Err: errors.New("WriteAt in append mode")}
	}
	return h.file.Write(h.ctx, off, p)
}

func (h *Handle) WriteString(s string) (int, error) { return h.Write([]byte(s)) }

func (h *Handle) Truncate(size int64) error {
	if err := h.notFile("truncate"); err != nil {
		return err
	}
	return h.file.Truncate(h.ctx, size)
}

func (h *Handle) Sync() error {
	if err := h.check("sync"); err != nil {
		return err
	}
	if h.file != nil {
		return h.file.Sync(h.ctx)
	}
	return nil
}

// next returns up to n entries of the remaining listing, all of them when n <= 0.
func (h *Handle) next(op string, n int) ([]Entry, error) {
	if err := h.check(op); err != nil {
		return nil, err
	}
	if h.dir == nil {
		return nil, &fs.PathError{Op: op, Path: h.name, Err: errors.New("not a directory")}
	}
	if !h.listed {
		entries, err := h.dir.ReadDir(h.ctx)
		if err != nil {
			return nil, err
		}
		h.listing, h.listed = entries, true
	}
	if n <= 0 || n > len(h.listing) {
		n = len(h.listing)
	}
	out := h.listing[:n:n]
	h.listing = h.listing[n:]
	return out, nil
}

// ReadDir implements fs.ReadDirFile.
func (h *Handle) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := h.next("readdir", n)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) == 0 {
		return nil, io.EOF
	}
	out := make([]fs.DirEntry, len(entries))
	for i := range entries {
		out[i] = entries[i]
	}
	return out, nil
}

// Readdir implements the os.File style listing of afero.File.
func (h *Handle) Readdir(count int) ([]fs.FileInfo, error) {
	entries, err := h.next("readdir", count)
	if err != nil {
		return nil, err
	}
	if count > 0 && len(entries) == 0 {
		return nil, io.EOF
	}
	out := make([]fs.FileInfo, len(entries))
	for i := range entries {
		out[i] = entries[i]
	}
	return out, nil
}

func (h *Handle) Readdirnames(n int) ([]string, error) {
	infos, err := h.Readdir(n)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, err
}
