package fat

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// AferoFs adapts a mounted volume to afero.Fs. Paths are slash separated and
// relative to the volume root. Every call uses the context given to NewAferoFs.
type AferoFs struct {
	ctx  context.Context
	fsys *FS
}

var _ afero.Fs = (*AferoFs)(nil)

// NewAferoFs returns an afero.Fs backed by fsys.
func NewAferoFs(ctx context.Context, fsys *FS) *AferoFs {
	return &AferoFs{ctx: ctx, fsys: fsys}
}

func (a *AferoFs) Name() string { return "fat32" }

func (a *AferoFs) Create(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (a *AferoFs) Open(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile honours O_CREATE, O_EXCL, O_TRUNC and O_APPEND. perm is ignored
// except that a mode without owner write creates a read-only entry.
func (a *AferoFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	n, err := a.fsys.OpenPath(a.ctx, name)
	switch {
	case err == nil && flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	case errors.Is(err, os.ErrNotExist) && flag&os.O_CREATE != 0:
		dir, base, perr := a.fsys.OpenParent(a.ctx, name)
		if perr != nil {
			return nil, perr
		}
		f, cerr := dir.CreateFile(a.ctx, base, time.Time{})
		if cerr != nil {
			return nil, cerr
		}
		if perm != 0 && perm&0o200 == 0 {
			if err := f.SetReadOnly(a.ctx, true); err != nil {
				return nil, err
			}
		}
		n = f
	case err != nil:
		return nil, err
	}
	h := newHandle(a.ctx, name, n)
	if flag&os.O_TRUNC != 0 && h.file != nil {
		if err := h.file.Truncate(a.ctx, 0); err != nil {
			return nil, err
		}
	}
	h.append = flag&os.O_APPEND != 0
	return h, nil
}

func (a *AferoFs) Mkdir(name string, perm os.FileMode) error {
	dir, base, err := a.fsys.OpenParent(a.ctx, name)
	if err != nil {
		return err
	}
	_, err = dir.CreateDirectory(a.ctx, base, time.Time{})
	return err
}

func (a *AferoFs) MkdirAll(path string, perm os.FileMode) error {
	parts, ok := splitPath(path)
	if !ok {
		return &os.PathError{Op: "mkdir", Path: path, Err: os.ErrInvalid}
	}
	dir := a.fsys.OpenVolume()
	for _, p := range parts {
		next, err := dir.OpenDirectory(a.ctx, p)
		if errors.Is(err, os.ErrNotExist) {
			next, err = dir.CreateDirectory(a.ctx, p, time.Time{})
		}
		if err != nil {
			return err
		}
		dir = next
	}
	return nil
}

func (a *AferoFs) Remove(name string) error {
	dir, base, err := a.fsys.OpenParent(a.ctx, name)
	if err != nil {
		return err
	}
	n, err := a.open(dir, base)
	if err != nil {
		return err
	}
	return dir.Delete(a.ctx, n)
}

// RemoveAll deletes name and everything below it. A missing name is not an error.
func (a *AferoFs) RemoveAll(path string) error {
	dir, base, err := a.fsys.OpenParent(a.ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	n, err := a.open(dir, base)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	return a.removeTree(dir, n)
}

func (a *AferoFs) removeTree(parent *Dir, n Node) error {
	if d, ok := n.(*Dir); ok {
		entries, err := d.ReadDir(a.ctx)
		if err != nil {
			return err
		}
		var errs error
		for _, e := range entries {
			child, err := a.open(d, e.Name())
			if err == nil {
				err = a.removeTree(d, child)
			}
			errs = multierr.Append(errs, err)
		}
		if errs != nil {
			return errs
		}
	}
	return parent.Delete(a.ctx, n)
}

// Rename moves oldname to newname. An existing regular file at newname is replaced.
func (a *AferoFs) Rename(oldname, newname string) error {
	src, oldBase, err := a.fsys.OpenParent(a.ctx, oldname)
	if err != nil {
		return err
	}
	dst, newBase, err := a.fsys.OpenParent(a.ctx, newname)
	if err != nil {
		return err
	}
	n, err := a.open(src, oldBase)
	if err != nil {
		return err
	}
	if existing, err := dst.Lookup(a.ctx, newBase); err == nil && !existing.IsDir() &&
		(existing.Cluster() != n.Stat().Cluster() || dst.entry.cluster != src.entry.cluster) {
		if err := dst.Delete(a.ctx, a.fsys.newFile(dst.entry.cluster, existing)); err != nil {
			return err
		}
	}
	return src.Move(a.ctx, n, dst, newBase)
}

func (a *AferoFs) Stat(name string) (os.FileInfo, error) {
	n, err := a.fsys.OpenPath(a.ctx, name)
	if err != nil {
		return nil, err
	}
	return newHandle(a.ctx, name, n).Stat()
}

// Chmod maps the owner write bit to the read-only attribute.
func (a *AferoFs) Chmod(name string, mode os.FileMode) error {
	n, err := a.fsys.OpenPath(a.ctx, name)
	if err != nil {
		return err
	}
	return n.ref().SetReadOnly(a.ctx, mode&0o200 == 0)
}

// Chown is not supported: FAT has no owners.
func (a *AferoFs) Chown(name string, uid, gid int) error {
	return &os.PathError{Op: "chown", Path: name, Err: errors.New("not supported on FAT")}
}

func (a *AferoFs) Chtimes(name string, atime, mtime time.Time) error {
	n, err := a.fsys.OpenPath(a.ctx, name)
	if err != nil {
		return err
	}
	return n.ref().SetTimes(a.ctx, atime, mtime)
}

func (a *AferoFs) open(dir *Dir, name string) (Node, error) {
	e, err := dir.Lookup(a.ctx, name)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return a.fsys.newDir(dir.entry.cluster, e), nil
	}
	return a.fsys.newFile(dir.entry.cluster, e), nil
}
