package fat

import (
	"context"
	"io/fs"
	"sort"
)

type ioFS struct {
	ctx  context.Context
	fsys *FS
}

// IOFS exposes fsys as a read-only fs.FS. Every call uses ctx.
func IOFS(ctx context.Context, fsys *FS) fs.FS {
	return ioFS{ctx: ctx, fsys: fsys}
}

var (
	_ fs.StatFS      = ioFS{}
	_ fs.ReadDirFS   = ioFS{}
	_ fs.ReadDirFile = (*Handle)(nil)
)

func (g ioFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	n, err := g.fsys.OpenPath(g.ctx, name)
	if err != nil {
		return nil, err
	}
	return newHandle(g.ctx, name, n), nil
}

func (g ioFS) Stat(name string) (fs.FileInfo, error) {
	f, err := g.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (g ioFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	n, err := g.fsys.OpenPath(g.ctx, name)
	if err != nil {
		return nil, err
	}
	d, ok := n.(*Dir)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	entries, err := d.ReadDir(g.ctx)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	out := make([]fs.DirEntry, len(entries))
	for i := range entries {
		out[i] = entries[i]
	}
	return out, nil
}

// sortEntries orders entries by name, as io/fs listings are.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
}
