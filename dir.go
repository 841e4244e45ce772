package fat

import (
	"context"
	"io/fs"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

// Dir is an open directory.
type Dir struct {
	node
}

// ReadDir returns the entries of d in on-disk order.
func (d *Dir) ReadDir(ctx context.Context) ([]Entry, error) {
	if err := d.fsys.lock(ctx); err != nil {
		return nil, err
	}
	defer d.fsys.unlock()
	var entries []Entry
	err := d.fsys.walk(ctx, d.entry.cluster, func(e *Entry) (walkAction, error) {
		entries = append(entries, *e)
		return walkContinue, nil
	})
	return entries, err
}

// Lookup returns the entry called name in d.
func (d *Dir) Lookup(ctx context.Context, name string) (Entry, error) {
	if err := d.fsys.lock(ctx); err != nil {
		return Entry{}, err
	}
	defer d.fsys.unlock()
	e, ok, err := d.fsys.lookup(ctx, d.entry.cluster, name)
	if err != nil {
		return Entry{}, err
	} else if !ok {
		return Entry{}, notExist("lookup", name)
	}
	return e, nil
}

// OpenFile opens the regular file called name in d.
func (d *Dir) OpenFile(ctx context.Context, name string) (*File, error) {
	if err := d.fsys.lock(ctx); err != nil {
		return nil, err
	}
	defer d.fsys.unlock()
	e, ok, err := d.fsys.lookup(ctx, d.entry.cluster, name)
	if err != nil {
		return nil, err
	} else if !ok || e.IsDir() {
		return nil, notExist("open", name)
	}
	return d.fsys.newFile(d.entry.cluster, e), nil
}

// OpenDirectory opens the subdirectory called name in d.
func (d *Dir) OpenDirectory(ctx context.Context, name string) (*Dir, error) {
	if err := d.fsys.lock(ctx); err != nil {
		return nil, err
	}
	defer d.fsys.unlock()
	e, ok, err := d.fsys.lookup(ctx, d.entry.cluster, name)
	if err != nil {
		return nil, err
	} else if !ok || !e.IsDir() || !d.fsys.geo.validCluster(e.cluster) {
		return nil, notExist("open", name)
	}
	return d.fsys.newDir(d.entry.cluster, e), nil
}

func (fsys *FS) newDir(parent uint32, e Entry) *Dir {
	return &Dir{node: node{fsys: fsys, parent: parent, entry: e}}
}

// CreateFile creates an empty file called name in d with one cluster allocated to it.
// A zero t stamps the entry with the volume clock.
func (d *Dir) CreateFile(ctx context.Context, name string, t time.Time) (*File, error) {
	e, err := d.create(ctx, name, t, attrArchive)
	if err != nil {
		return nil, err
	}
	return d.fsys.newFile(d.entry.cluster, e), nil
}

// CreateDirectory creates an empty subdirectory called name in d.
// A zero t stamps the entry with the volume clock.
func (d *Dir) CreateDirectory(ctx context.Context, name string, t time.Time) (*Dir, error) {
	e, err := d.create(ctx, name, t, attrDirectory)
	if err != nil {
		return nil, err
	}
	return d.fsys.newDir(d.entry.cluster, e), nil
}

func (d *Dir) create(ctx context.Context, name string, t time.Time, attr fileattr) (e Entry, err error) {
	fsys := d.fsys
	if err := fsys.lock(ctx); err != nil {
		return e, err
	}
	defer fsys.unlock()
	if err := fsys.writable(); err != nil {
		return e, err
	}
	if _, err := validateName(name); err != nil {
		return e, &fs.PathError{Op: "create", Path: name, Err: err}
	}
	if _, found, err := fsys.lookup(ctx, d.entry.cluster, name); err != nil {
		return e, err
	} else if found {
		return e, exists("create", name)
	}
	if t.IsZero() {
		t = fsys.now()
	}
	c, err := fsys.fat.allocate(ctx)
	if err != nil {
		return e, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, fsys.fat.free(ctx, c))
		}
	}()
	e = Entry{attr: attr, cluster: c, created: t, modified: t, accessed: t}
	if attr.IsSubdirectory() {
		if err = fsys.seedDirectory(ctx, c, d.entry.cluster, t); err != nil {
			return e, err
		}
	}
	if err = fsys.place(ctx, d.entry.cluster, name, &e); err != nil {
		return e, err
	}
	fsys.debug("create", slog.String("name", name), slog.Uint64("cluster", uint64(c)), slog.Bool("dir", attr.IsSubdirectory()))
	return e, nil
}

// seedDirectory zeroes the first cluster of a new directory and writes its dot entries.
func (fsys *FS) seedDirectory(ctx context.Context, cluster, parent uint32, t time.Time) error {
	if err := fsys.zeroCluster(ctx, cluster); err != nil {
		return err
	}
	if parent == fsys.geo.RootCluster {
		parent = 0
	}
	dot := Entry{attr: attrDirectory, cluster: cluster, created: t, modified: t, accessed: t}
	if err := fsys.place(ctx, cluster, ".", &dot); err != nil {
		return err
	}
	dotdot := dot
	dotdot.cluster = parent
	return fsys.place(ctx, cluster, "..", &dotdot)
}

// Delete removes n from d and releases its clusters. Deleting a stale handle, whose
// entry no longer exists, returns an error wrapping fs.ErrNotExist and writes nothing.
// Directories must be empty.
func (d *Dir) Delete(ctx context.Context, n Node) error {
	fsys := d.fsys
	r := n.ref()
	if err := fsys.lock(ctx); err != nil {
		return err
	}
	defer fsys.unlock()
	if err := fsys.writable(); err != nil {
		return err
	}
	if r.isRoot() || r.parent != d.entry.cluster {
		return notExist("delete", r.entry.name)
	}
	e, ok, err := fsys.locate(ctx, d.entry.cluster, &r.entry)
	if err != nil {
		return err
	} else if !ok {
		return notExist("delete", r.entry.name)
	}
	if e.IsDir() {
		if empty, err := fsys.isEmpty(ctx, e.cluster); err != nil {
			return err
		} else if !empty {
			return &fs.PathError{Op: "delete", Path: e.name, Err: ErrNotEmpty}
		}
	}
	if err := fsys.markDeleted(ctx, e.start, e.end); err != nil {
		return err
	}
	fsys.debug("delete", slog.String("name", e.name), slog.Uint64("cluster", uint64(e.cluster)))
	if fsys.geo.validCluster(e.cluster) {
		return fsys.fat.free(ctx, e.cluster)
	}
	return nil
}

// Rename gives n, an entry of d, the name newName.
func (d *Dir) Rename(ctx context.Context, n Node, newName string) error {
	return d.Move(ctx, n, d, newName)
}

// Move moves n, an entry of d, into dst under newName. The new slot run is placed
// before the old one is deleted, so a failed placement leaves n under its old name.
// The two steps are not atomic.
func (d *Dir) Move(ctx context.Context, n Node, dst *Dir, newName string) error {
	fsys := d.fsys
	r := n.ref()
	if err := fsys.lock(ctx); err != nil {
		return err
	}
	defer fsys.unlock()
	if err := fsys.writable(); err != nil {
		return err
	}
	if dst.fsys != fsys {
		return &fs.PathError{Op: "rename", Path: newName, Err: fs.ErrInvalid}
	}
	if _, err := validateName(newName); err != nil {
		return &fs.PathError{Op: "rename", Path: newName, Err: err}
	}
	if r.isRoot() || r.parent != d.entry.cluster {
		return notExist("rename", r.entry.name)
	}
	e, ok, err := fsys.locate(ctx, d.entry.cluster, &r.entry)
	if err != nil {
		return err
	} else if !ok {
		return notExist("rename", r.entry.name)
	}
	if existing, found, err := fsys.lookup(ctx, dst.entry.cluster, newName); err != nil {
		return err
	} else if found && (dst.entry.cluster != d.entry.cluster || existing.end != e.end) {
		return exists("rename", newName)
	}
	if e.IsDir() && dst.entry.cluster != d.entry.cluster {
		if inside, err := fsys.isWithin(ctx, dst.entry.cluster, e.cluster); err != nil {
			return err
		} else if inside {
			return &fs.PathError{Op: "rename", Path: newName, Err: fs.ErrInvalid}
		}
	}
	moved := e
	if err := fsys.place(ctx, dst.entry.cluster, newName, &moved); err != nil {
		return err
	}
	if err := fsys.markDeleted(ctx, e.start, e.end); err != nil {
		return err
	}
	if e.IsDir() && dst.entry.cluster != d.entry.cluster {
		if err := fsys.setParentLink(ctx, e.cluster, dst.entry.cluster); err != nil {
			return err
		}
	}
	r.entry = moved
	r.parent = dst.entry.cluster
	return nil
}

// parentOf reads the ".." entry of the directory at cluster.
func (fsys *FS) parentOf(ctx context.Context, cluster uint32) (uint32, bool, error) {
	sect, off := fsys.slotSector(slotPos{cluster: cluster, index: 1})
	buf, err := fsys.cache.read(ctx, sect)
	if err != nil {
		return 0, false, err
	}
	ds := dirSlot{data: buf[off : off+slotSize]}
	raw := ds.rawName()
	if raw[0] != '.' || raw[1] != '.' || !ds.attributes().IsSubdirectory() {
		return 0, false, nil
	}
	parent := ds.cluster()
	if parent == 0 {
		parent = fsys.geo.RootCluster
	}
	return parent, true, nil
}

func (fsys *FS) setParentLink(ctx context.Context, cluster, parent uint32) error {
	if parent == fsys.geo.RootCluster {
		parent = 0
	}
	sect, off := fsys.slotSector(slotPos{cluster: cluster, index: 1})
	return fsys.cache.modify(ctx, sect, func(buf []byte) {
		dirSlot{data: buf[off : off+slotSize]}.setCluster(parent)
	})
}

// isWithin reports whether the directory at cluster is ancestor or equal to dir.
func (fsys *FS) isWithin(ctx context.Context, dir, cluster uint32) (bool, error) {
	for n := uint32(0); n <= fsys.geo.ClusterCount; n++ {
		if dir == cluster {
			return true, nil
		} else if dir == fsys.geo.RootCluster {
			return false, nil
		}
		parent, ok, err := fsys.parentOf(ctx, dir)
		if err != nil || !ok {
			return false, err
		}
		dir = parent
	}
	return false, corruptf("directory parent links loop at cluster %d", dir)
}
