package fat

import (
	"context"
	"time"
)

// Node is an open File or Dir.
type Node interface {
	// Stat returns the directory entry the node was opened or last updated from.
	Stat() Entry
	ref() *node
}

// node is the state shared by files and directories: the volume, the directory
// that holds the node's entry, and the entry with its last known slot span.
type node struct {
	fsys   *FS
	parent uint32
	entry  Entry
}

func (n *node) ref() *node   { return n }
func (n *node) Stat() Entry  { return n.entry }
func (n *node) Name() string { return n.entry.name }

func (n *node) isRoot() bool { return n.parent == 0 }

// SetTimes changes the access and modification times stored in the node's entry.
func (n *node) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	if n.isRoot() {
		return nil
	}
	if err := n.fsys.lock(ctx); err != nil {
		return err
	}
	defer n.fsys.unlock()
	if err := n.fsys.writable(); err != nil {
		return err
	}
	e := n.entry
	e.accessed, e.modified = atime, mtime
	return n.fsys.updateEntry(ctx, n, e)
}

// SetReadOnly sets or clears the read-only attribute of the node's entry.
func (n *node) SetReadOnly(ctx context.Context, readOnly bool) error {
	if n.isRoot() {
		return nil
	}
	if err := n.fsys.lock(ctx); err != nil {
		return err
	}
	defer n.fsys.unlock()
	if err := n.fsys.writable(); err != nil {
		return err
	}
	e := n.entry
	if readOnly {
		e.attr |= attrReadOnly
	} else {
		e.attr &^= attrReadOnly
	}
	return n.fsys.updateEntry(ctx, n, e)
}

// updateEntry rewrites the metadata in the short slot of n from e. The slot is
// found at its recorded position if it still describes n, else by a fresh walk.
func (fsys *FS) updateEntry(ctx context.Context, n *node, e Entry) error {
	cur, err := fsys.relocate(ctx, n)
	if err != nil {
		return err
	}
	sect, off := fsys.slotSector(cur.end)
	err = fsys.cache.modify(ctx, sect, func(buf []byte) {
		ds := dirSlot{data: buf[off : off+slotSize]}
		ds.setAttributes(e.attr)
		ds.setCluster(e.cluster)
		if !e.IsDir() {
			ds.setSize(e.size)
		}
		ds.setModifiedAt(newDatetime(e.modified))
		ds.setAccessedAt(newDatetime(e.accessed))
	})
	if err != nil {
		return err
	}
	e.start, e.end = cur.start, cur.end
	n.entry = e
	return nil
}

// relocate returns the current entry of n as stored in its parent directory.
func (fsys *FS) relocate(ctx context.Context, n *node) (Entry, error) {
	if fsys.geo.validCluster(n.entry.end.cluster) {
		sect, off := fsys.slotSector(n.entry.end)
		buf, err := fsys.cache.read(ctx, sect)
		if err != nil {
			return Entry{}, err
		}
		ds := dirSlot{data: buf[off : off+slotSize]}
		if !ds.isEnd() && !ds.isDeleted() && !ds.attributes().IsLFN() &&
			ds.cluster() == n.entry.cluster && decodeShort(ds).shortName == n.entry.shortName {
			cur := n.entry
			return cur, nil
		}
	}
	cur, ok, err := fsys.locate(ctx, n.parent, &n.entry)
	if err != nil {
		return Entry{}, err
	} else if !ok {
		return Entry{}, notExist("stat", n.entry.name)
	}
	return cur, nil
}

// stored returns the entry of n with its metadata as currently held in its short slot.
func (fsys *FS) stored(ctx context.Context, n *node) (Entry, error) {
	cur, err := fsys.relocate(ctx, n)
	if err != nil {
		return Entry{}, err
	}
	sect, off := fsys.slotSector(cur.end)
	buf, err := fsys.cache.read(ctx, sect)
	if err != nil {
		return Entry{}, err
	}
	disk := decodeShort(dirSlot{data: buf[off : off+slotSize]})
	cur.attr, cur.cluster, cur.size = disk.attr, disk.cluster, disk.size
	cur.created, cur.modified, cur.accessed = disk.created, disk.modified, disk.accessed
	return cur, nil
}
