package fat

import (
	"context"
	"io"
	"io/fs"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrTooLarge is returned for writes past the 4GiB-1 FAT file size limit.
var ErrTooLarge = errors.New("fat: file too large")

// File is an open regular file. Reads and writes are positional; see the IOFS and
// afero adapters for handles with a seek offset.
type File struct {
	node
	// curIndex and curCluster map a cluster index of the file to its cluster id.
	// They stay valid while no chain has been freed on the volume (freeEpoch).
	curIndex   int64
	curCluster uint32
	freeEpoch  uint64
	// buf caches the data of cluster index bufIndex as of cache generation bufGen.
	buf      []byte
	bufIndex int64
	bufValid bool
	bufGen   uint64
	closed   bool
}

func (fsys *FS) newFile(parent uint32, e Entry) *File {
	return &File{node: node{fsys: fsys, parent: parent, entry: e}, curIndex: -1}
}

// Size returns the file size in bytes as of the last operation through f.
func (f *File) Size() int64 { return int64(f.entry.size) }

// Close releases the handle. Data is already on the device.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	f.buf = nil
	return nil
}

// Sync is a no-op kept for interface compatibility: writes are not buffered.
func (f *File) Sync(ctx context.Context) error {
	if f.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (f *File) lock(ctx context.Context) error {
	if f.closed {
		return ErrClosed
	}
	return f.fsys.lock(ctx)
}

// Read reads up to len(p) bytes starting at byte offset off. It returns io.EOF
// when fewer than len(p) bytes remain; an empty p reads nothing and succeeds.
func (f *File) Read(ctx context.Context, off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: f.entry.name, Err: fs.ErrInvalid}
	}
	if err := f.lock(ctx); err != nil {
		return 0, err
	}
	defer f.fsys.unlock()
	if err := f.reload(ctx); err != nil {
		return 0, err
	}
	return f.readLocked(ctx, off, p)
}

func (f *File) readLocked(ctx context.Context, off int64, p []byte) (n int, err error) {
	size := int64(f.entry.size)
	if len(p) == 0 {
		return 0, nil
	} else if off >= size {
		return 0, io.EOF
	}
	if !f.fsys.geo.validCluster(f.entry.cluster) {
		return 0, corruptf("file %q of size %d has cluster %d", f.entry.name, size, f.entry.cluster)
	}
	cs := int64(f.fsys.geo.ClusterSize())
	for n < len(p) && off < size {
		if err := f.loadCluster(ctx, off/cs); err != nil {
			return n, err
		}
		within := off % cs
		limit := min(cs, within+size-off)
		m := copy(p[n:], f.buf[within:limit])
		n += m
		off += int64(m)
	}
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

// clusterAt returns the cluster holding cluster index idx of the file. Forward
// moves continue from the last resolved cluster instead of the chain head.
func (f *File) clusterAt(ctx context.Context, head uint32, idx int64) (uint32, error) {
	t := f.fsys.fat
	if f.curIndex >= 0 && f.curIndex <= idx && f.freeEpoch == t.frees {
		c, err := t.clusterAt(ctx, f.curCluster, idx-f.curIndex)
		if err != nil {
			return 0, err
		}
		f.curIndex, f.curCluster = idx, c
		return c, nil
	}
	c, err := t.clusterAt(ctx, head, idx)
	if err != nil {
		return 0, err
	}
	f.curIndex, f.curCluster, f.freeEpoch = idx, c, t.frees
	return c, nil
}

func (f *File) loadCluster(ctx context.Context, idx int64) error {
	if f.bufValid && f.bufIndex == idx && f.bufGen == f.fsys.cache.gen && f.freeEpoch == f.fsys.fat.frees {
		return nil
	}
	c, err := f.clusterAt(ctx, f.entry.cluster, idx)
	if err != nil {
		return err
	}
	if len(f.buf) != f.fsys.geo.ClusterSize() {
		f.buf = make([]byte, f.fsys.geo.ClusterSize())
	}
	f.bufValid = false
	if err := f.fsys.cache.readDirect(ctx, f.fsys.geo.ClusterToLBA(c), f.buf); err != nil {
		return err
	}
	f.bufValid, f.bufIndex, f.bufGen = true, idx, f.fsys.cache.gen
	return nil
}

// Write writes p at byte offset off, growing the file and its cluster chain as
// needed. A gap between the current size and off is filled with zeros.
func (f *File) Write(ctx context.Context, off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "write", Path: f.entry.name, Err: fs.ErrInvalid}
	}
	if err := f.lock(ctx); err != nil {
		return 0, err
	}
	defer f.fsys.unlock()
	if err := f.fsys.writable(); err != nil {
		return 0, err
	}
	if err := f.reload(ctx); err != nil {
		return 0, err
	}
	return f.writeLocked(ctx, off, p)
}

func (f *File) writeLocked(ctx context.Context, off int64, p []byte) (int, error) {
	end := off + int64(len(p))
	if end > math.MaxUint32 {
		return 0, &fs.PathError{Op: "write", Path: f.entry.name, Err: ErrTooLarge}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if size := int64(f.entry.size); off > size {
		if err := f.zeroRange(ctx, size, off); err != nil {
			return 0, err
		}
	}
	e := f.entry
	if err := f.ensureClusters(ctx, &e, end); err != nil {
		return 0, err
	}
	n, err := f.writeData(ctx, e.cluster, off, p)
	if int64(e.size) < off+int64(n) {
		e.size = uint32(off + int64(n))
	}
	e.modified = f.fsys.now()
	e.accessed = e.modified
	if uerr := f.fsys.updateEntry(ctx, &f.node, e); uerr != nil && err == nil {
		err = uerr
	}
	return n, err
}

// zeroRange writes zeros over [from, to) of the file.
func (f *File) zeroRange(ctx context.Context, from, to int64) error {
	zero := make([]byte, min(to-from, int64(f.fsys.geo.ClusterSize())))
	for from < to {
		chunk := zero[:min(to-from, int64(len(zero)))]
		if _, err := f.writeLocked(ctx, from, chunk); err != nil {
			return err
		}
		from += int64(len(chunk))
	}
	return nil
}

// ensureClusters grows the chain of e until it covers size bytes. A first cluster
// allocated here is freed again, chain and all, if the chain cannot be grown, since
// e is only recorded on success.
func (f *File) ensureClusters(ctx context.Context, e *Entry, size int64) (err error) {
	t := f.fsys.fat
	cs := int64(f.fsys.geo.ClusterSize())
	need := max(1, (size+cs-1)/cs)
	if e.cluster == 0 {
		c, aerr := t.allocate(ctx)
		if aerr != nil {
			return aerr
		}
		e.cluster = c
		f.curIndex = -1
		defer func() {
			if err != nil {
				err = multierr.Append(err, t.free(ctx, c))
				e.cluster = 0
			}
		}()
	}
	last, length, err := t.tail(ctx, e.cluster)
	if err != nil {
		return err
	}
	for ; length < need; length++ {
		if last, err = t.extend(ctx, last); err != nil {
			return err
		}
	}
	return nil
}

// storedSize returns the size as recorded in the directory, including growth
// written through other handles.
func (f *File) storedSize(ctx context.Context) (int64, error) {
	if err := f.lock(ctx); err != nil {
		return 0, err
	}
	defer f.fsys.unlock()
	if err := f.reload(ctx); err != nil {
		return 0, err
	}
	return f.Size(), nil
}

// reload picks up metadata changed through other handles from the short slot of f.
func (f *File) reload(ctx context.Context) error {
	e, err := f.fsys.stored(ctx, &f.node)
	if err != nil {
		return err
	}
	if e.cluster != f.entry.cluster {
		f.curIndex, f.bufValid = -1, false
	}
	f.entry = e
	return nil
}

// writeData stores p at off in the chain starting at start, rewriting whole sectors.
func (f *File) writeData(ctx context.Context, start uint32, off int64, p []byte) (n int, err error) {
	geo := &f.fsys.geo
	cs := int64(geo.ClusterSize())
	ss := int64(geo.BytesPerSector)
	for n < len(p) {
		c, err := f.clusterAt(ctx, start, off/cs)
		if err != nil {
			return n, err
		}
		within := off % cs
		m := min(cs-within, int64(len(p)-n))
		firstSect := within / ss
		lastSect := (within + m - 1) / ss
		lba := geo.ClusterToLBA(c) + uint32(firstSect)
		chunk := make([]byte, (lastSect-firstSect+1)*ss)
		head := within - firstSect*ss
		if head != 0 || m%ss != 0 {
			if err := f.fsys.cache.readDirect(ctx, lba, chunk); err != nil {
				return n, err
			}
		}
		copy(chunk[head:], p[n:n+int(m)])
		if err := f.fsys.cache.write(ctx, lba, chunk); err != nil {
			return n, err
		}
		n += int(m)
		off += m
	}
	return n, nil
}

// Truncate changes the file size. Shrinking frees clusters past the new end but
// keeps the first cluster; growing fills the new range with zeros.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if size < 0 || size > math.MaxUint32 {
		return &fs.PathError{Op: "truncate", Path: f.entry.name, Err: fs.ErrInvalid}
	}
	if err := f.lock(ctx); err != nil {
		return err
	}
	defer f.fsys.unlock()
	if err := f.fsys.writable(); err != nil {
		return err
	}
	if err := f.reload(ctx); err != nil {
		return err
	}
	cur := int64(f.entry.size)
	if size > cur {
		return f.zeroRange(ctx, cur, size)
	}
	e := f.entry
	if size < cur && f.fsys.geo.validCluster(e.cluster) {
		cs := int64(f.fsys.geo.ClusterSize())
		keep := max(1, (size+cs-1)/cs)
		last, err := f.fsys.fat.clusterAt(ctx, e.cluster, keep-1)
		if err != nil {
			return err
		}
		if err := f.fsys.fat.truncate(ctx, last); err != nil {
			return err
		}
	}
	e.size = uint32(size)
	e.modified = f.fsys.now()
	return f.fsys.updateEntry(ctx, &f.node, e)
}
