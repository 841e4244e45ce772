package fat

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Mode represents the access mode a volume is mounted with.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeRW = ModeRead | ModeWrite
)

// Options configures Mount.
type Options struct {
	// Mode defaults to ModeRW.
	Mode Mode
	// Logger receives driver diagnostics. Nil disables logging.
	Logger *slog.Logger
	// CacheSectors bounds the number of sectors kept in memory. Defaults to 256.
	CacheSectors int
	// Now stamps created and modified entries. Defaults to time.Now.
	Now func() time.Time
}

// FS is a mounted FAT32 volume. All operations on the volume and its nodes are
// serialized, so an FS may be shared between goroutines.
type FS struct {
	dev    BlockDevice
	geo    Geometry
	label  string
	cache  *blockCache
	fat    *fatTable
	sem    *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time
	mode   Mode
	// fsinfo is set when the volume has a valid FS information sector.
	fsinfo bool
	closed bool
}

// VolumeStat summarizes volume usage.
type VolumeStat struct {
	Label         string
	ClusterSize   int
	TotalClusters uint32
	FreeClusters  uint32
}

// Mount reads and validates the boot sector of dev and returns the mounted volume.
// A device that does not hold a FAT32 volume yields an error wrapping ErrNoFilesystem.
func Mount(ctx context.Context, dev BlockDevice, opts Options) (*FS, error) {
	if opts.Mode == 0 {
		opts.Mode = ModeRW
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	bs := dev.BlockSize()
	if bs <= 0 {
		return nil, errors.Errorf("invalid device block size %d", bs)
	}
	boot := make([]byte, ((512+bs-1)/bs)*bs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := dev.ReadBlocks(boot, 0); err != nil {
		return nil, errors.Wrap(err, "read boot sector")
	}
	bpb := biosParamBlock{data: boot}
	geo, err := geometryFromBPB(&bpb, bs)
	if err != nil {
		return nil, errors.Wrap(ErrNoFilesystem, err.Error())
	}
	cache, err := newBlockCache(dev, int(geo.BytesPerSector), opts.CacheSectors)
	if err != nil {
		return nil, err
	}
	fsys := &FS{
		dev:    dev,
		geo:    geo,
		label:  bpb.VolumeLabel(),
		cache:  cache,
		sem:    semaphore.NewWeighted(1),
		logger: opts.Logger,
		now:    opts.Now,
		mode:   opts.Mode,
	}
	fsys.fat = newFATTable(fsys)
	if geo.FSInfoSector > 0 && geo.FSInfoSector < geo.ReservedSectors {
		buf, err := cache.read(ctx, geo.FSInfoSector)
		if err != nil {
			return nil, err
		}
		fsi := fsinfoSector{data: buf}
		fsys.fsinfo = len(buf) >= 512 && fsi.valid()
		if fsys.fsinfo {
			fsys.debug("mount:fsinfo",
				slog.Uint64("free", uint64(fsi.FreeClusterCount())),
				slog.Uint64("nextfree", uint64(fsi.LastAllocatedCluster())))
		}
	}
	fsys.debug("mount",
		slog.Uint64("ssize", uint64(geo.BytesPerSector)),
		slog.Uint64("csize", uint64(geo.SectorsPerCluster)),
		slog.Uint64("fatsize", uint64(geo.SectorsPerFAT)),
		slog.Uint64("nfats", uint64(geo.FATCount)),
		slog.Uint64("clusters", uint64(geo.ClusterCount)),
		slog.Uint64("root", uint64(geo.RootCluster)),
	)
	return fsys, nil
}

// TryMount is Mount for probing: it returns nil when dev does not hold a usable
// FAT32 volume so the caller can try another filesystem type.
func TryMount(ctx context.Context, dev BlockDevice, opts Options) *FS {
	fsys, err := Mount(ctx, dev, opts)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.LogAttrs(ctx, slog.LevelDebug, "probe:not fat32", slog.String("err", err.Error()))
		}
		return nil
	}
	return fsys
}

// OpenVolume returns the root directory of the volume.
func (fsys *FS) OpenVolume() *Dir {
	return &Dir{node: node{
		fsys: fsys,
		entry: Entry{
			name:    "/",
			attr:    attrDirectory,
			cluster: fsys.geo.RootCluster,
		},
	}}
}

// Geometry returns the volume parameters derived from the boot sector.
func (fsys *FS) Geometry() Geometry { return fsys.geo }

// Label returns the volume label stored in the boot sector.
func (fsys *FS) Label() string { return fsys.label }

// Stat scans the FAT and reports volume usage.
func (fsys *FS) Stat(ctx context.Context) (VolumeStat, error) {
	if err := fsys.lock(ctx); err != nil {
		return VolumeStat{}, err
	}
	defer fsys.unlock()
	free, err := fsys.fat.countFree(ctx)
	if err != nil {
		return VolumeStat{}, err
	}
	return VolumeStat{
		Label:         fsys.label,
		ClusterSize:   fsys.geo.ClusterSize(),
		TotalClusters: fsys.geo.MaxCluster - firstCluster,
		FreeClusters:  free,
	}, nil
}

// Sync rewrites the FS information sector if the FAT changed since the last sync.
// All other writes reach the device as they happen.
func (fsys *FS) Sync(ctx context.Context) error {
	if err := fsys.lock(ctx); err != nil {
		return err
	}
	defer fsys.unlock()
	return fsys.syncLocked(ctx)
}

func (fsys *FS) syncLocked(ctx context.Context) error {
	if !fsys.fat.dirty || !fsys.fsinfo || fsys.mode&ModeWrite == 0 {
		return nil
	}
	last := fsys.fat.lastAlloc
	err := fsys.cache.modify(ctx, fsys.geo.FSInfoSector, func(buf []byte) {
		fsi := fsinfoSector{data: buf}
		fsi.SetFreeClusterCount(clusterNone)
		if last != clusterNone {
			fsi.SetLastAllocatedCluster(last)
		}
	})
	if err != nil {
		return err
	}
	fsys.fat.dirty = false
	return nil
}

// Close syncs the volume and releases its cache. Nodes of a closed volume
// return ErrClosed.
func (fsys *FS) Close(ctx context.Context) error {
	if err := fsys.lock(ctx); err != nil {
		return err
	}
	defer fsys.sem.Release(1)
	err := fsys.syncLocked(ctx)
	fsys.closed = true
	fsys.cache.purge()
	if err != nil {
		fsys.logerror("close:sync", slog.String("err", err.Error()))
		return err
	}
	fsys.info("unmount", slog.String("label", fsys.label))
	return nil
}

// lock acquires exclusive access to the volume.
func (fsys *FS) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fsys.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if fsys.closed {
		fsys.sem.Release(1)
		return ErrClosed
	}
	return nil
}

func (fsys *FS) unlock() { fsys.sem.Release(1) }

func (fsys *FS) writable() error {
	if fsys.mode&ModeWrite == 0 {
		return ErrReadOnly
	}
	return nil
}

func (fsys *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fsys.logger == nil {
		return
	}
	fsys.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (fsys *FS) debug(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelDebug, msg, attrs...)
}

func (fsys *FS) info(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelInfo, msg, attrs...)
}

func (fsys *FS) warn(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelWarn, msg, attrs...)
}

func (fsys *FS) logerror(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelError, msg, attrs...)
}
