package fat

import (
	"context"
	"log/slog"

	"github.com/willf/bitset"
	"go.uber.org/multierr"
)

// fatTable manages cluster chains in the File Allocation Table. Reads go to the
// first FAT; every write is mirrored to the remaining copies.
type fatTable struct {
	fsys  *FS
	geo   *Geometry
	cache *blockCache
	// full has one bit per FAT sector. A set bit means the last scan of that sector
	// found at most one free entry, so allocation skips it until something is freed there.
	full      *bitset.BitSet
	lastAlloc uint32
	// dirty is set by the first mutation after mount or sync. The FSInfo free
	// count is stale from then on.
	dirty bool
	// frees counts released clusters. Cached chain positions are stale once it moves.
	frees uint64
}

func newFATTable(fsys *FS) *fatTable {
	return &fatTable{
		fsys:      fsys,
		geo:       &fsys.geo,
		cache:     fsys.cache,
		full:      bitset.New(uint(fsys.geo.SectorsPerFAT)),
		lastAlloc: clusterNone,
	}
}

// next returns the raw successor value stored for cluster, masked to 28 bits.
func (t *fatTable) next(ctx context.Context, cluster uint32) (uint32, error) {
	if !t.geo.validCluster(cluster) {
		return 0, corruptf("cluster %d out of range", cluster)
	}
	s, i := t.geo.fatLocation(cluster)
	buf, err := t.cache.read(ctx, t.geo.ReservedSectors+s)
	if err != nil {
		return 0, err
	}
	sec := fatSector{data: buf}
	return sec.Entry(i).Cluster(), nil
}

// follow returns the successor of cluster in its chain. end is true when cluster
// is the last of its chain. Free, bad or out of range successors are corruption.
func (t *fatTable) follow(ctx context.Context, cluster uint32) (next uint32, end bool, err error) {
	v, err := t.next(ctx, cluster)
	if err != nil {
		return 0, false, err
	}
	switch {
	case entry(v).IsEOC():
		return 0, true, nil
	case v == entryFree, v == entryBad, !t.geo.validCluster(v):
		return 0, false, corruptf("cluster %d links to %#x", cluster, v)
	}
	return v, false, nil
}

// clusterAt walks index hops from start and returns the cluster reached.
func (t *fatTable) clusterAt(ctx context.Context, start uint32, index int64) (uint32, error) {
	if index > int64(t.geo.ClusterCount) {
		return 0, corruptf("cluster index %d beyond volume", index)
	}
	c := start
	for i := int64(0); i < index; i++ {
		next, end, err := t.follow(ctx, c)
		if err != nil {
			return 0, err
		} else if end {
			return 0, corruptf("chain from %d ends after %d clusters, want %d", start, i+1, index+1)
		}
		c = next
	}
	return c, nil
}

// tail returns the last cluster of the chain starting at start and the chain length.
func (t *fatTable) tail(ctx context.Context, start uint32) (last uint32, length int64, err error) {
	c := start
	for length = 1; length <= int64(t.geo.ClusterCount); length++ {
		next, end, err := t.follow(ctx, c)
		if err != nil {
			return 0, 0, err
		} else if end {
			return c, length, nil
		}
		c = next
	}
	return 0, 0, corruptf("chain from %d does not terminate", start)
}

// writeSector stores FAT sector index s in every FAT copy.
func (t *fatTable) writeSector(ctx context.Context, s uint32, data []byte) error {
	if err := t.cache.write(ctx, t.geo.ReservedSectors+s, data); err != nil {
		return err
	}
	t.dirty = true
	var mirrorErr error
	for n := uint32(1); n < t.geo.FATCount; n++ {
		sect := t.geo.ReservedSectors + n*t.geo.SectorsPerFAT + s
		mirrorErr = multierr.Append(mirrorErr, t.cache.write(ctx, sect, data))
	}
	if mirrorErr != nil {
		t.fsys.logerror("fat:mirror", slog.Uint64("sector", uint64(s)), slog.String("err", mirrorErr.Error()))
	}
	return mirrorErr
}

// setEntry stores value in the entry of cluster, preserving the reserved top bits.
func (t *fatTable) setEntry(ctx context.Context, cluster, value uint32) error {
	if !t.geo.validCluster(cluster) {
		return corruptf("set entry of cluster %d out of range", cluster)
	}
	s, i := t.geo.fatLocation(cluster)
	cached, err := t.cache.read(ctx, t.geo.ReservedSectors+s)
	if err != nil {
		return err
	}
	sec := fatSector{data: append([]byte(nil), cached...)}
	sec.SetEntry(i, sec.Entry(i).with(value))
	return t.writeSector(ctx, s, sec.data)
}

// allocate claims the first free cluster in FAT order, marks it end of chain and
// returns it. Sectors known to be full are skipped. Returns ErrNoSpace when no
// free entry remains.
func (t *fatTable) allocate(ctx context.Context) (uint32, error) {
	per := t.geo.entriesPerFATSector()
	lastSector := (t.geo.MaxCluster - 1) / per
	for s := uint32(0); s <= lastSector; s++ {
		if t.full.Test(uint(s)) {
			continue
		}
		cached, err := t.cache.read(ctx, t.geo.ReservedSectors+s)
		if err != nil {
			return clusterNone, err
		}
		sec := fatSector{data: append([]byte(nil), cached...)}
		found := uint32(clusterNone)
		another := false
		for i := 0; i < sec.Len(); i++ {
			c := s*per + uint32(i)
			if c >= t.geo.MaxCluster {
				break
			} else if c < firstCluster || !sec.Entry(i).IsFree() {
				continue
			}
			if found != clusterNone {
				another = true
				break
			}
			found = c
			sec.SetEntry(i, sec.Entry(i).with(entryEOC))
			if err := t.writeSector(ctx, s, sec.data); err != nil {
				// A mirror failure leaves c claimed in the first FAT.
				return clusterNone, multierr.Append(err, t.release(ctx, c))
			}
		}
		if !another {
			t.full.Set(uint(s))
		}
		if found != clusterNone {
			t.lastAlloc = found
			t.fsys.debug("fat:alloc", slog.Uint64("cluster", uint64(found)))
			return found, nil
		}
	}
	t.fsys.warn("fat:alloc volume full")
	return clusterNone, ErrNoSpace
}

// extend allocates a new cluster and links it after tail. The new cluster is
// marked end of chain before the link is written.
func (t *fatTable) extend(ctx context.Context, tail uint32) (uint32, error) {
	c, err := t.allocate(ctx)
	if err != nil {
		return clusterNone, err
	}
	if err := t.setEntry(ctx, tail, c); err != nil {
		return clusterNone, multierr.Append(err, t.release(ctx, c))
	}
	return c, nil
}

// release marks a single cluster free.
func (t *fatTable) release(ctx context.Context, cluster uint32) error {
	if err := t.setEntry(ctx, cluster, entryFree); err != nil {
		return err
	}
	s, _ := t.geo.fatLocation(cluster)
	t.full.Clear(uint(s))
	t.frees++
	return nil
}

// free releases every cluster of the chain starting at head. The walk stops at the
// end of chain marker or at an entry that is already free.
func (t *fatTable) free(ctx context.Context, head uint32) error {
	c := head
	for n := uint32(0); n <= t.geo.ClusterCount; n++ {
		v, err := t.next(ctx, c)
		if err != nil {
			return err
		}
		if err := t.release(ctx, c); err != nil {
			return err
		}
		if entry(v).IsEOC() || v == entryFree {
			return nil
		} else if v == entryBad || !t.geo.validCluster(v) {
			return corruptf("cluster %d links to %#x while freeing", c, v)
		}
		c = v
	}
	return corruptf("chain from %d does not terminate", head)
}

// truncate makes cluster the last of its chain and frees everything after it.
func (t *fatTable) truncate(ctx context.Context, cluster uint32) error {
	next, end, err := t.follow(ctx, cluster)
	if err != nil || end {
		return err
	}
	if err := t.setEntry(ctx, cluster, entryEOC); err != nil {
		return err
	}
	return t.free(ctx, next)
}

// countFree scans the whole FAT and returns the number of free data clusters.
func (t *fatTable) countFree(ctx context.Context) (uint32, error) {
	per := t.geo.entriesPerFATSector()
	var free uint32
	for s := uint32(0); s*per < t.geo.MaxCluster; s++ {
		buf, err := t.cache.read(ctx, t.geo.ReservedSectors+s)
		if err != nil {
			return 0, err
		}
		sec := fatSector{data: buf}
		for i := 0; i < sec.Len(); i++ {
			c := s*per + uint32(i)
			if c >= t.geo.MaxCluster {
				break
			} else if c >= firstCluster && sec.Entry(i).IsFree() {
				free++
			}
		}
	}
	return free, nil
}
