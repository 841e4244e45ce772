package fat

import (
	"context"
)

type walkAction int

const (
	walkContinue walkAction = iota
	walkStop
)

// slotSector returns the sector holding the slot at pos and the slot's byte offset in it.
func (fsys *FS) slotSector(pos slotPos) (sector uint32, off int) {
	byteOff := uint32(pos.index) * slotSize
	return fsys.geo.ClusterToLBA(pos.cluster) + byteOff/fsys.geo.BytesPerSector,
		int(byteOff % fsys.geo.BytesPerSector)
}

// walk decodes the directory stream starting at dirCluster and calls visit for each
// entry in physical order. Deleted slots, dot entries and volume labels are skipped.
// The walk ends at the first end-of-directory slot, at the end of the cluster chain,
// or when visit returns walkStop.
func (fsys *FS) walk(ctx context.Context, dirCluster uint32, visit func(e *Entry) (walkAction, error)) error {
	var (
		acc      lfnAccumulator
		runOpen  bool
		runStart slotPos
		sector   []byte
		slotsPer = fsys.geo.SlotsPerCluster()
		perSect  = int(fsys.geo.BytesPerSector / slotSize)
		cluster  = dirCluster
	)
	for hops := uint32(0); ; hops++ {
		if hops > fsys.geo.ClusterCount {
			return corruptf("directory at cluster %d does not terminate", dirCluster)
		}
		for idx := 0; idx < slotsPer; idx++ {
			if idx%perSect == 0 {
				var err error
				sect, _ := fsys.slotSector(slotPos{cluster: cluster, index: idx})
				sector, err = fsys.cache.read(ctx, sect)
				if err != nil {
					return err
				}
			}
			off := (idx % perSect) * slotSize
			ds := dirSlot{data: sector[off : off+slotSize]}
			pos := slotPos{cluster: cluster, index: idx}
			attr := ds.attributes()
			switch {
			case ds.isEnd():
				return nil
			case ds.isDeleted(), ds.isDotEntry():
				acc.reset()
				runOpen = false
				continue
			case attr.IsLFN():
				l := lfnSlot{data: ds.data}
				if !runOpen || l.isLast() {
					runStart, runOpen = pos, true
				}
				acc.add(l)
				continue
			case attr.IsVolumeLabel():
				acc.reset()
				runOpen = false
				continue
			}
			e := decodeShort(ds)
			var raw [11]byte
			copy(raw[:], ds.data[dirNameOff:])
			if name, ok := acc.name(lfnChecksum(raw)); ok {
				e.name = name
			}
			e.start, e.end = pos, pos
			if runOpen {
				e.start = runStart
			}
			acc.reset()
			runOpen = false
			action, err := visit(&e)
			if err != nil || action == walkStop {
				return err
			}
		}
		next, end, err := fsys.fat.follow(ctx, cluster)
		if err != nil {
			return err
		} else if end {
			return nil
		}
		cluster = next
	}
}

// lookup finds the entry called name in the directory at dirCluster. Names are
// compared case insensitively against both the long name and the 8.3 alias.
func (fsys *FS) lookup(ctx context.Context, dirCluster uint32, name string) (found Entry, ok bool, err error) {
	want := foldName(name)
	err = fsys.walk(ctx, dirCluster, func(e *Entry) (walkAction, error) {
		if foldName(e.name) == want || foldName(e.shortName) == want {
			found, ok = *e, true
			return walkStop, nil
		}
		return walkContinue, nil
	})
	return found, ok, err
}

// locate re-finds the slot run of a known entry. The short slot must still sit at
// known.end under the same names, so a newer entry that reuses the name and the
// start cluster of a deleted one is never taken for it. A known cluster of 0 matches
// any cluster, since a first write gives such files their first cluster.
func (fsys *FS) locate(ctx context.Context, dirCluster uint32, known *Entry) (found Entry, ok bool, err error) {
	wantName, wantShort := foldName(known.name), foldName(known.shortName)
	err = fsys.walk(ctx, dirCluster, func(e *Entry) (walkAction, error) {
		if e.end != known.end {
			return walkContinue, nil
		}
		if (known.cluster == 0 || e.cluster == known.cluster) &&
			foldName(e.name) == wantName && foldName(e.shortName) == wantShort {
			found, ok = *e, true
		}
		return walkStop, nil
	})
	return found, ok, err
}

// isEmpty reports whether the directory at dirCluster holds no entries besides dot entries.
func (fsys *FS) isEmpty(ctx context.Context, dirCluster uint32) (bool, error) {
	empty := true
	err := fsys.walk(ctx, dirCluster, func(e *Entry) (walkAction, error) {
		empty = false
		return walkStop, nil
	})
	return empty, err
}
