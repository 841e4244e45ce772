package fat

import (
	"context"
	"log/slog"
)

// findEnd returns the first end-of-directory slot of the directory at dirCluster and
// its ordinal in the stream. If the chain has no such slot, the returned position is
// one past the last slot of the tail cluster.
func (fsys *FS) findEnd(ctx context.Context, dirCluster uint32) (pos slotPos, ordinal int, err error) {
	slotsPer := fsys.geo.SlotsPerCluster()
	perSect := int(fsys.geo.BytesPerSector / slotSize)
	cluster := dirCluster
	var sector []byte
	for hops := uint32(0); hops <= fsys.geo.ClusterCount; hops++ {
		for idx := 0; idx < slotsPer; idx++ {
			if idx%perSect == 0 {
				sect, _ := fsys.slotSector(slotPos{cluster: cluster, index: idx})
				if sector, err = fsys.cache.read(ctx, sect); err != nil {
					return pos, 0, err
				}
			}
			if sector[(idx%perSect)*slotSize] == slotEnd {
				return slotPos{cluster: cluster, index: idx}, ordinal, nil
			}
			ordinal++
		}
		next, end, err := fsys.fat.follow(ctx, cluster)
		if err != nil {
			return pos, 0, err
		} else if end {
			return slotPos{cluster: cluster, index: slotsPer}, ordinal, nil
		}
		cluster = next
	}
	return pos, 0, corruptf("directory at cluster %d does not terminate", dirCluster)
}

// writeSlots stores consecutive slots starting at pos. The slots must fit in pos.cluster.
func (fsys *FS) writeSlots(ctx context.Context, pos slotPos, slots []byte) error {
	for len(slots) > 0 {
		sect, off := fsys.slotSector(pos)
		n := min(len(slots), int(fsys.geo.BytesPerSector)-off)
		err := fsys.cache.modify(ctx, sect, func(buf []byte) {
			copy(buf[off:], slots[:n])
		})
		if err != nil {
			return err
		}
		slots = slots[n:]
		pos.index += n / slotSize
	}
	return nil
}

// zeroCluster fills cluster with zeros.
func (fsys *FS) zeroCluster(ctx context.Context, cluster uint32) error {
	zero := make([]byte, fsys.geo.ClusterSize())
	return fsys.cache.write(ctx, fsys.geo.ClusterToLBA(cluster), zero)
}

// nextSlot returns the position after pos, following or, if grow is set, extending
// the directory chain. Newly reached clusters past the end of directory are zeroed.
func (fsys *FS) nextSlot(ctx context.Context, pos slotPos, grow bool) (next slotPos, ok bool, err error) {
	pos.index++
	if pos.index < fsys.geo.SlotsPerCluster() {
		return pos, true, nil
	}
	return fsys.advanceCluster(ctx, pos.cluster, grow)
}

func (fsys *FS) advanceCluster(ctx context.Context, cluster uint32, grow bool) (slotPos, bool, error) {
	next, end, err := fsys.fat.follow(ctx, cluster)
	if err != nil {
		return slotPos{}, false, err
	}
	if end {
		if !grow {
			return slotPos{}, false, nil
		}
		if next, err = fsys.fat.extend(ctx, cluster); err != nil {
			return slotPos{}, false, err
		}
		fsys.debug("dir:grow", slog.Uint64("tail", uint64(cluster)), slog.Uint64("new", uint64(next)))
	}
	if grow {
		if err := fsys.zeroCluster(ctx, next); err != nil {
			return slotPos{}, false, err
		}
	}
	return slotPos{cluster: next}, true, nil
}

// place links e into the directory at dirCluster under name and records the span
// of the written run in e. Names that are exact uppercase 8.3 names are written as
// a single short slot; anything else gets an LFN run and a synthesized alias.
//
// A run that does not fit in the cluster holding the end of directory is written in
// steps: the slots that fit first, then the rest in new or following clusters.
// Those clusters are reached before any slot is written, so running out of space
// leaves the existing entries unchanged. The writes are not atomic.
func (fsys *FS) place(ctx context.Context, dirCluster uint32, name string, e *Entry) error {
	sfn, exact := exactShortName(name)
	var units []uint16
	if !exact {
		units = encodeUTF16(name)
	}
	needed := lfnSlots(len(units)) + 1
	pos, ordinal, err := fsys.findEnd(ctx, dirCluster)
	if err != nil {
		return err
	}
	if ordinal+needed > maxDirSlots {
		return ErrDirFull
	}
	if !exact {
		sfn = shortNameFor(name, ordinal+needed-1)
	}
	e.name = name
	e.shortName = decodeShortName(sfn, 0)
	run := encodeRun(units, sfn, e)

	slotsPer := fsys.geo.SlotsPerCluster()
	clusters := []uint32{pos.cluster}
	for room := slotsPer - pos.index; room < needed; room += slotsPer {
		next, _, err := fsys.advanceCluster(ctx, clusters[len(clusters)-1], true)
		if err != nil {
			return err
		}
		clusters = append(clusters, next.cluster)
	}
	written := 0
	for k := 0; written < needed; {
		if pos.index == slotsPer {
			k++
			pos = slotPos{cluster: clusters[k]}
		}
		n := min(needed-written, slotsPer-pos.index)
		if err := fsys.writeSlots(ctx, pos, run[written*slotSize:(written+n)*slotSize]); err != nil {
			return err
		}
		if written == 0 {
			e.start = pos
		}
		if written > 0 {
			fsys.debug("dir:place spans clusters", slog.String("name", name), slog.Int("slots", n))
		}
		written += n
		pos.index += n
		e.end = slotPos{cluster: pos.cluster, index: pos.index - 1}
	}
	return fsys.terminate(ctx, e.end)
}

// terminate makes sure the slot following last ends the directory.
func (fsys *FS) terminate(ctx context.Context, last slotPos) error {
	pos, ok, err := fsys.nextSlot(ctx, last, false)
	if err != nil || !ok {
		return err
	}
	sect, off := fsys.slotSector(pos)
	buf, err := fsys.cache.read(ctx, sect)
	if err != nil || buf[off] == slotEnd {
		return err
	}
	return fsys.cache.modify(ctx, sect, func(buf []byte) {
		clear(buf[off : off+slotSize])
	})
}

// markDeleted flags every slot from start to end inclusive as deleted.
func (fsys *FS) markDeleted(ctx context.Context, start, end slotPos) error {
	pos := start
	for n := 0; n < maxDirSlots; n++ {
		sect, off := fsys.slotSector(pos)
		err := fsys.cache.modify(ctx, sect, func(buf []byte) {
			buf[off] = slotDeleted
		})
		if err != nil {
			return err
		}
		if pos == end {
			return nil
		}
		next, ok, err := fsys.nextSlot(ctx, pos, false)
		if err != nil {
			return err
		} else if !ok {
			return corruptf("slot run ends past directory chain at cluster %d", pos.cluster)
		}
		pos = next
	}
	return corruptf("slot run from cluster %d too long", start.cluster)
}
