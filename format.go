package fat

import (
	"context"

	"github.com/pkg/errors"
)

// FormatConfig describes the FAT32 volume Format lays out. Zero fields take defaults.
type FormatConfig struct {
	// Label is the volume label, at most 11 characters. Defaults to "NO NAME".
	Label   string
	OEMName string
	// VolumeID is the volume serial number.
	VolumeID uint32
	// BytesPerSector defaults to the device block size, or 512 for smaller blocks.
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	// SectorsPerFAT is computed from the volume size when zero.
	SectorsPerFAT uint32
	// TotalSectors is required unless the device reports its size with NumBlocks.
	TotalSectors uint32
	RootCluster  uint32
}

const (
	defaultSectorsPerCluster = 8
	defaultReservedSectors   = 32
	defaultNumFATs           = 2
	backupBootSector         = 6
	formatChunkSectors       = 64
)

func (cfg *FormatConfig) setDefaults(dev BlockDevice) error {
	if cfg.Label == "" {
		cfg.Label = "NO NAME"
	}
	if cfg.OEMName == "" {
		cfg.OEMName = "IRONKERN"
	}
	if cfg.BytesPerSector == 0 {
		cfg.BytesPerSector = uint16(max(512, dev.BlockSize()))
	}
	if cfg.SectorsPerCluster == 0 {
		cfg.SectorsPerCluster = defaultSectorsPerCluster
	}
	if cfg.ReservedSectors == 0 {
		cfg.ReservedSectors = defaultReservedSectors
	}
	if cfg.NumFATs == 0 {
		cfg.NumFATs = defaultNumFATs
	}
	if cfg.RootCluster == 0 {
		cfg.RootCluster = firstCluster
	}
	if cfg.TotalSectors == 0 {
		sized, ok := dev.(interface{ NumBlocks() int64 })
		if !ok {
			return errors.New("format: TotalSectors required for devices of unknown size")
		}
		total := sized.NumBlocks() * int64(dev.BlockSize()) / int64(cfg.BytesPerSector)
		cfg.TotalSectors = uint32(min(total, 0xFFFF_FFFF))
	}
	if cfg.ReservedSectors <= backupBootSector+1 {
		return errors.Errorf("format: %d reserved sectors leave no room for backups", cfg.ReservedSectors)
	}
	if cfg.SectorsPerFAT == 0 {
		cfg.SectorsPerFAT = fatSizeFor(cfg)
	}
	return nil
}

// fatSizeFor returns the smallest FAT size in sectors that addresses every cluster
// left after the reserved region and the FATs themselves.
func fatSizeFor(cfg *FormatConfig) uint32 {
	per := uint32(cfg.BytesPerSector) / 4
	overhead := uint32(cfg.ReservedSectors)
	var fatsz uint32 = 1
	for {
		used := overhead + uint32(cfg.NumFATs)*fatsz
		if used >= cfg.TotalSectors {
			return fatsz
		}
		clusters := (cfg.TotalSectors - used) / uint32(cfg.SectorsPerCluster)
		need := (clusters + firstCluster + per - 1) / per
		if need <= fatsz {
			return fatsz
		}
		fatsz = need
	}
}

// Format writes an empty FAT32 volume to dev: boot sector and its backup, the FS
// information sector and its backup, zeroed FATs and an empty root directory.
// The result is checked by validating it the way Mount does.
func Format(ctx context.Context, dev BlockDevice, cfg FormatConfig) error {
	if err := cfg.setDefaults(dev); err != nil {
		return err
	}
	bps := int(cfg.BytesPerSector)
	boot := make([]byte, bps)
	bpb := biosParamBlock{data: boot}
	bpb.setHeader(cfg.OEMName, cfg.Label, cfg.VolumeID)
	bpb.SetSectorSize(cfg.BytesPerSector)
	bpb.SetSectorsPerCluster(cfg.SectorsPerCluster)
	bpb.SetReservedSectors(cfg.ReservedSectors)
	bpb.SetNumberOfFATs(cfg.NumFATs)
	bpb.SetMedia(0xF8)
	bpb.SetTotalSectors(cfg.TotalSectors)
	bpb.SetSectorsPerFAT(cfg.SectorsPerFAT)
	bpb.SetRootCluster(cfg.RootCluster)
	bpb.SetFSInfo(1)
	bpb.SetBackupBootSector(backupBootSector)
	geo, err := geometryFromBPB(&bpb, dev.BlockSize())
	if err != nil {
		return errors.Wrap(err, "format")
	}
	cache, err := newBlockCache(dev, bps, 1)
	if err != nil {
		return err
	}

	// Reserved region.
	zero := make([]byte, formatChunkSectors*bps)
	if err := zeroSectors(ctx, cache, 0, geo.ReservedSectors, zero); err != nil {
		return err
	}
	fsiBuf := make([]byte, bps)
	fsi := fsinfoSector{data: fsiBuf}
	fsi.setSignatures()
	// The root directory takes one cluster.
	fsi.SetFreeClusterCount(geo.MaxCluster - firstCluster - 1)
	fsi.SetLastAllocatedCluster(geo.RootCluster)
	for _, base := range []uint32{0, backupBootSector} {
		if err := cache.write(ctx, base, boot); err != nil {
			return err
		}
		if err := cache.write(ctx, base+1, fsiBuf); err != nil {
			return err
		}
	}

	// FATs: media and EOC in the reserved entries, root directory a one cluster chain.
	first := make([]byte, bps)
	sec := fatSector{data: first}
	sec.SetEntry(0, entry(0x0FFF_FF00|uint32(bpb.Media())))
	sec.SetEntry(1, entryEOC)
	rootSect, rootIdx := geo.fatLocation(geo.RootCluster)
	var rootFAT []byte
	if rootSect == 0 {
		sec.SetEntry(rootIdx, entryEOC)
	} else {
		rootFAT = make([]byte, bps)
		s := fatSector{data: rootFAT}
		s.SetEntry(rootIdx, entryEOC)
	}
	for n := uint32(0); n < geo.FATCount; n++ {
		start := geo.ReservedSectors + n*geo.SectorsPerFAT
		if err := zeroSectors(ctx, cache, start, geo.SectorsPerFAT, zero); err != nil {
			return err
		}
		if err := cache.write(ctx, start, first); err != nil {
			return err
		}
		if rootFAT != nil {
			if err := cache.write(ctx, start+rootSect, rootFAT); err != nil {
				return err
			}
		}
	}
	return zeroSectors(ctx, cache, geo.ClusterToLBA(geo.RootCluster), geo.SectorsPerCluster, zero)
}

// zeroSectors writes count zero sectors starting at sector, using zero as the chunk buffer.
func zeroSectors(ctx context.Context, c *blockCache, sector, count uint32, zero []byte) error {
	per := uint32(len(zero) / c.ssize)
	for count > 0 {
		n := min(count, per)
		if err := c.write(ctx, sector, zero[:int(n)*c.ssize]); err != nil {
			return err
		}
		sector += n
		count -= n
	}
	return nil
}
