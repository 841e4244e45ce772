package fat

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Geometry holds the fixed parameters of a mounted FAT32 volume. All sector
// numbers are volume relative and in units of BytesPerSector.
type Geometry struct {
	BytesPerSector    uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	FATCount          uint32
	SectorsPerFAT     uint32
	TotalSectors      uint32
	RootCluster       uint32
	FirstDataSector   uint32
	// ClusterCount is the number of data clusters, numbered 2..ClusterCount+1.
	ClusterCount uint32
	// MaxCluster is one past the highest cluster id that is both inside the
	// data region and addressable by the FAT.
	MaxCluster uint32
	FSInfoSector uint32
}

// ClusterSize returns the size of a cluster in bytes.
func (g *Geometry) ClusterSize() int {
	return int(g.BytesPerSector * g.SectorsPerCluster)
}

// SlotsPerCluster returns how many 32 byte directory slots fit in a cluster.
func (g *Geometry) SlotsPerCluster() int { return g.ClusterSize() / slotSize }

// ClusterToLBA returns the first sector of cluster.
func (g *Geometry) ClusterToLBA(cluster uint32) uint32 {
	return (cluster-firstCluster)*g.SectorsPerCluster + g.FirstDataSector
}

func (g *Geometry) validCluster(cluster uint32) bool {
	return cluster >= firstCluster && cluster < g.MaxCluster
}

// entriesPerFATSector returns how many 32-bit FAT entries fit in one sector.
func (g *Geometry) entriesPerFATSector() uint32 { return g.BytesPerSector / 4 }

// fatLocation returns the sector index within a FAT and the entry index within that
// sector that hold the entry for cluster.
func (g *Geometry) fatLocation(cluster uint32) (sectorIdx uint32, entryIdx int) {
	per := g.entriesPerFATSector()
	return cluster / per, int(cluster % per)
}

func isPow2(v uint32) bool { return v != 0 && bits.OnesCount32(v) == 1 }

// geometryFromBPB validates the boot sector in bpb and derives the volume geometry.
// FAT32 is identified by its field layout rather than by cluster count, so small
// FAT32 volumes are accepted. deviceBlockSize is the device block size in bytes.
func geometryFromBPB(bpb *biosParamBlock, deviceBlockSize int) (Geometry, error) {
	var g Geometry
	if jmp := bpb.JumpInstruction(); jmp != 0xEB && jmp != 0xE9 {
		return g, errors.Errorf("bad jump instruction %#x", jmp)
	}
	g.BytesPerSector = uint32(bpb.SectorSize())
	if !isPow2(g.BytesPerSector) || g.BytesPerSector < 128 || g.BytesPerSector > 4096 {
		return g, errors.Errorf("bad sector size %d", g.BytesPerSector)
	}
	if g.BytesPerSector < uint32(deviceBlockSize) || g.BytesPerSector%uint32(deviceBlockSize) != 0 {
		return g, errors.Errorf("sector size %d incompatible with device block size %d", g.BytesPerSector, deviceBlockSize)
	}
	g.SectorsPerCluster = uint32(bpb.SectorsPerCluster())
	if !isPow2(g.SectorsPerCluster) || g.SectorsPerCluster > 128 {
		return g, errors.Errorf("bad sectors per cluster %d", g.SectorsPerCluster)
	}
	g.ReservedSectors = uint32(bpb.ReservedSectors())
	if g.ReservedSectors == 0 {
		return g, errors.New("zero reserved sectors")
	}
	g.FATCount = uint32(bpb.NumberOfFATs())
	if g.FATCount != 1 && g.FATCount != 2 {
		return g, errors.Errorf("bad FAT count %d", g.FATCount)
	}
	if n := bpb.RootDirEntries(); n != 0 {
		return g, errors.Errorf("root entry count %d on FAT32", n)
	}
	if bpb.SectorsPerFAT16() != 0 {
		return g, errors.New("16-bit FAT size set, not FAT32")
	}
	g.SectorsPerFAT = bpb.SectorsPerFAT()
	if g.SectorsPerFAT == 0 {
		return g, errors.New("zero sectors per FAT")
	}
	if media := bpb.Media(); media != 0xF0 && media < 0xF8 {
		return g, errors.Errorf("bad media byte %#x", media)
	}
	if major, minor := bpb.Version(); major != 0 || minor != 0 {
		return g, errors.Errorf("unsupported FAT32 version %d.%d", major, minor)
	}
	g.TotalSectors = bpb.TotalSectors()
	fatSectors := uint64(g.FATCount) * uint64(g.SectorsPerFAT)
	firstData := uint64(g.ReservedSectors) + fatSectors
	if firstData >= uint64(g.TotalSectors) {
		return g, errors.Errorf("no data region: first data sector %d, total sectors %d", firstData, g.TotalSectors)
	}
	g.FirstDataSector = uint32(firstData)
	g.ClusterCount = (g.TotalSectors - g.FirstDataSector) / g.SectorsPerCluster
	if g.ClusterCount == 0 {
		return g, errors.New("data region smaller than a cluster")
	}
	fatEntries := uint64(g.SectorsPerFAT) * uint64(g.entriesPerFATSector())
	g.MaxCluster = uint32(min(uint64(g.ClusterCount)+firstCluster, fatEntries, entryEOCMin-8))
	if g.MaxCluster <= firstCluster {
		return g, errors.New("FAT too small to address any cluster")
	}
	g.RootCluster = bpb.RootCluster()
	if !g.validCluster(g.RootCluster) {
		return g, errors.Errorf("root cluster %d out of range", g.RootCluster)
	}
	g.FSInfoSector = uint32(bpb.FSInfo())
	return g, nil
}
