package fat

import (
	"encoding/binary"
	"strconv"
	"time"
)

// Boot sector and BIOS parameter block offsets (FAT32 layout).
const (
	bsJmpBoot      = 0
	bsOEMName      = 3
	bpbBytsPerSec  = 11
	bpbSecPerClus  = 13
	bpbRsvdSecCnt  = 14
	bpbNumFATs     = 16
	bpbRootEntCnt  = 17
	bpbTotSec16    = 19
	bpbMedia       = 21
	bpbFATSz16     = 22
	bpbSecPerTrk   = 24
	bpbNumHeads    = 26
	bpbHiddSec     = 28
	bpbTotSec32    = 32
	bpbFATSz32     = 36
	bpbExtFlags32  = 40
	bpbFSVer32     = 42
	bpbRootClus32  = 44
	bpbFSInfo32    = 48
	bpbBkBootSec32 = 50
	bsDrvNum32     = 64
	bsBootSig32    = 66
	bsVolID32      = 67
	bsVolLab32     = 71
	bsFilSysType32 = 82
	bsBootCode32   = 90
	bs55AA         = 510
)

// FSInfo sector offsets and signatures.
const (
	fsiLeadSig   = 0
	fsiStrucSig  = 0x1e4
	fsiFreeCount = 0x1e8
	fsiNxtFree   = 0x1ec
	fsiTrailSig  = 0x1fc

	fsiLeadSigValue  = 0x41615252
	fsiStrucSigValue = 0x61417272
	fsiTrailSigValue = 0xAA550000
)

// Directory slot offsets, short name form.
const (
	dirNameOff       = 0
	dirAttrOff       = 11
	dirNTresOff      = 12
	dirCrtTime10Off  = 13
	dirCrtTimeOff    = 14
	dirCrtDateOff    = 16
	dirLstAccDateOff = 18
	dirFstClusHIOff  = 20
	dirModTimeOff    = 22
	dirModDateOff    = 24
	dirFstClusLOOff  = 26
	dirFileSizeOff   = 28

	slotSize = 32
)

// Directory slot offsets, long name fragment form.
const (
	ldirOrdOff       = 0
	ldirName1Off     = 1
	ldirAttrOff      = 11
	ldirTypeOff      = 12
	ldirChksumOff    = 13
	ldirName2Off     = 14
	ldirFstClusLOOff = 26
	ldirName3Off     = 28

	lfnUnitsPerSlot = 5 + 6 + 2
	lfnLastFlag     = 0x40
	lfnOrderMask    = 0x1F
)

// First byte markers of a directory slot.
const (
	slotEnd      = 0x00
	slotDeleted  = 0xE5
	slotKanjiE5  = 0x05
	slotDotEntry = '.'
)

// NT reserved byte case flags.
const (
	ntLowerBase = 0x08
	ntLowerExt  = 0x10
)

// biosParamBlock a.k.a BPB is the BIOS Parameter Block for FAT32 volumes,
// viewed in place over the first sector of the volume.
type biosParamBlock struct {
	data []byte
}

func (bs *biosParamBlock) u16(off int) uint16 { return binary.LittleEndian.Uint16(bs.data[off:]) }
func (bs *biosParamBlock) u32(off int) uint32 { return binary.LittleEndian.Uint32(bs.data[off:]) }
func (bs *biosParamBlock) put16(off int, v uint16) {
	binary.LittleEndian.PutUint16(bs.data[off:], v)
}
func (bs *biosParamBlock) put32(off int, v uint32) {
	binary.LittleEndian.PutUint32(bs.data[off:], v)
}

// SectorSize returns the size of a sector in bytes.
func (bs *biosParamBlock) SectorSize() uint16       { return bs.u16(bpbBytsPerSec) }
func (bs *biosParamBlock) SetSectorSize(size uint16) { bs.put16(bpbBytsPerSec, size) }

// SectorsPerCluster returns the number of sectors per cluster.
// Should be a power of 2 and not larger than 128.
func (bs *biosParamBlock) SectorsPerCluster() uint8        { return bs.data[bpbSecPerClus] }
func (bs *biosParamBlock) SetSectorsPerCluster(spc uint8) { bs.data[bpbSecPerClus] = spc }

// ReservedSectors returns the number of sectors before the first FAT. Holds the boot
// sector, the FS information sector and their backups, usually 32 on FAT32.
func (bs *biosParamBlock) ReservedSectors() uint16        { return bs.u16(bpbRsvdSecCnt) }
func (bs *biosParamBlock) SetReservedSectors(rsvd uint16) { bs.put16(bpbRsvdSecCnt, rsvd) }

// NumberOfFATs returns the number of File Allocation Tables. Should be 1 or 2.
func (bs *biosParamBlock) NumberOfFATs() uint8       { return bs.data[bpbNumFATs] }
func (bs *biosParamBlock) SetNumberOfFATs(n uint8)   { bs.data[bpbNumFATs] = n }
func (bs *biosParamBlock) RootDirEntries() uint16    { return bs.u16(bpbRootEntCnt) }
func (bs *biosParamBlock) Media() uint8              { return bs.data[bpbMedia] }
func (bs *biosParamBlock) SetMedia(m uint8)          { bs.data[bpbMedia] = m }
func (bs *biosParamBlock) SectorsPerFAT16() uint16   { return bs.u16(bpbFATSz16) }
func (bs *biosParamBlock) TotalSectors16() uint16    { return bs.u16(bpbTotSec16) }
func (bs *biosParamBlock) HiddenSectors() uint32     { return bs.u32(bpbHiddSec) }
func (bs *biosParamBlock) SetHiddenSectors(n uint32) { bs.put32(bpbHiddSec, n) }

// TotalSectors returns the total number of sectors of the volume.
func (bs *biosParamBlock) TotalSectors() uint32 {
	if totsec := bs.TotalSectors16(); totsec != 0 {
		return uint32(totsec)
	}
	return bs.u32(bpbTotSec32)
}

func (bs *biosParamBlock) SetTotalSectors(totsec uint32) {
	bs.put16(bpbTotSec16, 0)
	bs.put32(bpbTotSec32, totsec)
}

// SectorsPerFAT returns the FAT32 size of one FAT in sectors.
func (bs *biosParamBlock) SectorsPerFAT() uint32 { return bs.u32(bpbFATSz32) }

func (bs *biosParamBlock) SetSectorsPerFAT(fatsz uint32) {
	bs.put16(bpbFATSz16, 0)
	bs.put32(bpbFATSz32, fatsz)
}

// RootCluster returns the first cluster of the root directory.
func (bs *biosParamBlock) RootCluster() uint32          { return bs.u32(bpbRootClus32) }
func (bs *biosParamBlock) SetRootCluster(clust uint32) { bs.put32(bpbRootClus32, clust) }

// Version returns the filesystem version, must be 0.0 for FAT32.
func (bs *biosParamBlock) Version() (major, minor uint8) {
	return bs.data[bpbFSVer32+1], bs.data[bpbFSVer32]
}

// FSInfo returns the sector number of the FS Information Sector, usually 1.
func (bs *biosParamBlock) FSInfo() uint16            { return bs.u16(bpbFSInfo32) }
func (bs *biosParamBlock) SetFSInfo(sect uint16)     { bs.put16(bpbFSInfo32, sect) }
func (bs *biosParamBlock) BackupBootSector() uint16  { return bs.u16(bpbBkBootSec32) }
func (bs *biosParamBlock) SetBackupBootSector(s uint16) { bs.put16(bpbBkBootSec32, s) }
func (bs *biosParamBlock) VolumeSerialNumber() uint32 { return bs.u32(bsVolID32) }

// JumpInstruction returns the first byte of the x86 jump at the start of the boot sector.
func (bs *biosParamBlock) JumpInstruction() byte { return bs.data[bsJmpBoot] }

// BootSignature returns the boot signature at offset 510 which should be 0xAA55.
func (bs *biosParamBlock) BootSignature() uint16 { return bs.u16(bs55AA) }

// VolumeLabel returns the volume label stored in the extended boot record.
func (bs *biosParamBlock) VolumeLabel() string {
	return string(clipname(bs.data[bsVolLab32 : bsVolLab32+11]))
}

// OEMName returns the Original Equipment Manufacturer name at the start of the bootsector.
func (bs *biosParamBlock) OEMName() string {
	return string(clipname(bs.data[bsOEMName : bsOEMName+8]))
}

// setHeader writes the fixed FAT32 boot record fields that are not geometry.
func (bs *biosParamBlock) setHeader(oem, label string, volID uint32) {
	bs.data[0], bs.data[1], bs.data[2] = 0xEB, 0x58, 0x90
	padcopy(bs.data[bsOEMName:bsOEMName+8], oem)
	bs.put16(bpbSecPerTrk, 32)
	bs.put16(bpbNumHeads, 64)
	bs.put16(bpbExtFlags32, 0)
	bs.put16(bpbFSVer32, 0)
	bs.data[bsDrvNum32] = 0x80
	bs.data[bsBootSig32] = 0x29
	bs.put32(bsVolID32, volID)
	padcopy(bs.data[bsVolLab32:bsVolLab32+11], label)
	padcopy(bs.data[bsFilSysType32:bsFilSysType32+8], "FAT32")
	bs.put16(bs55AA, 0xAA55)
}

func (bs *biosParamBlock) String() string {
	return string(bs.Appendf(nil, '\n'))
}

func labelAppendUint(label string, dst []byte, data uint64, sep byte) []byte {
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, data, 10)
	return append(dst, sep)
}

// Appendf appends a human readable dump of the BPB fields.
func (bs *biosParamBlock) Appendf(dst []byte, separator byte) []byte {
	dst = append(dst, "OEM:"...)
	dst = append(dst, bs.OEMName()...)
	dst = append(dst, separator)
	dst = append(dst, "VolumeLabel:"...)
	dst = append(dst, bs.VolumeLabel()...)
	dst = append(dst, separator)
	dst = labelAppendUint("VolumeSerialNumber", dst, uint64(bs.VolumeSerialNumber()), separator)
	dst = labelAppendUint("SectorSize", dst, uint64(bs.SectorSize()), separator)
	dst = labelAppendUint("SectorsPerCluster", dst, uint64(bs.SectorsPerCluster()), separator)
	dst = labelAppendUint("ReservedSectors", dst, uint64(bs.ReservedSectors()), separator)
	dst = labelAppendUint("NumberOfFATs", dst, uint64(bs.NumberOfFATs()), separator)
	dst = labelAppendUint("TotalSectors", dst, uint64(bs.TotalSectors()), separator)
	dst = labelAppendUint("SectorsPerFAT", dst, uint64(bs.SectorsPerFAT()), separator)
	dst = labelAppendUint("RootCluster", dst, uint64(bs.RootCluster()), separator)
	dst = labelAppendUint("FSInfo", dst, uint64(bs.FSInfo()), separator)
	return dst
}

// fsinfoSector is the FS Information Sector for FAT32 volumes.
type fsinfoSector struct {
	data []byte
}

func (fsi *fsinfoSector) valid() bool {
	return binary.LittleEndian.Uint32(fsi.data[fsiLeadSig:]) == fsiLeadSigValue &&
		binary.LittleEndian.Uint32(fsi.data[fsiStrucSig:]) == fsiStrucSigValue &&
		binary.LittleEndian.Uint32(fsi.data[fsiTrailSig:]) == fsiTrailSigValue
}

func (fsi *fsinfoSector) setSignatures() {
	binary.LittleEndian.PutUint32(fsi.data[fsiLeadSig:], fsiLeadSigValue)
	binary.LittleEndian.PutUint32(fsi.data[fsiStrucSig:], fsiStrucSigValue)
	binary.LittleEndian.PutUint32(fsi.data[fsiTrailSig:], fsiTrailSigValue)
}

// FreeClusterCount is the last known number of free data clusters on the volume,
// or 0xFFFFFFFF if unknown. It is a hint and is sanity checked before use.
func (fsi *fsinfoSector) FreeClusterCount() uint32 {
	return binary.LittleEndian.Uint32(fsi.data[fsiFreeCount:])
}

func (fsi *fsinfoSector) SetFreeClusterCount(count uint32) {
	binary.LittleEndian.PutUint32(fsi.data[fsiFreeCount:], count)
}

// LastAllocatedCluster is the most recently allocated data cluster, or 0xFFFFFFFF.
func (fsi *fsinfoSector) LastAllocatedCluster() uint32 {
	return binary.LittleEndian.Uint32(fsi.data[fsiNxtFree:])
}

func (fsi *fsinfoSector) SetLastAllocatedCluster(cluster uint32) {
	binary.LittleEndian.PutUint32(fsi.data[fsiNxtFree:], cluster)
}

// FAT entry values. Only the low 28 bits are significant.
const (
	entryMask     = 0x0FFF_FFFF
	entryReserved = 0xF000_0000
	entryEOCMin   = 0x0FFF_FFF8
	entryEOC      = 0x0FFF_FFFF
	entryBad      = 0x0FFF_FFF7
	entryFree     = 0
	clusterNone   = 0xFFFF_FFFF
	firstCluster  = 2
)

// entry is a raw 32-bit FAT slot including its reserved top nibble.
type entry uint32

func (e entry) Cluster() uint32 { return uint32(e) & entryMask }
func (e entry) IsEOC() bool     { return e.Cluster() >= entryEOCMin }
func (e entry) IsFree() bool    { return e.Cluster() == entryFree }

// with returns e with its low 28 bits replaced by v, keeping the reserved nibble.
func (e entry) with(v uint32) entry {
	return entry(uint32(e)&entryReserved | v&entryMask)
}

// fatSector views one sector of the FAT as an array of entries.
type fatSector struct {
	data []byte
}

func (fs *fatSector) Entry(idx int) entry {
	return entry(binary.LittleEndian.Uint32(fs.data[idx*4:]))
}

func (fs *fatSector) SetEntry(idx int, ent entry) {
	binary.LittleEndian.PutUint32(fs.data[idx*4:], uint32(ent))
}

func (fs *fatSector) Len() int { return len(fs.data) / 4 }

type fileattr byte

const (
	attrReadOnly  fileattr = 1 << 0
	attrHidden    fileattr = 1 << 1
	attrSystem    fileattr = 1 << 2
	attrVolumeID  fileattr = 1 << 3
	attrDirectory fileattr = 1 << 4
	attrArchive   fileattr = 1 << 5
	attrLFN                = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

// IsLFN indicates that the slot is a Long File Name fragment.
func (attr fileattr) IsLFN() bool { return attr&0x3F == attrLFN }

// IsReadonly indicates that the file is read-only and must not be written to.
func (attr fileattr) IsReadonly() bool { return attr&attrReadOnly != 0 }

// IsVolumeLabel indicates the volume label entry normally residing in the root directory.
func (attr fileattr) IsVolumeLabel() bool { return attr&attrVolumeID != 0 }

// IsSubdirectory indicates that the cluster chain holds a directory stream.
func (attr fileattr) IsSubdirectory() bool { return attr&attrDirectory != 0 }

// dirSlot views a single 32 byte short name directory entry.
type dirSlot struct {
	data []byte
}

func (ds dirSlot) first() byte { return ds.data[dirNameOff] }

func (ds dirSlot) isEnd() bool     { return ds.data[dirNameOff] == slotEnd }
func (ds dirSlot) isDeleted() bool { return ds.data[dirNameOff] == slotDeleted }
func (ds dirSlot) isDotEntry() bool {
	return ds.data[dirNameOff] == slotDotEntry
}

// rawName returns the 11 byte 8.3 name with the 0x05 escape undone.
func (ds dirSlot) rawName() (name [11]byte) {
	copy(name[:], ds.data[dirNameOff:])
	if name[0] == slotKanjiE5 {
		name[0] = slotDeleted
	}
	return name
}

func (ds dirSlot) setRawName(name [11]byte) {
	copy(ds.data[dirNameOff:], name[:])
	if ds.data[0] == slotDeleted {
		ds.data[0] = slotKanjiE5
	}
}

func (ds dirSlot) attributes() fileattr     { return fileattr(ds.data[dirAttrOff]) }
func (ds dirSlot) setAttributes(a fileattr) { ds.data[dirAttrOff] = byte(a) }
func (ds dirSlot) ntres() byte              { return ds.data[dirNTresOff] }

func (ds dirSlot) createdAt() datetime {
	return datetime{
		time: binary.LittleEndian.Uint16(ds.data[dirCrtTimeOff:]),
		date: binary.LittleEndian.Uint16(ds.data[dirCrtDateOff:]),
		fine: ds.data[dirCrtTime10Off],
	}
}

func (ds dirSlot) setCreatedAt(dt datetime) {
	binary.LittleEndian.PutUint16(ds.data[dirCrtTimeOff:], dt.time)
	binary.LittleEndian.PutUint16(ds.data[dirCrtDateOff:], dt.date)
	ds.data[dirCrtTime10Off] = dt.fine
}

func (ds dirSlot) accessedAt() datetime {
	return datetime{date: binary.LittleEndian.Uint16(ds.data[dirLstAccDateOff:])}
}

func (ds dirSlot) setAccessedAt(dt datetime) {
	binary.LittleEndian.PutUint16(ds.data[dirLstAccDateOff:], dt.date)
}

func (ds dirSlot) modifiedAt() datetime {
	return datetime{
		time: binary.LittleEndian.Uint16(ds.data[dirModTimeOff:]),
		date: binary.LittleEndian.Uint16(ds.data[dirModDateOff:]),
	}
}

func (ds dirSlot) setModifiedAt(dt datetime) {
	binary.LittleEndian.PutUint16(ds.data[dirModTimeOff:], dt.time)
	binary.LittleEndian.PutUint16(ds.data[dirModDateOff:], dt.date)
}

func (ds dirSlot) cluster() uint32 {
	return uint32(binary.LittleEndian.Uint16(ds.data[dirFstClusHIOff:]))<<16 |
		uint32(binary.LittleEndian.Uint16(ds.data[dirFstClusLOOff:]))
}

func (ds dirSlot) setCluster(c uint32) {
	binary.LittleEndian.PutUint16(ds.data[dirFstClusHIOff:], uint16(c>>16))
	binary.LittleEndian.PutUint16(ds.data[dirFstClusLOOff:], uint16(c))
}

func (ds dirSlot) size() uint32         { return binary.LittleEndian.Uint32(ds.data[dirFileSizeOff:]) }
func (ds dirSlot) setSize(size uint32)  { binary.LittleEndian.PutUint32(ds.data[dirFileSizeOff:], size) }

// lfnSlot views a single long file name fragment.
type lfnSlot struct {
	data []byte
}

// order returns the 1-based position of the fragment within the name.
func (l lfnSlot) order() int     { return int(l.data[ldirOrdOff] & lfnOrderMask) }
func (l lfnSlot) isLast() bool   { return l.data[ldirOrdOff]&lfnLastFlag != 0 }
func (l lfnSlot) checksum() byte { return l.data[ldirChksumOff] }

// units copies the 13 UTF-16 code units of the fragment into dst.
func (l lfnSlot) units(dst []uint16) {
	_ = dst[lfnUnitsPerSlot-1]
	for i := 0; i < 5; i++ {
		dst[i] = binary.LittleEndian.Uint16(l.data[ldirName1Off+2*i:])
	}
	for i := 0; i < 6; i++ {
		dst[5+i] = binary.LittleEndian.Uint16(l.data[ldirName2Off+2*i:])
	}
	for i := 0; i < 2; i++ {
		dst[11+i] = binary.LittleEndian.Uint16(l.data[ldirName3Off+2*i:])
	}
}

func (l lfnSlot) set(order int, last bool, sum byte, units []uint16) {
	clear(l.data[:slotSize])
	l.data[ldirOrdOff] = byte(order)
	if last {
		l.data[ldirOrdOff] |= lfnLastFlag
	}
	l.data[ldirAttrOff] = byte(attrLFN)
	l.data[ldirChksumOff] = sum
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(l.data[ldirName1Off+2*i:], units[i])
	}
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(l.data[ldirName2Off+2*i:], units[5+i])
	}
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(l.data[ldirName3Off+2*i:], units[11+i])
	}
}

// datetime is a packed FAT timestamp. fine holds 10ms units in [0,200) for creation times.
type datetime struct {
	time uint16
	date uint16
	fine uint8
}

var (
	minFATTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	maxFATTime = time.Date(2107, 12, 31, 23, 59, 59, 990e6, time.UTC)
)

func newDatetime(t time.Time) datetime {
	t = t.UTC()
	if t.Before(minFATTime) {
		t = minFATTime
	} else if t.After(maxFATTime) {
		t = maxFATTime
	}
	hour, min, sec := t.Clock()
	return datetime{
		time: uint16(hour<<11 | min<<5 | sec/2),
		date: uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day()),
		fine: uint8(t.Nanosecond()/1e7) + 100*uint8(sec%2),
	}
}

func (dt datetime) Date() (year int, month time.Month, day int) {
	return 1980 + int(dt.date>>9), time.Month((dt.date >> 5) & 0xf), int(dt.date & 0x1f)
}

func (dt datetime) Clock() (hour, min, sec int) {
	hour = int(dt.time >> 11)
	min = int((dt.time >> 5) & 0x3f)
	sec = 2*int(dt.time&0x1f) + int(dt.fine/100)
	return hour, min, sec
}

// Time converts dt to a UTC time. Zero day or month decode to the zero time.
func (dt datetime) Time() time.Time {
	year, month, day := dt.Date()
	if month < 1 || month > 12 || day == 0 {
		return time.Time{}
	}
	hour, min, sec := dt.Clock()
	return time.Date(year, month, day, hour, min, sec, 1e7*int(dt.fine%100), time.UTC)
}

func clipname(b []byte) []byte {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return b[:end]
}

func padcopy(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
