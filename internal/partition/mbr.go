package partition

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	mbrTableOff     = 446
	mbrEntryLen     = 16
	mbrSignatureOff = 510
	bootSignature   = 0xAA55
)

// mbrType is the partition type byte of a Master Boot Record entry.
type mbrType byte

const (
	mbrTypeUnused    mbrType = 0x00
	mbrTypeFAT32CHS  mbrType = 0x0B
	mbrTypeFAT32LBA  mbrType = 0x0C
	mbrTypeProtected mbrType = 0xEE
	mbrTypeEFISystem mbrType = 0xEF
)

func (t mbrType) isFAT() bool {
	return t == mbrTypeFAT32CHS || t == mbrTypeFAT32LBA || t == mbrTypeEFISystem
}

// bootSector is a Master Boot Record viewed in place.
type bootSector struct {
	data []byte
}

func toBootSector(b []byte) (bootSector, error) {
	if len(b) < 512 {
		return bootSector{}, errors.New("boot sector too short")
	}
	return bootSector{data: b[:512:512]}, nil
}

func (mbr bootSector) signature() uint16 {
	return binary.LittleEndian.Uint16(mbr.data[mbrSignatureOff:])
}

// entry returns the idx'th of the four primary partition table entries.
func (mbr bootSector) entry(idx int) mbrEntry {
	off := mbrTableOff + idx*mbrEntryLen
	return mbrEntry{data: mbr.data[off : off+mbrEntryLen]}
}

type mbrEntry struct {
	data []byte
}

func (pte mbrEntry) bootable() bool { return pte.data[0]&0x80 != 0 }
func (pte mbrEntry) kind() mbrType  { return mbrType(pte.data[4]) }

// startLBA returns the first sector of the partition.
func (pte mbrEntry) startLBA() uint32 { return binary.LittleEndian.Uint32(pte.data[8:12]) }

// numLBA returns the number of sectors in the partition.
func (pte mbrEntry) numLBA() uint32 { return binary.LittleEndian.Uint32(pte.data[12:16]) }
