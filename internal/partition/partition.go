// Package partition locates FAT volumes inside partitioned disk images. It reads
// Master Boot Record and GUID Partition Table layouts.
package partition

import (
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Find when no partition can hold a FAT volume.
var ErrNotFound = errors.New("partition: no FAT partition")

// Reader is the read side of a block device.
type Reader interface {
	ReadBlocks(dst []byte, startBlock int64) (int, error)
	BlockSize() int
}

// Scheme names the partitioning scheme a Partition was found in.
type Scheme string

const (
	SchemeMBR Scheme = "mbr"
	SchemeGPT Scheme = "gpt"
)

// Partition is one entry of a partition table. Start and Size are in device blocks.
type Partition struct {
	Scheme Scheme
	// Index is the position in the partition table, counted from 1.
	Index int
	Start int64
	Size  int64
	// MBRType is set for MBR partitions.
	MBRType byte
	// TypeGUID, GUID and Name are set for GPT partitions.
	TypeGUID uuid.UUID
	GUID     uuid.UUID
	Name     string
	Bootable bool
}

// IsFAT reports whether the partition type can hold a FAT volume.
func (p Partition) IsFAT() bool {
	if p.Scheme == SchemeGPT {
		return p.TypeGUID == TypeMicrosoftBasicData || p.TypeGUID == TypeEFISystem
	}
	return mbrType(p.MBRType).isFAT()
}

// List returns the partitions of dev. A protective MBR makes List read the GPT.
func List(dev Reader) ([]Partition, error) {
	bs := dev.BlockSize()
	if bs < 512 {
		return nil, errors.Errorf("block size %d too small for a partition table", bs)
	}
	block := make([]byte, bs)
	if _, err := dev.ReadBlocks(block, 0); err != nil {
		return nil, errors.Wrap(err, "read mbr")
	}
	mbr, err := toBootSector(block)
	if err != nil {
		return nil, err
	}
	if mbr.signature() != bootSignature {
		return nil, errors.Errorf("no boot signature, got %#x", mbr.signature())
	}
	var parts []Partition
	for i := 0; i < 4; i++ {
		pte := mbr.entry(i)
		if pte.kind() == mbrTypeProtected {
			return listGPT(dev)
		}
		if pte.kind() == mbrTypeUnused || pte.numLBA() == 0 {
			continue
		}
		// MBR addresses 512 byte sectors.
		scale := int64(bs) / 512
		parts = append(parts, Partition{
			Scheme:   SchemeMBR,
			Index:    i + 1,
			Start:    int64(pte.startLBA()) / scale,
			Size:     int64(pte.numLBA()) / scale,
			MBRType:  byte(pte.kind()),
			Bootable: pte.bootable(),
		})
	}
	return parts, nil
}

func listGPT(dev Reader) ([]Partition, error) {
	bs := dev.BlockSize()
	block := make([]byte, bs)
	if _, err := dev.ReadBlocks(block, 1); err != nil {
		return nil, errors.Wrap(err, "read gpt header")
	}
	h, err := toGPTHeader(block)
	if err != nil {
		return nil, err
	}
	n, size := h.numEntries(), h.entrySize()
	if n > gptMaxEntries || size < gptEntryMin || size%8 != 0 {
		return nil, errors.Errorf("bad gpt entry array: %d entries of %d bytes", n, size)
	}
	total := int(n * size)
	raw := make([]byte, (total+bs-1)/bs*bs)
	if _, err := dev.ReadBlocks(raw, h.entriesLBA()); err != nil {
		return nil, errors.Wrap(err, "read gpt entries")
	}
	raw = raw[:total]
	if got := crc32.ChecksumIEEE(raw); got != h.entriesCRC() {
		return nil, errors.Errorf("gpt entries crc %#x, want %#x", got, h.entriesCRC())
	}
	var parts []Partition
	for i := 0; i < int(n); i++ {
		e := gptEntry{data: raw[i*int(size) : (i+1)*int(size)]}
		if e.unused() {
			continue
		}
		parts = append(parts, Partition{
			Scheme:   SchemeGPT,
			Index:    i + 1,
			Start:    e.firstLBA(),
			Size:     e.lastLBA() - e.firstLBA() + 1,
			TypeGUID: e.typeGUID(),
			GUID:     e.uniqueGUID(),
			Name:     e.name(),
		})
	}
	return parts, nil
}

// Find returns the first partition of dev whose type can hold a FAT volume.
func Find(dev Reader) (Partition, error) {
	parts, err := List(dev)
	if err != nil {
		return Partition{}, err
	}
	for _, p := range parts {
		if p.IsFAT() {
			return p, nil
		}
	}
	return Partition{}, ErrNotFound
}
