package partition

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

const (
	gptSignature  = 0x5452415020494645 // "EFI PART"
	gptHeaderMin  = 92
	gptEntryMin   = 128
	gptNameOff    = 56
	gptNameLen    = 72
	gptMaxEntries = 1024
)

// Partition type GUIDs a FAT volume may live in.
var (
	TypeMicrosoftBasicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	TypeEFISystem          = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
)

// gptHeader is a GUID Partition Table header viewed in place.
type gptHeader struct {
	data []byte
}

func toGPTHeader(b []byte) (gptHeader, error) {
	if len(b) < gptHeaderMin {
		return gptHeader{}, errors.New("gpt header too short")
	}
	h := gptHeader{data: b}
	if h.signature() != gptSignature {
		return gptHeader{}, errors.New("no EFI PART signature")
	}
	size := h.size()
	if size < gptHeaderMin || int(size) > len(b) {
		return gptHeader{}, errors.Errorf("bad gpt header size %d", size)
	}
	h.data = b[:size:size]
	sum := make([]byte, size)
	copy(sum, h.data)
	binary.LittleEndian.PutUint32(sum[16:20], 0)
	if got := crc32.ChecksumIEEE(sum); got != h.crc() {
		return gptHeader{}, errors.Errorf("gpt header crc %#x, want %#x", got, h.crc())
	}
	return h, nil
}

func (h gptHeader) u32(off int) uint32 { return binary.LittleEndian.Uint32(h.data[off:]) }
func (h gptHeader) u64(off int) uint64 { return binary.LittleEndian.Uint64(h.data[off:]) }

func (h gptHeader) signature() uint64 { return h.u64(0) }
func (h gptHeader) size() uint32      { return h.u32(12) }
func (h gptHeader) crc() uint32       { return h.u32(16) }

// entriesLBA is the first block of the partition entry array, usually 2.
func (h gptHeader) entriesLBA() int64  { return int64(h.u64(72)) }
func (h gptHeader) numEntries() uint32 { return h.u32(80) }
func (h gptHeader) entrySize() uint32  { return h.u32(84) }
func (h gptHeader) entriesCRC() uint32 { return h.u32(88) }

// gptEntry is one partition entry of the GUID Partition Table.
type gptEntry struct {
	data []byte
}

// guid converts the mixed endian on-disk form to a uuid: the first three fields
// are stored little endian.
func guid(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = u[3], u[2], u[1], u[0]
	u[4], u[5] = u[5], u[4]
	u[6], u[7] = u[7], u[6]
	return u
}

func (p gptEntry) typeGUID() uuid.UUID   { return guid(p.data[0:16]) }
func (p gptEntry) uniqueGUID() uuid.UUID { return guid(p.data[16:32]) }
func (p gptEntry) firstLBA() int64       { return int64(binary.LittleEndian.Uint64(p.data[32:40])) }

// lastLBA is inclusive.
func (p gptEntry) lastLBA() int64 { return int64(binary.LittleEndian.Uint64(p.data[40:48])) }
func (p gptEntry) unused() bool   { return p.typeGUID() == uuid.Nil }

// name decodes the UTF-16LE partition name, which is NUL padded.
func (p gptEntry) name() string {
	raw := p.data[gptNameOff : gptNameOff+gptNameLen]
	n := 0
	for n+1 < len(raw) && (raw[n] != 0 || raw[n+1] != 0) {
		n += 2
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := dec.Bytes(raw[:n])
	if err != nil {
		return ""
	}
	return string(s)
}
