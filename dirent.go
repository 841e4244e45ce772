package fat

import (
	"encoding/binary"
	"io/fs"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	maxNameUnits = 255
	// maxLFNSlots is the most LFN fragments a valid name can need.
	maxLFNSlots = (maxNameUnits + lfnUnitsPerSlot - 1) / lfnUnitsPerSlot
	// maxDirSlots is the largest number of slots a directory may hold.
	maxDirSlots = 65536
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// slotPos addresses one 32 byte slot of a directory stream.
type slotPos struct {
	cluster uint32
	index   int
}

// Entry is a directory entry as decoded from its slot run. It implements
// fs.FileInfo and fs.DirEntry.
type Entry struct {
	name      string
	shortName string
	attr      fileattr
	cluster   uint32
	size      uint32
	created   time.Time
	modified  time.Time
	accessed  time.Time
	// start is the first slot of the run (an LFN fragment or the short entry),
	// end is always the short entry.
	start, end slotPos
}

var (
	_ fs.FileInfo = Entry{}
	_ fs.DirEntry = Entry{}
)

func (e Entry) Name() string { return e.name }

// ShortName returns the 8.3 alias of the entry.
func (e Entry) ShortName() string  { return e.shortName }
func (e Entry) Size() int64        { return int64(e.size) }
func (e Entry) IsDir() bool        { return e.attr.IsSubdirectory() }
func (e Entry) ModTime() time.Time { return e.modified }

// CreateTime returns the creation time, which has 10ms resolution.
func (e Entry) CreateTime() time.Time { return e.created }

// AccessTime returns the last access date. FAT does not store an access time of day.
func (e Entry) AccessTime() time.Time { return e.accessed }

// Cluster returns the first cluster of the entry's data, 0 for empty files.
func (e Entry) Cluster() uint32 { return e.cluster }

func (e Entry) Mode() fs.FileMode {
	mode := fs.FileMode(0o666)
	if e.attr.IsReadonly() {
		mode = 0o444
	}
	if e.IsDir() {
		mode |= fs.ModeDir | 0o111
	}
	return mode
}

func (e Entry) Type() fs.FileMode          { return e.Mode().Type() }
func (e Entry) Info() (fs.FileInfo, error) { return e, nil }
func (e Entry) Sys() any                   { return nil }

func (e Entry) String() string { return fs.FormatFileInfo(e) }

// decodeShort decodes the metadata of a short name slot. The name is the 8.3 form.
func decodeShort(ds dirSlot) Entry {
	raw := ds.rawName()
	name := decodeShortName(raw, ds.ntres())
	return Entry{
		name:      name,
		shortName: name,
		attr:      ds.attributes(),
		cluster:   ds.cluster(),
		size:      ds.size(),
		created:   ds.createdAt().Time(),
		modified:  ds.modifiedAt().Time(),
		accessed:  ds.accessedAt().Time(),
	}
}

// encodeShort writes e's metadata and sfn into the short name slot ds.
func encodeShort(ds dirSlot, sfn [11]byte, e *Entry) {
	clear(ds.data[:slotSize])
	ds.setRawName(sfn)
	ds.setAttributes(e.attr)
	ds.setCreatedAt(newDatetime(e.created))
	ds.setModifiedAt(newDatetime(e.modified))
	ds.setAccessedAt(newDatetime(e.accessed))
	ds.setCluster(e.cluster)
	if !e.IsDir() {
		ds.setSize(e.size)
	}
}

// decodeShortName converts an 11 byte 8.3 name to its display form, honouring the
// lowercase flags other systems store in the NT reserved byte.
func decodeShortName(raw [11]byte, ntres byte) string {
	base := oemString(clipname(raw[:8]))
	ext := oemString(clipname(raw[8:]))
	if ntres&ntLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntres&ntLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func oemString(b []byte) string {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			s, err := charmap.CodePage437.NewDecoder().Bytes(b)
			if err != nil {
				break
			}
			return string(s)
		}
	}
	return string(b)
}

// lfnChecksum is the checksum stored in every LFN fragment of a short name.
func lfnChecksum(sfn [11]byte) byte {
	var sum byte
	for _, b := range sfn {
		sum = (sum<<7 | sum>>1) + b
	}
	return sum
}

// lfnAccumulator collects LFN fragments preceding a short entry.
type lfnAccumulator struct {
	units [lfnOrderMask * lfnUnitsPerSlot]uint16
	count int
	next  int
	sum   byte
	ok    bool
}

func (a *lfnAccumulator) reset() { a.ok, a.count, a.next = false, 0, 0 }

// add folds fragment l into the accumulator. Fragments appear highest order first;
// an out of sequence fragment poisons the run until the next "last" fragment.
func (a *lfnAccumulator) add(l lfnSlot) {
	order := l.order()
	if order == 0 || order > maxLFNSlots {
		a.ok = false
		return
	}
	if l.isLast() {
		a.ok = true
		a.count, a.next, a.sum = order, order, l.checksum()
	} else if !a.ok || order != a.next || l.checksum() != a.sum {
		a.ok = false
		return
	}
	if !a.ok {
		return
	}
	l.units(a.units[(order-1)*lfnUnitsPerSlot:])
	a.next = order - 1
}

// name returns the long name if a complete run matching sum was accumulated.
func (a *lfnAccumulator) name(sum byte) (string, bool) {
	if !a.ok || a.next != 0 || a.sum != sum {
		return "", false
	}
	units := a.units[:a.count*lfnUnitsPerSlot]
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	for len(units) > 0 && units[len(units)-1] == 0xFFFF {
		units = units[:len(units)-1]
	}
	if len(units) == 0 {
		return "", false
	}
	return decodeUTF16(units), true
}

func decodeUTF16(units []uint16) string {
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

func encodeUTF16(name string) []uint16 {
	b, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return units
}

// validateName checks that name can be stored as a directory entry and returns
// its UTF-16 form.
func validateName(name string) ([]uint16, error) {
	if name == "" || name == "." || name == ".." || !utf8.ValidString(name) {
		return nil, ErrInvalidName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7F || strings.ContainsRune(`"*/:<>?\|`, r) {
			return nil, ErrInvalidName
		}
	}
	units := encodeUTF16(name)
	if len(units) == 0 || len(units) > maxNameUnits {
		return nil, ErrInvalidName
	}
	return units, nil
}

// foldName returns the case folded form used to compare names.
func foldName(name string) string { return cases.Fold().String(name) }

func isShortChar(c byte) bool {
	return 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		strings.IndexByte("!#$%&'()-@^_`{}~", c) >= 0
}

// exactShortName returns the 8.3 form of name when name already is a valid
// uppercase 8.3 name, in which case no LFN run is needed.
func exactShortName(name string) (sfn [11]byte, ok bool) {
	switch name {
	case ".", "..":
		padcopy(sfn[:], name)
		return sfn, true
	}
	base, ext, hasDot := strings.Cut(name, ".")
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 || (hasDot && ext == "") {
		return sfn, false
	}
	for i := 0; i < len(base); i++ {
		if !isShortChar(base[i]) {
			return sfn, false
		}
	}
	for i := 0; i < len(ext); i++ {
		if !isShortChar(ext[i]) {
			return sfn, false
		}
	}
	padcopy(sfn[:8], base)
	padcopy(sfn[8:], ext)
	return sfn, true
}

// shortNameFor derives the 8.3 alias stored next to the LFN run of name. The numeric
// tail is the ordinal of the short slot within the directory stream, which is unique
// among entries written by this package but is not checked against foreign aliases.
func shortNameFor(name string, ordinal int) (sfn [11]byte) {
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	base = cleanShort(base)
	ext = cleanShort(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	tail := "~" + strconv.Itoa(ordinal)
	if base == "" {
		base = "_"
	}
	if len(base) > 8-len(tail) {
		base = base[:8-len(tail)]
	}
	padcopy(sfn[:8], base+tail)
	padcopy(sfn[8:], ext)
	return sfn
}

func cleanShort(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r == ' ' || r == '.':
			continue
		case r < utf8.RuneSelf && isShortChar(byte(r)):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// lfnSlots returns how many LFN fragments a name of n UTF-16 units needs.
func lfnSlots(n int) int { return (n + lfnUnitsPerSlot - 1) / lfnUnitsPerSlot }

// encodeRun returns the slot run for an entry: the LFN fragments of units in
// on-disk order (highest order first, marked last) followed by the short slot.
// units is nil for entries that need no LFN.
func encodeRun(units []uint16, sfn [11]byte, e *Entry) []byte {
	n := lfnSlots(len(units))
	run := make([]byte, (n+1)*slotSize)
	if n > 0 {
		padded := make([]uint16, n*lfnUnitsPerSlot)
		copy(padded, units)
		for i := len(units) + 1; i < len(padded); i++ {
			padded[i] = 0xFFFF
		}
		sum := lfnChecksum(sfn)
		for k := 0; k < n; k++ {
			order := n - k
			l := lfnSlot{data: run[k*slotSize:]}
			l.set(order, k == 0, sum, padded[(order-1)*lfnUnitsPerSlot:])
		}
	}
	encodeShort(dirSlot{data: run[n*slotSize:]}, sfn, e)
	return run
}
