package fat

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func sfnOf(s string) (sfn [11]byte) {
	copy(sfn[:], s)
	return sfn
}

// checksumByFormula is the checksum as the FAT documentation writes it.
func checksumByFormula(name [11]byte) byte {
	var sum byte
	for _, c := range name {
		sum = ((sum & 1) << 7) + (sum >> 1) + c
	}
	return sum
}

func TestLFNChecksum(t *testing.T) {
	for _, name := range []string{
		"README  TXT",
		"FOO     BAR",
		"LONGFI~1TXT",
		"A          ",
		"\xe5BC     DEF",
		"12345678123",
	} {
		sfn := sfnOf(name)
		require.Equal(t, checksumByFormula(sfn), lfnChecksum(sfn), name)
	}
}

func TestExactShortName(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"HELLO.TXT", "HELLO   TXT", true},
		{"README", "README     ", true},
		{"A1_$~!.C", "A1_$~!  C  ", true},
		{"12345678.123", "12345678123", true},
		{".", ".          ", true},
		{"..", "..         ", true},
		{"hello.txt", "", false},
		{"Hello.TXT", "", false},
		{"TOOLONGNAME.TXT", "", false},
		{"FILE.TEXT", "", false},
		{"FILE.", "", false},
		{"A.B.C", "", false},
		{"MY FILE", "", false},
		{".BASHRC", "", false},
		{"PLUS+.TXT", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sfn, ok := exactShortName(tt.name)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.want, string(sfn[:]))
			}
		})
	}
}

func TestShortNameFor(t *testing.T) {
	tests := []struct {
		name    string
		ordinal int
		want    string
	}{
		{"Readme file.txt", 5, "README~5.TXT"},
		{"Readme file.txt", 123, "READ~123.TXT"},
		{"hello.txt", 2, "HELLO~2.TXT"},
		{".bashrc", 1, "BASHRC~1"},
		{"archive.tar.gz", 9, "ARCHIV~9.GZ"},
		{"notes.markdown", 40, "NOTES~40.MAR"},
		{"日本.txt", 3, "__~3.TXT"},
		{"...", 7, "_~7"},
		{"a+b=c", 11, "A_B_C~11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sfn := shortNameFor(tt.name, tt.ordinal)
			require.Equal(t, tt.want, decodeShortName(sfn, 0))
		})
	}
}

func TestDecodeShortName(t *testing.T) {
	tests := []struct {
		raw   string
		ntres byte
		want  string
	}{
		{"README  TXT", 0, "README.TXT"},
		{"README  TXT", ntLowerBase, "readme.TXT"},
		{"README  TXT", ntLowerExt, "README.txt"},
		{"README  TXT", ntLowerBase | ntLowerExt, "readme.txt"},
		{"NOEXT      ", 0, "NOEXT"},
		{"CAF\x82    TXT", 0, "CAFé.TXT"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, decodeShortName(sfnOf(tt.raw), tt.ntres), "%q", tt.raw)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"a", "HELLO.TXT", "with space.txt", "日本語", ".hidden", strings.Repeat("x", 255)}
	for _, name := range valid {
		_, err := validateName(name)
		require.NoError(t, err, name)
	}
	invalid := []string{"", ".", "..", "a/b", `a\b`, "what?", "star*", "pipe|", "quote\"", "colon:", "<>", "tab\t", "\x7f", strings.Repeat("x", 256), "bad\xffutf8"}
	for _, name := range invalid {
		_, err := validateName(name)
		require.ErrorIs(t, err, ErrInvalidName, "%q", name)
	}
	// 128 runes outside the BMP take 256 UTF-16 units.
	_, err := validateName(strings.Repeat("😀", 128))
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestEncodeRunRoundTrip(t *testing.T) {
	names := []string{
		"a",
		"exactly13char",
		"fourteen chars",
		"a name long enough to need several fragments.text",
		"emoji 😀 and ümlauts",
		strings.Repeat("z", 255),
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			units := encodeUTF16(name)
			sfn := shortNameFor(name, 3)
			e := Entry{
				attr:     attrArchive,
				cluster:  0x0012_3456,
				size:     1234,
				created:  testTime.Add(250 * time.Millisecond),
				modified: testTime,
				accessed: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
			}
			run := encodeRun(units, sfn, &e)
			nlfn := lfnSlots(len(units))
			require.Len(t, run, (nlfn+1)*slotSize)

			var acc lfnAccumulator
			for i := 0; i < nlfn; i++ {
				l := lfnSlot{data: run[i*slotSize : (i+1)*slotSize]}
				require.True(t, dirSlot{data: l.data}.attributes().IsLFN())
				require.Equal(t, i == 0, l.isLast())
				require.Equal(t, nlfn-i, l.order())
				acc.add(l)
			}
			short := dirSlot{data: run[nlfn*slotSize:]}
			var raw [11]byte
			copy(raw[:], short.data)
			got, ok := acc.name(lfnChecksum(raw))
			require.True(t, ok)
			require.Equal(t, name, got)

			dec := decodeShort(short)
			dec.name = name
			want := e
			want.name = name
			want.shortName = decodeShortName(sfn, 0)
			if diff := cmp.Diff(want, dec, cmp.AllowUnexported(Entry{}, slotPos{})); diff != "" {
				t.Errorf("decoded entry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLFNAccumulatorRejects(t *testing.T) {
	name := "a name long enough to need several fragments"
	units := encodeUTF16(name)
	sfn := shortNameFor(name, 4)
	run := encodeRun(units, sfn, &Entry{})
	n := lfnSlots(len(units))
	slot := func(i int) lfnSlot { return lfnSlot{data: run[i*slotSize : (i+1)*slotSize]} }

	t.Run("checksum mismatch", func(t *testing.T) {
		var acc lfnAccumulator
		for i := 0; i < n; i++ {
			acc.add(slot(i))
		}
		_, ok := acc.name(lfnChecksum(sfnOf("OTHER   TXT")))
		require.False(t, ok)
	})
	t.Run("missing fragment", func(t *testing.T) {
		var acc lfnAccumulator
		for i := 0; i < n; i++ {
			if i == 1 {
				continue
			}
			acc.add(slot(i))
		}
		_, ok := acc.name(lfnChecksum(sfn))
		require.False(t, ok)
	})
	t.Run("no last flag", func(t *testing.T) {
		var acc lfnAccumulator
		for i := 1; i < n; i++ {
			acc.add(slot(i))
		}
		_, ok := acc.name(lfnChecksum(sfn))
		require.False(t, ok)
	})
	t.Run("order zero after complete run", func(t *testing.T) {
		var acc lfnAccumulator
		for i := 0; i < n; i++ {
			acc.add(slot(i))
		}
		bad := lfnSlot{data: append([]byte(nil), slot(n-1).data...)}
		bad.data[ldirOrdOff] = 0x80
		require.NotPanics(t, func() { acc.add(bad) })
		_, ok := acc.name(lfnChecksum(sfn))
		require.False(t, ok)
	})
	t.Run("order too large", func(t *testing.T) {
		var acc lfnAccumulator
		bad := lfnSlot{data: append([]byte(nil), slot(0).data...)}
		bad.data[ldirOrdOff] = lfnLastFlag | (maxLFNSlots + 1)
		acc.add(bad)
		_, ok := acc.name(lfnChecksum(sfn))
		require.False(t, ok)
	})
	t.Run("restart", func(t *testing.T) {
		var acc lfnAccumulator
		acc.add(slot(0))
		for i := 0; i < n; i++ {
			acc.add(slot(i))
		}
		got, ok := acc.name(lfnChecksum(sfn))
		require.True(t, ok)
		require.Equal(t, name, got)
	})
}

func TestDatetime(t *testing.T) {
	tests := []struct {
		in, want time.Time
	}{
		{
			time.Date(2024, 2, 29, 13, 45, 31, 250e6, time.UTC),
			time.Date(2024, 2, 29, 13, 45, 31, 250e6, time.UTC),
		},
		{
			time.Date(1999, 12, 31, 23, 59, 58, 0, time.UTC),
			time.Date(1999, 12, 31, 23, 59, 58, 0, time.UTC),
		},
		{
			time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2107, 12, 31, 23, 59, 59, 990e6, time.UTC),
		},
	}
	for _, tt := range tests {
		got := newDatetime(tt.in).Time()
		require.True(t, tt.want.Equal(got), "%v: got %v, want %v", tt.in, got, tt.want)
	}
	// Without the 10ms field a time has 2 second resolution.
	dt := newDatetime(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	dt.fine = 0
	require.Equal(t, time.Date(2024, 5, 6, 7, 8, 8, 0, time.UTC), dt.Time())
	require.True(t, datetime{}.Time().IsZero())
}

func TestEntryMode(t *testing.T) {
	require.Equal(t, "-rw-rw-rw-", Entry{attr: attrArchive}.Mode().String())
	require.Equal(t, "-r--r--r--", Entry{attr: attrArchive | attrReadOnly}.Mode().String())
	require.Equal(t, "drwxrwxrwx", Entry{attr: attrDirectory}.Mode().String())
	require.True(t, Entry{attr: attrDirectory}.IsDir())
}
