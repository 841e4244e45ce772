package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/stretchr/testify/require"
)

const diskSize = 8 << 20

type fileReader struct {
	f *os.File
}

func (r fileReader) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	return r.f.ReadAt(dst, startBlock*512)
}

func (r fileReader) BlockSize() int { return 512 }

func newDisk(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(diskSize))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFindGPT(t *testing.T) {
	f := newDisk(t)
	table := &gpt.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		ProtectiveMBR:      true,
		Partitions: []*gpt.Partition{
			{Start: 2048, End: 4095, Type: gpt.LinuxFilesystem, Name: "root"},
			{Start: 4096, End: 14335, Type: gpt.MicrosoftBasicData, Name: "DATA"},
		},
	}
	require.NoError(t, table.Write(f, diskSize))

	parts, err := List(fileReader{f})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, SchemeGPT, parts[0].Scheme)
	require.False(t, parts[0].IsFAT())

	p, err := Find(fileReader{f})
	require.NoError(t, err)
	require.Equal(t, 2, p.Index)
	require.Equal(t, int64(4096), p.Start)
	require.Equal(t, int64(14335-4096+1), p.Size)
	require.Equal(t, TypeMicrosoftBasicData, p.TypeGUID)
	require.Equal(t, "DATA", p.Name)
}

func TestFindGPTBadCRC(t *testing.T) {
	f := newDisk(t)
	table := &gpt.Table{
		LogicalSectorSize: 512,
		ProtectiveMBR:     true,
		Partitions: []*gpt.Partition{
			{Start: 2048, End: 4095, Type: gpt.EFISystemPartition, Name: "EFI"},
		},
	}
	require.NoError(t, table.Write(f, diskSize))
	// Corrupt the first partition entry.
	_, err := f.WriteAt([]byte{0xFF}, 2*512+40)
	require.NoError(t, err)

	_, err = Find(fileReader{f})
	require.Error(t, err)
}

func TestFindMBR(t *testing.T) {
	f := newDisk(t)
	table := &mbr.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		Partitions: []*mbr.Partition{
			{Type: mbr.Linux, Start: 2048, Size: 2048},
			{Bootable: true, Type: mbr.Fat32LBA, Start: 4096, Size: 8192},
		},
	}
	require.NoError(t, table.Write(f, diskSize))

	p, err := Find(fileReader{f})
	require.NoError(t, err)
	require.Equal(t, SchemeMBR, p.Scheme)
	require.Equal(t, 2, p.Index)
	require.Equal(t, int64(4096), p.Start)
	require.Equal(t, int64(8192), p.Size)
	require.True(t, p.Bootable)
}

func TestFindNone(t *testing.T) {
	f := newDisk(t)
	table := &mbr.Table{
		LogicalSectorSize: 512,
		Partitions:        []*mbr.Partition{{Type: mbr.Linux, Start: 2048, Size: 2048}},
	}
	require.NoError(t, table.Write(f, diskSize))
	_, err := Find(fileReader{f})
	require.ErrorIs(t, err, ErrNotFound)

	blank := newDisk(t)
	_, err = Find(fileReader{blank})
	require.Error(t, err)
}
