package fat

import (
	"io"
	"math/bits"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// BlockDevice is the storage a FAT volume lives on. Buffers passed to ReadBlocks and
// WriteBlocks are always a multiple of BlockSize in length.
type BlockDevice interface {
	ReadBlocks(dst []byte, startBlock int64) (int, error)
	WriteBlocks(data []byte, startBlock int64) (int, error)
	// BlockSize returns the logical block size in bytes. Must be a power of two.
	BlockSize() int
}

// blkIdxer is a helper for calculating block indexes and offsets.
type blkIdxer struct {
	blockshift int64
	blockmask  int64
}

func makeBlockIndexer(blockSize int) (blkIdxer, error) {
	if blockSize <= 0 {
		return blkIdxer{}, errors.New("blockSize must be positive and non-zero")
	}
	tz := bits.TrailingZeros(uint(blockSize))
	if blockSize>>tz != 1 {
		return blkIdxer{}, errors.New("blockSize must be a power of 2")
	}
	return blkIdxer{
		blockshift: int64(tz),
		blockmask:  (1 << tz) - 1,
	}, nil
}

// size returns the size of a block in bytes.
func (blk *blkIdxer) size() int64 { return 1 << blk.blockshift }

// off gets the offset of the byte at byteIdx from the start of its block.
func (blk *blkIdxer) off(byteIdx int64) int64 { return byteIdx & blk.blockmask }

// idx gets the block index that contains the byte at byteIdx.
func (blk *blkIdxer) idx(byteIdx int64) int64 { return byteIdx >> blk.blockshift }

func (blk *blkIdxer) span(buflen int, startBlock, numBlocks int64) (off, end int64, err error) {
	if blk.off(int64(buflen)) != 0 {
		return 0, 0, errors.Errorf("buffer length %d not aligned to block size %d", buflen, blk.size())
	} else if startBlock < 0 {
		return 0, 0, errors.Errorf("invalid start block %d", startBlock)
	}
	off = startBlock << blk.blockshift
	end = off + int64(buflen)
	if end > numBlocks<<blk.blockshift {
		return 0, 0, errors.Errorf("access past end of device: %d > %d", end, numBlocks<<blk.blockshift)
	}
	return off, end, nil
}

// MemDevice is a BlockDevice backed by a byte slice.
type MemDevice struct {
	blk blkIdxer
	buf []byte
}

// NewMemDevice returns a zeroed in-memory device of numBlocks blocks of blockSize bytes.
func NewMemDevice(blockSize int, numBlocks int64) (*MemDevice, error) {
	blk, err := makeBlockIndexer(blockSize)
	if err != nil {
		return nil, err
	}
	return &MemDevice{blk: blk, buf: make([]byte, int64(blockSize)*numBlocks)}, nil
}

func (m *MemDevice) BlockSize() int { return int(m.blk.size()) }

// NumBlocks returns the device capacity in blocks.
func (m *MemDevice) NumBlocks() int64 { return m.blk.idx(int64(len(m.buf))) }

// Bytes returns the raw device contents. Modifying it modifies the device.
func (m *MemDevice) Bytes() []byte { return m.buf }

func (m *MemDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	off, end, err := m.blk.span(len(dst), startBlock, m.NumBlocks())
	if err != nil {
		return 0, err
	}
	return copy(dst, m.buf[off:end]), nil
}

func (m *MemDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	off, end, err := m.blk.span(len(data), startBlock, m.NumBlocks())
	if err != nil {
		return 0, err
	}
	return copy(m.buf[off:end], data), nil
}

// ReadWriterAt is the random access file shape FileDevice needs.
// afero.File and *os.File both satisfy it.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// FileDevice is a BlockDevice over a disk image file.
type FileDevice struct {
	blk       blkIdxer
	f         ReadWriterAt
	numBlocks int64
}

// NewFileDevice wraps f, which holds size bytes, as a device of blockSize blocks.
func NewFileDevice(f ReadWriterAt, size int64, blockSize int) (*FileDevice, error) {
	blk, err := makeBlockIndexer(blockSize)
	if err != nil {
		return nil, err
	}
	return &FileDevice{blk: blk, f: f, numBlocks: blk.idx(size)}, nil
}

// OpenImage opens the disk image at path on afs. The caller closes the returned file.
func OpenImage(afs afero.Fs, path string, blockSize int, readOnly bool) (*FileDevice, afero.File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := afs.OpenFile(path, flag, 0)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}
	dev, err := NewFileDevice(f, info.Size(), blockSize)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return dev, f, nil
}

func (d *FileDevice) BlockSize() int { return int(d.blk.size()) }

// NumBlocks returns the image capacity in blocks.
func (d *FileDevice) NumBlocks() int64 { return d.numBlocks }

func (d *FileDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	off, _, err := d.blk.span(len(dst), startBlock, d.numBlocks)
	if err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(dst, off)
	if err == io.EOF && n == len(dst) {
		err = nil
	} else if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (d *FileDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	off, _, err := d.blk.span(len(data), startBlock, d.numBlocks)
	if err != nil {
		return 0, err
	}
	return d.f.WriteAt(data, off)
}

type sliceDevice struct {
	dev   BlockDevice
	start int64
	count int64
}

// Slice returns a view of count blocks of dev starting at block start,
// such as a partition inside a disk image.
func Slice(dev BlockDevice, start, count int64) BlockDevice {
	return &sliceDevice{dev: dev, start: start, count: count}
}

func (s *sliceDevice) BlockSize() int   { return s.dev.BlockSize() }
func (s *sliceDevice) NumBlocks() int64 { return s.count }

func (s *sliceDevice) bounds(buflen int, startBlock int64) error {
	nblk := int64(buflen / s.dev.BlockSize())
	if startBlock < 0 || startBlock+nblk > s.count {
		return errors.Errorf("blocks [%d,%d) outside slice of %d blocks", startBlock, startBlock+nblk, s.count)
	}
	return nil
}

func (s *sliceDevice) ReadBlocks(dst []byte, startBlock int64) (int, error) {
	if err := s.bounds(len(dst), startBlock); err != nil {
		return 0, err
	}
	return s.dev.ReadBlocks(dst, s.start+startBlock)
}

func (s *sliceDevice) WriteBlocks(data []byte, startBlock int64) (int, error) {
	if err := s.bounds(len(data), startBlock); err != nil {
		return 0, err
	}
	return s.dev.WriteBlocks(data, s.start+startBlock)
}
