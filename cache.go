package fat

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const defaultCacheSectors = 256

// blockCache memoizes volume sectors read from the device. It is write-through:
// every write goes to the device first and then refreshes any cached copy, so the
// cache never holds data that differs from the device.
type blockCache struct {
	dev        BlockDevice
	ssize      int
	blkPerSect int64
	lru        *lru.Cache
	// gen changes on every successful or failed write so holders of
	// derived buffers can detect staleness.
	gen uint64
}

func newBlockCache(dev BlockDevice, sectorSize, capacity int) (*blockCache, error) {
	if capacity <= 0 {
		capacity = defaultCacheSectors
	}
	l, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &blockCache{
		dev:        dev,
		ssize:      sectorSize,
		blkPerSect: int64(sectorSize / dev.BlockSize()),
		lru:        l,
	}, nil
}

func (c *blockCache) block(sector uint32) int64 { return int64(sector) * c.blkPerSect }

// read returns the contents of sector. The returned slice is shared with the
// cache and must not be modified.
func (c *blockCache) read(ctx context.Context, sector uint32) ([]byte, error) {
	if v, ok := c.lru.Get(sector); ok {
		return v.([]byte), nil
	}
	buf := make([]byte, c.ssize)
	if err := c.readDirect(ctx, sector, buf); err != nil {
		return nil, err
	}
	c.lru.Add(sector, buf)
	return buf, nil
}

// readDirect reads len(dst)/sectorSize consecutive sectors bypassing the cache.
func (c *blockCache) readDirect(ctx context.Context, sector uint32, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := c.dev.ReadBlocks(dst, c.block(sector))
	if err != nil {
		return errors.Wrapf(err, "read sector %d", sector)
	} else if n != len(dst) {
		return errors.Errorf("short read at sector %d: %d of %d bytes", sector, n, len(dst))
	}
	return nil
}

// write stores len(data)/sectorSize consecutive sectors starting at sector.
// Single sector writes are cached; larger writes only refresh sectors already cached.
func (c *blockCache) write(ctx context.Context, sector uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.gen++
	n, err := c.dev.WriteBlocks(data, c.block(sector))
	if err == nil && n != len(data) {
		err = errors.Errorf("short write at sector %d: %d of %d bytes", sector, n, len(data))
	}
	nsect := len(data) / c.ssize
	if err != nil {
		for i := 0; i < nsect; i++ {
			c.lru.Remove(sector + uint32(i))
		}
		return errors.Wrapf(err, "write sector %d", sector)
	}
	for i := 0; i < nsect; i++ {
		s := sector + uint32(i)
		if nsect > 1 && !c.lru.Contains(s) {
			continue
		}
		c.lru.Add(s, append([]byte(nil), data[i*c.ssize:(i+1)*c.ssize]...))
	}
	return nil
}

// modify applies fn to a private copy of sector and writes the result back.
func (c *blockCache) modify(ctx context.Context, sector uint32, fn func(buf []byte)) error {
	cached, err := c.read(ctx, sector)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), cached...)
	fn(buf)
	return c.write(ctx, sector, buf)
}

func (c *blockCache) purge() { c.lru.Purge() }
