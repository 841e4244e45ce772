package fat

import (
	"io/fs"

	"github.com/pkg/errors"
)

var (
	// ErrNoFilesystem is returned by Mount when the device does not hold a FAT32 volume.
	ErrNoFilesystem = errors.New("fat: no FAT32 filesystem")
	// ErrNoSpace is returned when the FAT has no free cluster left.
	ErrNoSpace = errors.New("fat: volume full")
	// ErrCorrupt reports a cluster chain or directory that violates the on-disk format,
	// such as a chain that loops or points outside the data region.
	ErrCorrupt = errors.New("fat: corrupt volume")
	// ErrNotEmpty is returned when deleting a directory that still holds entries.
	ErrNotEmpty = errors.New("fat: directory not empty")
	// ErrInvalidName is returned for names that cannot be stored in a directory.
	ErrInvalidName = errors.New("fat: invalid name")
	// ErrReadOnly is returned by mutating operations on a volume mounted without ModeWrite.
	ErrReadOnly = errors.New("fat: read-only volume")
	// ErrDirFull is returned when a directory reached its maximum of 65536 slots.
	ErrDirFull = errors.New("fat: directory full")
	// ErrClosed is returned on use of a closed filesystem or file.
	ErrClosed = fs.ErrClosed
)

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

func exists(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrExist}
}

func corruptf(format string, args ...any) error {
	return errors.Wrapf(ErrCorrupt, format, args...)
}
