package fat

import (
	"context"
	"io/fs"
	"strings"

	"github.com/pkg/errors"
)

// splitPath breaks a slash separated path into its elements. Empty and "."
// elements are dropped; ".." removes the previous element.
func splitPath(name string) ([]string, bool) {
	var parts []string
	for _, p := range strings.Split(name, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return nil, false
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, p)
		}
	}
	return parts, true
}

// OpenPath resolves a slash separated path from the root directory and returns the
// *File or *Dir it names. "", "." and "/" name the root.
func (fsys *FS) OpenPath(ctx context.Context, name string) (Node, error) {
	parts, ok := splitPath(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if len(parts) == 0 {
		return fsys.OpenVolume(), nil
	}
	dir, err := fsys.walkPath(ctx, name, parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	base := parts[len(parts)-1]
	e, err := dir.Lookup(ctx, base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	} else if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return fsys.newDir(dir.entry.cluster, e), nil
	}
	return fsys.newFile(dir.entry.cluster, e), nil
}

// OpenParent resolves every element of name except the last and returns the
// directory that holds it together with the last element.
func (fsys *FS) OpenParent(ctx context.Context, name string) (*Dir, string, error) {
	parts, ok := splitPath(name)
	if !ok || len(parts) == 0 {
		return nil, "", &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	dir, err := fsys.walkPath(ctx, name, parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	return dir, parts[len(parts)-1], nil
}

func (fsys *FS) walkPath(ctx context.Context, name string, dirs []string) (*Dir, error) {
	dir := fsys.OpenVolume()
	for _, p := range dirs {
		next, err := dir.OpenDirectory(ctx, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
			}
			return nil, err
		}
		dir = next
	}
	return dir, nil
}
