// Package scan enumerates the files under a backup source.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Walker lists every file below a root directory.
type Walker struct {
	fs billy.Filesystem
	// abs resolves a source to the absolute path used as the walk root.
	abs func(string) (string, error)
}

// NewWalker creates a Walker over the host filesystem.
func NewWalker() *Walker {
	return &Walker{fs: osfs.New("/"), abs: filepath.Abs}
}

// NewWalkerFS creates a Walker over fsys. Sources are taken as given.
func NewWalkerFS(fsys billy.Filesystem) *Walker {
	return &Walker{fs: fsys, abs: func(p string) (string, error) { return filepath.Clean(p), nil }}
}

// Enumerate returns the absolute paths of every file under source in
// lexical order. Directories are descended into and not returned. Symlinks
// are returned only when they point at a regular file. A source that is
// itself a file yields just that file.
func (w *Walker) Enumerate(ctx context.Context, source string) ([]string, error) {
	root, err := w.abs(source)
	if err != nil {
		return nil, fmt.Errorf("resolving source %q: %w", source, err)
	}

	var files []string
	err = util.Walk(w.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return nil
		case info.Mode()&os.ModeSymlink != 0:
			target, err := w.fs.Stat(path)
			if err != nil || !target.Mode().IsRegular() {
				return nil
			}
		case !info.Mode().IsRegular():
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, nil
}
