// Package fsys defines the filesystem collaborator used to stat and read
// project files. Paths are slash-separated and absolute within the project
// ("/index.html"), independent of where the project lives on disk.
package fsys

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FS is the read side of the project filesystem.
type FS interface {
	// Stat returns file info for a project path.
	Stat(ctx context.Context, name string) (fs.FileInfo, error)

	// ReadFile returns the full contents of a project path.
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// Clean normalises a project path: slash-separated, rooted, no dot segments.
// A trailing slash is preserved since it denotes a directory's default document.
func Clean(name string) string {
	name = filepath.ToSlash(name)
	trailing := strings.HasSuffix(name, "/") && name != "/"
	cleaned := path.Clean("/" + name)
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Dir is an FS backed by a directory on disk.
type Dir struct {
	root string
}

// Ensure Dir implements the interface.
var _ FS = (*Dir)(nil)

// NewDir creates an FS rooted at dir.
func NewDir(dir string) (*Dir, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute directory backing the FS.
func (d *Dir) Root() string {
	return d.root
}

// Stat returns file info for a project path.
func (d *Dir) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Stat(d.OSPath(name))
}

// ReadFile returns the contents of a project path.
func (d *Dir) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(d.OSPath(name))
}

// OSPath maps a project path to its location on disk.
// Cleaning against "/" first keeps ".." from escaping the root.
func (d *Dir) OSPath(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(Clean(name)))
}

// ProjectPath maps a location on disk back to a project path.
// ok is false when osPath lies outside the root.
func (d *Dir) ProjectPath(osPath string) (string, bool) {
	rel, err := filepath.Rel(d.root, osPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return Clean(rel), true
}

// ioFS adapts an io/fs.FS (such as fstest.MapFS or embed.FS).
type ioFS struct {
	fsys fs.FS
}

// FromFS wraps an io/fs.FS. Project paths are mapped by dropping the leading slash.
func FromFS(fsys fs.FS) FS {
	return &ioFS{fsys: fsys}
}

func (f *ioFS) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fs.Stat(f.fsys, ioName(name))
}

func (f *ioFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fs.ReadFile(f.fsys, ioName(name))
}

func ioName(name string) string {
	name = strings.TrimSuffix(strings.TrimPrefix(Clean(name), "/"), "/")
	if name == "" {
		return "."
	}
	return name
}
