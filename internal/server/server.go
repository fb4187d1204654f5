// Package server decides how project resources are served to the preview:
// live or static, rewritten or raw. Server variants share one interface and
// are picked per path by a Manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/livetemplate/liveserve/internal/cache"
	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/fsys"
	"github.com/livetemplate/liveserve/internal/handles"
)

var (
	// ErrNotStarted is returned when a server is used while no filesystem is bound.
	ErrNotStarted = errors.New("server not started")

	// ErrNoServer is returned when no registered server can serve a path.
	ErrNoServer = errors.New("no server for path")

	// ErrOutsideProject is returned for paths that do not map into the project.
	ErrOutsideProject = errors.New("path outside project")
)

// Server is implemented by every server variant.
type Server interface {
	// CanServe reports whether the server handles path. It must not do I/O.
	CanServe(path string) bool

	// Add registers a live document with the server.
	Add(doc cache.LiveDocument)

	// Start binds the project filesystem. Stop unbinds it.
	// Both may be called repeatedly.
	Start(fs fsys.FS) error
	Stop() error

	// ServePath returns the raw content of a file.
	ServePath(ctx context.Context, path string) (content.Content, error)

	PathToURL(ctx context.Context, path string) (handles.Handle, error)
	URLToPath(ctx context.Context, url handles.Handle) (string, error)
}

// LiveServer is a Server that rewrites markup and serves live documents.
type LiveServer interface {
	Server

	// ServeHTML rewrites html read from path. If rewriting fails the raw
	// content of path is served instead.
	ServeHTML(ctx context.Context, html, path string) (content.Content, error)

	// ServeLiveDoc serves the document url refers to and returns the
	// handle of the served result.
	ServeLiveDoc(ctx context.Context, url handles.Handle) (handles.Handle, error)
}

// Options configures a server.
type Options struct {
	Root            string // Virtual root project paths live under (default "/")
	MaxRewriteBytes int    // Markup larger than this is not rewritten (0 = unlimited)
	Debug           bool
}

// base holds what every server variant shares: the project root, the bound
// filesystem, and the handle map.
type base struct {
	name     string
	root     string
	resolver *content.Resolver
	handles  *handles.Map
	debug    bool

	mu sync.RWMutex
	fs fsys.FS
}

func newBase(name string, resolver *content.Resolver, hm *handles.Map, opts Options) *base {
	root := fsys.Clean(opts.Root)
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &base{
		name:     name,
		root:     root,
		resolver: resolver,
		handles:  hm,
		debug:    opts.Debug,
	}
}

// Root returns the virtual project root, always ending in "/".
func (b *base) Root() string {
	return b.root
}

// Start binds fs. Rebinding replaces the previous filesystem.
func (b *base) Start(fs fsys.FS) error {
	if fs == nil {
		return fmt.Errorf("%s: start: nil filesystem", b.name)
	}
	b.mu.Lock()
	b.fs = fs
	b.mu.Unlock()

	if b.debug {
		log.Printf("[Server] %s started (root %s)", b.name, b.root)
	}
	return nil
}

// Stop unbinds the filesystem. Requests already holding it finish normally.
func (b *base) Stop() error {
	b.mu.Lock()
	b.fs = nil
	b.mu.Unlock()

	if b.debug {
		log.Printf("[Server] %s stopped", b.name)
	}
	return nil
}

func (b *base) filesystem() (fsys.FS, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.fs == nil {
		return nil, fmt.Errorf("%s: %w", b.name, ErrNotStarted)
	}
	return b.fs, nil
}

// relative makes p relative to the project root. A path outside the root
// comes back unchanged.
func (b *base) relative(p string) string {
	return strings.TrimPrefix(p, b.root)
}

// inProject reports whether p maps into the project.
func (b *base) inProject(p string) bool {
	return b.relative(p) != p
}

// fsPath maps a project path to the bound filesystem's namespace.
func (b *base) fsPath(p string) (string, error) {
	p = fsys.Clean(p)
	switch {
	case p+"/" == b.root:
		return "/", nil
	case !b.inProject(p):
		return "", fmt.Errorf("%w: %s", ErrOutsideProject, p)
	}
	return fsys.Clean(b.relative(p)), nil
}

// ProjectPath maps a filesystem path back under the project root.
func (b *base) ProjectPath(fsPath string) string {
	return fsys.Clean(b.root + strings.TrimPrefix(fsys.Clean(fsPath), "/"))
}

// ServePath resolves p through the content resolver. Directories fail with
// content.ErrExpectedFile; there is no default-document redirect.
func (b *base) ServePath(ctx context.Context, p string) (content.Content, error) {
	fs, err := b.filesystem()
	if err != nil {
		return content.Content{}, err
	}
	name, err := b.fsPath(p)
	if err != nil {
		return content.Content{}, err
	}

	c, err := b.resolver.Resolve(ctx, fs, name)
	if err != nil {
		return content.Content{}, err
	}
	c.Path = fsys.Clean(p)
	return c, nil
}

// PathToURL returns the path's current handle, allocating one for its raw
// content when it has none.
func (b *base) PathToURL(ctx context.Context, p string) (handles.Handle, error) {
	p = fsys.Clean(p)
	h, found, err := b.handles.Lookup(ctx, p)
	if err != nil {
		return "", err
	}
	if found {
		return h, nil
	}

	c, err := b.ServePath(ctx, p)
	if err != nil {
		return "", err
	}
	return b.handles.Allocate(ctx, p, c.Body, c.MIME)
}

// URLToPath returns the path a handle was allocated for.
func (b *base) URLToPath(ctx context.Context, url handles.Handle) (string, error) {
	return b.handles.Resolve(ctx, url)
}
