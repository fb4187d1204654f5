// Package handles maps project paths to opaque, stable handles that a
// preview consumer can load. Every handle belongs to exactly one path and
// one content version; allocating new content for a path revokes the
// path's previous handle.
package handles

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/livetemplate/liveserve/internal/fsys"
)

// ErrUnknownHandle is returned when a handle was never allocated or has been revoked.
var ErrUnknownHandle = errors.New("unknown handle")

// Handle is an opaque reference to one content version of a path.
type Handle string

func (h Handle) String() string {
	return string(h)
}

// Entry is what a Store keeps for each live handle.
type Entry struct {
	Handle  Handle
	Path    string
	MIME    string
	Sum     uint64
	Content []byte
}

// Store persists handle entries. Implementations keep at most one entry per path:
// Put replaces any entry previously stored for the same path.
type Store interface {
	Put(ctx context.Context, e Entry) error

	// Get returns ErrUnknownHandle when no entry exists for h.
	Get(ctx context.Context, h Handle) (Entry, error)

	// GetByPath reports found=false when the path has no handle.
	GetByPath(ctx context.Context, path string) (Entry, bool, error)

	DeleteByPath(ctx context.Context, path string) error

	Close() error
}

// Map is the path/handle bimap.
type Map struct {
	mu     sync.Mutex
	store  Store
	prefix string
}

// NewMap creates a Map minting handles as prefix+uuid.
func NewMap(store Store, prefix string) *Map {
	if prefix == "" {
		prefix = "/blob/"
	}
	return &Map{store: store, prefix: prefix}
}

// Prefix returns the string every handle starts with.
func (m *Map) Prefix() string {
	return m.prefix
}

// Allocate creates the handle for path's content and returns it.
// Repeating a call with identical content and MIME type returns the same
// handle; anything else mints a new handle and revokes the old one.
func (m *Map) Allocate(ctx context.Context, p string, content []byte, mimeHint string) (Handle, error) {
	p = fsys.Clean(p)
	mt := mimeHint
	if mt == "" {
		mt = DetectMIME(p, content)
	}
	sum := xxhash.Sum64(content)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, found, err := m.store.GetByPath(ctx, p)
	if err != nil {
		return "", fmt.Errorf("looking up handle for %s: %w", p, err)
	}
	if found && prev.Sum == sum && prev.MIME == mt {
		return prev.Handle, nil
	}

	h := Handle(m.prefix + uuid.NewString())
	e := Entry{
		Handle:  h,
		Path:    p,
		MIME:    mt,
		Sum:     sum,
		Content: make([]byte, len(content)), // never nil, empty files included
	}
	copy(e.Content, content)
	if err := m.store.Put(ctx, e); err != nil {
		return "", fmt.Errorf("storing handle for %s: %w", p, err)
	}
	return h, nil
}

// Resolve returns the path a handle was allocated for.
func (m *Map) Resolve(ctx context.Context, h Handle) (string, error) {
	e, err := m.Blob(ctx, h)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// Blob returns the stored entry for a handle.
func (m *Map) Blob(ctx context.Context, h Handle) (Entry, error) {
	if !strings.HasPrefix(string(h), m.prefix) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	e, err := m.store.Get(ctx, h)
	if errors.Is(err, ErrUnknownHandle) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading handle %s: %w", h, err)
	}
	return e, nil
}

// Lookup returns the current handle for a path, if one exists.
func (m *Map) Lookup(ctx context.Context, p string) (Handle, bool, error) {
	e, found, err := m.store.GetByPath(ctx, fsys.Clean(p))
	if err != nil || !found {
		return "", false, err
	}
	return e.Handle, true, nil
}

// Invalidate revokes the path's handle, e.g. after the file is re-saved.
func (m *Map) Invalidate(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteByPath(ctx, fsys.Clean(p))
}

// FromID rebuilds a handle from the id part of a request URL.
func (m *Map) FromID(id string) Handle {
	return Handle(m.prefix + id)
}

// Close releases the underlying store.
func (m *Map) Close() error {
	return m.store.Close()
}

// DetectMIME picks a MIME type from the path's extension, falling back to content sniffing.
func DetectMIME(p string, content []byte) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return mimetype.Detect(content).String()
}
