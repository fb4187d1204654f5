// Package content resolves project paths to their raw content, choosing a
// content handler by file kind.
package content

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/livetemplate/liveserve/internal/fsys"
	"github.com/livetemplate/liveserve/internal/handles"
)

var (
	// ErrStatFailed matches any failure of the underlying filesystem lookup.
	ErrStatFailed = errors.New("stat failed")

	// ErrExpectedFile is returned when a path names a directory.
	ErrExpectedFile = errors.New("expected file path")
)

// StatError wraps the filesystem error unchanged; errors.Is matches both
// ErrStatFailed and the wrapped error (e.g. fs.ErrNotExist).
type StatError struct {
	Path string
	Err  error
}

func (e *StatError) Error() string {
	return fmt.Sprintf("stat %s: %v", e.Path, e.Err)
}

func (e *StatError) Unwrap() error {
	return e.Err
}

func (e *StatError) Is(target error) bool {
	return target == ErrStatFailed
}

// Kind classifies a file for handler dispatch.
type Kind int

const (
	KindOther Kind = iota
	KindMarkup
	KindMarkdown
)

func (k Kind) String() string {
	switch k {
	case KindMarkup:
		return "markup"
	case KindMarkdown:
		return "markdown"
	default:
		return "other"
	}
}

// Content is a resolved file.
type Content struct {
	Path string
	Kind Kind
	MIME string
	Body []byte
}

// Handler produces content for a file path that is known to exist.
type Handler interface {
	Handle(ctx context.Context, fs fsys.FS, path string) (Content, error)
}

// Renderer is implemented by handlers that transform a file's source, so
// source that is not on disk can be converted the same way.
type Renderer interface {
	Render(path string, src []byte) (Content, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, fs fsys.FS, path string) (Content, error)

func (f HandlerFunc) Handle(ctx context.Context, fs fsys.FS, path string) (Content, error) {
	return f(ctx, fs, path)
}

// Options configures a Resolver.
type Options struct {
	HTMLExtensions []string // Extensions classified as markup
	RenderMarkdown bool     // Classify .md/.markdown as markdown and render to HTML
}

// Resolver picks a handler per file kind and returns its content.
// Concurrent resolves of the same path share one read; the returned Body
// must be treated as read-only.
type Resolver struct {
	handlers map[Kind]Handler
	htmlExts map[string]bool
	markdown bool
	group    singleflight.Group
}

// NewResolver creates a Resolver. Markup and other files are both served by
// FileHandler until a divergent handler is registered for one of them.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		handlers: make(map[Kind]Handler),
		htmlExts: make(map[string]bool),
		markdown: opts.RenderMarkdown,
	}
	for _, ext := range opts.HTMLExtensions {
		r.htmlExts[strings.ToLower(ext)] = true
	}

	file := FileHandler{}
	r.handlers[KindMarkup] = file
	r.handlers[KindOther] = file
	if opts.RenderMarkdown {
		r.handlers[KindMarkdown] = NewMarkdownHandler()
	}
	return r
}

// Register replaces the handler for a kind.
func (r *Resolver) Register(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// IsMarkup reports whether p has a static markup extension.
func (r *Resolver) IsMarkup(p string) bool {
	return r.htmlExts[strings.ToLower(path.Ext(p))]
}

// Classify returns the kind of a path by extension.
func (r *Resolver) Classify(p string) Kind {
	if r.IsMarkup(p) {
		return KindMarkup
	}
	if r.markdown {
		switch strings.ToLower(path.Ext(p)) {
		case ".md", ".markdown":
			return KindMarkdown
		}
	}
	return KindOther
}

// Render converts src as the handler for p's kind would convert the file.
// Kinds whose handler is not a Renderer return src unchanged.
func (r *Resolver) Render(p string, src []byte) (Content, error) {
	p = fsys.Clean(p)
	kind := r.Classify(p)
	h, ok := r.handlers[kind]
	if !ok {
		h = r.handlers[KindOther]
	}

	rn, ok := h.(Renderer)
	if !ok {
		return Content{Path: p, Kind: kind, MIME: handles.DetectMIME(p, src), Body: src}, nil
	}
	c, err := rn.Render(p, src)
	if err != nil {
		return Content{}, err
	}
	c.Kind = kind
	return c, nil
}

// Resolve stats p and hands it to the handler for its kind.
// Stat failures come back as *StatError; directories fail with ErrExpectedFile.
// A caller whose ctx ends stops waiting without cancelling the read other
// callers share.
func (r *Resolver) Resolve(ctx context.Context, fs fsys.FS, p string) (Content, error) {
	p = fsys.Clean(p)
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}

	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(p, func() (interface{}, error) {
		return r.resolve(shared, fs, p)
	})

	select {
	case <-ctx.Done():
		return Content{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Content{}, res.Err
		}
		return res.Val.(Content), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, fs fsys.FS, p string) (Content, error) {
	info, err := fs.Stat(ctx, p)
	if err != nil {
		return Content{}, &StatError{Path: p, Err: err}
	}

	if info.IsDir() {
		return Content{}, fmt.Errorf("%w: %s", ErrExpectedFile, p)
	}

	kind := r.Classify(p)
	h, ok := r.handlers[kind]
	if !ok {
		h = r.handlers[KindOther]
	}
	c, err := h.Handle(ctx, fs, p)
	if err != nil {
		return Content{}, err
	}
	c.Kind = kind
	return c, nil
}
