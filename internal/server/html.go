package server

import (
	"context"
	"log"
	"path"
	"strings"

	"github.com/livetemplate/liveserve/internal/cache"
	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/fsys"
	"github.com/livetemplate/liveserve/internal/handles"
	"github.com/livetemplate/liveserve/internal/rewrite"
)

// HTMLServer serves static markup and live documents, rewriting their
// resource references to handles.
type HTMLServer struct {
	*base
	docs     *cache.LiveDocuments
	rewriter rewrite.Rewriter
}

var _ LiveServer = (*HTMLServer)(nil)

// HTMLOption configures an HTMLServer.
type HTMLOption func(*HTMLServer)

// WithRewriter replaces the default HTML rewriter.
func WithRewriter(rw rewrite.Rewriter) HTMLOption {
	return func(s *HTMLServer) { s.rewriter = rw }
}

// NewHTMLServer creates a markup server. Unless WithRewriter is given,
// references are rewritten by a rewrite.HTMLRewriter reading through this
// server's filesystem.
func NewHTMLServer(resolver *content.Resolver, hm *handles.Map, docs *cache.LiveDocuments, opts Options, options ...HTMLOption) *HTMLServer {
	s := &HTMLServer{
		base: newBase("html", resolver, hm, opts),
		docs: docs,
	}
	s.rewriter = rewrite.NewHTMLRewriter(s.ServePath, hm, hm.Prefix(),
		rewrite.WithMaxBytes(opts.MaxRewriteBytes),
		rewrite.WithDebug(opts.Debug))
	for _, opt := range options {
		opt(s)
	}
	return s
}

// CanServe reports whether p is a markup file, a rendered markdown file or a
// directory inside the project.
func (s *HTMLServer) CanServe(p string) bool {
	if !s.inProject(p) {
		return false
	}
	if strings.HasSuffix(p, "/") {
		return true
	}
	return s.resolver.Classify(p) != content.KindOther
}

// Add registers a live document. Documents supporting instrumentation are
// always served instrumented.
func (s *HTMLServer) Add(doc cache.LiveDocument) {
	if inst, ok := doc.(cache.Instrumentable); ok {
		inst.SetInstrumentationEnabled(true)
	}
	s.docs.Add(doc)

	if s.debug {
		log.Printf("[Server] Live document added: %s", doc.Path())
	}
}

// Remove ends live serving of p.
func (s *HTMLServer) Remove(p string) {
	s.docs.Remove(fsys.Clean(p))
}

// LiveDocument returns the live document registered for p.
func (s *HTMLServer) LiveDocument(p string) (cache.LiveDocument, bool) {
	return s.docs.Get(fsys.Clean(p))
}

// LivePaths lists the paths with a live document.
func (s *HTMLServer) LivePaths() []string {
	return s.docs.Paths()
}

// ServeHTML rewrites html read from p. A rewrite failure is logged and the
// raw content of p is served instead.
func (s *HTMLServer) ServeHTML(ctx context.Context, html, p string) (content.Content, error) {
	p = fsys.Clean(p)
	out, err := s.rewriter.Rewrite(ctx, p, html)
	if err != nil {
		log.Printf("[Server] unable to rewrite HTML for `%s`: %v", p, err)
		return s.ServePath(ctx, p)
	}

	kind := s.resolver.Classify(p)
	if kind == content.KindOther {
		kind = content.KindMarkup
	}
	return content.Content{
		Path: p,
		Kind: kind,
		MIME: "text/html; charset=utf-8",
		Body: []byte(out),
	}, nil
}

// ServeLiveDoc serves the document url refers to. A live document with
// response data wins over the file on disk; otherwise the static file is
// served, rewritten if it is markup. The result is allocated a handle.
func (s *HTMLServer) ServeLiveDoc(ctx context.Context, url handles.Handle) (handles.Handle, error) {
	p, err := s.handles.Resolve(ctx, url)
	if err != nil {
		return "", err
	}

	body, live, err := s.liveContent(p)
	if err != nil {
		return "", err
	}

	var c content.Content
	if live {
		c, err = s.ServeHTML(ctx, body, p)
	} else {
		if s.debug {
			log.Printf("[Server] No live document for %s, serving static content", p)
		}
		c, err = s.serveStatic(ctx, p)
	}
	if err != nil {
		return "", err
	}

	return s.handles.Allocate(ctx, p, c.Body, c.MIME)
}

// PathToURL returns the path's current handle. A path without one is
// allocated from its live document when it has one, so unsaved buffers with
// no file on disk can be served, and from the file otherwise.
func (s *HTMLServer) PathToURL(ctx context.Context, p string) (handles.Handle, error) {
	p = fsys.Clean(p)
	h, found, err := s.handles.Lookup(ctx, p)
	if err != nil || found {
		return h, err
	}

	if body, ok := s.liveBody(p); ok {
		return s.handles.Allocate(ctx, p, []byte(body), handles.DetectMIME(p, []byte(body)))
	}
	return s.base.PathToURL(ctx, p)
}

// liveBody returns the live document's response body as stored.
func (s *HTMLServer) liveBody(p string) (string, bool) {
	doc, ok := s.docs.Get(p)
	if !ok {
		return "", false
	}
	src, ok := doc.(cache.ResponseSource)
	if !ok {
		return "", false
	}
	return src.ResponseData().Body, true
}

// liveContent returns the live document's body ready for ServeHTML.
// Markdown is rendered before the document instruments it.
func (s *HTMLServer) liveContent(p string) (string, bool, error) {
	if s.resolver.Classify(p) != content.KindMarkdown {
		body, ok := s.liveBody(p)
		return body, ok, nil
	}

	doc, ok := s.docs.Get(p)
	if !ok {
		return "", false, nil
	}
	render := func(body string) (string, error) {
		c, err := s.resolver.Render(p, []byte(body))
		if err != nil {
			return "", err
		}
		return string(c.Body), nil
	}

	switch d := doc.(type) {
	case cache.ConvertibleSource:
		rd, err := d.ConvertedResponseData(render)
		return rd.Body, true, err
	case cache.ResponseSource:
		body, err := render(d.ResponseData().Body)
		return body, true, err
	}
	return "", false, nil
}

func (s *HTMLServer) serveStatic(ctx context.Context, p string) (content.Content, error) {
	c, err := s.ServePath(ctx, p)
	if err != nil {
		return content.Content{}, err
	}
	if c.Kind != content.KindMarkup && c.Kind != content.KindMarkdown {
		return c, nil
	}
	return s.ServeHTML(ctx, string(c.Body), p)
}

// DefaultDocument returns the markup file a directory path should open,
// or "" when the directory has none.
func (s *HTMLServer) DefaultDocument(ctx context.Context, dir string) string {
	fs, err := s.filesystem()
	if err != nil {
		return ""
	}
	for _, name := range []string{"index.html", "index.htm"} {
		p := path.Join(fsys.Clean(dir), name)
		fp, err := s.fsPath(p)
		if err != nil {
			return ""
		}
		if info, err := fs.Stat(ctx, fp); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
