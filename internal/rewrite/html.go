package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/fsys"
)

// ErrTooLarge is wrapped by rewrite errors for documents over the size limit.
var ErrTooLarge = errors.New("document too large to rewrite")

// urlAttrs lists, per element, the attributes holding resource references.
// Anchors are left alone: navigating to another page is not a resource load.
var urlAttrs = map[atom.Atom][]string{
	atom.Img:    {"src", "srcset"},
	atom.Script: {"src"},
	atom.Iframe: {"src"},
	atom.Frame:  {"src"},
	atom.Audio:  {"src"},
	atom.Video:  {"src", "poster"},
	atom.Source: {"src", "srcset"},
	atom.Track:  {"src"},
	atom.Embed:  {"src"},
	atom.Input:  {"src"},
	atom.Link:   {"href"},
	atom.Object: {"data"},
}

var errCycle = errors.New("reference cycle")

var (
	cssURL    = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+?)(['"]?)\s*\)`)
	cssImport = regexp.MustCompile(`@import\s+(['"])([^'"]+)(['"])`)
	schemeRef = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// HTMLRewriter rewrites references in HTML documents, their <style> blocks and
// style attributes, and in linked stylesheets and framed documents.
type HTMLRewriter struct {
	fetch    Fetcher
	alloc    Allocator
	prefix   string
	maxBytes int
	debug    bool
}

// Option configures an HTMLRewriter.
type Option func(*HTMLRewriter)

// WithMaxBytes fails rewrites of documents larger than n bytes (0 = unlimited).
func WithMaxBytes(n int) Option {
	return func(r *HTMLRewriter) { r.maxBytes = n }
}

// WithDebug logs every reference left unresolved.
func WithDebug(debug bool) Option {
	return func(r *HTMLRewriter) { r.debug = debug }
}

// NewHTMLRewriter creates a rewriter. handlePrefix marks references that are
// already handles so they are not rewritten twice.
func NewHTMLRewriter(fetch Fetcher, alloc Allocator, handlePrefix string, opts ...Option) *HTMLRewriter {
	r := &HTMLRewriter{
		fetch:  fetch,
		alloc:  alloc,
		prefix: handlePrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure HTMLRewriter implements the interface.
var _ Rewriter = (*HTMLRewriter)(nil)

// Rewrite replaces every local resource reference in body, resolved relative
// to docPath, with that resource's handle. References that cannot be
// resolved are left as they are.
func (r *HTMLRewriter) Rewrite(ctx context.Context, docPath, body string) (string, error) {
	docPath = fsys.Clean(docPath)
	w := &walk{
		done:   make(map[string]string),
		active: map[string]bool{docPath: true},
	}
	return r.rewriteHTML(ctx, docPath, body, w)
}

// walk tracks the targets of a single Rewrite call. A target is allocated
// once; references back into a target still being rewritten are left as is.
type walk struct {
	done   map[string]string
	active map[string]bool
}

func (r *HTMLRewriter) rewriteHTML(ctx context.Context, docPath, body string, w *walk) (string, error) {
	if r.maxBytes > 0 && len(body) > r.maxBytes {
		return "", &Error{Path: docPath, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))}
	}

	z := html.NewTokenizer(strings.NewReader(body))
	var out strings.Builder
	out.Grow(len(body))
	inStyle := false

	for {
		if err := ctx.Err(); err != nil {
			return "", &Error{Path: docPath, Err: err}
		}

		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", &Error{Path: docPath, Err: err}
			}
			return out.String(), nil

		case html.StartTagToken, html.SelfClosingTagToken:
			raw := string(z.Raw())
			tok := z.Token()
			if r.rewriteAttrs(ctx, docPath, &tok, w) {
				out.WriteString(tok.String())
			} else {
				out.WriteString(raw)
			}
			if tok.DataAtom == atom.Style && tt == html.StartTagToken {
				inStyle = true
			}

		case html.EndTagToken:
			raw := string(z.Raw())
			if name, _ := z.TagName(); atom.Lookup(name) == atom.Style {
				inStyle = false
			}
			out.WriteString(raw)

		case html.TextToken:
			raw := string(z.Raw())
			if inStyle {
				raw = r.rewriteCSS(ctx, docPath, raw, w)
			}
			out.WriteString(raw)

		default:
			out.Write(z.Raw())
		}
	}
}

// rewriteAttrs rewrites reference attributes in place and reports whether any changed.
func (r *HTMLRewriter) rewriteAttrs(ctx context.Context, docPath string, tok *html.Token, w *walk) bool {
	changed := false
	keys := urlAttrs[tok.DataAtom]

	for i := range tok.Attr {
		a := &tok.Attr[i]
		if a.Namespace != "" {
			continue
		}

		var rewritten string
		var ok bool
		switch {
		case a.Key == "style":
			rewritten = r.rewriteCSS(ctx, docPath, a.Val, w)
			ok = rewritten != a.Val
		case a.Key == "srcset" && contains(keys, a.Key):
			rewritten, ok = r.rewriteSrcset(ctx, docPath, a.Val, w)
		case contains(keys, a.Key):
			rewritten, ok = r.resolveRef(ctx, docPath, a.Val, w)
		}

		if ok {
			a.Val = rewritten
			changed = true
		}
	}
	return changed
}

// rewriteSrcset rewrites each candidate URL of a srcset list, keeping descriptors.
func (r *HTMLRewriter) rewriteSrcset(ctx context.Context, docPath, val string, w *walk) (string, bool) {
	candidates := strings.Split(val, ",")
	changed := false
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		if h, ok := r.resolveRef(ctx, docPath, fields[0], w); ok {
			fields[0] = h
			changed = true
		}
		candidates[i] = strings.Join(fields, " ")
	}
	if !changed {
		return val, false
	}
	return strings.Join(candidates, ", "), true
}

// rewriteCSS rewrites url(...) and @import references in a stylesheet.
func (r *HTMLRewriter) rewriteCSS(ctx context.Context, cssPath, css string, w *walk) string {
	css = cssURL.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssURL.FindStringSubmatch(m)
		if h, ok := r.resolveRef(ctx, cssPath, sub[2], w); ok {
			return "url(" + sub[1] + h + sub[3] + ")"
		}
		return m
	})
	return cssImport.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssImport.FindStringSubmatch(m)
		if h, ok := r.resolveRef(ctx, cssPath, sub[2], w); ok {
			return "@import " + sub[1] + h + sub[3]
		}
		return m
	})
}

// resolveRef turns a local reference into a handle, keeping its query and fragment.
func (r *HTMLRewriter) resolveRef(ctx context.Context, basePath, ref string, w *walk) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "//") ||
		schemeRef.MatchString(ref) || (r.prefix != "" && strings.HasPrefix(ref, r.prefix)) {
		return "", false
	}

	u, err := url.Parse(ref)
	if err != nil || u.Path == "" {
		return "", false
	}

	target := u.Path
	if !strings.HasPrefix(target, "/") {
		target = path.Join(path.Dir(basePath), target)
	}
	target = fsys.Clean(target)

	h, err := r.handleFor(ctx, target, w)
	if err != nil {
		if r.debug {
			log.Printf("[Rewrite] Leaving %q in %s unresolved: %v", ref, basePath, err)
		}
		return "", false
	}

	if u.RawQuery != "" {
		h += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		h += "#" + u.Fragment
	}
	return h, true
}

// handleFor allocates a handle for target. Stylesheets and framed documents
// have their own references rewritten first.
func (r *HTMLRewriter) handleFor(ctx context.Context, target string, w *walk) (string, error) {
	if h, ok := w.done[target]; ok {
		return h, nil
	}
	if w.active[target] {
		return "", errCycle
	}

	c, err := r.fetch(ctx, target)
	if err != nil {
		return "", err
	}

	w.active[target] = true
	defer delete(w.active, target)

	body := c.Body
	switch {
	case isCSS(c):
		body = []byte(r.rewriteCSS(ctx, target, string(body), w))
	case c.Kind == content.KindMarkup || c.Kind == content.KindMarkdown:
		if nested, err := r.rewriteHTML(ctx, target, string(body), w); err == nil {
			body = []byte(nested)
		} else if r.debug {
			log.Printf("[Rewrite] Serving %s unrewritten: %v", target, err)
		}
	}

	h, err := r.alloc.Allocate(ctx, target, body, c.MIME)
	if err != nil {
		return "", err
	}
	w.done[target] = h.String()
	return h.String(), nil
}

func isCSS(c content.Content) bool {
	return strings.HasPrefix(c.MIME, "text/css") || strings.EqualFold(path.Ext(c.Path), ".css")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
