package content

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/livetemplate/liveserve/internal/fsys"
	"github.com/livetemplate/liveserve/internal/handles"
)

// FileHandler returns a file's bytes as they are on disk.
type FileHandler struct{}

func (FileHandler) Handle(ctx context.Context, fs fsys.FS, p string) (Content, error) {
	data, err := fs.ReadFile(ctx, p)
	if err != nil {
		return Content{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return Content{
		Path: p,
		MIME: handles.DetectMIME(p, data),
		Body: data,
	}, nil
}

// MarkdownHandler renders markdown files to a standalone HTML page.
type MarkdownHandler struct {
	md goldmark.Markdown
}

// NewMarkdownHandler creates a handler using GitHub-flavoured markdown.
func NewMarkdownHandler() *MarkdownHandler {
	return &MarkdownHandler{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
}

func (h *MarkdownHandler) Handle(ctx context.Context, fs fsys.FS, p string) (Content, error) {
	data, err := fs.ReadFile(ctx, p)
	if err != nil {
		return Content{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return h.Render(p, data)
}

// Render converts markdown source for p, such as an unsaved editor buffer.
func (h *MarkdownHandler) Render(p string, data []byte) (Content, error) {
	var out bytes.Buffer
	title := strings.TrimSuffix(path.Base(p), path.Ext(p))
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n",
		html.EscapeString(title))
	if err := h.md.Convert(data, &out); err != nil {
		return Content{}, fmt.Errorf("rendering markdown %s: %w", p, err)
	}
	out.WriteString("</body>\n</html>\n")

	return Content{
		Path: p,
		MIME: "text/html; charset=utf-8",
		Body: out.Bytes(),
	}, nil
}
