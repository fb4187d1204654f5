// Package rewrite replaces resource references embedded in served content
// with preview handles.
package rewrite

import (
	"context"
	"errors"
	"fmt"

	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/handles"
)

// ErrRewriteFailed matches every rewrite failure. Callers fall back to raw content.
var ErrRewriteFailed = errors.New("rewrite failed")

// Error reports why rewriting a document failed.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rewrite %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrRewriteFailed
}

// Rewriter rewrites a document body read from path. The source body is never modified.
type Rewriter interface {
	Rewrite(ctx context.Context, path, body string) (string, error)
}

// Func adapts a function to Rewriter.
type Func func(ctx context.Context, path, body string) (string, error)

func (f Func) Rewrite(ctx context.Context, path, body string) (string, error) {
	return f(ctx, path, body)
}

// Fetcher resolves a project path to its raw content.
type Fetcher func(ctx context.Context, path string) (content.Content, error)

// Allocator mints handles for content. *handles.Map satisfies it.
type Allocator interface {
	Allocate(ctx context.Context, path string, content []byte, mimeHint string) (handles.Handle, error)
}
