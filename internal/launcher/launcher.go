// Package launcher shows a served document in the preview browser.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/livetemplate/liveserve/internal/handles"
)

// Browser is a preview consumer.
type Browser interface {
	Update(ctx context.Context, url handles.Handle) error
}

// Server serves the document a handle refers to and returns the handle of the result.
type Server interface {
	ServeLiveDoc(ctx context.Context, url handles.Handle) (handles.Handle, error)
}

// FatalError reports a launch that could not produce anything to show.
// The launch sequence is over; callers must not retry or partially recover.
type FatalError struct {
	URL handles.Handle
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.URL, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err aborted a launch.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// UpdateError reports a served document the browser could not be updated
// with. The document was served; the launch is not fatal.
type UpdateError struct {
	URL handles.Handle
	Err error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating browser with %s: %v", e.URL, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Launcher pairs a server with the browser its results are shown in.
type Launcher struct {
	browser Browser
	server  Server
	debug   bool
}

// New creates a launcher. The pair is fixed for the launcher's lifetime.
func New(browser Browser, server Server, debug bool) *Launcher {
	return &Launcher{
		browser: browser,
		server:  server,
		debug:   debug,
	}
}

// Launch serves url and forwards the result to the browser. A serving
// failure is returned as a *FatalError and the browser is not updated.
// A browser failure is returned as an *UpdateError and is not fatal.
func (l *Launcher) Launch(ctx context.Context, url handles.Handle) error {
	h, err := l.server.ServeLiveDoc(ctx, url)
	if err != nil {
		log.Printf("[Launcher] Failed to serve %s: %v", url, err)
		return &FatalError{URL: url, Err: err}
	}

	if l.debug {
		log.Printf("[Launcher] Serving %s as %s", url, h)
	}

	if err := l.browser.Update(ctx, h); err != nil {
		return &UpdateError{URL: h, Err: err}
	}
	return nil
}
