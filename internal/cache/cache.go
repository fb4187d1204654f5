// Package cache provides the registry of documents open for live editing.
package cache

import (
	"sort"
	"sync"
)

// LiveDocument is a document an editor has opened for live editing.
// Documents may also implement Instrumentable and ResponseSource.
type LiveDocument interface {
	Path() string
}

// Instrumentable is implemented by documents that can toggle live instrumentation.
type Instrumentable interface {
	SetInstrumentationEnabled(enabled bool)
	InstrumentationEnabled() bool
}

// ResponseData is the servable form of a live document.
type ResponseData struct {
	Body string
}

// ResponseSource is implemented by documents that expose response data.
type ResponseSource interface {
	ResponseData() ResponseData
}

// ConvertibleSource is implemented by documents whose stored body must be
// converted (markdown to HTML) before instrumentation is applied.
type ConvertibleSource interface {
	ConvertedResponseData(convert func(body string) (string, error)) (ResponseData, error)
}

// LiveDocuments is the live document registry, keyed by path.
// A path has at most one live document; adding replaces the previous one.
type LiveDocuments struct {
	mu   sync.RWMutex
	docs map[string]LiveDocument
}

// NewLiveDocuments creates an empty registry
func NewLiveDocuments() *LiveDocuments {
	return &LiveDocuments{
		docs: make(map[string]LiveDocument),
	}
}

// Add registers doc under its path. Documents that support instrumentation
// always enter the cache with it enabled.
func (c *LiveDocuments) Add(doc LiveDocument) {
	if inst, ok := doc.(Instrumentable); ok {
		inst.SetInstrumentationEnabled(true)
	}

	c.mu.Lock()
	c.docs[doc.Path()] = doc
	c.mu.Unlock()
}

// Get returns the live document for path, if any
func (c *LiveDocuments) Get(path string) (LiveDocument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[path]
	return doc, ok
}

// Remove drops the live document for path
func (c *LiveDocuments) Remove(path string) {
	c.mu.Lock()
	delete(c.docs, path)
	c.mu.Unlock()
}

// Paths returns the paths with a live document, sorted
func (c *LiveDocuments) Paths() []string {
	c.mu.RLock()
	paths := make([]string, 0, len(c.docs))
	for p := range c.docs {
		paths = append(paths, p)
	}
	c.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// Len returns the number of live documents (for testing)
func (c *LiveDocuments) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}
