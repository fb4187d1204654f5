package cache

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/livetemplate/liveserve/internal/fsys"
)

// Instrumenter turns a document body into its instrumented form.
type Instrumenter func(path, body string) string

// Document is the editor-backed live document.
type Document struct {
	path string

	mu           sync.RWMutex
	body         string
	instrumented bool
	instrument   Instrumenter
}

var (
	_ LiveDocument      = (*Document)(nil)
	_ Instrumentable    = (*Document)(nil)
	_ ResponseSource    = (*Document)(nil)
	_ ConvertibleSource = (*Document)(nil)
)

// NewDocument creates a live document for path with the editor's current body.
// instrument may be nil, in which case instrumented responses equal the body.
func NewDocument(path, body string, instrument Instrumenter) *Document {
	return &Document{
		path:       fsys.Clean(path),
		body:       body,
		instrument: instrument,
	}
}

// Path returns the document's project path.
func (d *Document) Path() string {
	return d.path
}

// SetBody replaces the body after an edit.
func (d *Document) SetBody(body string) {
	d.mu.Lock()
	d.body = body
	d.mu.Unlock()
}

// Body returns the stored, uninstrumented body.
func (d *Document) Body() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.body
}

func (d *Document) SetInstrumentationEnabled(enabled bool) {
	d.mu.Lock()
	d.instrumented = enabled
	d.mu.Unlock()
}

func (d *Document) InstrumentationEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.instrumented
}

// ResponseData returns the body to serve, instrumented when enabled.
// The stored body is never modified.
func (d *Document) ResponseData() ResponseData {
	rd, _ := d.ConvertedResponseData(nil)
	return rd
}

// ConvertedResponseData is ResponseData with the stored body passed through
// convert first, so instrumentation lands in the converted output.
func (d *Document) ConvertedResponseData(convert func(body string) (string, error)) (ResponseData, error) {
	d.mu.RLock()
	body, instrumented, instrument := d.body, d.instrumented, d.instrument
	d.mu.RUnlock()

	if convert != nil {
		var err error
		if body, err = convert(body); err != nil {
			return ResponseData{}, err
		}
	}
	if instrumented && instrument != nil {
		body = instrument(d.path, body)
	}
	return ResponseData{Body: body}, nil
}

// ScriptInstrumenter injects a script tag loading src just before </body>,
// or appends it when the document has no body close tag.
func ScriptInstrumenter(src string) Instrumenter {
	return func(path, body string) string {
		tag := fmt.Sprintf(`<script src="%s" data-liveserve-path="%s"></script>`,
			html.EscapeString(src), html.EscapeString(path))

		idx := lastBodyClose(body)
		if idx < 0 {
			return body + tag
		}
		return body[:idx] + tag + body[idx:]
	}
}

// lastBodyClose returns the byte offset of the last </body> in body, matched
// case-insensitively, or -1. Offsets refer to body itself, whatever its encoding.
func lastBodyClose(body string) int {
	const closeTag = "</body>"
	for i := strings.LastIndex(body, "</"); i >= 0; i = strings.LastIndex(body[:i], "</") {
		if len(body)-i >= len(closeTag) && strings.EqualFold(body[i:i+len(closeTag)], closeTag) {
			return i
		}
	}
	return -1
}
