package server

import (
	"log"
	"strings"

	"github.com/livetemplate/liveserve/internal/cache"
	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/handles"
)

// StaticServer serves any project file as it is on disk. It never rewrites
// or instruments, and ignores live documents.
type StaticServer struct {
	*base
}

var _ Server = (*StaticServer)(nil)

// NewStaticServer creates a raw file server.
func NewStaticServer(resolver *content.Resolver, hm *handles.Map, opts Options) *StaticServer {
	return &StaticServer{base: newBase("static", resolver, hm, opts)}
}

// CanServe reports whether p is a file path inside the project.
func (s *StaticServer) CanServe(p string) bool {
	return s.inProject(p) && !strings.HasSuffix(p, "/")
}

// Add ignores doc; static content always comes from disk.
func (s *StaticServer) Add(doc cache.LiveDocument) {
	if s.debug {
		log.Printf("[Server] static server ignoring live document %s", doc.Path())
	}
}
