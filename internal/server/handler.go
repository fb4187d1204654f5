package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livetemplate/liveserve/internal/assets"
	"github.com/livetemplate/liveserve/internal/cache"
	"github.com/livetemplate/liveserve/internal/config"
	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/handles"
)

// maxRequestBodySize limits the size of live document bodies (8MB)
const maxRequestBodySize = 8 << 20

// Launcher forwards a served document to the preview browser.
type Launcher interface {
	Launch(ctx context.Context, url handles.Handle) error
}

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	API          *config.APIConfig
	Compression  bool
	Instrumenter cache.Instrumenter // Applied to live documents created over the API
	WebSocket    http.Handler       // Mounted at /ws when non-nil
	Debug        bool
}

// Handler is the HTTP surface: handle blobs, path opening, and the
// live-editing API.
type Handler struct {
	manager  *Manager
	live     *HTMLServer
	handles  *handles.Map
	launcher Launcher
	cfg      HandlerConfig

	handler http.Handler
	cancel  context.CancelFunc
	rlDone  <-chan struct{}

	mu      sync.Mutex
	viewing string
}

// NewHandler creates the HTTP surface. live also serves the live-editing API
// and resolves directory default documents.
func NewHandler(manager *Manager, live *HTMLServer, hm *handles.Map, launcher Launcher, cfg HandlerConfig) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		manager:  manager,
		live:     live,
		handles:  hm,
		launcher: launcher,
		cfg:      cfg,
		cancel:   cancel,
	}

	rateLimit, done := RateLimitMiddleware(ctx, cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), cfg.API.GetMaxTrackedIPs())
	h.rlDone = done

	r := chi.NewRouter()
	r.Get(strings.TrimSuffix(hm.Prefix(), "/")+"/{id}", h.serveBlob)
	r.Get("/open/*", h.serveOpen)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/open/", http.StatusSeeOther)
	})
	r.Get(assets.ClientJSPath, h.serveClientJS)
	if cfg.WebSocket != nil {
		r.Get("/ws", cfg.WebSocket.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(SecurityHeadersMiddleware())
		r.Use(CORSMiddleware(cfg.API.GetCORSOrigins(), cfg.API.GetHeaderName()))
		r.Use(AuthMiddleware(cfg.API))
		r.Use(rateLimit)

		r.Get("/live", h.listLive)
		r.Put("/live/*", h.putLive)
		r.Delete("/live/*", h.deleteLive)
		r.Post("/launch/*", h.postLaunch)
	})

	h.handler = r
	if cfg.Compression {
		h.handler = WithCompression(r)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// Close stops background work started by the handler.
func (h *Handler) Close() {
	h.cancel()
	<-h.rlDone
}

// Viewing returns the project path last shown in the browser.
func (h *Handler) Viewing() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewing
}

// SetViewing records the project path the browser reports showing.
func (h *Handler) SetViewing(p string) {
	h.mu.Lock()
	h.viewing = p
	h.mu.Unlock()
}

// Launch serves p and sends the result to the browser. Directories open
// their default document.
func (h *Handler) Launch(ctx context.Context, p string) (handles.Handle, error) {
	p, err := h.documentFor(ctx, p)
	if err != nil {
		return "", err
	}

	srv, err := h.manager.ServerFor(p)
	if err != nil {
		return "", err
	}
	url, err := srv.PathToURL(ctx, p)
	if err != nil {
		return "", err
	}
	if err := h.launcher.Launch(ctx, url); err != nil {
		return "", err
	}
	h.SetViewing(p)

	// The launch allocated a fresh handle for the served result.
	current, found, err := h.handles.Lookup(ctx, p)
	if err != nil || !found {
		return url, err
	}
	return current, nil
}

// FileChanged reacts to a changed file on disk (filesystem path). The file's
// handle is revoked; the page in the browser is relaunched when it is the
// changed file or may reference it.
func (h *Handler) FileChanged(fsPath string) error {
	p := h.live.ProjectPath(fsPath)
	ctx := context.Background()

	if err := h.handles.Invalidate(ctx, p); err != nil {
		return fmt.Errorf("invalidating %s: %w", p, err)
	}

	viewing := h.Viewing()
	if viewing == "" || (viewing != p && h.live.CanServe(p)) {
		return nil
	}

	if _, err := h.Launch(ctx, viewing); err != nil {
		return fmt.Errorf("relaunching %s: %w", viewing, err)
	}
	return nil
}

// documentFor maps a directory path to its default document.
func (h *Handler) documentFor(ctx context.Context, p string) (string, error) {
	if !strings.HasSuffix(p, "/") {
		return p, nil
	}
	doc := h.live.DefaultDocument(ctx, p)
	if doc == "" {
		return "", fmt.Errorf("%w: %s has no index document", content.ErrExpectedFile, p)
	}
	return doc, nil
}

// projectPath maps the wildcard part of a request URL under the project root.
func (h *Handler) projectPath(r *http.Request) string {
	return h.live.ProjectPath(chi.URLParam(r, "*"))
}

func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request) {
	e, err := h.handles.Blob(r.Context(), h.handles.FromID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Content behind a handle never changes; new content gets a new handle.
	w.Header().Set("Content-Type", e.MIME)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	http.ServeContent(w, r, path.Base(e.Path), time.Time{}, bytes.NewReader(e.Content))
}

func (h *Handler) serveOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.documentFor(ctx, h.projectPath(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	srv, err := h.manager.ServerFor(p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	url, err := srv.PathToURL(ctx, p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if live, ok := srv.(LiveServer); ok {
		if url, err = live.ServeLiveDoc(ctx, url); err != nil {
			h.writeError(w, err)
			return
		}
	}

	if h.cfg.Debug {
		log.Printf("[Server] Opened %s as %s", p, url)
	}
	http.Redirect(w, r, url.String(), http.StatusSeeOther)
}

func (h *Handler) serveClientJS(w http.ResponseWriter, r *http.Request) {
	js, err := assets.GetClientJS()
	if err != nil {
		http.Error(w, "Asset not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Write(js)
}

func (h *Handler) listLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paths":   h.live.LivePaths(),
		"viewing": h.Viewing(),
	})
}

// putLive creates or updates the live document for a path and shows it.
func (h *Handler) putLive(w http.ResponseWriter, r *http.Request) {
	p := h.projectPath(r)

	srv, err := h.manager.ServerFor(p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, ok := srv.(LiveServer); !ok {
		writeJSONError(w, http.StatusBadRequest, "live editing not supported for "+p)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	existing, _ := h.live.LiveDocument(p)
	doc, updating := existing.(*cache.Document)
	if updating {
		doc.SetBody(string(body))
	} else {
		srv.Add(cache.NewDocument(p, string(body), h.cfg.Instrumenter))
	}

	url, err := h.Launch(r.Context(), p)
	if err != nil {
		if !updating {
			h.live.Remove(p)
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": p, "url": url.String()})
}

// deleteLive ends live editing of a path. The browser falls back to the file on disk.
func (h *Handler) deleteLive(w http.ResponseWriter, r *http.Request) {
	p := h.projectPath(r)
	if _, ok := h.live.LiveDocument(p); !ok {
		writeJSONError(w, http.StatusNotFound, "no live document for "+p)
		return
	}
	h.live.Remove(p)

	// An unsaved buffer has nothing on disk to fall back to.
	if h.Viewing() == p {
		if _, err := h.Launch(r.Context(), p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) postLaunch(w http.ResponseWriter, r *http.Request) {
	p := h.projectPath(r)
	url, err := h.Launch(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": h.Viewing(), "url": url.String()})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError || h.cfg.Debug {
		log.Printf("[Server] %v", err)
	}
	writeJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, handles.ErrUnknownHandle),
		errors.Is(err, ErrNoServer),
		errors.Is(err, ErrOutsideProject):
		return http.StatusNotFound
	case errors.Is(err, content.ErrExpectedFile):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
