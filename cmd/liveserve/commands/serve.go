package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livetemplate/liveserve/internal/assets"
	"github.com/livetemplate/liveserve/internal/browser"
	"github.com/livetemplate/liveserve/internal/cache"
	"github.com/livetemplate/liveserve/internal/config"
	"github.com/livetemplate/liveserve/internal/content"
	"github.com/livetemplate/liveserve/internal/fsys"
	"github.com/livetemplate/liveserve/internal/handles"
	"github.com/livetemplate/liveserve/internal/launcher"
	"github.com/livetemplate/liveserve/internal/server"
)

const (
	htmlPriority   = 10
	staticPriority = 0

	shutdownTimeout = 10 * time.Second
)

type serveFlags struct {
	configPath string
	port       int
	host       string
	watch      bool
	noWatch    bool
	open       string
	chrome     bool
	debug      bool
}

func newServeCommand() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve [directory]",
		Short: "Start the preview server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			cfg, err := loadServeConfig(dir, cmd, f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, f.open, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to liveserve.yaml (default: <directory>/liveserve.yaml)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Port to listen on")
	cmd.Flags().StringVar(&f.host, "host", "", "Host to listen on")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Relaunch the previewed page when files change")
	cmd.Flags().BoolVar(&f.noWatch, "no-watch", false, "Disable file watching")
	cmd.Flags().StringVar(&f.open, "open", "", "Project path to show once the server is up")
	cmd.Flags().BoolVar(&f.chrome, "chrome", false, "Drive a Chrome tab instead of waiting for a browser to connect")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Verbose logging")
	return cmd
}

// loadServeConfig loads the project's config and applies flag overrides.
func loadServeConfig(dir string, cmd *cobra.Command, f serveFlags) (*config.Config, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("directory does not exist: %s", dir)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var cfg *config.Config
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
		if err == nil && (cfg.Project.Dir == "" || cfg.Project.Dir == ".") {
			cfg.Project.Dir = absDir
		}
	} else {
		cfg, err = config.LoadFromDir(absDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flags override config
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.watch {
		cfg.Features.HotReload = true
	}
	if f.noWatch {
		cfg.Features.HotReload = false
	}
	if f.chrome {
		cfg.Browser.Kind = config.BrowserChrome
	}
	if f.debug {
		cfg.Server.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// app holds every component of a running preview server.
type app struct {
	cfg     *config.Config
	dir     *fsys.Dir
	handles *handles.Map
	manager *server.Manager
	html    *server.HTMLServer
	hub     *browser.Hub
	chrome  *browser.Chrome
	handler *server.Handler
	watcher *server.Watcher
}

// newApp wires the servers, the handle map and the preview browser for cfg.
// The servers are started against the project directory.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	dir, err := fsys.NewDir(cfg.Project.Dir)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		dir:     dir,
		handles: handles.NewMap(store, cfg.Handles.Prefix),
		manager: server.NewManager(),
		hub:     browser.NewHub(cfg.Server.Debug),
	}

	resolver := content.NewResolver(content.Options{
		HTMLExtensions: cfg.Project.HTMLExtensions,
		RenderMarkdown: cfg.Content.RenderMarkdown,
	})
	opts := server.Options{
		Root:            cfg.Project.Root,
		MaxRewriteBytes: cfg.Content.MaxRewriteBytes,
		Debug:           cfg.Server.Debug,
	}
	a.html = server.NewHTMLServer(resolver, a.handles, cache.NewLiveDocuments(), opts)
	a.manager.Register(a.html, htmlPriority)
	a.manager.Register(server.NewStaticServer(resolver, a.handles, opts), staticPriority)

	if err := a.manager.Start(dir); err != nil {
		a.Close()
		return nil, fmt.Errorf("starting servers: %w", err)
	}

	var preview launcher.Browser = a.hub
	if cfg.Browser.Kind == config.BrowserChrome {
		a.chrome, err = browser.NewChrome(ctx, cfg.BaseURL(), browser.ChromeOptions{
			Headless:  cfg.Browser.Headless,
			RemoteURL: cfg.Browser.RemoteURL,
			Debug:     cfg.Server.Debug,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		preview = a.chrome
	}

	var instrument cache.Instrumenter
	if cfg.Features.Instrument {
		instrument = cache.ScriptInstrumenter(assets.ClientJSPath)
	}
	a.handler = server.NewHandler(a.manager, a.html, a.handles,
		launcher.New(preview, a.html, cfg.Server.Debug),
		server.HandlerConfig{
			API:          cfg.API,
			Compression:  cfg.Server.Compression,
			Instrumenter: instrument,
			WebSocket:    a.hub,
			Debug:        cfg.Server.Debug,
		})
	a.hub.OnViewing(a.handler.SetViewing)

	if cfg.Features.HotReload {
		a.watcher, err = server.NewWatcher(dir, cfg.Project.Ignore, a.handler.FileChanged, cfg.Server.Debug)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to enable watch mode: %w", err)
		}
		a.watcher.Start()
	}
	return a, nil
}

func openStore(cfg *config.Config) (handles.Store, error) {
	if cfg.Handles.Store != config.StoreSQLite {
		return handles.NewMemoryStore(), nil
	}
	store, err := handles.NewSQLiteStore(cfg.GetHandlesDB())
	if err != nil {
		return nil, fmt.Errorf("opening handle store: %w", err)
	}
	return store, nil
}

// Close stops every component. It is safe on a partially built app.
func (a *app) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop())
	}
	if a.handler != nil {
		a.handler.Close()
	}
	a.hub.Close()
	if a.chrome != nil {
		a.chrome.Close()
	}
	errs = append(errs, a.manager.Stop(), a.handles.Close())
	return errors.Join(errs...)
}

// runServe serves cfg until ctx is cancelled. When openPath (relative to the
// project root) is set it is launched as soon as the listener is up; if
// nothing could be served for it the server stops with the error.
func runServe(ctx context.Context, cfg *config.Config, openPath string, out io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}

	fmt.Fprintf(out, "📡 liveserve\n\n")
	fmt.Fprintf(out, "Serving: %s\n", cfg.Project.Dir)
	if cfg.Project.Root != "/" {
		fmt.Fprintf(out, "Root:    %s\n", cfg.Project.Root)
	}
	fmt.Fprintf(out, "\n🌐 Preview at %s/open/\n", baseURL(ln))
	if cfg.Browser.Kind == config.BrowserChrome {
		fmt.Fprintf(out, "🖥️  Driving Chrome tab\n")
	}
	if a.watcher != nil {
		fmt.Fprintf(out, "👀 Watch mode enabled - the previewed page relaunches on changes\n")
	}
	if cfg.API.GetAPIKey() != "" {
		fmt.Fprintf(out, "🔑 API key required for /api\n")
	}
	fmt.Fprintf(out, "Press Ctrl+C to stop\n\n")

	httpServer := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	launchErr := make(chan error, 1)
	if openPath != "" {
		go func() {
			url, err := a.handler.Launch(ctx, a.html.ProjectPath(openPath))
			var update *launcher.UpdateError
			switch {
			case errors.As(err, &update):
				log.Printf("[Serve] Served %s but could not show it: %v", openPath, err)
			case err != nil:
				launchErr <- fmt.Errorf("opening %s: %w", openPath, err)
			default:
				fmt.Fprintf(out, "Showing %s at %s%s\n", openPath, baseURL(ln), url)
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		fmt.Fprintf(out, "\n🛑 Shutting down gracefully...\n")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case err := <-launchErr:
		result = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Serve] Shutdown: %v", err)
	}
	return result
}

// baseURL is the origin the listener is reachable at. It differs from the
// configured one when port 0 picked a free port.
func baseURL(ln net.Listener) string {
	return "http://" + ln.Addr().String()
}
