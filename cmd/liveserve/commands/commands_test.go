package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/liveserve/internal/config"
)

// setupTestProject creates a project directory with a page, its stylesheet
// and an optional liveserve.yaml.
func setupTestProject(t *testing.T, configContent string) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"index.html": `<html><head><link rel="stylesheet" href="style.css"></head><body><p>on disk</p></body></html>`,
		"style.css":  `body { background: url("bg.png") }`,
		"bg.png":     "\x89PNG\r\n\x1a\n",
	}
	if configContent != "" {
		files["liveserve.yaml"] = configContent
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
	}
	return dir
}

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Project.Dir = dir
	cfg.Features.HotReload = false
	return cfg
}

// startApp serves a project over httptest.
func startApp(t *testing.T, cfg *config.Config) (*app, *httptest.Server) {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return a, ts
}

// execute runs the CLI with args and returns its output.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LIVESERVE_API_KEY", "")

	var out bytes.Buffer
	root := NewRootCommand("test")
	root.SetOut(&out)
	root.SetErr(&out)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// syncBuffer is written by runServe's launch goroutine while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// listenConfig is a test config bound to a free local port.
func listenConfig(dir string) *config.Config {
	cfg := testConfig(dir)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	return cfg
}

func noRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "liveserve version test\n", out)
}

func TestServeMissingDirectory(t *testing.T) {
	_, err := execute(t, nil, "serve", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory does not exist")
}

func TestLoadServeConfigOverrides(t *testing.T) {
	dir := setupTestProject(t, "server:\n  port: 9000\n  host: 0.0.0.0\nproject:\n  root: /site/\n")

	cmd := newServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9100", "--no-watch", "--debug"}))

	cfg, err := loadServeConfig(dir, cmd, serveFlags{port: 9100, noWatch: true, debug: true})
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "/site/", cfg.Project.Root)
	assert.Equal(t, dir, cfg.Project.Dir)
	assert.False(t, cfg.Features.HotReload)
	assert.True(t, cfg.Server.Debug)
}

func TestLoadServeConfigKeepsFilePortWithoutFlag(t *testing.T) {
	dir := setupTestProject(t, "server:\n  port: 9000\n")

	cmd := newServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--chrome"}))

	cfg, err := loadServeConfig(dir, cmd, serveFlags{chrome: true})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, config.BrowserChrome, cfg.Browser.Kind)
}

func TestLoadServeConfigRejectsInvalid(t *testing.T) {
	dir := setupTestProject(t, "handles:\n  store: redis\n")

	_, err := loadServeConfig(dir, newServeCommand(), serveFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestServeOpensRewrittenPage(t *testing.T) {
	_, ts := startApp(t, testConfig(setupTestProject(t, "")))
	client := &http.Client{CheckRedirect: noRedirect}

	resp, err := client.Get(ts.URL + "/open/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/blob/"), "got %s", loc)

	resp, err = http.Get(ts.URL + loc)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "on disk")
	assert.NotContains(t, string(body), "style.css")
	assert.Contains(t, string(body), `href="/blob/`)
}

func TestServeHonoursMaxRewriteBytes(t *testing.T) {
	cfg := testConfig(setupTestProject(t, ""))
	cfg.Content.MaxRewriteBytes = 16
	a, _ := startApp(t, cfg)
	ctx := context.Background()

	url, err := a.handler.Launch(ctx, "/index.html")
	require.NoError(t, err)
	entry, err := a.handles.Blob(ctx, url)
	require.NoError(t, err)
	assert.Contains(t, string(entry.Content), `href="style.css"`, "oversized page is served as on disk")
}

func TestServeWithSQLiteStore(t *testing.T) {
	dir := setupTestProject(t, "")
	cfg := testConfig(dir)
	cfg.Handles.Store = config.StoreSQLite

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)

	url, err := a.html.PathToURL(context.Background(), "/index.html")
	require.NoError(t, err)
	p, err := a.html.URLToPath(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "/index.html", p)

	require.NoError(t, a.Close())
	assert.FileExists(t, filepath.Join(dir, ".liveserve", "handles.db"))
}

func TestOpenCommand(t *testing.T) {
	a, ts := startApp(t, testConfig(setupTestProject(t, "")))

	out, err := execute(t, nil, "open", "/index.html", "--server", ts.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "/index.html -> "+ts.URL+"/blob/"), "got %q", out)
	assert.Equal(t, "/index.html", a.handler.Viewing())
	assert.NotEmpty(t, a.hub.Last())
}

func TestOpenCommandMissingPath(t *testing.T) {
	_, ts := startApp(t, testConfig(setupTestProject(t, "")))

	_, err := execute(t, nil, "open", "/nope.html", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nope.html")
}

func TestPushCommand(t *testing.T) {
	a, ts := startApp(t, testConfig(setupTestProject(t, "")))

	out, err := execute(t, strings.NewReader("<p>draft</p>"), "push", "/index.html", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "/index.html -> "+ts.URL+"/blob/")

	doc, ok := a.html.LiveDocument("/index.html")
	require.True(t, ok)
	assert.Equal(t, "/index.html", doc.Path())

	resp, err := http.Get(ts.URL + "/api/live")
	require.NoError(t, err)
	var listed struct {
		Paths   []string `json:"paths"`
		Viewing string   `json:"viewing"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	assert.Equal(t, []string{"/index.html"}, listed.Paths)
	assert.Equal(t, "/index.html", listed.Viewing)

	out, err = execute(t, nil, "push", "/index.html", "--remove", "--server", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "/index.html -> on disk\n", out)
	_, ok = a.html.LiveDocument("/index.html")
	assert.False(t, ok)
}

func TestPushCommandFromFile(t *testing.T) {
	a, ts := startApp(t, testConfig(setupTestProject(t, "")))
	draft := filepath.Join(t.TempDir(), "draft.html")
	require.NoError(t, os.WriteFile(draft, []byte("<p>from file</p>"), 0644))

	_, err := execute(t, nil, "push", "/index.html", draft, "--server", ts.URL)
	require.NoError(t, err)

	entry, err := a.handles.Blob(context.Background(), a.hub.Last())
	require.NoError(t, err)
	assert.Contains(t, string(entry.Content), "from file")
}

func TestPushCommandRejectsStaticFile(t *testing.T) {
	_, ts := startApp(t, testConfig(setupTestProject(t, "")))

	_, err := execute(t, strings.NewReader("body{}"), "push", "/style.css", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live editing not supported")
}

func TestRemoteCommandsSendAPIKey(t *testing.T) {
	cfg := testConfig(setupTestProject(t, ""))
	cfg.API = &config.APIConfig{APIKey: "secret"}
	_, ts := startApp(t, cfg)

	_, err := execute(t, nil, "open", "/index.html", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")

	_, err = execute(t, nil, "open", "/index.html", "--server", ts.URL, "--api-key", "secret")
	require.NoError(t, err)
}

func TestRunServeOpensProjectRelativePath(t *testing.T) {
	cfg := listenConfig(setupTestProject(t, ""))
	cfg.Project.Root = "/site/"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, "index.html", &out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Showing index.html at http://127.0.0.1:")
	}, 5*time.Second, 10*time.Millisecond, "output: %s", out.String())
	assert.Contains(t, out.String(), "/blob/")
	assert.Contains(t, out.String(), "Root:    /site/")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop after cancel")
	}
	assert.Contains(t, out.String(), "Shutting down gracefully")
}

func TestRunServeStopsWhenOpenPathCannotBeServed(t *testing.T) {
	cfg := listenConfig(setupTestProject(t, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out syncBuffer

	err := runServe(ctx, cfg, "missing.html", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening missing.html")
	assert.NoError(t, ctx.Err(), "runServe returned because of the failed open, not the deadline")
	assert.NotContains(t, out.String(), "Showing")
}
