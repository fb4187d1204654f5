package browser

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/livetemplate/liveserve/internal/handles"
)

// ChromeOptions configures the Chrome consumer.
type ChromeOptions struct {
	Headless  bool
	RemoteURL string // DevTools websocket URL of an already running browser
	Debug     bool
}

// Chrome drives a single Chrome tab to the served handle.
type Chrome struct {
	baseURL string
	ctx     context.Context
	cancel  func()
	debug   bool
}

// NewChrome launches Chrome (or attaches to RemoteURL) and opens a tab.
// Handles are loaded relative to baseURL.
func NewChrome(parent context.Context, baseURL string, opts ChromeOptions) (*Chrome, error) {
	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(parent, opts.RemoteURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
		)
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(parent, allocOpts...)
	}

	ctxOpts := []chromedp.ContextOption{}
	if opts.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithLogf(log.Printf))
	}
	ctx, cancelCtx := chromedp.NewContext(allocCtx, ctxOpts...)

	// Running with no actions starts the browser and opens the tab.
	if err := chromedp.Run(ctx); err != nil {
		cancelCtx()
		cancelAlloc()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	return &Chrome{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ctx:     ctx,
		cancel: func() {
			cancelCtx()
			cancelAlloc()
		},
		debug: opts.Debug,
	}, nil
}

// Update navigates the tab to url, reloading when it is already there.
func (c *Chrome) Update(ctx context.Context, url handles.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := c.baseURL + url.String()
	var current string
	if err := chromedp.Run(c.ctx, chromedp.Location(&current)); err != nil {
		return fmt.Errorf("reading tab location: %w", err)
	}

	var action chromedp.Action = chromedp.Navigate(target)
	if current == target {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			return page.Reload().WithIgnoreCache(true).Do(ctx)
		})
	}

	if c.debug {
		log.Printf("[Chrome] Showing %s", target)
	}
	if err := chromedp.Run(c.ctx, action); err != nil {
		return fmt.Errorf("showing %s: %w", target, err)
	}
	return nil
}

// Location returns the URL the tab currently shows.
func (c *Chrome) Location() (string, error) {
	var loc string
	err := chromedp.Run(c.ctx, chromedp.Location(&loc))
	return loc, err
}

// Close shuts the tab and, unless attached remotely, the browser.
func (c *Chrome) Close() {
	c.cancel()
}
