// Package renderer's chromedp-backed implementation executes JS rendering
// through a bounded pool of headless Chrome allocators.
package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// maxParallelAllocators bounds concurrent headless sessions per §11.2.
const maxParallelAllocators = 2

// Config controls the chromedp renderer's behavior.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	MaxParallel       int
}

// Chromedp implements Renderer using a headless Chrome allocator pool.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp builds a pool-bounded renderer.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 || maxParallel > maxParallelAllocators {
		maxParallel = maxParallelAllocators
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		limiter:     make(chan struct{}, maxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close releases the allocator context. Implements adapter.Closer via the
// renderedhtml adapter that owns one of these.
func (c *Chromedp) Close() error {
	c.allocCancel()
	return nil
}

// Render implements Renderer.
func (c *Chromedp) Render(ctx context.Context, url, waitFor string) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	if waitFor == "" {
		waitFor = "body"
	}

	var html string
	actions := []chromedp.Action{
		c.userAgentAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("renderer: chromedp run for %s: %w", url, err)
	}
	return html, nil
}

func (c *Chromedp) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if c.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("renderer: set user-agent: %w", err)
		}
		return nil
	})
}

func (c *Chromedp) acquire(ctx context.Context) error {
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("renderer: headless slot wait canceled: %w", ctx.Err())
	}
}

func (c *Chromedp) release() {
	select {
	case <-c.limiter:
	default:
	}
}
