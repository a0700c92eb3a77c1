// Package browser translates engine choice and launch options into a live
// playwright-driven browser satisfying the session package's contracts.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/playwright-community/playwright-go"
	"github.com/samber/lo"

	"github.com/editkit/webtest/lib/session"
)

// Driver launches browsers through the playwright driver. It implements
// session.Launcher.
type Driver struct {
	log *slog.Logger
}

func NewDriver(log *slog.Logger) *Driver {
	return &Driver{log: log}
}

// Install downloads the playwright driver and the requested engine's browser
// bundle. Surfaced as its own command so launches stay fast and offline.
func Install(engines ...string) error {
	for _, e := range engines {
		if _, err := ParseEngine(e); err != nil {
			return err
		}
	}
	if err := playwright.Install(&playwright.RunOptions{Browsers: engines}); err != nil {
		return fmt.Errorf("install playwright browsers: %w", err)
	}
	return nil
}

// Launch starts a browser of the requested engine. The headless boolean is
// taken as given; headless policy is decided by the caller.
func (d *Driver) Launch(ctx context.Context, opts session.LaunchOptions) (session.Browser, error) {
	engine, err := ParseEngine(opts.Engine)
	if err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright driver (run `webtest install` first?): %w", err)
	}

	var bt playwright.BrowserType
	switch engine {
	case Chromium:
		bt = pw.Chromium
	case Firefox:
		bt = pw.Firefox
	case WebKit:
		bt = pw.WebKit
	}

	args := ComputeArgs(engine, opts, runtime.GOOS)
	d.log.Info("launching browser", "engine", engine, "headless", opts.Headless, "args", args)

	b, err := bt.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: lo.ToPtr(opts.Headless),
		Devtools: lo.ToPtr(opts.Devtools),
		Args:     args,
	})
	if err != nil {
		if stopErr := pw.Stop(); stopErr != nil {
			d.log.Error("failed to stop playwright driver", "error", stopErr)
		}
		return nil, fmt.Errorf("launch %s: %w", engine, err)
	}

	if engine == Chromium && opts.DebugPort > 0 {
		// Best effort: a debugger cannot attach until the endpoint accepts
		// websocket connections.
		waitForDebugEndpoint(ctx, d.log, opts.DebugPort)
	}

	return &pwBrowser{pw: pw, b: b, log: d.log}, nil
}

type pwBrowser struct {
	pw  *playwright.Playwright
	b   playwright.Browser
	log *slog.Logger
}

func (w *pwBrowser) NewContext(ctx context.Context, permissions []string) (session.BrowserContext, error) {
	c, err := w.b.NewContext(playwright.BrowserNewContextOptions{Permissions: permissions})
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	return &pwContext{c: c}, nil
}

func (w *pwBrowser) Close() error {
	err := w.b.Close()
	if stopErr := w.pw.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

type pwContext struct {
	c playwright.BrowserContext
}

func (c *pwContext) ExposeBinding(name string, fn session.BindingFunc) error {
	return c.c.ExposeBinding(name, func(source *playwright.BindingSource, args ...any) any {
		fn(args...)
		return nil
	})
}

func (c *pwContext) OnPage(fn func(session.Page)) {
	c.c.OnPage(func(p playwright.Page) {
		fn(&pwPage{p: p})
	})
}

func (c *pwContext) FirstPage(ctx context.Context) (session.Page, error) {
	if pages := c.c.Pages(); len(pages) > 0 {
		return &pwPage{p: pages[0]}, nil
	}
	p, err := c.c.NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &pwPage{p: p}, nil
}

func (c *pwContext) Close() error {
	return c.c.Close()
}

type pwPage struct {
	p playwright.Page
}

func (p *pwPage) OnClose(fn func()) {
	p.p.OnClose(func(playwright.Page) {
		fn()
	})
}

func (p *pwPage) SetViewportSize(width, height int) error {
	return p.p.SetViewportSize(width, height)
}

func (p *pwPage) Goto(ctx context.Context, url string) error {
	_, err := p.p.Goto(url)
	return err
}

// WaitForGlobal waits, without a timeout, for a global to become observable
// in the page. The page's own evaluation primitive does the waiting; no
// host-side polling loop.
func (p *pwPage) WaitForGlobal(ctx context.Context, name string) error {
	expr := fmt.Sprintf("() => typeof globalThis[%q] !== 'undefined'", name)
	_, err := p.p.WaitForFunction(expr, nil, playwright.PageWaitForFunctionOptions{
		Timeout: lo.ToPtr(0.0),
	})
	return err
}
