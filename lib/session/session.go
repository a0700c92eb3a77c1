// Package session runs one browser test session to completion: it starts the
// session server, launches a browser, installs the page-to-host signaling
// bridge, and guarantees that server and browser are both closed before the
// session is considered over, regardless of how it ends.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/editkit/webtest/lib/logger"
)

const (
	// LogBindingName and ExitBindingName are the host-callable functions the
	// bridge installs into the browsing context before navigation.
	LogBindingName  = "automationLog"
	ExitBindingName = "automationExit"

	// readyGlobalName is the page global awaited when a debug port was
	// requested, so a debugger can attach before the harness starts.
	readyGlobalName = "__testHarnessReady"

	// Fixed viewport for deterministic layout and screenshots across runs.
	viewportWidth  = 1200
	viewportHeight = 800
)

// Runner composes the serving layer and the browser driver into sessions.
type Runner struct {
	server   ServerStarter
	launcher Launcher
}

func NewRunner(server ServerStarter, launcher Launcher) *Runner {
	return &Runner{server: server, launcher: launcher}
}

// Session is the live triple of server handle, browser handle and open-page
// counter. Exactly one exists per run.
type Session struct {
	ID string

	log     *slog.Logger
	server  ServerHandle
	browser Browser

	openPages atomic.Int32

	// browserOnce guards the single idempotent browser close shared by the
	// exit signal, the last-page-closed trigger and Dispose.
	browserOnce sync.Once
	disposeOnce sync.Once

	resolveOnce sync.Once
	done        chan struct{}
	failure     error
}

// RunToCompletion starts a session for a config with a test module configured,
// blocks until the page signals exit, and returns nil for exit code 0 or a
// *TestFailure for any other code. Server and browser are closed before it
// returns. Cancelling ctx disposes the session and returns ctx.Err().
func (r *Runner) RunToCompletion(ctx context.Context, cfg Config, opts LaunchOptions) error {
	s, err := r.start(ctx, cfg, opts)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Dispose()
		return ctx.Err()
	case <-s.done:
		return s.failure
	}
}

// OpenInteractive starts a session without awaiting completion. The caller
// owns disposal via Session.Dispose.
func (r *Runner) OpenInteractive(ctx context.Context, cfg Config, opts LaunchOptions) (*Session, error) {
	return r.start(ctx, cfg, opts)
}

// start performs the ordered startup sequence. Any step failing closes the
// resources acquired by the earlier steps, in reverse order of acquisition,
// before the error propagates. No step is retried.
func (r *Runner) start(ctx context.Context, cfg Config, opts LaunchOptions) (*Session, error) {
	id := uuid.New().String()
	log := logger.FromContext(ctx).With("session", id)

	srv, err := r.server.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerStart, err)
	}

	b, err := r.launcher.Launch(ctx, opts)
	if err != nil {
		closeQuiet(log, "server", srv.Close)
		return nil, fmt.Errorf("%w: %w", ErrBrowserLaunch, err)
	}

	bctx, err := b.NewContext(ctx, cfg.Permissions)
	if err != nil {
		closeQuiet(log, "browser", b.Close)
		closeQuiet(log, "server", srv.Close)
		return nil, fmt.Errorf("create browsing context: %w", err)
	}

	s := &Session{
		ID:      id,
		log:     log,
		server:  srv,
		browser: b,
		done:    make(chan struct{}),
	}

	teardown := func() {
		closeQuiet(log, "context", bctx.Close)
		closeQuiet(log, "browser", b.Close)
		closeQuiet(log, "server", srv.Close)
	}

	// The bridge must be installed before navigation; a page script calling
	// log/exit before installation would be silently dropped.
	if err := bctx.ExposeBinding(LogBindingName, s.handleLog); err != nil {
		teardown()
		return nil, fmt.Errorf("expose %s: %w", LogBindingName, err)
	}
	if err := bctx.ExposeBinding(ExitBindingName, s.handleExit); err != nil {
		teardown()
		return nil, fmt.Errorf("expose %s: %w", ExitBindingName, err)
	}

	bctx.OnPage(s.trackPage)

	page, err := bctx.FirstPage(ctx)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("obtain first page: %w", err)
	}
	if err := page.SetViewportSize(viewportWidth, viewportHeight); err != nil {
		teardown()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	url := srv.BaseURL()
	log.Info("navigating", "url", url, "engine", opts.Engine, "headless", opts.Headless)
	if err := page.Goto(ctx, url); err != nil {
		teardown()
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}

	if opts.DebugPort > 0 {
		log.Info("waiting for harness readiness before attaching debugger", "port", opts.DebugPort)
		if err := page.WaitForGlobal(ctx, readyGlobalName); err != nil {
			teardown()
			return nil, fmt.Errorf("wait for %s: %w", readyGlobalName, err)
		}
	}

	return s, nil
}

// Dispose closes browser and server. It is idempotent; calls after the first
// are no-ops, including after the session already tore itself down.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.closeBrowser()
		if err := s.server.Close(); err != nil {
			s.log.Error("failed to close server", "error", err)
		}
		s.resolve(nil)
	})
}

// Wait blocks until the session's completion signal fires or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.failure
	}
}

// trackPage maintains the open-page counter. When the count returns to zero
// the browser is closed; this recovers interactive sessions whose last window
// was closed by hand and will never signal exit.
func (s *Session) trackPage(p Page) {
	n := s.openPages.Add(1)
	s.log.Debug("page opened", "open", n)
	p.OnClose(func() {
		left := s.openPages.Add(-1)
		s.log.Debug("page closed", "open", left)
		if left == 0 {
			s.log.Info("all pages closed; closing browser")
			s.closeBrowser()
		}
	})
}

// handleLog re-emits a page-side log call through the host logger at the same
// level. First argument is the level name, the rest form the message.
func (s *Session) handleLog(args ...any) {
	level := "info"
	rest := args
	if len(args) > 0 {
		if l, ok := args[0].(string); ok {
			level = l
			rest = args[1:]
		}
	}
	parts := make([]string, 0, len(rest))
	for _, a := range rest {
		parts = append(parts, fmt.Sprint(a))
	}
	s.log.Log(context.Background(), logger.ParseLevel(level), strings.Join(parts, " "))
}

// handleExit receives the page's terminal exit code. The browser close may
// fail and is only logged; the server is closed unconditionally; the
// completion signal resolves at most once, so repeat calls cannot change an
// already-resolved outcome.
func (s *Session) handleExit(args ...any) {
	code := 0
	if len(args) > 0 {
		code = coerceExitCode(args[0])
	}
	s.log.Info("exit signal received", "code", code)
	s.closeBrowser()
	if err := s.server.Close(); err != nil {
		s.log.Error("failed to close server", "error", err)
	}
	if code == 0 {
		s.resolve(nil)
	} else {
		s.resolve(&TestFailure{Code: code})
	}
}

// closeBrowser is the single guarded teardown action both auto-close triggers
// and Dispose converge on. Safe under concurrent invocation.
func (s *Session) closeBrowser() {
	s.browserOnce.Do(func() {
		if err := s.browser.Close(); err != nil {
			s.log.Error("failed to close browser", "error", err)
		}
	})
}

func (s *Session) resolve(err error) {
	s.resolveOnce.Do(func() {
		s.failure = err
		close(s.done)
	})
}

func closeQuiet(log *slog.Logger, what string, close func() error) {
	if err := close(); err != nil {
		log.Error("cleanup failed", "resource", what, "error", err)
	}
}

// coerceExitCode accepts the numeric shapes a page-side call can arrive as.
func coerceExitCode(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed
		}
	}
	return 1
}
