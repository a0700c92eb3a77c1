package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/editkit/webtest/lib/logger"
)

// recorder captures the order of lifecycle events across the fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) index(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.events {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeServer struct {
	rec      *recorder
	closed   atomic.Int32
	closeErr error
}

func (s *fakeServer) BaseURL() string { return "http://127.0.0.1:3000" }
func (s *fakeServer) Close() error {
	s.closed.Add(1)
	s.rec.add("server.close")
	return s.closeErr
}

type fakeStarter struct {
	srv     *fakeServer
	err     error
	started atomic.Int32
}

func (f *fakeStarter) Start(ctx context.Context, cfg Config) (ServerHandle, error) {
	f.started.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.srv, nil
}

type fakeLauncher struct {
	b        *fakeBrowser
	err      error
	launched atomic.Int32
	lastOpts LaunchOptions
}

func (f *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	f.launched.Add(1)
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.b, nil
}

type fakeBrowser struct {
	rec      *recorder
	bctx     *fakeContext
	ctxErr   error
	closed   atomic.Int32
	closeErr error
}

func (b *fakeBrowser) NewContext(ctx context.Context, permissions []string) (BrowserContext, error) {
	if b.ctxErr != nil {
		return nil, b.ctxErr
	}
	return b.bctx, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Add(1)
	b.rec.add("browser.close")
	return b.closeErr
}

type fakeContext struct {
	rec       *recorder
	mu        sync.Mutex
	bindings  map[string]BindingFunc
	onPage    func(Page)
	exposeErr map[string]error
	pageErr   error
	page      *fakePage
	closed    atomic.Int32
}

func (c *fakeContext) ExposeBinding(name string, fn BindingFunc) error {
	c.rec.add("expose:" + name)
	if err := c.exposeErr[name]; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindings == nil {
		c.bindings = map[string]BindingFunc{}
	}
	c.bindings[name] = fn
	return nil
}

func (c *fakeContext) OnPage(fn func(Page)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPage = fn
}

func (c *fakeContext) FirstPage(ctx context.Context) (Page, error) {
	if c.pageErr != nil {
		return nil, c.pageErr
	}
	p := &fakePage{rec: c.rec}
	c.mu.Lock()
	c.page = p
	onPage := c.onPage
	c.mu.Unlock()
	if onPage != nil {
		onPage(p)
	}
	return p, nil
}

func (c *fakeContext) Close() error {
	c.closed.Add(1)
	c.rec.add("context.close")
	return nil
}

func (c *fakeContext) call(t *testing.T, name string, args ...any) {
	t.Helper()
	c.mu.Lock()
	fn := c.bindings[name]
	c.mu.Unlock()
	require.NotNil(t, fn, "binding %s not installed", name)
	fn(args...)
}

type fakePage struct {
	rec       *recorder
	mu        sync.Mutex
	closeFns  []func()
	gotoURL   string
	viewportW int
	viewportH int
	waited    []string
	gotoErr   error
}

func (p *fakePage) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeFns = append(p.closeFns, fn)
}

func (p *fakePage) SetViewportSize(w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewportW, p.viewportH = w, h
	return nil
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	p.rec.add("goto")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotoErr != nil {
		return p.gotoErr
	}
	p.gotoURL = url
	return nil
}

func (p *fakePage) WaitForGlobal(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waited = append(p.waited, name)
	return nil
}

// close emulates the user (or the page itself) closing the window.
func (p *fakePage) close() {
	p.mu.Lock()
	fns := append([]func(){}, p.closeFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *fakePage) navigated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotoURL != ""
}

type fixture struct {
	rec      *recorder
	srv      *fakeServer
	starter  *fakeStarter
	bctx     *fakeContext
	browser  *fakeBrowser
	launcher *fakeLauncher
	runner   *Runner
}

func newFixture() *fixture {
	rec := &recorder{}
	srv := &fakeServer{rec: rec}
	bctx := &fakeContext{rec: rec}
	b := &fakeBrowser{rec: rec, bctx: bctx}
	f := &fixture{
		rec:      rec,
		srv:      srv,
		starter:  &fakeStarter{srv: srv},
		bctx:     bctx,
		browser:  b,
		launcher: &fakeLauncher{b: b},
	}
	f.runner = NewRunner(f.starter, f.launcher)
	return f
}

// captureHandler records slog output for assertions on bridge log forwarding.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Message)
	}
	return out
}

func testCfg() Config {
	return Config{ExtensionTestsPath: "/tests/index.js", Host: "127.0.0.1", Port: 3000}
}

func runInBackground(f *fixture, ctx context.Context, cfg Config, opts LaunchOptions) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.runner.RunToCompletion(ctx, cfg, opts)
	}()
	return errCh
}

func waitNavigated(t *testing.T, f *fixture) *fakePage {
	t.Helper()
	require.Eventually(t, func() bool {
		f.bctx.mu.Lock()
		p := f.bctx.page
		f.bctx.mu.Unlock()
		return p != nil && p.navigated()
	}, time.Second, time.Millisecond)
	f.bctx.mu.Lock()
	defer f.bctx.mu.Unlock()
	return f.bctx.page
}

func TestRunToCompletionSuccess(t *testing.T) {
	f := newFixture()
	capture := &captureHandler{}
	ctx := logger.AddToContext(context.Background(), slog.New(capture))

	errCh := runInBackground(f, ctx, testCfg(), LaunchOptions{Engine: "chromium", Headless: true})
	page := waitNavigated(t, f)

	require.Equal(t, f.srv.BaseURL(), page.gotoURL)
	require.Equal(t, 1200, page.viewportW)
	require.Equal(t, 800, page.viewportH)

	f.bctx.call(t, LogBindingName, "info", "ok")
	f.bctx.call(t, LogBindingName, "info", "ok")
	f.bctx.call(t, ExitBindingName, 0)

	require.NoError(t, <-errCh)
	require.EqualValues(t, 1, f.srv.closed.Load())
	require.EqualValues(t, 1, f.browser.closed.Load())

	var forwarded []string
	for _, r := range capture.records {
		if r.Message == "ok" {
			require.Equal(t, slog.LevelInfo, r.Level)
			forwarded = append(forwarded, r.Message)
		}
	}
	require.Len(t, forwarded, 2)
}

func TestRunToCompletionFailure(t *testing.T) {
	f := newFixture()
	errCh := runInBackground(f, context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	waitNavigated(t, f)

	f.bctx.call(t, ExitBindingName, 1)

	err := <-errCh
	var failure *TestFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 1, failure.Code)
	require.EqualValues(t, 1, f.srv.closed.Load())
	require.EqualValues(t, 1, f.browser.closed.Load())
}

func TestSecondExitDoesNotChangeOutcome(t *testing.T) {
	f := newFixture()
	errCh := runInBackground(f, context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	waitNavigated(t, f)

	f.bctx.call(t, ExitBindingName, 3)
	f.bctx.call(t, ExitBindingName, 0)

	err := <-errCh
	var failure *TestFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 3, failure.Code)
	require.EqualValues(t, 1, f.browser.closed.Load(), "browser close must stay single-execution")
}

func TestBridgeInstalledBeforeNavigation(t *testing.T) {
	f := newFixture()
	errCh := runInBackground(f, context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	waitNavigated(t, f)

	gotoIdx := f.rec.index("goto")
	require.GreaterOrEqual(t, gotoIdx, 0)
	for _, name := range []string{LogBindingName, ExitBindingName} {
		idx := f.rec.index("expose:" + name)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, gotoIdx, "%s must be installed before navigation", name)
	}

	f.bctx.call(t, ExitBindingName, 0)
	require.NoError(t, <-errCh)
}

func TestInteractiveLastPageCloseAutoClosesBrowser(t *testing.T) {
	f := newFixture()
	s, err := f.runner.OpenInteractive(context.Background(), Config{Host: "127.0.0.1"}, LaunchOptions{Engine: "chromium"})
	require.NoError(t, err)

	f.bctx.page.close()
	require.EqualValues(t, 1, f.browser.closed.Load())
	require.EqualValues(t, 0, f.srv.closed.Load(), "auto-close only targets the browser")

	s.Dispose()
	require.EqualValues(t, 1, f.browser.closed.Load())
	require.EqualValues(t, 1, f.srv.closed.Load())

	// Repeat disposal is a no-op.
	s.Dispose()
	require.EqualValues(t, 1, f.browser.closed.Load())
	require.EqualValues(t, 1, f.srv.closed.Load())
}

func TestPageCounterSurvivesExtraPages(t *testing.T) {
	f := newFixture()
	_, err := f.runner.OpenInteractive(context.Background(), Config{}, LaunchOptions{Engine: "chromium"})
	require.NoError(t, err)

	first := f.bctx.page
	second := &fakePage{rec: f.rec}
	f.bctx.onPage(second)

	first.close()
	require.EqualValues(t, 0, f.browser.closed.Load(), "one page still open")
	second.close()
	require.EqualValues(t, 1, f.browser.closed.Load())
}

func TestConcurrentCloseTriggers(t *testing.T) {
	f := newFixture()
	s, err := f.runner.OpenInteractive(context.Background(), Config{}, LaunchOptions{Engine: "chromium"})
	require.NoError(t, err)

	f.bctx.mu.Lock()
	page := f.bctx.page
	exit := f.bctx.bindings[ExitBindingName]
	f.bctx.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		page.close()
	}()
	go func() {
		defer wg.Done()
		exit(0)
	}()
	wg.Wait()

	require.EqualValues(t, 1, f.browser.closed.Load(), "close must tolerate both triggers firing")
	require.NoError(t, s.Wait(context.Background()))
}

func TestServerStartFailureAbortsBeforeLaunch(t *testing.T) {
	f := newFixture()
	f.starter.err = fmt.Errorf("listen tcp 127.0.0.1:3000: address already in use")

	err := f.runner.RunToCompletion(context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	require.ErrorIs(t, err, ErrServerStart)
	require.EqualValues(t, 0, f.launcher.launched.Load(), "no browser may be launched after a bind failure")
}

func TestBrowserLaunchFailureClosesServer(t *testing.T) {
	f := newFixture()
	f.launcher.err = errors.New("executable not found")

	err := f.runner.RunToCompletion(context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	require.ErrorIs(t, err, ErrBrowserLaunch)
	require.EqualValues(t, 1, f.srv.closed.Load())
}

func TestContextFailureTearsDownInReverseOrder(t *testing.T) {
	f := newFixture()
	f.browser.ctxErr = errors.New("context create failed")

	err := f.runner.RunToCompletion(context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	require.Error(t, err)
	require.EqualValues(t, 1, f.browser.closed.Load())
	require.EqualValues(t, 1, f.srv.closed.Load())
	require.Less(t, f.rec.index("browser.close"), f.rec.index("server.close"))
}

func TestExposeFailureTearsDownEverything(t *testing.T) {
	f := newFixture()
	f.bctx.exposeErr = map[string]error{ExitBindingName: errors.New("expose failed")}

	err := f.runner.RunToCompletion(context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), ExitBindingName))
	require.EqualValues(t, 1, f.bctx.closed.Load())
	require.EqualValues(t, 1, f.browser.closed.Load())
	require.EqualValues(t, 1, f.srv.closed.Load())
}

func TestBrowserCloseErrorIsAbsorbed(t *testing.T) {
	f := newFixture()
	f.browser.closeErr = errors.New("browser already gone")

	errCh := runInBackground(f, context.Background(), testCfg(), LaunchOptions{Engine: "chromium"})
	waitNavigated(t, f)
	f.bctx.call(t, ExitBindingName, 0)

	require.NoError(t, <-errCh, "a failing browser close must not fail the session")
	require.EqualValues(t, 1, f.srv.closed.Load(), "server must still be closed")
}

func TestDebugPortWaitsForHarnessReadiness(t *testing.T) {
	f := newFixture()
	errCh := runInBackground(f, context.Background(), testCfg(), LaunchOptions{Engine: "chromium", DebugPort: 9222})
	page := waitNavigated(t, f)

	require.Eventually(t, func() bool {
		page.mu.Lock()
		defer page.mu.Unlock()
		return len(page.waited) == 1 && page.waited[0] == readyGlobalName
	}, time.Second, time.Millisecond)

	f.bctx.call(t, ExitBindingName, 0)
	require.NoError(t, <-errCh)
}

func TestContextCancellationDisposesSession(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runInBackground(f, ctx, testCfg(), LaunchOptions{Engine: "chromium"})
	waitNavigated(t, f)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.EqualValues(t, 1, f.browser.closed.Load())
	require.EqualValues(t, 1, f.srv.closed.Load())
}

func TestCoerceExitCode(t *testing.T) {
	testCases := []struct {
		in   any
		want int
	}{
		{0, 0},
		{float64(2), 2},
		{int64(5), 5},
		{"7", 7},
		{"not a number", 1},
		{nil, 1},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, coerceExitCode(tc.in), "input %#v", tc.in)
	}
}
