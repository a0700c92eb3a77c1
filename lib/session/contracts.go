package session

import (
	"context"

	"github.com/editkit/webtest/lib/build"
)

// Config describes one session. It is immutable once constructed and owned by
// the Runner for the session's duration.
type Config struct {
	Build build.Descriptor

	// Host and port the session server binds to.
	Host string
	Port int

	// ExtensionDevelopmentPath points at the extension under development, if any.
	ExtensionDevelopmentPath string
	// ExtensionTestsPath points at the test module to drive. When empty the
	// session is interactive and no completion signal is awaited.
	ExtensionTestsPath string
	// ExtensionPaths lists additional prebuilt extensions to serve.
	ExtensionPaths []string

	// FolderPath is a local folder exposed through the server's virtual mount.
	FolderPath string
	// FolderMountPath is the mount point inside the workbench. Defaults to the
	// serving layer's default when empty.
	FolderMountPath string

	// Permissions are granted on the browsing context before navigation.
	Permissions []string

	HideServerLog bool
}

// LaunchOptions select and configure the browser engine. Derived once from the
// CLI options and not mutated after launch.
type LaunchOptions struct {
	Engine    string // chromium|firefox|webkit
	Headless  bool
	Devtools  bool
	ExtraArgs []string
	// DebugPort, when nonzero, requests a remote debugging endpoint and makes
	// navigation block until the page reports harness readiness.
	DebugPort int
}

// BindingFunc receives a call made from inside the hosted page. No return
// value travels back to the page.
type BindingFunc func(args ...any)

// ServerHandle is the serving layer's closeable handle. Close must be
// idempotent and callable from cleanup paths.
type ServerHandle interface {
	BaseURL() string
	Close() error
}

// ServerStarter starts the session server for a config.
type ServerStarter interface {
	Start(ctx context.Context, cfg Config) (ServerHandle, error)
}

// ServerStarterFunc adapts a function to the ServerStarter interface.
type ServerStarterFunc func(ctx context.Context, cfg Config) (ServerHandle, error)

func (f ServerStarterFunc) Start(ctx context.Context, cfg Config) (ServerHandle, error) {
	return f(ctx, cfg)
}

// Launcher translates launch options into a live browser.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a launched browser process.
type Browser interface {
	NewContext(ctx context.Context, permissions []string) (BrowserContext, error)
	Close() error
}

// BrowserContext is one isolated browsing context. Its lifetime is independent
// of any single page.
type BrowserContext interface {
	// ExposeBinding installs a host-callable function into every page of the
	// context. Must be called before navigation so page scripts can call it as
	// soon as they execute.
	ExposeBinding(name string, fn BindingFunc) error
	// OnPage registers a handler for pages created in the context.
	OnPage(fn func(Page))
	// FirstPage returns the context's existing first page, creating one if the
	// context has none yet.
	FirstPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one page of a browsing context.
type Page interface {
	OnClose(fn func())
	SetViewportSize(width, height int) error
	Goto(ctx context.Context, url string) error
	// WaitForGlobal blocks until the named global becomes observable in the
	// page. The wait is unbounded; callers impose deadlines externally.
	WaitForGlobal(ctx context.Context, name string) error
}
