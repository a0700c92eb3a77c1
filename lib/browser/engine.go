package browser

import (
	"fmt"

	"github.com/editkit/webtest/lib/session"
)

// Engine is one of the three supported browser engines.
type Engine string

const (
	Chromium Engine = "chromium"
	Firefox  Engine = "firefox"
	WebKit   Engine = "webkit"
)

// ParseEngine validates an engine name. The CLI validates earlier, but the
// driver re-checks so an unknown engine can never silently default.
func ParseEngine(name string) (Engine, error) {
	switch Engine(name) {
	case Chromium, Firefox, WebKit:
		return Engine(name), nil
	default:
		return "", fmt.Errorf("unknown browser engine %q (supported: chromium, firefox, webkit)", name)
	}
}

// ComputeArgs assembles the engine's command-line arguments for the given
// launch options and platform. Chromium on Linux needs its sandbox disabled
// inside containers; that flag is appended automatically and is not
// user-configurable here.
func ComputeArgs(engine Engine, opts session.LaunchOptions, goos string) []string {
	var args []string
	if engine == Chromium {
		if goos == "linux" {
			args = append(args, "--no-sandbox")
		}
		if opts.DebugPort > 0 {
			args = append(args, fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort))
		}
	}
	return append(args, opts.ExtraArgs...)
}
