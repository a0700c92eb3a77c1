package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const debugProbeWindow = 10 * time.Second

// waitForDebugEndpoint waits until the browser's remote debugging endpoint
// accepts websocket connections, so an externally attached debugger does not
// race browser startup. Gives up after a bounded window with a warning; the
// page-level readiness wait is the authoritative gate.
func waitForDebugEndpoint(ctx context.Context, log *slog.Logger, port int) {
	deadline := time.Now().Add(debugProbeWindow)
	versionURL := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)

	for time.Now().Before(deadline) {
		if wsURL := debuggerWSURL(ctx, versionURL); wsURL != "" && dialProbe(ctx, wsURL) {
			log.Info("remote debugging endpoint ready", "port", port)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	log.Warn("remote debugging endpoint not ready in time", "port", port)
}

func debuggerWSURL(ctx context.Context, versionURL string) string {
	reqCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, versionURL, nil)
	if err != nil {
		return ""
	}
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer rsp.Body.Close()
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&version); err != nil {
		return ""
	}
	return version.WebSocketDebuggerURL
}

func dialProbe(ctx context.Context, wsURL string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return false
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe")
	return true
}
