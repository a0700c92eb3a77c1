package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/editkit/webtest/lib/logger"
	"github.com/editkit/webtest/lib/session"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	if err := newRootCmd(slogger).ExecuteContext(ctx); err != nil {
		var failure *session.TestFailure
		if errors.As(err, &failure) {
			slogger.Error("tests failed", "code", failure.Code)
			os.Exit(failure.Code)
		}
		slogger.Error("run failed", "err", err)
		os.Exit(1)
	}
}
