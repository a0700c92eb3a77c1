package session

import (
	"errors"
	"fmt"
)

var (
	ErrServerStart   = errors.New("session server failed to start")
	ErrBrowserLaunch = errors.New("browser failed to launch")
)

// TestFailure is the expected, non-exceptional outcome of a test run whose
// page signaled a nonzero exit code.
type TestFailure struct {
	Code int
}

func (e *TestFailure) Error() string {
	return fmt.Sprintf("test runner exited with code %d", e.Code)
}
