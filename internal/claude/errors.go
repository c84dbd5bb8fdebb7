package claude

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when an operation requires a live process.
	ErrNotRunning = errors.New("claude process is not running")

	// ErrAlreadyRunning is returned by Start when the process is already up.
	ErrAlreadyRunning = errors.New("claude process is already running")

	// ErrInputTooLarge is returned when a send exceeds the input size limit.
	ErrInputTooLarge = errors.New("input exceeds maximum size")

	// ErrTimeout is returned when a bounded execution ran out of time.
	ErrTimeout = errors.New("claude execution timed out")
)

// StartupError reports a process that died during the startup probe window.
// Stderr carries the tail of the process stderr for diagnosis.
type StartupError struct {
	Reason string
	Stderr string
}

func (e *StartupError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("claude startup failed: %s: %s", e.Reason, e.Stderr)
	}
	return fmt.Sprintf("claude startup failed: %s", e.Reason)
}
