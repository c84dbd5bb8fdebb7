package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/pkg/claudecli"
)

// writeScript drops an executable shell script into a temp dir so handler
// tests run against a fake CLI instead of the real binary.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	h := NewHandler(opts, logger.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Terminate(ctx)
	})
	return h
}

func collectTurn(t *testing.T, ch <-chan Chunk) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return sb.String()
			}
			sb.WriteString(c.Text)
		case <-deadline:
			t.Fatal("turn did not complete in time")
		}
	}
}

func TestHandlerTextModeTurn(t *testing.T) {
	h := newTestHandler(t, Options{
		CLIPath:      "/bin/cat",
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
		QuietWindow:  80 * time.Millisecond,
	})

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, StateRunning, h.State())

	ch, err := h.Turn(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, h.State())

	out := collectTurn(t, ch)
	assert.Equal(t, "hello\n", out)

	require.Eventually(t, func() bool {
		return h.State() == StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	health := h.Health()
	assert.True(t, health.Running)
	assert.Positive(t, health.PID)
	assert.Positive(t, health.BytesIn)
	assert.Positive(t, health.BytesOut)
}

func TestHandlerTurnsAreSerialized(t *testing.T) {
	h := newTestHandler(t, Options{
		CLIPath:      "/bin/cat",
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
		QuietWindow:  60 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background()))

	first, err := h.Turn(context.Background(), "one")
	require.NoError(t, err)

	// Second turn cannot start while the first is in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Turn(ctx, "two")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, "one\n", collectTurn(t, first))

	second, err := h.Turn(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, "two\n", collectTurn(t, second))
}

func TestHandlerStreamJSON(t *testing.T) {
	script := writeScript(t, "claude", `
echo '{"type":"system","subtype":"init","session_id":"sess-test-1"}'
while read line; do
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"pong"}]}}'
  echo '{"type":"result","subtype":"success","result":"pong","session_id":"sess-test-1"}'
done
`)
	h := newTestHandler(t, Options{
		CLIPath:      script,
		OutputFormat: claudecli.FormatStreamJSON,
	})

	require.NoError(t, h.Start(context.Background()))

	out, err := h.Execute(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	require.Eventually(t, func() bool {
		return h.SessionID() == "sess-test-1"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, h.State())
}

func TestHandlerStartupFailure(t *testing.T) {
	script := writeScript(t, "claude", `
echo "boom: unknown flag" >&2
exit 3
`)
	h := newTestHandler(t, Options{
		CLIPath:      script,
		OutputFormat: claudecli.FormatText,
		StartupProbe: 2 * time.Second,
	})

	err := h.Start(context.Background())
	require.Error(t, err)

	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Stderr, "boom")
	assert.Contains(t, serr.Reason, "code 3")
	assert.Equal(t, StateError, h.State())
}

func TestHandlerStartMissingWorkDir(t *testing.T) {
	h := NewHandler(Options{
		CLIPath: "/bin/cat",
		WorkDir: "/nonexistent/project/path",
	}, logger.Default())

	err := h.Start(context.Background())
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "does not exist")
}

func TestHandlerSendValidation(t *testing.T) {
	h := newTestHandler(t, Options{CLIPath: "/bin/cat", InputMax: 10})

	t.Run("not running", func(t *testing.T) {
		err := h.Send("hi")
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("input too large", func(t *testing.T) {
		err := h.Send(strings.Repeat("x", 11))
		assert.ErrorIs(t, err, ErrInputTooLarge)
	})

	t.Run("limit counts runes not bytes", func(t *testing.T) {
		require.NoError(t, h.launch())
		defer func() { _ = h.Terminate(context.Background()) }()
		h.transition(StateRunning, StateStarting)

		assert.NoError(t, h.Send(strings.Repeat("ü", 10)))
		assert.ErrorIs(t, h.Send(strings.Repeat("ü", 11)), ErrInputTooLarge)
	})
}

func TestHandlerTurnNotRunning(t *testing.T) {
	h := NewHandler(Options{CLIPath: "/bin/cat"}, logger.Default())
	_, err := h.Turn(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHandlerTerminateGraceful(t *testing.T) {
	h := newTestHandler(t, Options{
		CLIPath:      "/bin/cat",
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Terminate(context.Background()))
	assert.Equal(t, StateTerminated, h.State())
	assert.Equal(t, 0, h.ExitCode())

	// Idempotent.
	require.NoError(t, h.Terminate(context.Background()))
}

func TestHandlerTerminateKillsStubbornProcess(t *testing.T) {
	script := writeScript(t, "claude", `
trap "" TERM INT
while :; do sleep 0.1; done
`)
	h := newTestHandler(t, Options{
		CLIPath:      script,
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
		GracePeriod:  150 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background()))

	start := time.Now()
	require.NoError(t, h.Terminate(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateTerminated, h.State())
}

func TestHandlerUnexpectedExit(t *testing.T) {
	script := writeScript(t, "claude", `
read x
exit 7
`)
	h := newTestHandler(t, Options{
		CLIPath:      script,
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Send("bye"))

	require.Eventually(t, func() bool {
		return h.State() == StateError
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, h.ExitCode())
	require.Error(t, h.LastError())
	assert.Contains(t, h.LastError().Error(), "unexpectedly")
}

func TestHandlerProcessDeathEndsTurn(t *testing.T) {
	script := writeScript(t, "claude", `
read x
echo "partial answer"
exit 1
`)
	h := newTestHandler(t, Options{
		CLIPath:      script,
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
		QuietWindow:  10 * time.Second,
	})
	require.NoError(t, h.Start(context.Background()))

	out, err := h.Execute(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, out, "partial answer")
	assert.Equal(t, StateError, h.State())
}

func TestHandlerExecuteTimeout(t *testing.T) {
	h := newTestHandler(t, Options{
		CLIPath:      "/bin/cat",
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
		QuietWindow:  10 * time.Second,
	})
	require.NoError(t, h.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, "hello")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandlerRestartAfterTerminate(t *testing.T) {
	h := newTestHandler(t, Options{
		CLIPath:      "/bin/cat",
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
		QuietWindow:  60 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Terminate(context.Background()))

	require.NoError(t, h.Start(context.Background()))
	ch, err := h.Turn(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, "again\n", collectTurn(t, ch))
}

func TestHandlerStartTwice(t *testing.T) {
	h := newTestHandler(t, Options{
		CLIPath:      "/bin/cat",
		OutputFormat: claudecli.FormatText,
		StartupProbe: 100 * time.Millisecond,
	})
	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyRunning)
}

func TestRunOneShot(t *testing.T) {
	t.Run("json result envelope", func(t *testing.T) {
		script := writeScript(t, "claude", `
echo '{"type":"result","subtype":"success","result":"the answer","session_id":"s1"}'
`)
		out, err := RunOneShot(context.Background(), logger.Default(), OneShot{
			CLIPath: script,
			WorkDir: t.TempDir(),
			Prompt:  "question",
		})
		require.NoError(t, err)
		assert.Equal(t, "the answer", out)
	})

	t.Run("plain text passthrough", func(t *testing.T) {
		script := writeScript(t, "claude", `echo "plain output"`)
		out, err := RunOneShot(context.Background(), logger.Default(), OneShot{
			CLIPath: script,
			WorkDir: t.TempDir(),
			Prompt:  "question",
		})
		require.NoError(t, err)
		assert.Equal(t, "plain output", out)
	})

	t.Run("timeout kills the process", func(t *testing.T) {
		script := writeScript(t, "claude", `sleep 30`)
		_, err := RunOneShot(context.Background(), logger.Default(), OneShot{
			CLIPath: script,
			WorkDir: t.TempDir(),
			Prompt:  "question",
			Timeout: 150 * time.Millisecond,
		})
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("error result surfaces", func(t *testing.T) {
		script := writeScript(t, "claude", `
echo '{"type":"result","subtype":"error","result":"rate limited","is_error":true}'
`)
		_, err := RunOneShot(context.Background(), logger.Default(), OneShot{
			CLIPath: script,
			WorkDir: t.TempDir(),
			Prompt:  "question",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("nonzero exit includes stderr", func(t *testing.T) {
		script := writeScript(t, "claude", `
echo "auth expired" >&2
exit 2
`)
		_, err := RunOneShot(context.Background(), logger.Default(), OneShot{
			CLIPath: script,
			WorkDir: t.TempDir(),
			Prompt:  "question",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth expired")
	})
}

func TestStartupErrorMessage(t *testing.T) {
	err := &StartupError{Reason: "spawn failed"}
	assert.Equal(t, "claude startup failed: spawn failed", err.Error())

	err = &StartupError{Reason: "exited", Stderr: "bad token"}
	assert.Contains(t, err.Error(), "bad token")

	var target *StartupError
	assert.True(t, errors.As(error(err), &target))
}
