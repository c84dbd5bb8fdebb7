package claude

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/pkg/claudecli"
)

// OneShot describes a single non-interactive CLI execution: a fresh
// process runs one prompt to completion and exits.
type OneShot struct {
	CLIPath     string
	DefaultArgs []string
	Model       string
	WorkDir     string
	Prompt      string
	Timeout     time.Duration
}

// RunOneShot runs the CLI in print mode and returns the final response
// text. The process is killed when the timeout elapses or ctx is
// cancelled.
func RunOneShot(ctx context.Context, log *logger.Logger, o OneShot) (string, error) {
	if o.CLIPath == "" {
		o.CLIPath = "claude"
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	// Print mode asks for the json result envelope regardless of the
	// interactive output format: one object in, one answer out.
	args := claudecli.BuildArgs(claudecli.Invocation{
		DefaultArgs:  o.DefaultArgs,
		OutputFormat: claudecli.FormatJSON,
		Model:        o.Model,
		Prompt:       o.Prompt,
	})

	cmd := exec.CommandContext(ctx, o.CLIPath, args...)
	cmd.Dir = o.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("running one-shot claude command",
		zap.String("cli", o.CLIPath),
		zap.String("workdir", o.WorkDir))

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	if err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		if tail != "" {
			return "", fmt.Errorf("one-shot claude failed: %w (stderr: %s)", err, tail)
		}
		return "", fmt.Errorf("one-shot claude failed: %w", err)
	}

	return parseOneShotOutput(stdout.Bytes())
}

// parseOneShotOutput extracts the response text from a result envelope,
// falling back to the raw output for CLIs speaking plain text.
func parseOneShotOutput(out []byte) (string, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return "", nil
	}
	if ev, err := claudecli.ParseEvent(trimmed); err == nil && ev.Type != "" {
		if ev.IsError {
			return "", fmt.Errorf("claude returned an error result: %s", ev.Text())
		}
		if t := ev.Text(); t != "" {
			return t, nil
		}
	}
	return string(trimmed), nil
}
