// Package claude runs and supervises the Claude CLI subprocess behind one
// session: process lifecycle, input writes, streamed output with turn
// demarcation, and crash diagnostics.
package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/pkg/claudecli"
)

// State is the lifecycle state of the handler.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateProcessing  State = "processing"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateError       State = "error"
)

const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 10 * 1024 * 1024
)

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil)
type errorWrapper struct {
	err error
}

// Options configures one handler instance.
type Options struct {
	CLIPath      string
	DefaultArgs  []string
	OutputFormat string
	Model        string

	// WorkDir is the project directory the CLI runs in.
	WorkDir string

	// ResumeID resumes a previous CLI conversation. Continue resumes the
	// most recent conversation in WorkDir; ResumeID wins when both are set.
	ResumeID string
	Continue bool

	StartupProbe time.Duration
	InputMax     int
	StderrRing   int
	GracePeriod  time.Duration
	QuietWindow  time.Duration
	ChunkBuffer  int

	Env []string
}

func (o Options) withDefaults() Options {
	if o.CLIPath == "" {
		o.CLIPath = "claude"
	}
	if o.OutputFormat == "" {
		o.OutputFormat = claudecli.FormatStreamJSON
	}
	if o.StartupProbe <= 0 {
		o.StartupProbe = 2 * time.Second
	}
	if o.InputMax <= 0 {
		o.InputMax = 32768
	}
	if o.StderrRing <= 0 {
		o.StderrRing = 64 * 1024
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.QuietWindow <= 0 {
		o.QuietWindow = 200 * time.Millisecond
	}
	if o.ChunkBuffer <= 0 {
		o.ChunkBuffer = 256
	}
	return o
}

// Health is a point-in-time snapshot of the handler and its process.
type Health struct {
	State     State         `json:"state"`
	Running   bool          `json:"running"`
	PID       int           `json:"pid,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	BytesIn   int64         `json:"bytes_in"`
	BytesOut  int64         `json:"bytes_out"`
	SessionID string        `json:"session_id,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Handler owns a single Claude CLI process. Turns are serialized: one
// conversational exchange is in flight at a time, and its output is
// delivered as a demarcated chunk stream.
type Handler struct {
	opts   Options
	logger *logger.Logger

	// Process state
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	state     atomic.Value // State
	exitCode  atomic.Int32
	exitErr   atomic.Value // errorWrapper
	lastErr   atomic.Value // errorWrapper
	startedAt time.Time

	stderrBuf *stderrRing

	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	externalID atomic.Value // string: CLI-reported conversation id
	coalesced  atomic.Int64

	// Turn tracking
	turnSem chan struct{}
	turnMu  sync.Mutex
	turn    *chunkBuffer
	quietMu sync.Mutex
	quietT  *time.Timer

	// Synchronization
	mu        sync.Mutex
	stateMu   sync.Mutex
	stdinMu   sync.Mutex
	procDone  chan struct{}
	firstOut  chan struct{}
	firstOnce *sync.Once
	readWg    sync.WaitGroup
	wg        sync.WaitGroup
}

// NewHandler creates a handler in the Idle state. Start launches the
// process.
func NewHandler(opts Options, log *logger.Logger) *Handler {
	opts = opts.withDefaults()
	h := &Handler{
		opts: opts,
		logger: log.WithFields(
			zap.String("component", "claude-handler"),
			zap.String("workdir", opts.WorkDir)),
		stderrBuf: newStderrRing(opts.StderrRing),
		turnSem:   make(chan struct{}, 1),
	}
	h.state.Store(StateIdle)
	h.exitCode.Store(-1)
	h.externalID.Store(opts.ResumeID)
	return h
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	if v := h.state.Load(); v != nil {
		return v.(State)
	}
	return StateIdle
}

func (h *Handler) setState(s State) {
	h.stateMu.Lock()
	h.state.Store(s)
	h.stateMu.Unlock()
}

// transition moves to the target state only when the current state is one
// of from, and reports whether it did.
func (h *Handler) transition(to State, from ...State) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	cur := h.State()
	for _, f := range from {
		if cur == f {
			h.state.Store(to)
			return true
		}
	}
	return false
}

// ExitCode returns the process exit code (-1 if not exited).
func (h *Handler) ExitCode() int {
	return int(h.exitCode.Load())
}

// ExitError returns the error cmd.Wait reported, if any.
func (h *Handler) ExitError() error {
	if v := h.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// LastError returns the most recent operational error.
func (h *Handler) LastError() error {
	if v := h.lastErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

func (h *Handler) storeLastErr(err error) {
	h.lastErr.Store(errorWrapper{err: err})
}

// SessionID returns the conversation id the CLI reported, or the resume id
// until the process announces one.
func (h *Handler) SessionID() string {
	if v := h.externalID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// WorkDir returns the project directory the process runs in.
func (h *Handler) WorkDir() string {
	return h.opts.WorkDir
}

// StderrTail returns the retained tail of the process stderr.
func (h *Handler) StderrTail() string {
	return h.stderrBuf.String()
}

// Start launches the CLI process and probes it for the configured window.
// A process that dies inside the window fails with a StartupError carrying
// the stderr tail.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.launch(); err != nil {
		return err
	}
	return h.awaitReady(ctx)
}

func (h *Handler) launch() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.State() {
	case StateRunning, StateProcessing, StateStarting, StateTerminating:
		return ErrAlreadyRunning
	}

	if h.opts.WorkDir != "" {
		info, err := os.Stat(h.opts.WorkDir)
		if err != nil || !info.IsDir() {
			h.setState(StateError)
			serr := &StartupError{Reason: fmt.Sprintf("project directory %q does not exist", h.opts.WorkDir)}
			h.storeLastErr(serr)
			return serr
		}
	}

	h.setState(StateStarting)
	h.exitCode.Store(-1)
	h.exitErr.Store(errorWrapper{})
	h.lastErr.Store(errorWrapper{})
	h.bytesIn.Store(0)
	h.bytesOut.Store(0)
	h.stderrBuf = newStderrRing(h.opts.StderrRing)

	args := claudecli.BuildArgs(claudecli.Invocation{
		DefaultArgs:  h.opts.DefaultArgs,
		OutputFormat: h.opts.OutputFormat,
		Model:        h.opts.Model,
		ResumeID:     h.opts.ResumeID,
		Continue:     h.opts.Continue,
	})

	h.logger.Info("starting claude process",
		zap.String("cli", h.opts.CLIPath),
		zap.Strings("args", args))

	// NOTE: exec.CommandContext is deliberately avoided here. The caller's
	// context covers the startup probe, not the process lifetime.
	cmd := exec.Command(h.opts.CLIPath, args...)
	cmd.Dir = h.opts.WorkDir
	if len(h.opts.Env) > 0 {
		cmd.Env = h.opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.setState(StateError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.setState(StateError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.setState(StateError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		h.setState(StateError)
		serr := &StartupError{Reason: fmt.Sprintf("spawn failed: %v", err)}
		h.storeLastErr(serr)
		return serr
	}

	h.cmd = cmd
	h.stdin = stdin
	h.stdout = stdout
	h.procDone = make(chan struct{})
	h.firstOut = make(chan struct{})
	h.firstOnce = new(sync.Once)
	h.startedAt = time.Now()

	h.readWg.Add(2)
	go h.readStdout()
	go h.readStderr(stderr)

	h.wg.Add(1)
	go h.waitForExit()

	return nil
}

// awaitReady blocks until the process proves itself: first output, the
// probe window elapsing without an exit, or death (a startup failure).
func (h *Handler) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(h.opts.StartupProbe)
	defer timer.Stop()

	select {
	case <-h.procDone:
		serr := &StartupError{
			Reason: fmt.Sprintf("process exited with code %d during startup", h.ExitCode()),
			Stderr: strings.TrimSpace(h.stderrBuf.String()),
		}
		h.setState(StateError)
		h.storeLastErr(serr)
		return serr
	case <-h.firstOut:
	case <-timer.C:
	case <-ctx.Done():
		_ = h.Terminate(context.Background())
		return ctx.Err()
	}

	h.transition(StateRunning, StateStarting)
	h.mu.Lock()
	pid := h.pidLocked()
	h.mu.Unlock()
	h.logger.Info("claude process ready", zap.Int("pid", pid))
	return nil
}

// Send writes one input line to the process. It does not demarcate output;
// most callers want Turn.
func (h *Handler) Send(text string) error {
	if n := utf8.RuneCountInString(text); n > h.opts.InputMax {
		return fmt.Errorf("%w: %d characters (max %d)", ErrInputTooLarge, n, h.opts.InputMax)
	}

	switch h.State() {
	case StateRunning, StateProcessing:
	default:
		return fmt.Errorf("%w (state %s)", ErrNotRunning, h.State())
	}

	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdin == nil {
		return ErrNotRunning
	}
	n, err := io.WriteString(h.stdin, text+"\n")
	h.bytesIn.Add(int64(n))
	if err != nil {
		h.storeLastErr(err)
		return fmt.Errorf("write to claude stdin: %w", err)
	}

	h.transition(StateProcessing, StateRunning)
	return nil
}

// Turn sends text as one conversational turn and returns the output stream
// for that turn. The channel closes after the turn's Done chunk. Turns are
// serialized: a concurrent Turn blocks until the previous one completes or
// its context is cancelled.
func (h *Handler) Turn(ctx context.Context, text string) (<-chan Chunk, error) {
	h.mu.Lock()
	done := h.procDone
	h.mu.Unlock()
	if done == nil {
		return nil, ErrNotRunning
	}

	select {
	case h.turnSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrNotRunning
	}

	buf := newChunkBuffer(h.opts.ChunkBuffer)
	h.turnMu.Lock()
	h.turn = buf
	h.turnMu.Unlock()

	if err := h.Send(text); err != nil {
		h.turnMu.Lock()
		h.turn = nil
		h.turnMu.Unlock()
		buf.close()
		<-h.turnSem
		return nil, err
	}

	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		for c := range buf.out {
			select {
			case out <- c:
			case <-ctx.Done():
				// Caller left. Keep draining so the turn can finish.
			}
		}
	}()
	return out, nil
}

// Execute runs text as a turn and returns the collected output once the
// turn completes. Queue tasks use this where streaming is not needed.
func (h *Handler) Execute(ctx context.Context, text string) (string, error) {
	ch, err := h.Turn(ctx, text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				if h.State() == StateError {
					lastErr := h.LastError()
					if lastErr == nil {
						lastErr = ErrNotRunning
					}
					return sb.String(), fmt.Errorf("claude process died mid-turn: %w", lastErr)
				}
				return sb.String(), nil
			}
			sb.WriteString(c.Text)
		case <-ctx.Done():
			return sb.String(), fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}
}

// Terminate stops the process: stdin close for a graceful exit, then a hard
// kill once the grace period expires. It is idempotent and a no-op on a
// handler whose process is already gone.
func (h *Handler) Terminate(ctx context.Context) error {
	h.mu.Lock()
	switch h.State() {
	case StateIdle, StateTerminated, StateTerminating, StateError:
		h.mu.Unlock()
		return nil
	}
	h.setState(StateTerminating)
	h.logger.Info("terminating claude process", zap.Int("pid", h.pidLocked()))

	h.stdinMu.Lock()
	if h.stdin != nil {
		h.stdin.Close()
	}
	h.stdinMu.Unlock()

	done := h.procDone
	cmd := h.cmd
	h.mu.Unlock()

	select {
	case <-done:
		h.logger.Info("claude process exited gracefully")
	case <-time.After(h.opts.GracePeriod):
		h.logger.Warn("grace period expired, killing claude process")
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	case <-ctx.Done():
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}

	h.wg.Wait()
	h.setState(StateTerminated)
	return nil
}

// Health reports a snapshot of the handler and its process.
func (h *Handler) Health() Health {
	h.mu.Lock()
	pid := h.pidLocked()
	started := h.startedAt
	h.mu.Unlock()

	st := h.State()
	snap := Health{
		State:     st,
		Running:   st == StateRunning || st == StateProcessing,
		PID:       pid,
		ExitCode:  h.ExitCode(),
		BytesIn:   h.bytesIn.Load(),
		BytesOut:  h.bytesOut.Load(),
		SessionID: h.SessionID(),
	}
	if snap.Running && !started.IsZero() {
		snap.Uptime = time.Since(started)
	}
	if err := h.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

func (h *Handler) pidLocked() int {
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

// readStdout scans process output line by line and routes it into the
// active turn.
func (h *Handler) readStdout() {
	defer h.readWg.Done()

	scanner := bufio.NewScanner(h.stdout)
	scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		h.bytesOut.Add(int64(len(line) + 1))
		h.firstOnce.Do(func() { close(h.firstOut) })
		h.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("stdout reader closed", zap.Error(err))
	}
}

func (h *Handler) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}

	if h.opts.OutputFormat == claudecli.FormatStreamJSON || h.opts.OutputFormat == claudecli.FormatJSON {
		if ev, err := claudecli.ParseEvent(line); err == nil {
			h.handleEvent(ev)
			return
		}
		// Not an event frame. Surface it raw so nothing is silently lost.
	}

	h.emit(Chunk{Text: string(line) + "\n"})
	h.resetQuiet()
}

func (h *Handler) handleEvent(ev *claudecli.Event) {
	if ev.SessionID != "" {
		h.externalID.Store(ev.SessionID)
	}

	switch ev.Type {
	case claudecli.EventSystem:
		h.logger.Debug("claude system event", zap.String("subtype", ev.Subtype))
	case claudecli.EventAssistant:
		if text := ev.Text(); text != "" {
			h.emit(Chunk{Text: text})
		}
	case claudecli.EventResult:
		if ev.IsError {
			h.storeLastErr(fmt.Errorf("claude reported an error result: %s", ev.Text()))
		}
		h.completeTurn()
	case claudecli.EventUser:
		// Tool results echoed back by the CLI; not user-visible output.
	default:
		h.logger.Debug("unhandled claude event", zap.String("type", ev.Type))
	}
}

// emit routes a chunk into the active turn. Output with no turn in flight
// (startup banners, stray frames) is logged and dropped.
func (h *Handler) emit(c Chunk) {
	h.turnMu.Lock()
	t := h.turn
	h.turnMu.Unlock()
	if t == nil {
		if c.Text != "" {
			h.logger.Debug("output outside a turn", zap.Int("bytes", len(c.Text)))
		}
		return
	}
	t.push(c)
}

// completeTurn ends the active turn: Done chunk, stream close, state back
// to Running. Safe to call when no turn is active.
func (h *Handler) completeTurn() {
	h.finishTurn(nil)
}

// finishTurn ends turn expect, or the active turn when expect is nil. A
// stale quiet timer firing after its turn already ended must not touch the
// next turn, hence the pointer comparison.
func (h *Handler) finishTurn(expect *chunkBuffer) {
	h.turnMu.Lock()
	if expect != nil && h.turn != expect {
		h.turnMu.Unlock()
		return
	}
	t := h.turn
	h.turn = nil
	h.turnMu.Unlock()

	h.stopQuiet()

	h.transition(StateRunning, StateProcessing)

	if t == nil {
		return
	}
	t.push(Chunk{Done: true})
	t.close()
	h.coalesced.Add(int64(t.coalescedCount()))
	<-h.turnSem
}

// resetQuiet arms the quiet-window completion timer for the active turn.
// In text mode there is no structured end-of-turn frame, so a stretch of
// silence after output is the completion signal.
func (h *Handler) resetQuiet() {
	if h.opts.OutputFormat != claudecli.FormatText {
		return
	}
	h.turnMu.Lock()
	t := h.turn
	h.turnMu.Unlock()
	if t == nil {
		return
	}

	h.quietMu.Lock()
	defer h.quietMu.Unlock()
	if h.quietT != nil {
		h.quietT.Stop()
	}
	h.quietT = time.AfterFunc(h.opts.QuietWindow, func() { h.finishTurn(t) })
}

func (h *Handler) stopQuiet() {
	h.quietMu.Lock()
	defer h.quietMu.Unlock()
	if h.quietT != nil {
		h.quietT.Stop()
	}
}

// readStderr retains the stderr tail for diagnostics.
func (h *Handler) readStderr(r io.Reader) {
	defer h.readWg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
	for scanner.Scan() {
		line := scanner.Text()
		h.stderrBuf.Write([]byte(line + "\n"))
		h.logger.Debug("claude stderr", zap.String("line", line))
	}
}

// waitForExit reaps the process after the readers drain and settles the
// final state.
func (h *Handler) waitForExit() {
	defer h.wg.Done()

	h.readWg.Wait()
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		h.exitErr.Store(errorWrapper{err: err})
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.exitCode.Store(int32(code))
	close(h.procDone)

	if h.transition(StateError, StateRunning, StateProcessing) {
		h.storeLastErr(fmt.Errorf("process exited unexpectedly with code %d", code))
		h.logger.Warn("claude process exited unexpectedly",
			zap.Int("exit_code", code), zap.Error(err))
	} else {
		h.logger.Info("claude process exited", zap.Int("exit_code", code))
	}

	// Unblock any in-flight turn.
	h.completeTurn()
}
