package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/claude"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/common/tracing"
	"github.com/claudebridge/claudebridge/internal/cron"
	"github.com/claudebridge/claudebridge/internal/project"
	"github.com/claudebridge/claudebridge/internal/queue"
	"github.com/claudebridge/claudebridge/internal/session"
)

// Sessions is the slice of the session registry the router drives.
type Sessions interface {
	Switch(ctx context.Context, projectName string) (*session.Session, bool, error)
	NewSession(ctx context.Context, projectName string) (*session.Session, error)
	TerminateCurrent(ctx context.Context) (*session.Session, error)
	Current() *session.Session
	List() []session.Info
	Send(ctx context.Context, text string) (<-chan claude.Chunk, error)
}

// Queues is the slice of the queue manager the router drives.
type Queues interface {
	Add(queueName, projectName, description string, priority int) (queue.Task, error)
	Run(ctx context.Context, name string) (<-chan queue.Task, error)
	Status(name string) (queue.QueueStatus, error)
	StatusAll() []queue.QueueStatus
	Clear(name string) (int, error)
}

// Schedules is the slice of the cron scheduler the router drives.
type Schedules interface {
	Register(pattern string, taskNames []string, projectName string) (cron.Schedule, error)
}

// Result is the outcome of dispatching one inbound line. At most one of
// Stream and Tasks is set; when both are nil, Reply is the whole response.
type Result struct {
	OK    bool
	Reply string

	// Stream carries a conversational turn's chunks, in parse order.
	Stream <-chan claude.Chunk

	// Tasks carries queue run progress. The run blocks between
	// deliveries, so the receiver must drain it.
	Tasks     <-chan queue.Task
	QueueName string
}

// Router dispatches inbound chat lines.
type Router struct {
	projects  *project.Set
	sessions  Sessions
	queues    Queues
	schedules Schedules
	logger    *logger.Logger
}

func NewRouter(projects *project.Set, sessions Sessions, queues Queues, schedules Schedules, log *logger.Logger) *Router {
	return &Router{
		projects:  projects,
		sessions:  sessions,
		queues:    queues,
		schedules: schedules,
		logger:    log.WithFields(zap.String("component", "router")),
	}
}

// Dispatch classifies and executes one inbound line. Errors never escape:
// they are logged and folded into a short user-visible reply.
func (r *Router) Dispatch(ctx context.Context, text string) Result {
	if !IsCommand(text) {
		return r.converse(ctx, text)
	}

	cmd, err := Parse(text)
	if err != nil {
		return fail("❌ Malformed command: %v.", err)
	}

	ctx, span := tracing.Tracer("claudebridge-router").Start(ctx, "router.dispatch")
	span.SetAttributes(attribute.String("command", cmd.Name))
	defer span.End()

	switch cmd.Name {
	case "projects":
		return r.projectsCmd()
	case "switch":
		return r.switchCmd(ctx, cmd)
	case "new":
		return r.newCmd(ctx, cmd)
	case "sessions":
		return r.sessionsCmd()
	case "quit", "q":
		return r.quitCmd(ctx)
	case "help":
		return ok(helpText)
	case "queue_add":
		return r.queueAddCmd(cmd)
	case "queue":
		return r.queueRunCmd(ctx, cmd)
	case "queue_status":
		return r.queueStatusCmd(cmd)
	case "queue_clear":
		return r.queueClearCmd(cmd)
	case "cron":
		return r.cronCmd(cmd)
	default:
		return fail("Unknown command: `%s`. Type `@@help` for available commands.", cmd.Name)
	}
}

func (r *Router) converse(ctx context.Context, text string) Result {
	stream, err := r.sessions.Send(ctx, text)
	if errors.Is(err, session.ErrNoSession) {
		return fail("No active session. Use `@@switch <project>` to start one.")
	}
	if errors.Is(err, project.ErrUnavailable) {
		return fail("⚠️ %v. The session was closed; restore the directory and `@@switch` again.", err)
	}
	if err != nil {
		r.logger.Error("turn dispatch failed", zap.Error(err))
		return fail("❌ Could not reach Claude: %v.", err)
	}
	return Result{OK: true, Stream: stream}
}

func (r *Router) projectsCmd() Result {
	projects := r.projects.List()
	if len(projects) == 0 {
		return ok("No projects configured.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📁 **Projects** (%d)\n", len(projects))
	for _, p := range projects {
		fmt.Fprintf(&b, "• `%s` - %s", p.Name, p.Path)
		if p.Description != "" {
			fmt.Fprintf(&b, " (%s)", p.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUse `@@switch <project>` to start working.")
	return ok(b.String())
}

func (r *Router) switchCmd(ctx context.Context, cmd Command) Result {
	if len(cmd.Args) < 1 {
		return fail("❌ Usage: `@@switch <project_name>`")
	}
	name := cmd.Args[0]

	s, created, err := r.sessions.Switch(ctx, name)
	if errors.Is(err, project.ErrUnknown) {
		return fail("❌ Unknown project: `%s`. Use `@@projects` to list them.", name)
	}
	if err != nil {
		r.logger.Error("switch failed", zap.String("project", name), zap.Error(err))
		return fail("❌ Could not switch to `%s`: %v.", name, err)
	}
	if created {
		return ok("✅ Switched to project `%s` (new session started).", s.Project.Name)
	}
	return ok("✅ Switched to project `%s`.", s.Project.Name)
}

func (r *Router) newCmd(ctx context.Context, cmd Command) Result {
	if len(cmd.Args) < 1 {
		return fail("❌ Usage: `@@new <project_name>`")
	}
	name := cmd.Args[0]

	s, err := r.sessions.NewSession(ctx, name)
	if errors.Is(err, project.ErrUnknown) {
		return fail("❌ Unknown project: `%s`. Use `@@projects` to list them.", name)
	}
	if err != nil {
		r.logger.Error("new session failed", zap.String("project", name), zap.Error(err))
		return fail("❌ Could not start a session for `%s`: %v.", name, err)
	}
	return ok("✅ Started a fresh session for `%s`.", s.Project.Name)
}

func (r *Router) sessionsCmd() Result {
	infos := r.sessions.List()
	if len(infos) == 0 {
		return ok("No active sessions. Use `@@switch <project>` to start one.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Active Sessions** (%d)\n", len(infos))
	for _, in := range infos {
		fmt.Fprintf(&b, "• `%s` [%s] %d messages, last active %s",
			in.Project, in.State, in.Messages, in.LastActive.Format("15:04:05"))
		if in.Current {
			b.WriteString(" (current)")
		}
		b.WriteString("\n")
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) quitCmd(ctx context.Context) Result {
	s, err := r.sessions.TerminateCurrent(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return fail("No active session to quit.")
	}
	if err != nil {
		r.logger.Error("quit failed", zap.Error(err))
		return fail("❌ Could not terminate the session: %v.", err)
	}
	return ok("👋 Session for `%s` terminated.", s.Project.Name)
}

func (r *Router) queueAddCmd(cmd Command) Result {
	if len(cmd.Args) < 2 {
		return fail("❌ Usage: `@@queue_add <queue_name> <task_description>`")
	}
	cur := r.sessions.Current()
	if cur == nil {
		return fail("No active session. Use `@@switch <project>` first so the task has a project.")
	}

	queueName := cmd.Args[0]
	description := strings.Join(cmd.Args[1:], " ")

	t, err := r.queues.Add(queueName, cur.Project.Name, description, 0)
	if err != nil {
		r.logger.Error("queue add failed", zap.String("queue", queueName), zap.Error(err))
		return fail("❌ Could not add the task: %v.", err)
	}
	return ok("📝 Added task to queue `%s` for project `%s`: %s", t.Queue, t.Project, t.Description)
}

func (r *Router) queueRunCmd(ctx context.Context, cmd Command) Result {
	if len(cmd.Args) < 1 {
		return fail("❌ Usage: `@@queue <queue_name>`")
	}
	name := cmd.Args[0]

	results, err := r.queues.Run(ctx, name)
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		return fail("❌ Unknown queue: `%s`. Use `@@queue_status` to list queues.", name)
	case errors.Is(err, queue.ErrQueueBusy):
		return fail("⏳ Queue `%s` is already running.", name)
	case err != nil:
		r.logger.Error("queue run failed", zap.String("queue", name), zap.Error(err))
		return fail("❌ Could not run queue `%s`: %v.", name, err)
	}

	return Result{
		OK:        true,
		Reply:     fmt.Sprintf("⚡ Running queue `%s`...", name),
		Tasks:     results,
		QueueName: name,
	}
}

func (r *Router) queueStatusCmd(cmd Command) Result {
	if len(cmd.Args) >= 1 {
		st, err := r.queues.Status(cmd.Args[0])
		if errors.Is(err, queue.ErrUnknownQueue) {
			return fail("❌ Unknown queue: `%s`.", cmd.Args[0])
		}
		if err != nil {
			return fail("❌ Could not read queue status: %v.", err)
		}
		return ok(renderQueueDetail(st))
	}

	all := r.queues.StatusAll()
	if len(all) == 0 {
		return ok("No queues. Use `@@queue_add <queue> <description>` to create one.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📈 **Queues** (%d)\n", len(all))
	for _, st := range all {
		b.WriteString(renderQueueLine(st))
		b.WriteString("\n")
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) queueClearCmd(cmd Command) Result {
	if len(cmd.Args) < 1 {
		return fail("❌ Usage: `@@queue_clear <queue_name>`")
	}
	name := cmd.Args[0]

	n, err := r.queues.Clear(name)
	if errors.Is(err, queue.ErrUnknownQueue) {
		return fail("❌ Unknown queue: `%s`.", name)
	}
	if err != nil {
		r.logger.Error("queue clear failed", zap.String("queue", name), zap.Error(err))
		return fail("❌ Could not clear queue `%s`: %v.", name, err)
	}
	return ok("🗑️ Cleared %d pending task(s) from queue `%s`.", n, name)
}

func (r *Router) cronCmd(cmd Command) Result {
	if len(cmd.Args) < 2 {
		return fail("❌ Usage: `@@cron \"<cron_pattern>\" <task1,task2,...>`\nExample: `@@cron \"0 */2 * * *\" clean_code,run_tests`")
	}
	cur := r.sessions.Current()
	if cur == nil {
		return fail("No active session. Use `@@switch <project>` first so the schedule has a project.")
	}

	pattern := cmd.Args[0]
	names := splitTaskNames(cmd.Args[1:])

	sc, err := r.schedules.Register(pattern, names, cur.Project.Name)
	var perr *cron.InvalidPatternError
	switch {
	case errors.As(err, &perr):
		return fail("❌ %v.", perr)
	case errors.Is(err, cron.ErrUnknownTask):
		return fail("❌ %v. Available tasks: %s.", err, strings.Join(cron.CatalogNames(), ", "))
	case errors.Is(err, cron.ErrNoTasks):
		return fail("❌ No tasks given. Available tasks: %s.", strings.Join(cron.CatalogNames(), ", "))
	case err != nil:
		r.logger.Error("cron register failed", zap.Error(err))
		return fail("❌ Could not register the schedule: %v.", err)
	}

	return ok("⏰ Scheduled %s at `%s` for project `%s`. Next run %s.",
		strings.Join(sc.Tasks, ", "), sc.Pattern, sc.Project,
		sc.NextRun.Format("2006-01-02 15:04:05"))
}

// splitTaskNames accepts both comma-joined and space-separated task lists,
// including mixes like "clean_code, run_tests".
func splitTaskNames(args []string) []string {
	var out []string
	for _, part := range strings.Split(strings.Join(args, ","), ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func renderQueueLine(st queue.QueueStatus) string {
	line := fmt.Sprintf("• `%s`: %d pending, %d completed, %d failed", st.Name, st.Pending, st.Completed, st.Failed)
	if st.Cancelled > 0 {
		line += fmt.Sprintf(", %d cancelled", st.Cancelled)
	}
	switch {
	case st.Running:
		line += " [running]"
	case st.Paused:
		line += " [paused]"
	}
	return line
}

func renderQueueDetail(st queue.QueueStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 **Queue `%s`**\n", st.Name)
	b.WriteString(strings.TrimPrefix(renderQueueLine(st), "• "))
	b.WriteString("\n")

	if st.Current != nil {
		fmt.Fprintf(&b, "Now running: %s\n", st.Current.Description)
	}
	if len(st.Tasks) > 0 {
		b.WriteString("Next up:\n")
		for i, t := range st.Tasks {
			if i == 5 {
				fmt.Fprintf(&b, "  ... and %d more\n", len(st.Tasks)-i)
				break
			}
			if t.Priority != 0 {
				fmt.Fprintf(&b, "  %d. [p%d] %s\n", i+1, t.Priority, t.Description)
			} else {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Description)
			}
		}
	}
	if len(st.History) > 0 {
		b.WriteString("Recent:\n")
		hist := st.History
		if len(hist) > 3 {
			hist = hist[len(hist)-3:]
		}
		for _, t := range hist {
			fmt.Fprintf(&b, "  %s %s", historyMark(t.Status), t.Description)
			if t.Error != "" {
				fmt.Fprintf(&b, " (%s)", t.Error)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func historyMark(s queue.Status) string {
	switch s {
	case queue.StatusCompleted:
		return "✅"
	case queue.StatusFailed:
		return "❌"
	case queue.StatusCancelled:
		return "🚫"
	default:
		return "•"
	}
}

func ok(format string, args ...interface{}) Result {
	return Result{OK: true, Reply: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...interface{}) Result {
	return Result{OK: false, Reply: fmt.Sprintf(format, args...)}
}

// ProgressLine renders one finished task for the channel while a queue
// run streams.
func ProgressLine(t queue.Task) string {
	switch t.Status {
	case queue.StatusCompleted:
		return fmt.Sprintf("✅ [%s] %s (%s)", t.Queue, t.Description, durationOf(t))
	case queue.StatusFailed:
		return fmt.Sprintf("❌ [%s] %s failed: %s", t.Queue, t.Description, t.Error)
	case queue.StatusCancelled:
		return fmt.Sprintf("🚫 [%s] %s cancelled", t.Queue, t.Description)
	case queue.StatusPending:
		return fmt.Sprintf("🔁 [%s] %s retrying (attempt %d)", t.Queue, t.Description, t.RetryCount+1)
	default:
		return fmt.Sprintf("• [%s] %s %s", t.Queue, t.Description, t.Status)
	}
}

func durationOf(t queue.Task) string {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return "0s"
	}
	return t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
}

const helpText = "🤖 **Claude Bridge Commands**\n" +
	"\n" +
	"**Session Management:**\n" +
	"• `@@projects` - List available projects\n" +
	"• `@@switch <project>` - Switch to a project\n" +
	"• `@@new <project>` - Create new session for project\n" +
	"• `@@sessions` - List active sessions\n" +
	"• `@@quit` or `@@q` - Quit current session\n" +
	"\n" +
	"**Task Queue:**\n" +
	"• `@@queue_add <queue> <description>` - Add task to queue\n" +
	"• `@@queue <queue>` - Process queue tasks\n" +
	"• `@@queue_status [queue]` - Show queue status\n" +
	"• `@@queue_clear <queue>` - Clear queue\n" +
	"\n" +
	"**Automation:**\n" +
	"• `@@cron \"<pattern>\" <task1,task2,...>` - Schedule recurring tasks\n" +
	"\n" +
	"**Examples:**\n" +
	"```\n" +
	"@@switch my-project\n" +
	"@@queue_add feature-dev \"Implement user auth\"\n" +
	"@@cron \"0 */2 * * *\" clean_code,run_tests\n" +
	"```\n" +
	"\n" +
	"💡 Any message not starting with `@@` will be sent directly to Claude!"
