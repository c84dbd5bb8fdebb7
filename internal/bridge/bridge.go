// Package bridge wires the chat transport to the command router: inbound
// lines are dispatched, replies and chunk streams flow back, queue runs
// stream progress, and bus events surface as channel notices.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claudebridge/claudebridge/internal/chat"
	"github.com/claudebridge/claudebridge/internal/claude"
	"github.com/claudebridge/claudebridge/internal/common/config"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/events"
	"github.com/claudebridge/claudebridge/internal/events/bus"
	"github.com/claudebridge/claudebridge/internal/queue"
	"github.com/claudebridge/claudebridge/internal/router"
)

// Transport is the chat surface the bridge serves. Run owns the connection
// and its reconnects; Messages delivers inbound lines until Run returns.
type Transport interface {
	Run(ctx context.Context) error
	Messages() <-chan chat.Message
	Send(ctx context.Context, channel, text string) error
	Typing(ctx context.Context, channel string)
}

// Dispatcher classifies and executes one inbound line.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) router.Result
}

// QueueRunner starts queue runs for cron firings.
type QueueRunner interface {
	Run(ctx context.Context, name string) (<-chan queue.Task, error)
}

// Bridge owns the dispatch loop and the chat notifier.
type Bridge struct {
	transport  Transport
	dispatcher Dispatcher
	queues     QueueRunner
	bus        bus.EventBus
	logger     *logger.Logger
	channel    string
	cronPrefix string

	mu     sync.Mutex
	runCtx context.Context

	wg sync.WaitGroup
}

func New(cfg *config.Config, transport Transport, dispatcher Dispatcher, queues QueueRunner, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		transport:  transport,
		dispatcher: dispatcher,
		queues:     queues,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "bridge")),
		channel:    cfg.Slack.Channel,
		cronPrefix: cfg.Cron.QueuePrefix,
	}
}

// Run serves the transport until ctx is cancelled or the transport fails.
// In-flight line handlers are waited out before returning.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	b.mu.Lock()
	b.runCtx = gctx
	b.mu.Unlock()

	subs, err := b.subscribeNotifier()
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	g.Go(func() error { return b.transport.Run(gctx) })
	g.Go(func() error { return b.dispatchLoop(gctx) })

	b.logger.Info("bridge running", zap.String("channel", b.channel))
	b.send(gctx, b.channel, "🤖 Claude Bridge is online! Type `@@help` for commands.")

	err = g.Wait()
	b.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.transport.Messages():
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						b.logger.Error("line handler panic", zap.Any("panic", rec))
					}
				}()
				b.handle(ctx, msg)
			}()
		}
	}
}

// handle processes one inbound line. Each line gets its own goroutine so a
// long Claude turn or queue run never blocks command handling; within a
// line, output stays ordered because sends await completion.
func (b *Bridge) handle(ctx context.Context, msg chat.Message) {
	if !msg.IsCommand() {
		b.transport.Typing(ctx, msg.ChannelID)
	}

	res := b.dispatcher.Dispatch(ctx, msg.Text)
	if res.Reply != "" {
		b.send(ctx, msg.ChannelID, res.Reply)
	}
	if res.Stream != nil {
		b.relayStream(ctx, msg.ChannelID, res.Stream)
	}
	if res.Tasks != nil {
		b.drainRun(ctx, msg.ChannelID, res.QueueName, res.Tasks)
	}
}

// relayStream forwards a turn's chunks to the channel in parse order.
func (b *Bridge) relayStream(ctx context.Context, channel string, stream <-chan claude.Chunk) {
	for {
		select {
		case <-ctx.Done():
			for range stream {
			}
			return
		case c, ok := <-stream:
			if !ok {
				return
			}
			if c.Text != "" {
				b.send(ctx, channel, c.Text)
			}
		}
	}
}

// drainRun consumes a queue run to completion, emitting one progress line
// per delivery and a summary at the end. The run blocks between
// deliveries, so this must drain even when sends fail.
func (b *Bridge) drainRun(ctx context.Context, channel, queueName string, tasks <-chan queue.Task) {
	var completed, failed, cancelled int
	for t := range tasks {
		switch t.Status {
		case queue.StatusCompleted:
			completed++
		case queue.StatusFailed:
			failed++
		case queue.StatusCancelled:
			cancelled++
		}
		b.send(ctx, channel, router.ProgressLine(t))
	}

	summary := fmt.Sprintf("🏁 Queue `%s` run finished: %d completed", queueName, completed)
	if failed > 0 {
		summary += fmt.Sprintf(", %d failed", failed)
	}
	if cancelled > 0 {
		summary += fmt.Sprintf(", %d cancelled", cancelled)
	}
	b.send(ctx, channel, summary+".")
}

func (b *Bridge) send(ctx context.Context, channel, text string) {
	if text == "" || channel == "" {
		return
	}
	if err := b.transport.Send(ctx, channel, text); err != nil {
		b.logger.Error("send failed", zap.String("channel", channel), zap.Error(err))
	}
}

// ctx returns the bridge's run context. Bus handlers use it instead of the
// publisher's context so their work is scoped to the bridge lifecycle.
func (b *Bridge) ctx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

func (b *Bridge) subscribeNotifier() ([]bus.Subscription, error) {
	if b.bus == nil {
		return nil, nil
	}

	bindings := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.ScheduleFired, b.onScheduleFired},
		{events.QueuePaused, b.onQueuePaused},
		{events.SessionReaped, b.onSessionReaped},
		{events.HandlerError, b.onHandlerError},
		{events.ProjectAvailable, b.onProjectChange},
		{events.ProjectUnavailable, b.onProjectChange},
	}

	subs := make([]bus.Subscription, 0, len(bindings))
	for _, bd := range bindings {
		s, err := b.bus.Subscribe(bd.subject, bd.handler)
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribing to %s: %w", bd.subject, err)
		}
		subs = append(subs, s)
	}
	return subs, nil
}

// onScheduleFired announces the firing and starts a run of the cron-owned
// queue. A busy queue is fine: the live run consumes the new tasks.
func (b *Bridge) onScheduleFired(_ context.Context, ev *bus.Event) error {
	var data events.ScheduleEventData
	if err := events.DecodeData(ev.Data, &data); err != nil {
		return err
	}
	ctx := b.ctx()
	b.send(ctx, b.channel, fmt.Sprintf("⏰ Schedule `%s` fired for project `%s`: %d task(s) queued.",
		data.Pattern, data.Project, data.Tasks))

	name := b.cronPrefix + "-" + data.Project
	tasks, err := b.queues.Run(ctx, name)
	if errors.Is(err, queue.ErrQueueBusy) {
		return nil
	}
	if err != nil {
		b.logger.Error("cron queue run failed", zap.String("queue", name), zap.Error(err))
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.drainRun(ctx, b.channel, name, tasks)
	}()
	return nil
}

func (b *Bridge) onQueuePaused(_ context.Context, ev *bus.Event) error {
	var data events.QueueEventData
	if err := events.DecodeData(ev.Data, &data); err != nil {
		return err
	}
	b.send(b.ctx(), b.channel, fmt.Sprintf("⏸️ Queue `%s` paused: %s. Run `@@queue %s` to resume.",
		data.Queue, data.Reason, data.Queue))
	return nil
}

func (b *Bridge) onSessionReaped(_ context.Context, ev *bus.Event) error {
	var data events.SessionEventData
	if err := events.DecodeData(ev.Data, &data); err != nil {
		return err
	}
	b.send(b.ctx(), b.channel, fmt.Sprintf("💤 Idle session for `%s` was closed.", data.Project))
	return nil
}

func (b *Bridge) onHandlerError(_ context.Context, ev *bus.Event) error {
	var data events.SessionEventData
	if err := events.DecodeData(ev.Data, &data); err != nil {
		return err
	}
	b.send(b.ctx(), b.channel, fmt.Sprintf("⚠️ Claude process error in `%s`: %s", data.Project, data.Error))
	return nil
}

func (b *Bridge) onProjectChange(_ context.Context, ev *bus.Event) error {
	var data events.ProjectEventData
	if err := events.DecodeData(ev.Data, &data); err != nil {
		return err
	}
	if data.Available {
		b.send(b.ctx(), b.channel, fmt.Sprintf("✅ Project `%s` directory is back.", data.Project))
	} else {
		b.send(b.ctx(), b.channel, fmt.Sprintf("⚠️ Project `%s` directory went missing.", data.Project))
	}
	return nil
}
