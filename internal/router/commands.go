// Package router turns incoming chat updates into command executions against
// the engine.
package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"mailping/internal/engine"
	"mailping/internal/mail"
	rtsup "mailping/internal/runtime/supervisor"
	kit "mailping/internal/transport"
	logx "mailping/pkg/logx"
)

// Engine is the command surface the router needs. engine.Engine satisfies it;
// tests substitute a fake.
type Engine interface {
	EnsureUser(ctx context.Context, userID int64) (bool, error)
	LinkAccount(ctx context.Context, userID int64, cred mail.Credential, label string) (int, error)
	AddFilter(ctx context.Context, userID int64, axis engine.Axis, rule engine.Rule, value string) (bool, error)
	RemoveFilter(ctx context.Context, userID int64, axis engine.Axis, rule engine.Rule, value string) (bool, error)
	SetInterval(ctx context.Context, userID int64, seconds int) error
	Filters(userID int64) engine.FilterLists
	Interval(userID int64) int
	Accounts(userID int64) []engine.AccountInfo
	Snapshot() engine.Stats
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	MinArgs     int
	Handle      HandlerFunc
}

// Request carries one parsed command invocation.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends a plain-text response to the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

type pendingLink struct {
	state     string
	label     string
	startedAt time.Time
}

// Router owns the command registry and the dispatch worker pool.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	eng     Engine

	// gmail is nil when the provider is disabled in config.
	gmail       mail.Exchanger
	imapEnabled bool

	commands map[string]Command

	pendMu  sync.Mutex
	pending map[int64]pendingLink

	jobs chan func()
}

type Options struct {
	Gmail       mail.Exchanger
	ImapEnabled bool
}

func New(log logx.Logger, adapter kit.Adapter, eng Engine, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:         log,
		adapter:     adapter,
		eng:         eng,
		gmail:       opts.Gmail,
		imapEnabled: opts.ImapEnabled,
		commands:    map[string]Command{},
		pending:     map[int64]pendingLink{},
		jobs:        make(chan func(), 128),
	}
	r.registerCommands()
	return r
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
// Handlers run on a small worker pool so a slow command does not stall intake.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	const workers = 4

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)

	var closeOnce sync.Once
	closeJobs := func() { closeOnce.Do(func() { close(r.jobs) }) }

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := parseCommandLine(msg.Text)
	if !ok {
		return
	}

	cmd, found := r.commands[name]
	if !found {
		// Ignore unknown commands in groups; answer in direct chats.
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "Unknown command. Try /help.", nil)
		}
		return
	}

	req := &Request{
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("cmd", name),
			logx.Int64("chat", msg.ChatID),
			logx.Int64("from", msg.FromID),
		),
	}

	if len(args) < cmd.MinArgs {
		r.enqueue(ctx, req, func(c context.Context, rq *Request) error {
			return rq.Reply(c, "Usage: "+cmd.Usage)
		})
		return
	}
	r.enqueue(ctx, req, cmd.Handle)
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc) {
	job := func() {
		start := time.Now()
		err := h(ctx, req)
		if err != nil {
			req.Logger.Warn("command failed", logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		req.Logger.Debug("command handled", logx.Duration("took", time.Since(start)))
	}
	select {
	case r.jobs <- job:
	default:
		_, _ = r.adapter.SendText(ctx, req.Chat, "Busy, try again in a moment.", nil)
	}
}

// parseCommandLine extracts ("interval", ["120"]) from "/interval@somebot 120".
func parseCommandLine(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	name = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, parts[1:], true
}

func (r *Router) helpText() string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, n := range names {
		c := r.commands[n]
		b.WriteString(c.Usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
