// Package router dispatches Telegram text commands to handlers with owner
// access checks, panic recovery, request logging and a bounded worker pool.
package router

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "carebot/internal/runtime/supervisor"
	"carebot/internal/transport"
	logx "carebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     transport.Message
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger
	Owner   bool

	out transport.Sender
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.out.Send(ctx, r.Msg.ChatID, text)
}

type Router struct {
	mu     sync.RWMutex
	byName map[string]*Command
	list   []Command
	owners []int64

	log     logx.Logger
	out     transport.Sender
	workers int
	jobs    chan func()
}

func New(log logx.Logger, out transport.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		byName:  map[string]*Command{},
		log:     log,
		out:     out,
		workers: 4,
		jobs:    make(chan func(), 256),
	}
	r.SetOwners(owners)
	r.SetCommands(nil)
	return r
}

// SetOwners replaces the owner allowlist. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands installs the command set; /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(append([]Command(nil), cmds...), Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Owner))
		},
	})
	byName := make(map[string]*Command, len(cmds)*2)
	list := make([]Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
		list = append(list, *c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	r.mu.Lock()
	r.byName, r.list = byName, list
	r.mu.Unlock()
}

// MenuCommands lists the public commands for the platform menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.list))
	for _, c := range r.list {
		if c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) helpText(owner bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("📚 Commands\n")
	var admin []Command
	for _, c := range r.list {
		if c.Access == AccessOwnerOnly {
			admin = append(admin, c)
			continue
		}
		writeHelpLine(&b, c)
	}
	if owner && len(admin) > 0 {
		b.WriteString("\n🔒 Admin\n")
		for _, c := range admin {
			writeHelpLine(&b, c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeHelpLine(b *strings.Builder, c Command) {
	usage := c.Usage
	if usage == "" {
		usage = "/" + c.Name
	}
	b.WriteString(usage)
	if c.Description != "" {
		b.WriteString(" - " + c.Description)
	}
	b.WriteByte('\n')
}

// Run dispatches updates to a worker pool until ctx ends.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
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
			job := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				_ = r.out.Send(ctx, up.Message.ChatID, "⏳ Busy, please try again in a moment.")
			}
		}
	}
}

// Dispatch handles one update synchronously.
func (r *Router) Dispatch(ctx context.Context, up transport.Update) {
	if job := r.prepare(ctx, up); job != nil {
		job()
	}
}

// prepare resolves the command of up and returns the job running it, or nil
// when there is nothing to run.
func (r *Router) prepare(ctx context.Context, up transport.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}

	r.mu.RLock()
	cmd, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return func() { _ = r.out.Send(ctx, msg.ChatID, "Unknown command. Try /help") }
	}
	owner := r.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		return func() { _ = r.out.Send(ctx, msg.ChatID, "⛔ This command is for bot owners only.") }
	}

	rid := newReqID()
	req := &Request{
		Msg:     *msg,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Owner:   owner,
		out:     r.out,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle,
		MWErrorReply(),
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(cmd.Timeout),
	)
	return func() { _ = final(ctx, req) }
}
