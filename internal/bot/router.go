// Package bot routes incoming chat updates to command and callback handlers.
// Commands are flat (/link, /games, ...); inline-keyboard callbacks are keyed
// by "group:action:payload" data.
package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"steamwatch/internal/runtime/supervisor"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

type Command struct {
	Name        string // without the leading slash
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	Group   string // first token of the callback data, e.g. "upd"
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string // callback payload (raw string)
	ReqID   string

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Router consumes the adapter's update channel and dispatches to registered
// handlers on a bounded worker pool.
type Router struct {
	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]map[string]CallbackRoute

	adapter transport.Adapter
	log     logx.Logger

	jobs chan func()
}

func NewRouter(adapter transport.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		commands:  map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		adapter:   adapter,
		log:       log,
		jobs:      make(chan func(), 256),
	}
}

// Register installs the command and callback registry and pushes the command
// menu to the platform when the adapter supports it.
func (r *Router) Register(cmds []Command, cbs []CallbackRoute) {
	commands := map[string]Command{}
	var menu []transport.BotCommand
	for _, c := range cmds {
		name := strings.TrimSpace(strings.TrimPrefix(c.Name, "/"))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = c
		menu = append(menu, transport.BotCommand{Command: name, Description: c.Description})
	}

	callbacks := map[string]map[string]CallbackRoute{}
	for _, cb := range cbs {
		g := strings.TrimSpace(cb.Group)
		a := strings.TrimSpace(cb.Action)
		if g == "" || a == "" || cb.Handle == nil {
			continue
		}
		if callbacks[g] == nil {
			callbacks[g] = map[string]CallbackRoute{}
		}
		callbacks[g][a] = cb
	}

	r.mu.Lock()
	r.commands = commands
	r.callbacks = callbacks
	r.mu.Unlock()

	// Best-effort /menu autocomplete update.
	if up, ok := r.adapter.(transport.CommandMenuUpdater); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = up.UpdateMenuCommands(ctx, menu)
		}()
	}
}

// DispatchLoop blocks consuming updates until ctx is cancelled or the channel
// closes. Handlers run on a small worker pool so one slow handler does not
// stall the rest.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "bot.router"))),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < workers; i++ {
		name := "command.worker." + strconv.Itoa(i)
		sup.Go(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job != nil {
						job()
					}
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
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
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(root context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		r.routeMessage(root, up)
	case transport.UpdateCallback:
		r.routeCallback(root, up)
	}
}

func (r *Router) routeMessage(root context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(root, transport.ChatTarget{ChatID: msg.ChatID},
			"Unknown command. Try /help", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    transport.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)
	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, req.Chat, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(root context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	group, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.mu.RLock()
	route, ok := r.callbacks[group][action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    transport.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: "cb:" + group + ":" + action,
		Payload: payload,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", "cb:"+group+":"+action),
		),
	}

	h := func(ctx context.Context, rq *Request) error { return route.Handle(ctx, rq, payload) }
	final := Chain(
		h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(route.Timeout),
	)
	if !r.tryEnqueue(func() {
		_ = final(root, req)
		// Stop the "loading" spinner on the button.
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func newReqID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
