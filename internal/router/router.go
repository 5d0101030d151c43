// Package router dispatches incoming updates to command and callback
// handlers and hosts the per-chat conversational flows (registration,
// event creation, broadcast).
package router

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"eventbot/internal/deeplink"
	"eventbot/internal/mailer"
	"eventbot/internal/scheduler"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// Access gates a command by role.
type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
	AccessSuperAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type command struct {
	name        string
	description string
	access      Access
	menu        bool // show in the bot command menu
	handle      HandlerFunc
}

type callbackRoute struct {
	scope  string
	action string
	access Access
	handle func(ctx context.Context, req *Request, payload string) error
}

// Request carries one update through a handler.
type Request struct {
	Chat   transport.ChatTarget
	FromID int64
	User   storage.User
	Args   []string

	Message  *transport.Message
	Callback *transport.Callback

	Log logx.Logger
}

// Orchestrator is the slice of the event scheduler the router drives.
type Orchestrator interface {
	Arm(ev storage.Event) error
	Disarm(eventID int64)
}

// LinkService mints and resolves deep-link tokens.
type LinkService interface {
	Issue(ctx context.Context, kind storage.LinkKind, eventID int64) (string, error)
	Resolve(ctx context.Context, token string) (deeplink.Payload, bool, error)
}

// Sender is the bulk delivery engine.
type Sender interface {
	SendBatch(ctx context.Context, targets []transport.ChatTarget, text string, opt *transport.SendOptions) []mailer.Result
}

// JobStore arms one-shot jobs (scheduled broadcasts).
type JobStore interface {
	Upsert(id string, at time.Time, job scheduler.JobFunc) error
}

type Config struct {
	SuperAdminIDs []int64
	Workers       int // dispatch goroutines (default 4)
	QueueSize     int // pending handler queue (default 128)
}

type Deps struct {
	Store   storage.Store
	Adapter transport.Adapter
	Links   LinkService
	Orch    Orchestrator
	Mail    Sender
	Jobs    JobStore
}

type Router struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	cmds map[string]command
	cbs  map[string]callbackRoute // "scope:action"

	convMu sync.Mutex
	convs  map[int64]conversation // keyed by chat id

	superMu sync.RWMutex
	supers  []int64

	jobs chan func()
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	r := &Router{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		cmds:   map[string]command{},
		cbs:    map[string]callbackRoute{},
		convs:  map[int64]conversation{},
		supers: append([]int64(nil), cfg.SuperAdminIDs...),
		jobs:   make(chan func(), cfg.QueueSize),
	}
	r.registerCommands()
	return r
}

// SetSuperAdmins replaces the configured super admin list (hot reload).
func (r *Router) SetSuperAdmins(ids []int64) {
	cp := append([]int64(nil), ids...)
	r.superMu.Lock()
	r.supers = cp
	r.superMu.Unlock()
}

func (r *Router) isSuperAdmin(id int64) bool {
	r.superMu.RLock()
	defer r.superMu.RUnlock()
	for _, s := range r.supers {
		if s == id {
			return true
		}
	}
	return false
}

// Run consumes updates until ctx is canceled or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	r.publishMenu(ctx)

	var wg sync.WaitGroup
	wg.Add(r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("router stopped")
	}()

	r.log.Info("router started", logx.Int("workers", r.cfg.Workers))
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

func (r *Router) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *transport.Message) {
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		parts := strings.Fields(text)
		word := strings.TrimPrefix(parts[0], "/")
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		cmd, ok := r.cmds[word]
		if !ok {
			if !msg.IsGroup {
				r.reply(ctx, msg.ChatID, "Unknown command. Try /help.")
			}
			return
		}
		// Any command interrupts an in-progress conversation except
		// /cancel, which handles it explicitly.
		if word != "cancel" {
			r.endConversation(msg.ChatID)
		}
		r.enqueueCommand(ctx, cmd, msg, parts[1:])
		return
	}

	// Plain text feeds the chat's active conversation, if any.
	if conv := r.activeConversation(msg.ChatID); conv != nil {
		r.enqueue(ctx, msg.ChatID, func(jctx context.Context) {
			r.stepConversation(jctx, conv, msg)
		})
	}
}

func (r *Router) routeCallback(ctx context.Context, cb *transport.Callback) {
	data := strings.TrimSpace(cb.Data)
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return
	}
	key := parts[0] + ":" + parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}
	route, ok := r.cbs[key]
	if !ok {
		_ = r.deps.Adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	r.enqueue(ctx, cb.ChatID, func(jctx context.Context) {
		req, err := r.buildRequest(jctx, cb.FromID, cb.ChatID, "", nil)
		if err != nil {
			r.log.Error("request build failed", logx.Int64("from_id", cb.FromID), logx.Err(err))
			_ = r.deps.Adapter.AnswerCallback(jctx, cb.ID, "try again later")
			return
		}
		req.Callback = cb
		req.Log = req.Log.With(logx.String("cb", key))
		if !r.allowed(route.access, req) {
			_ = r.deps.Adapter.AnswerCallback(jctx, cb.ID, "not allowed")
			return
		}
		if err := route.handle(jctx, req, payload); err != nil {
			req.Log.Error("callback failed", logx.Err(err))
		}
		_ = r.deps.Adapter.AnswerCallback(jctx, cb.ID, "")
	})
}

func (r *Router) enqueueCommand(ctx context.Context, cmd command, msg *transport.Message, args []string) {
	r.enqueue(ctx, msg.ChatID, func(jctx context.Context) {
		req, err := r.buildRequest(jctx, msg.FromID, msg.ChatID, msg.FromUsername, args)
		if err != nil {
			r.log.Error("request build failed", logx.Int64("from_id", msg.FromID), logx.Err(err))
			r.reply(jctx, msg.ChatID, "Something went wrong, try again later.")
			return
		}
		req.Message = msg
		req.Log = req.Log.With(logx.String("cmd", cmd.name))
		if !r.allowed(cmd.access, req) {
			r.reply(jctx, msg.ChatID, "You are not allowed to do that.")
			return
		}
		if err := cmd.handle(jctx, req); err != nil {
			req.Log.Error("command failed", logx.Err(err))
			r.reply(jctx, msg.ChatID, "Something went wrong, try again later.")
		}
	})
}

func (r *Router) enqueue(ctx context.Context, chatID int64, job func(ctx context.Context)) {
	wrapped := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in handler",
					logx.Int64("chat_id", chatID),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())))
			}
		}()
		job(ctx)
	}
	select {
	case r.jobs <- wrapped:
	default:
		r.log.Warn("handler queue full, dropping update", logx.Int64("chat_id", chatID))
		r.reply(ctx, chatID, "Busy, try again.")
	}
}

// buildRequest ensures the sender exists in storage and resolves their
// effective role. Configured super admins outrank their stored role.
func (r *Router) buildRequest(ctx context.Context, fromID, chatID int64, username string, args []string) (*Request, error) {
	u, err := r.deps.Store.EnsureUser(ctx, fromID, username)
	if err != nil {
		return nil, err
	}
	if r.isSuperAdmin(fromID) && u.Role != storage.RoleSuperAdmin {
		u.Role = storage.RoleSuperAdmin
	}
	return &Request{
		Chat:   transport.ChatTarget{ChatID: chatID},
		FromID: fromID,
		User:   u,
		Args:   args,
		Log: r.log.With(
			logx.Int64("chat_id", chatID),
			logx.Int64("from_id", fromID)),
	}, nil
}

func (r *Router) allowed(a Access, req *Request) bool {
	switch a {
	case AccessEveryone:
		return true
	case AccessAdmin:
		return req.User.Role.IsAdmin()
	default:
		return req.User.Role == storage.RoleSuperAdmin
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	_, err := r.deps.Adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (r *Router) publishMenu(ctx context.Context) {
	mu, ok := r.deps.Adapter.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	var cmds []transport.BotCommand
	for _, name := range commandOrder {
		c := r.cmds[name]
		if !c.menu {
			continue
		}
		cmds = append(cmds, transport.BotCommand{Command: c.name, Description: c.description})
	}
	if err := mu.UpdateMenuCommands(ctx, cmds); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}
