// Package bot is the operator-facing command surface: channel registration,
// the /newpost wizard and the scheduled/history listings.
package bot

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chanpost/internal/compose"
	"chanpost/internal/post"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.String("cmd", req.Command),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int64("operator", req.OperatorID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				log.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				log.Info("request ok", fields...)
			default:
				log.Debug("request ok", fields...)
			}
			return err
		}
	}
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handle      HandlerFunc
}

// CallbackFunc handles an inline button press. Callback data has the form
// "namespace:action[:payload]".
type CallbackFunc func(ctx context.Context, req *Request, payload string) error

type Request struct {
	Update     transport.Update
	Chat       transport.ChatTarget
	OperatorID int64
	Command    string
	Args       []string
	Message    *transport.Message
	Callback   *transport.Callback
	ReqID      string
}

// Messenger is the part of the transport the bot talks through.
type Messenger interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	ResolveChat(ctx context.Context, chat transport.ChatTarget) (transport.ChatInfo, error)
}

type Composer interface {
	Submit(ctx context.Context, d compose.Draft) (compose.Report, error)
	PrepareAttachment(ctx context.Context, kind post.AttachmentKind, fileID string) *post.Attachment
	Location() *time.Location
	Now() time.Time
}

type Store interface {
	storage.PostStore
	storage.DestinationStore
}

type Checker interface {
	Check(ctx context.Context, dest string) verify.Result
}

type Renderer interface {
	Render(c post.Content) string
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	SessionTTL     time.Duration
	ListLimit      int
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 60 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 10
	}
	return c
}

type Deps struct {
	Messenger Messenger
	Composer  Composer
	Store     Store
	Verifier  Checker
	Renderer  Renderer
	Clock     func() time.Time
	Log       logx.Logger
}

type Bot struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	commands  map[string]*Command
	menu      []Command
	callbacks map[string]CallbackFunc
	sessions  *sessions

	reqSeq uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, deps Deps) *Bot {
	cfg = cfg.normalize()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	b := &Bot{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackFunc{},
		sessions:  newSessions(cfg.SessionTTL, deps.Clock),
	}
	b.register()
	return b
}

func (b *Bot) addCommand(c Command) {
	cc := c
	b.commands[c.Name] = &cc
	for _, a := range c.Aliases {
		b.commands[a] = &cc
	}
	b.menu = append(b.menu, cc)
}

func (b *Bot) addCallback(ns, action string, fn CallbackFunc) {
	b.callbacks[ns+":"+action] = fn
}

// MenuCommands lists the commands for the platform's command menu.
func (b *Bot) MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(b.menu))
	for _, c := range b.menu {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Supervisor returns the dispatcher supervisor, nil when not running.
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.sup
}

// Run dispatches updates until ctx is done or updates is closed. Updates of
// one operator always land on the same worker, so a wizard session is never
// touched by two goroutines at once.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "bot.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	b.runMu.Lock()
	b.sup = sup
	b.runMu.Unlock()

	shards := make([]chan func(), b.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan func(), b.cfg.QueueSize)
		jobs := shards[i]
		sup.Go0("bot.worker."+strconv.Itoa(i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					b.runJob(job)
				}
			}
		})
	}

	sup.Go0("bot.sessions.sweep", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := b.sessions.sweep(); n > 0 {
					b.log.Debug("expired wizard sessions dropped", logx.Int("count", n))
				}
			}
		}
	})

	if up, ok := b.deps.Messenger.(transport.CommandMenuUpdater); ok {
		sup.Go0("bot.menu.update", func(c context.Context) {
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, b.MenuCommands()); err != nil {
				b.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	b.log.Info("bot dispatcher started", logx.Int("workers", len(shards)))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.runMu.Lock()
		b.sup = nil
		b.runMu.Unlock()
		b.log.Info("bot dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			op := operatorOf(up)
			jobs := shards[shardFor(op, len(shards))]
			select {
			case jobs <- func() { b.Handle(ctx, up) }:
			default:
				b.log.Warn("bot queue full, update dropped", logx.Int64("operator", op))
				if up.Callback != nil {
					_ = b.deps.Messenger.AnswerCallback(ctx, up.Callback.ID, "busy, try again")
				}
			}
		}
	}
}

func (b *Bot) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in bot job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func operatorOf(up transport.Update) int64 {
	switch {
	case up.Message != nil:
		return up.Message.FromID
	case up.Callback != nil:
		return up.Callback.FromID
	}
	return 0
}

func shardFor(op int64, n int) int {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(op, 10)))
	return int(h.Sum32() % uint32(n))
}

// Handle processes a single update synchronously.
func (b *Bot) Handle(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			b.handleMessage(ctx, up)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			b.handleCallback(ctx, up)
		}
	}
}

func (b *Bot) newRequest(up transport.Update) *Request {
	req := &Request{Update: up, ReqID: strconv.FormatUint(atomic.AddUint64(&b.reqSeq, 1), 36)}
	if m := up.Message; m != nil {
		req.Message = m
		req.OperatorID = m.FromID
		req.Chat = transport.ChatTarget{ChatID: m.ChatID}
	}
	if cb := up.Callback; cb != nil {
		req.Callback = cb
		req.OperatorID = cb.FromID
		req.Chat = transport.ChatTarget{ChatID: cb.ChatID}
	}
	return req
}

func (b *Bot) run(ctx context.Context, req *Request, h HandlerFunc) {
	final := Chain(h,
		MWPanicRecover(b.log),
		MWRequestLog(b.log.With(logx.String("rid", req.ReqID))),
		MWTimeout(b.cfg.CommandTimeout),
	)
	if err := final(ctx, req); err != nil {
		b.reply(ctx, req, "❌ Something went wrong. Please try again.")
	}
}

func (b *Bot) handleMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	if !msg.IsPrivate {
		return
	}
	req := b.newRequest(up)
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") && msg.MediaKind == "" {
		fields := strings.Fields(text)
		name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		cmd, ok := b.commands[name]
		if !ok {
			b.reply(ctx, req, "Unknown command. Try /help")
			return
		}
		req.Command = cmd.Name
		req.Args = fields[1:]
		b.run(ctx, req, cmd.Handle)
		return
	}

	req.Command = "input"
	b.run(ctx, req, b.onInput)
}

func (b *Bot) handleCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) < 2 {
		_ = b.deps.Messenger.AnswerCallback(ctx, cb.ID, "")
		return
	}
	key := parts[0] + ":" + parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}
	fn, ok := b.callbacks[key]
	if !ok {
		_ = b.deps.Messenger.AnswerCallback(ctx, cb.ID, "This button has expired.")
		return
	}
	req := b.newRequest(up)
	req.Command = "cb:" + key
	b.run(ctx, req, func(ctx context.Context, r *Request) error { return fn(ctx, r, payload) })
	// Stops the client's loading spinner; handlers that need a toast answer first.
	_ = b.deps.Messenger.AnswerCallback(ctx, cb.ID, "")
}

func htmlOpts(kb [][]transport.Button) *transport.SendOptions {
	return &transport.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb}
}

func (b *Bot) reply(ctx context.Context, req *Request, html string) {
	b.replyKB(ctx, req, html, nil)
}

func (b *Bot) replyKB(ctx context.Context, req *Request, html string, kb [][]transport.Button) {
	if _, err := b.deps.Messenger.SendText(ctx, req.Chat, html, htmlOpts(kb)); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat", req.Chat.ChatID), logx.Err(err))
	}
}

// show edits the pressed message for callbacks and sends a new one otherwise.
func (b *Bot) show(ctx context.Context, req *Request, html string, kb [][]transport.Button) {
	if cb := req.Callback; cb != nil && cb.MessageID != 0 {
		ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
		if err := b.deps.Messenger.EditText(ctx, ref, html, htmlOpts(kb)); err == nil {
			return
		}
	}
	b.replyKB(ctx, req, html, kb)
}

func btn(text, data string) transport.Button { return transport.Button{Text: text, Data: data} }
