// Package adapter implements transport.Adapter on top of telebot.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chanpost/internal/runtime/supervisor"
	kit "chanpost/internal/transport"
	"chanpost/pkg/logx"
)

type Config struct {
	Token string
	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL      string
	PollTimeout time.Duration
	// RequestTimeout bounds every Bot API request. It is raised to stay above
	// PollTimeout so long polls are not cut short.
	RequestTimeout time.Duration
	// MaxDownloadBytes caps DownloadFile. Zero means 20 MiB.
	MaxDownloadBytes int64
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = 20 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.RequestTimeout = max(cfg.RequestTimeout, cfg.PollTimeout+10*time.Second)
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client: &http.Client{Timeout: cfg.RequestTimeout},
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's goroutine supervisor, nil when stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m)})
		}
		return nil
	}
	for _, ev := range []string{tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnAnimation} {
		a.bot.Handle(ev, onMessage)
	}

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
			},
		})
		return nil
	})
}

func toMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{ID: m.ID, Text: m.Text, IsPrivate: m.Private()}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	switch {
	case m.Animation != nil:
		out.MediaKind, out.MediaFileID = kit.MediaAnimation, m.Animation.FileID
	case m.Video != nil:
		out.MediaKind, out.MediaFileID = kit.MediaVideo, m.Video.FileID
	case m.Photo != nil:
		out.MediaKind, out.MediaFileID = kit.MediaPhoto, m.Photo.FileID
	}
	if out.MediaKind != "" && out.Text == "" {
		out.Text = m.Caption
	}
	return out
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks longer than two seconds or the ctx deadline, whichever
// is shorter.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

type usernameRecipient string

func (u usernameRecipient) Recipient() string { return string(u) }

func recipient(to kit.ChatTarget) tele.Recipient {
	if u := strings.TrimSpace(to.Username); u != "" {
		if !strings.HasPrefix(u, "@") {
			u = "@" + u
		}
		return usernameRecipient(u)
	}
	return &tele.Chat{ID: to.ChatID}
}

func sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if len(opt.Keyboard) > 0 {
		rm := &tele.ReplyMarkup{}
		for _, row := range opt.Keyboard {
			btns := make([]tele.InlineButton, 0, len(row))
			for _, b := range row {
				if b.URL != "" {
					btns = append(btns, tele.InlineButton{Text: b.Text, URL: b.URL})
				} else {
					btns = append(btns, tele.InlineButton{Text: b.Text, Data: b.Data})
				}
			}
			rm.InlineKeyboard = append(rm.InlineKeyboard, btns)
		}
		so.ReplyMarkup = rm
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)
	rcpt := recipient(to)

	var first kit.MessageRef
	for i, chunk := range chunks {
		so := sendOptions(opt)
		// The keyboard goes under the last chunk.
		if i != len(chunks)-1 {
			so.ReplyMarkup = nil
		}
		msg, err := call(ctx, func() (*tele.Message, error) { return a.bot.Send(rcpt, chunk, so) })
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, m kit.Media, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var file tele.File
	switch {
	case m.Reader != nil:
		file = tele.FromReader(m.Reader)
	case m.FileID != "":
		file = tele.File{FileID: m.FileID}
	default:
		return kit.MessageRef{}, errors.New("media has neither data nor file id")
	}

	var what tele.Sendable
	switch m.Kind {
	case kit.MediaPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case kit.MediaVideo:
		what = &tele.Video{File: file, Caption: caption, FileName: m.FileName}
	case kit.MediaAnimation:
		what = &tele.Animation{File: file, Caption: caption, FileName: m.FileName}
	default:
		return kit.MessageRef{}, fmt.Errorf("unsupported media kind %q", m.Kind)
	}

	msg, err := call(ctx, func() (*tele.Message, error) { return a.bot.Send(recipient(to), what, sendOptions(opt)) })
	if err != nil {
		return kit.MessageRef{}, mapError(err)
	}
	return kit.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}, nil
}

// EditText replaces the text and keyboard of a sent message. Overflow beyond
// the first chunk is sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)
	msg := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := call(ctx, func() (*tele.Message, error) { return a.bot.Edit(msg, chunks[0], sendOptions(opt)) })
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return mapError(err)
	}
	if len(chunks) == 1 {
		return nil
	}
	rest := strings.Join(chunks[1:], "\n")
	var plain *kit.SendOptions
	if opt != nil {
		plain = &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview}
	}
	_, err = a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID}, rest, plain)
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	})
	return err
}

func (a *Adapter) chat(ctx context.Context, to kit.ChatTarget) (*tele.Chat, error) {
	c, err := call(ctx, func() (*tele.Chat, error) {
		if u := strings.TrimSpace(to.Username); u != "" {
			if !strings.HasPrefix(u, "@") {
				u = "@" + u
			}
			return a.bot.ChatByUsername(u)
		}
		return a.bot.ChatByID(to.ChatID)
	})
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

func (a *Adapter) ResolveChat(ctx context.Context, to kit.ChatTarget) (kit.ChatInfo, error) {
	c, err := a.chat(ctx, to)
	if err != nil {
		return kit.ChatInfo{}, err
	}
	return kit.ChatInfo{ID: c.ID, Title: c.Title, Username: c.Username, Type: string(c.Type)}, nil
}

// AdminStatus reports the bot's own membership status in chat. A chat the bot
// was removed from is RoleLeft, not an error.
func (a *Adapter) AdminStatus(ctx context.Context, to kit.ChatTarget) (kit.MemberStatus, error) {
	c, err := a.chat(ctx, to)
	if err != nil {
		return "", err
	}
	mem, err := call(ctx, func() (*tele.ChatMember, error) { return a.bot.ChatMemberOf(c, a.bot.Me) })
	if err != nil {
		if isNotMember(err) {
			return kit.RoleLeft, nil
		}
		return "", mapError(err)
	}
	return kit.MemberStatus(mem.Role), nil
}

func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return call(ctx, func() ([]byte, error) {
		rc, err := a.bot.File(&tele.File{FileID: fileID})
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, a.cfg.MaxDownloadBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > a.cfg.MaxDownloadBytes {
			return nil, fmt.Errorf("file exceeds %d bytes", a.cfg.MaxDownloadBytes)
		}
		return data, nil
	})
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" || len(list) >= 100 {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if _, err := call(ctx, func() (struct{}, error) { return struct{}{}, a.bot.SetCommands(list) }); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// call runs a blocking Bot API call and returns as soon as ctx ends. telebot
// requests take no context, so an abandoned call keeps running until the
// HTTP client timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("telegram call panicked: %v", r)}
			}
		}()
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrChatNotFound) || strings.Contains(strings.ToLower(err.Error()), "chat not found") {
		return fmt.Errorf("%w: %v", kit.ErrChatNotFound, err)
	}
	return err
}

func isNotMember(err error) bool {
	s := strings.ToLower(err.Error())
	for _, frag := range []string{"not a member", "was kicked", "user not found", "member list is inaccessible"} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}
