package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chanpost/internal/post"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
	"chanpost/pkg/tgui"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

func trimInput(s string) string { return strings.TrimSpace(s) }

// parseChannelRef accepts a numeric chat id, an @username, a bare username
// or a public t.me link.
func parseChannelRef(s string) (transport.ChatTarget, error) {
	s = trimInput(s)
	if s == "" {
		return transport.ChatTarget{}, errors.New("empty channel reference")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return transport.ChatTarget{ChatID: id}, nil
	}

	name := s
	low := strings.ToLower(s)
	for _, p := range []string{"https://", "http://"} {
		low = strings.TrimPrefix(low, p)
	}
	if strings.HasPrefix(low, "t.me/") || strings.HasPrefix(low, "telegram.me/") {
		name = s[strings.Index(strings.ToLower(s), "me/")+3:]
		if i := strings.IndexAny(name, "?/#"); i >= 0 {
			name = name[:i]
		}
		if strings.HasPrefix(name, "+") || strings.EqualFold(name, "joinchat") {
			return transport.ChatTarget{}, errors.New("private invite links cannot be resolved; send the channel id instead")
		}
	}
	name = strings.TrimPrefix(name, "@")
	if !usernameRe.MatchString(name) {
		return transport.ChatTarget{}, fmt.Errorf("%q is not a channel id, @username or t.me link", s)
	}
	return transport.ChatTarget{Username: "@" + name}, nil
}

func (b *Bot) cmdChannels(ctx context.Context, req *Request) error {
	dests, err := b.deps.Store.ListDestinations(ctx, req.OperatorID)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	if len(dests) == 0 {
		l := tgui.Lines{}
		l.Add(tgui.B("📺 No channels")).Blank().
			Text("Register one with /addchannel. The bot must be an admin of the channel.")
		b.show(ctx, req, l.String(), transport.Column(btn("🔙 Back to Menu", "menu:home")))
		return nil
	}

	l := tgui.Lines{}
	l.Add(tgui.B(fmt.Sprintf("📺 Your Channels (%d)", len(dests)))).Blank()
	kb := make([][]transport.Button, 0, len(dests)+1)
	for i, d := range dests {
		l.Add(tgui.Esc(fmt.Sprintf("%d. ", i+1)) + tgui.B(d.Label))
		var handle tgui.H
		if d.Username != "" {
			handle = tgui.Esc("@" + d.Username)
		}
		l.Add("   " + tgui.JoinH(" · ", "🆔 "+tgui.Code(d.DestinationID), handle))
		kb = append(kb, []transport.Button{btn(fmt.Sprintf("🗑️ Remove %d", i+1), "ch:rm:"+d.ID)})
	}
	kb = append(kb, []transport.Button{btn("🔙 Back to Menu", "menu:home")})
	b.show(ctx, req, l.String(), kb)
	return nil
}

func (b *Bot) cmdAddChannel(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		_, err := b.addChannel(ctx, req, strings.Join(req.Args, " "))
		return err
	}
	switch s := b.sessions.get(req.OperatorID); {
	case s == nil:
		b.sessions.start(req.OperatorID, stepAddChannel)
	case s.step == stepChannels:
		s.resume = stepChannels
		s.step = stepAddChannel
	case s.step != stepAddChannel:
		b.reply(ctx, req, "Finish the current post first, or /cancel it.")
		return nil
	}
	l := tgui.Lines{}
	l.Add(tgui.B("➕ Add Channel")).Blank().
		Text("Send the channel as one of:").
		Add("• " + tgui.Code("-1001234567890")).
		Add("• " + tgui.Code("@channelname")).
		Add("• " + tgui.Code("https://t.me/channelname")).
		Blank().
		Text("The bot must already be an admin with permission to post.")
	b.show(ctx, req, l.String(), transport.Column(btn("🔙 Cancel", "np:cancel")))
	return nil
}

func (b *Bot) inputChannel(ctx context.Context, req *Request, s *session) error {
	ok, err := b.addChannel(ctx, req, req.Message.Text)
	if err != nil || !ok {
		return err
	}
	if s.resume == stepChannels {
		s.resume = stepNone
		return b.showSelection(ctx, req, s)
	}
	b.sessions.drop(req.OperatorID)
	return nil
}

// addChannel resolves, verifies and registers a channel. It reports false
// with a user-facing reply for every expected rejection.
func (b *Bot) addChannel(ctx context.Context, req *Request, input string) (bool, error) {
	target, err := parseChannelRef(input)
	if err != nil {
		b.reply(ctx, req, tgui.Esc("❌ "+err.Error()).String())
		return false, nil
	}
	info, err := b.deps.Messenger.ResolveChat(ctx, target)
	if err != nil {
		l := tgui.Lines{}
		l.Add(tgui.B("❌ Could not find that channel.")).Blank().
			Text("Check the id or username and make sure the bot was added to the channel.")
		if !errors.Is(err, transport.ErrChatNotFound) {
			b.log.Warn("resolve chat failed", logx.String("input", input), logx.Err(err))
		}
		b.reply(ctx, req, l.String())
		return false, nil
	}

	destID := strconv.FormatInt(info.ID, 10)
	name := info.Title
	if name == "" && info.Username != "" {
		name = "@" + info.Username
	}
	if name == "" {
		name = destID
	}

	switch b.deps.Verifier.Check(ctx, destID) {
	case verify.Authorized:
	case verify.Unauthorized:
		l := tgui.Lines{}
		l.Add(tgui.B("❌ The bot is not an admin in this channel!")).Blank().
			Textf("Channel: %s", name).
			Add("ID: " + tgui.Code(destID)).
			Blank().
			Text("Add the bot as an admin with 'Post Messages' permission and try again.")
		b.reply(ctx, req, l.String())
		return false, nil
	default:
		b.reply(ctx, req, "⚠️ Could not verify the bot's admin status right now. Please try again shortly.")
		return false, nil
	}

	_, err = b.deps.Store.AddDestination(ctx, post.Destination{
		OperatorID:    req.OperatorID,
		DestinationID: destID,
		Label:         name,
		Username:      info.Username,
	})
	var dup *post.DuplicateError
	switch {
	case errors.As(err, &dup):
		b.reply(ctx, req, tgui.Esc("⚠️ This channel is already added: "+name).String())
		return false, nil
	case err != nil:
		return false, fmt.Errorf("add destination: %w", err)
	}

	l := tgui.Lines{}
	l.Add(tgui.B("✅ Channel added!")).Blank().
		Textf("📺 %s", name).
		Add("🆔 " + tgui.Code(destID))
	b.reply(ctx, req, l.String())
	return true, nil
}

func (b *Bot) cmdRemoveChannel(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		b.reply(ctx, req, tgui.Esc("Usage: /removechannel <number | @username | id>. See /channels.").String())
		return nil
	}
	dests, err := b.deps.Store.ListDestinations(ctx, req.OperatorID)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	d, ok := pickDestination(dests, req.Args[0])
	if !ok {
		b.reply(ctx, req, "❌ No such channel. See /channels.")
		return nil
	}
	if err := b.deps.Store.RemoveDestination(ctx, d.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove destination: %w", err)
	}
	b.reply(ctx, req, tgui.Esc("🗑️ Removed "+d.Label).String())
	return nil
}

func pickDestination(dests []post.Destination, arg string) (post.Destination, bool) {
	arg = trimInput(arg)
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(dests) && !strings.HasPrefix(arg, "-") {
		return dests[n-1], true
	}
	for _, d := range dests {
		if d.DestinationID == arg || d.ID == arg {
			return d, true
		}
		if d.Username != "" && strings.EqualFold("@"+d.Username, "@"+strings.TrimPrefix(arg, "@")) {
			return d, true
		}
	}
	return post.Destination{}, false
}

func (b *Bot) ownedDestination(ctx context.Context, req *Request, entryID string) (post.Destination, bool, error) {
	d, err := b.deps.Store.GetDestination(ctx, entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return post.Destination{}, false, nil
	}
	if err != nil {
		return post.Destination{}, false, fmt.Errorf("get destination: %w", err)
	}
	return d, d.OperatorID == req.OperatorID, nil
}

func (b *Bot) cbRemoveAsk(ctx context.Context, req *Request, entryID string) error {
	d, ok, err := b.ownedDestination(ctx, req, entryID)
	if err != nil {
		return err
	}
	if !ok {
		return b.cmdChannels(ctx, req)
	}
	l := tgui.Lines{}
	l.Add(tgui.B("🗑️ Remove this channel?")).Blank().
		Text(d.Label).
		Add("🆔 " + tgui.Code(d.DestinationID)).
		Blank().
		Text("Scheduled posts for it stay in place.")
	b.show(ctx, req, l.String(), transport.Column(
		btn("✅ Yes, Remove", "ch:rmok:"+d.ID),
		btn("❌ Cancel", "ch:list"),
	))
	return nil
}

func (b *Bot) cbRemoveConfirm(ctx context.Context, req *Request, entryID string) error {
	d, ok, err := b.ownedDestination(ctx, req, entryID)
	if err != nil {
		return err
	}
	if ok {
		if err := b.deps.Store.RemoveDestination(ctx, d.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("remove destination: %w", err)
		}
		_ = b.deps.Messenger.AnswerCallback(ctx, req.Callback.ID, "Channel removed")
	}
	return b.cmdChannels(ctx, req)
}
