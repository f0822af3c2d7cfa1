package bot

import (
	"context"

	"chanpost/internal/transport"
	"chanpost/pkg/tgui"
)

func (b *Bot) register() {
	b.addCommand(Command{Name: "start", Description: "main menu", Usage: "/start", Handle: b.cmdStart})
	b.addCommand(Command{Name: "help", Aliases: []string{"h"}, Description: "show help", Usage: "/help", Handle: b.cmdHelp})
	b.addCommand(Command{Name: "newpost", Aliases: []string{"new"}, Description: "create a post", Usage: "/newpost", Handle: b.cmdNewPost})
	b.addCommand(Command{Name: "skip", Description: "skip the current optional step", Usage: "/skip", Handle: b.cmdSkip})
	b.addCommand(Command{Name: "cancel", Description: "abort the current action", Usage: "/cancel", Handle: b.cmdCancel})
	b.addCommand(Command{Name: "channels", Description: "list your channels", Usage: "/channels", Handle: b.cmdChannels})
	b.addCommand(Command{Name: "addchannel", Description: "register a channel", Usage: "/addchannel <@username | -100id | t.me link>", Handle: b.cmdAddChannel})
	b.addCommand(Command{Name: "removechannel", Description: "unregister a channel", Usage: "/removechannel <number | @username | id>", Handle: b.cmdRemoveChannel})
	b.addCommand(Command{Name: "scheduled", Description: "upcoming posts", Usage: "/scheduled", Handle: b.cmdScheduled})
	b.addCommand(Command{Name: "history", Description: "posted history", Usage: "/history", Handle: b.cmdHistory})
	b.addCommand(Command{Name: "failed", Description: "failed posts", Usage: "/failed", Handle: b.cmdFailed})
	b.addCommand(Command{Name: "deletepost", Description: "delete a scheduled post", Usage: "/deletepost <number | id>", Handle: b.cmdDeletePost})

	b.addCallback("menu", "new", func(ctx context.Context, req *Request, _ string) error { return b.cmdNewPost(ctx, req) })
	b.addCallback("menu", "channels", func(ctx context.Context, req *Request, _ string) error { return b.cmdChannels(ctx, req) })
	b.addCallback("menu", "scheduled", func(ctx context.Context, req *Request, _ string) error { return b.cmdScheduled(ctx, req) })
	b.addCallback("menu", "history", func(ctx context.Context, req *Request, _ string) error { return b.cmdHistory(ctx, req) })
	b.addCallback("menu", "home", func(ctx context.Context, req *Request, _ string) error {
		b.show(ctx, req, welcomeText(), mainMenu())
		return nil
	})

	b.addCallback("np", "skip", func(ctx context.Context, req *Request, _ string) error { return b.cmdSkip(ctx, req) })
	b.addCallback("np", "cancel", func(ctx context.Context, req *Request, _ string) error { return b.cmdCancel(ctx, req) })
	b.addCallback("np", "now", b.cbPostNow)
	b.addCallback("np", "sched", b.cbSchedule)
	b.addCallback("np", "quick", b.cbQuick)
	b.addCallback("np", "toggle", b.cbToggle)
	b.addCallback("np", "all", b.cbSelectAll)
	b.addCallback("np", "none", b.cbSelectNone)
	b.addCallback("np", "add", func(ctx context.Context, req *Request, _ string) error { return b.cmdAddChannel(ctx, req) })
	b.addCallback("np", "confirm", b.cbConfirm)

	b.addCallback("ch", "list", func(ctx context.Context, req *Request, _ string) error { return b.cmdChannels(ctx, req) })
	b.addCallback("ch", "rm", b.cbRemoveAsk)
	b.addCallback("ch", "rmok", b.cbRemoveConfirm)

	b.addCallback("ps", "del", b.cbDeletePost)
}

func welcomeText() string {
	l := tgui.Lines{}
	l.Add(tgui.B("🎬 Channel Post Bot")).Blank().
		Text("• Create channel posts with an optional thumbnail").
		Text("• Post immediately or schedule for later").
		Text("• Manage multiple channels").
		Text("• Review scheduled posts and history").
		Blank().
		Text("👇 Choose an option below:")
	return l.String()
}

func mainMenu() [][]transport.Button {
	return transport.Column(
		btn("📝 Create New Post", "menu:new"),
		btn("📺 Manage Channels", "menu:channels"),
		btn("📊 View Scheduled Posts", "menu:scheduled"),
		btn("📜 Posted History", "menu:history"),
	)
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	b.sessions.drop(req.OperatorID)
	b.replyKB(ctx, req, welcomeText(), mainMenu())
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	l := tgui.Lines{}
	l.Add(tgui.B("Commands")).Blank()
	for _, c := range b.menu {
		l.Add(tgui.Code(c.Usage) + tgui.Esc(" - "+c.Description))
	}
	b.reply(ctx, req, l.String())
	return nil
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	if b.sessions.drop(req.OperatorID) {
		b.show(ctx, req, "❌ Cancelled. Use /start to begin again.", nil)
		return nil
	}
	b.reply(ctx, req, "Nothing to cancel.")
	return nil
}

// onInput routes free text and media to the active wizard step.
func (b *Bot) onInput(ctx context.Context, req *Request) error {
	s := b.sessions.get(req.OperatorID)
	if s == nil {
		b.reply(ctx, req, "Use /newpost to create a post or /help for all commands.")
		return nil
	}
	switch s.step {
	case stepAttachment:
		return b.inputAttachment(ctx, req, s)
	case stepLink:
		return b.inputLink(ctx, req, s)
	case stepInstructions:
		return b.inputInstructions(ctx, req, s)
	case stepTime:
		return b.inputTime(ctx, req, s)
	case stepAddChannel:
		return b.inputChannel(ctx, req, s)
	case stepMode, stepChannels:
		b.reply(ctx, req, "Please use the buttons above, or /cancel.")
	}
	return nil
}
