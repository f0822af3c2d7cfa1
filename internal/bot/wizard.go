package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chanpost/internal/compose"
	"chanpost/internal/post"
	"chanpost/internal/transport"
	"chanpost/pkg/logx"
	"chanpost/pkg/tgui"
)

func (b *Bot) cmdNewPost(ctx context.Context, req *Request) error {
	b.sessions.start(req.OperatorID, stepAttachment)
	l := tgui.Lines{}
	l.Add(tgui.B("🎨 Create New Post")).Blank().
		Add(tgui.B("📸 Step 1:") + " Send me the thumbnail (photo, video or GIF)").
		Text("or tap Skip if you don't want one.")
	b.show(ctx, req, l.String(), transport.Column(btn("⏭️ Skip Thumbnail", "np:skip")))
	return nil
}

func (b *Bot) cmdSkip(ctx context.Context, req *Request) error {
	s := b.sessions.get(req.OperatorID)
	if s == nil {
		b.reply(ctx, req, "Nothing to skip. Use /newpost to start.")
		return nil
	}
	switch s.step {
	case stepAttachment:
		s.content.Attachment = nil
		s.step = stepLink
		b.show(ctx, req, "⏭️ Thumbnail skipped!\n\n"+string(tgui.B("🔗 Step 2:"))+" Send me the video link (URL)", nil)
	case stepInstructions:
		s.content.InstructionsURL, s.content.InstructionsText = "", ""
		b.show(ctx, req, "⏭️ Instructions skipped!", nil)
		b.askMode(ctx, req, s)
	default:
		b.reply(ctx, req, "This step cannot be skipped.")
	}
	return nil
}

func (b *Bot) inputAttachment(ctx context.Context, req *Request, s *session) error {
	m := req.Message
	kind := post.AttachmentKind(m.MediaKind)
	if m.MediaFileID == "" || !kind.Valid() {
		b.reply(ctx, req, "❌ Please send a photo, video or GIF, or use /skip.")
		return nil
	}
	s.content.Attachment = b.deps.Composer.PrepareAttachment(ctx, kind, m.MediaFileID)
	s.step = stepLink
	b.reply(ctx, req, "✅ Thumbnail saved!\n\n"+string(tgui.B("🔗 Step 2:"))+" Now send me the video link (URL)")
	return nil
}

func (b *Bot) inputLink(ctx context.Context, req *Request, s *session) error {
	link := trimInput(req.Message.Text)
	if !post.IsHTTPURL(link) {
		b.reply(ctx, req, "❌ Please send a valid URL starting with http:// or https://")
		return nil
	}
	s.content.LinkURL = link
	s.step = stepInstructions
	l := tgui.Lines{}
	l.Text("✅ Video link saved!").Blank().
		Add(tgui.B("📋 Step 3:") + " Send me the 'How to Open' link or instructions").
		Text("(a link becomes clickable text in the post)").
		Text("or tap Skip if not needed.")
	b.replyKB(ctx, req, l.String(), transport.Column(btn("⏭️ Skip Instructions", "np:skip")))
	return nil
}

func (b *Bot) inputInstructions(ctx context.Context, req *Request, s *session) error {
	link, text := compose.ClassifyInstructions(req.Message.Text)
	if link == "" && text == "" {
		b.reply(ctx, req, "Send the instructions as text or a link, or use /skip.")
		return nil
	}
	s.content.InstructionsURL, s.content.InstructionsText = link, text
	b.askMode(ctx, req, s)
	return nil
}

func (b *Bot) askMode(ctx context.Context, req *Request, s *session) {
	s.step = stepMode
	if b.deps.Renderer != nil {
		preview := tgui.B("👀 Preview").String() + "\n\n" + b.deps.Renderer.Render(s.content)
		b.reply(ctx, req, preview)
	}
	b.replyKB(ctx, req, tgui.B("📤 How do you want to post?").String(), transport.Column(
		btn("📤 Post Now", "np:now"),
		btn("⏰ Schedule Post", "np:sched"),
		btn("🔙 Cancel", "np:cancel"),
	))
}

func (b *Bot) activeAt(ctx context.Context, req *Request, want ...step) *session {
	s := b.sessions.get(req.OperatorID)
	if s != nil {
		for _, w := range want {
			if s.step == w {
				return s
			}
		}
	}
	b.show(ctx, req, "This draft has expired. Use /newpost to start again.", nil)
	return nil
}

func (b *Bot) cbPostNow(ctx context.Context, req *Request, _ string) error {
	s := b.activeAt(ctx, req, stepMode)
	if s == nil {
		return nil
	}
	s.immediate = true
	s.at = nil
	return b.showSelection(ctx, req, s)
}

func (b *Bot) cbSchedule(ctx context.Context, req *Request, _ string) error {
	s := b.activeAt(ctx, req, stepMode, stepTime)
	if s == nil {
		return nil
	}
	s.immediate = false
	s.step = stepTime
	loc := b.deps.Composer.Location()
	now := b.deps.Composer.Now()

	row := make([]transport.Button, 0, 3)
	var kb [][]transport.Button
	for _, h := range compose.QuickHours {
		row = append(row, btn(fmt.Sprintf("⏱ %dh", h), "np:quick:"+strconv.Itoa(h)))
		if len(row) == 3 {
			kb = append(kb, row)
			row = make([]transport.Button, 0, 3)
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	kb = append(kb, []transport.Button{btn("🔙 Cancel", "np:cancel")})

	l := tgui.Lines{}
	l.Add(tgui.B("⏰ Schedule Post")).Blank().
		Text("Pick a quick option, or send a date and time as").
		Add(tgui.Code("DD-MM-YYYY HH:MM")).
		Blank().
		Textf("Example: %s (%s)", now.Add(time.Hour).Format(compose.CustomTimeLayout), loc.String())
	b.show(ctx, req, l.String(), kb)
	return nil
}

func (b *Bot) cbQuick(ctx context.Context, req *Request, payload string) error {
	s := b.activeAt(ctx, req, stepTime)
	if s == nil {
		return nil
	}
	at, ok := compose.ParseQuickOffset(payload, b.deps.Composer.Now())
	if !ok {
		b.reply(ctx, req, "❌ Unknown option.")
		return nil
	}
	s.at = &at
	return b.showSelection(ctx, req, s)
}

func (b *Bot) inputTime(ctx context.Context, req *Request, s *session) error {
	now := b.deps.Composer.Now()
	at, ok := compose.ParseQuickOffset(req.Message.Text, now)
	if !ok {
		var err error
		at, err = compose.ParseScheduleTime(req.Message.Text, b.deps.Composer.Location(), now)
		if err != nil {
			l := tgui.Lines{}
			l.Textf("❌ %v", err).Text("Use the format DD-MM-YYYY HH:MM, for example").
				Add(tgui.Code(now.Add(time.Hour).Format(compose.CustomTimeLayout)))
			b.reply(ctx, req, l.String())
			return nil
		}
	}
	s.at = &at
	return b.showSelection(ctx, req, s)
}

func (b *Bot) showSelection(ctx context.Context, req *Request, s *session) error {
	s.step = stepChannels
	dests, err := b.deps.Store.ListDestinations(ctx, req.OperatorID)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	if len(dests) == 0 {
		l := tgui.Lines{}
		l.Add(tgui.B("📺 No channels yet")).Blank().
			Text("Add one first. The bot must be an admin of the channel.")
		b.show(ctx, req, l.String(), transport.Column(btn("➕ Add Channel", "np:add"), btn("🔙 Cancel", "np:cancel")))
		return nil
	}

	known := make(map[string]bool, len(dests))
	var kb [][]transport.Button
	for _, d := range dests {
		known[d.ID] = true
		mark := "⬜"
		if s.sel.Has(d.ID) {
			mark = "✅"
		}
		kb = append(kb, []transport.Button{btn(mark+" "+tgui.TruncRunes(d.Label, 40), "np:toggle:"+d.ID)})
	}
	// Entries removed in the meantime must not stay selected.
	for _, id := range s.sel.IDs() {
		if !known[id] {
			s.sel.Toggle(id)
		}
	}
	if s.sel.Len() == len(dests) {
		kb = append(kb, []transport.Button{btn("❌ Deselect All", "np:none")})
	} else {
		kb = append(kb, []transport.Button{btn("✅ Select All", "np:all")})
	}
	kb = append(kb, []transport.Button{btn("➕ Add New Channel", "np:add")})
	if s.sel.Len() > 0 {
		label := "✔️ Confirm & Post"
		if !s.immediate {
			label = "✔️ Confirm & Schedule"
		}
		kb = append(kb, []transport.Button{btn(label, "np:confirm")})
	}
	kb = append(kb, []transport.Button{btn("🔙 Cancel", "np:cancel")})

	l := tgui.Lines{}
	l.Add(tgui.B("📺 Select Channels")).Blank()
	if s.immediate {
		l.Text("Mode: post now")
	} else if s.at != nil {
		l.Textf("Mode: scheduled for %s", b.formatTime(*s.at))
	}
	l.Textf("Selected: %d of %d", s.sel.Len(), len(dests))
	b.show(ctx, req, l.String(), kb)
	return nil
}

func (b *Bot) cbToggle(ctx context.Context, req *Request, entryID string) error {
	s := b.activeAt(ctx, req, stepChannels)
	if s == nil {
		return nil
	}
	s.sel.Toggle(entryID)
	return b.showSelection(ctx, req, s)
}

func (b *Bot) cbSelectAll(ctx context.Context, req *Request, _ string) error {
	s := b.activeAt(ctx, req, stepChannels)
	if s == nil {
		return nil
	}
	dests, err := b.deps.Store.ListDestinations(ctx, req.OperatorID)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	ids := make([]string, 0, len(dests))
	for _, d := range dests {
		ids = append(ids, d.ID)
	}
	s.sel.SetAll(ids)
	return b.showSelection(ctx, req, s)
}

func (b *Bot) cbSelectNone(ctx context.Context, req *Request, _ string) error {
	s := b.activeAt(ctx, req, stepChannels)
	if s == nil {
		return nil
	}
	s.sel.Clear()
	return b.showSelection(ctx, req, s)
}

func (b *Bot) cbConfirm(ctx context.Context, req *Request, _ string) error {
	s := b.activeAt(ctx, req, stepChannels)
	if s == nil {
		return nil
	}
	if s.sel.Len() == 0 {
		b.reply(ctx, req, "Select at least one channel.")
		return nil
	}
	b.show(ctx, req, "⏳ Processing your post...", nil)

	rep, err := b.deps.Composer.Submit(ctx, s.draft(req.OperatorID))
	var ve *post.ValidationError
	switch {
	case errors.Is(err, compose.ErrNoValidDestination):
		l := tgui.Lines{}
		l.Add(tgui.B("❌ The bot is not an admin in any selected channel!")).Blank().
			Text("Make sure the bot is an admin with permission to post, then confirm again.")
		b.reply(ctx, req, l.String())
		return b.showSelection(ctx, req, s)
	case errors.As(err, &ve) && ve.Field == "scheduled_for":
		b.reply(ctx, req, tgui.Esc("❌ "+ve.Error()+". Pick a new time.").String())
		s.step = stepTime
		return b.cbSchedule(ctx, req, "")
	case err != nil && len(rep.Items) == 0:
		b.reply(ctx, req, tgui.Esc("❌ "+err.Error()).String())
		return nil
	case err != nil:
		b.log.Error("submit finished with storage errors", logx.Int64("operator", req.OperatorID), logx.Err(err))
	}

	b.sessions.drop(req.OperatorID)
	b.reply(ctx, req, b.reportText(rep))
	return nil
}

func (b *Bot) reportText(rep compose.Report) string {
	l := tgui.Lines{}
	if rep.Immediate {
		l.Add(tgui.B(fmt.Sprintf("✅ Post sent to %d channel(s)!", rep.Count(compose.StatePosted))))
	} else {
		l.Add(tgui.B("✅ Post scheduled!")).Blank()
		if rep.ScheduledFor != nil {
			l.Textf("📅 %s", b.formatTime(*rep.ScheduledFor))
		}
		l.Textf("📺 Channels: %d", rep.Count(compose.StateScheduled))
	}

	var problems []compose.ReportItem
	for _, it := range rep.Items {
		switch it.State {
		case compose.StateFailed, compose.StateUnauthorized, compose.StateMissing:
			problems = append(problems, it)
		}
	}
	if len(problems) > 0 {
		l.Blank().Add(tgui.B("⚠️ Skipped or failed:"))
		for _, it := range problems {
			name := it.Destination.Label
			if name == "" {
				name = it.Destination.DestinationID
			}
			if name == "" {
				name = it.EntryID
			}
			l.Textf("• %s: %s", name, it.Error)
		}
	}
	l.Blank().Text("Use /newpost to create another post.")
	return l.String()
}

func (b *Bot) formatTime(t time.Time) string {
	return t.In(b.deps.Composer.Location()).Format("02 Jan 2006, 03:04 PM MST")
}
