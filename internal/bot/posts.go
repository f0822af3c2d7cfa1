package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chanpost/internal/post"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	"chanpost/pkg/tgui"
)

func (b *Bot) listPosts(ctx context.Context, op int64, st post.Status, order storage.Order) ([]post.Record, error) {
	recs, err := b.deps.Store.ListPosts(ctx, storage.PostQuery{OperatorID: op, Status: st, Order: order, Limit: b.cfg.ListLimit})
	if err != nil {
		return nil, fmt.Errorf("list %s posts: %w", st, err)
	}
	return recs, nil
}

func label(r post.Record) string {
	if r.DestinationLabel != "" {
		return r.DestinationLabel
	}
	if r.DestinationID != "" {
		return r.DestinationID
	}
	return "Unknown"
}

func (b *Bot) cmdScheduled(ctx context.Context, req *Request) error {
	recs, err := b.listPosts(ctx, req.OperatorID, post.StatusScheduled, storage.Ascending)
	if err != nil {
		return err
	}
	back := []transport.Button{btn("🔙 Back to Menu", "menu:home")}
	if len(recs) == 0 {
		l := tgui.Lines{}
		l.Add(tgui.B("📅 No Scheduled Posts")).Blank().Text("You don't have any scheduled posts.")
		b.show(ctx, req, l.String(), [][]transport.Button{back})
		return nil
	}

	l := tgui.Lines{}
	l.Add(tgui.B(fmt.Sprintf("📅 Upcoming Scheduled Posts (%d)", len(recs)))).Blank()
	kb := make([][]transport.Button, 0, len(recs)+1)
	for i, r := range recs {
		l.Add(tgui.Esc(fmt.Sprintf("%d. ", i+1)) + tgui.B(label(r)))
		if r.ScheduledFor != nil {
			l.Textf("   ⏰ %s", b.formatTime(*r.ScheduledFor))
		}
		l.Add("   🔗 " + tgui.Esc(tgui.TruncRunes(r.Content.LinkURL, 60)))
		kb = append(kb, []transport.Button{btn(fmt.Sprintf("🗑️ Delete Post %d", i+1), "ps:del:"+r.ID)})
	}
	kb = append(kb, back)
	b.show(ctx, req, l.String(), kb)
	return nil
}

func (b *Bot) cmdHistory(ctx context.Context, req *Request) error {
	recs, err := b.listPosts(ctx, req.OperatorID, post.StatusPosted, storage.Descending)
	if err != nil {
		return err
	}
	back := [][]transport.Button{{btn("🔙 Back to Menu", "menu:home")}}
	l := tgui.Lines{}
	if len(recs) == 0 {
		l.Add(tgui.B("📜 No Posted History")).Blank().Text("You haven't posted anything yet.")
		b.show(ctx, req, l.String(), back)
		return nil
	}
	l.Add(tgui.B(fmt.Sprintf("📜 Posted History (last %d)", len(recs)))).Blank()
	for i, r := range recs {
		l.Add(tgui.Esc(fmt.Sprintf("%d. ", i+1)) + tgui.B(label(r)))
		if r.PostedAt != nil {
			l.Textf("   ✅ %s", b.formatTime(*r.PostedAt))
		}
	}
	b.show(ctx, req, l.String(), back)
	return nil
}

func (b *Bot) cmdFailed(ctx context.Context, req *Request) error {
	recs, err := b.listPosts(ctx, req.OperatorID, post.StatusFailed, storage.Descending)
	if err != nil {
		return err
	}
	l := tgui.Lines{}
	if len(recs) == 0 {
		l.Add(tgui.B("🎉 No Failed Posts"))
		b.reply(ctx, req, l.String())
		return nil
	}
	l.Add(tgui.B(fmt.Sprintf("⚠️ Failed Posts (last %d)", len(recs)))).Blank()
	for i, r := range recs {
		l.Add(tgui.Esc(fmt.Sprintf("%d. ", i+1)) + tgui.B(label(r)))
		if r.FailedAt != nil {
			l.Textf("   ❌ %s", b.formatTime(*r.FailedAt))
		}
		if r.LastError != "" {
			l.Add("   " + tgui.I(tgui.TruncRunes(r.LastError, 200)))
		}
	}
	b.reply(ctx, req, l.String())
	return nil
}

func (b *Bot) cmdDeletePost(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		b.reply(ctx, req, tgui.Esc("Usage: /deletepost <number | id>. Numbers follow /scheduled.").String())
		return nil
	}
	id := trimInput(req.Args[0])
	if n, err := strconv.Atoi(id); err == nil && !strings.HasPrefix(id, "-") {
		recs, err := b.listPosts(ctx, req.OperatorID, post.StatusScheduled, storage.Ascending)
		if err != nil {
			return err
		}
		if n < 1 || n > len(recs) {
			b.reply(ctx, req, "❌ No such scheduled post. See /scheduled.")
			return nil
		}
		id = recs[n-1].ID
	}
	msg, err := b.deleteScheduled(ctx, req.OperatorID, id)
	if err != nil {
		return err
	}
	b.reply(ctx, req, msg)
	return nil
}

// deleteScheduled removes one of the operator's pending posts. Posts that
// already left the scheduled state are kept as history.
func (b *Bot) deleteScheduled(ctx context.Context, op int64, id string) (string, error) {
	r, err := b.deps.Store.GetPost(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && r.OperatorID != op) {
		return "❌ No such scheduled post.", nil
	}
	if err != nil {
		return "", fmt.Errorf("get post: %w", err)
	}
	if r.Status != post.StatusScheduled {
		return "⚠️ That post is no longer scheduled (" + string(r.Status) + ").", nil
	}
	// A tick may claim the post between the read above and the delete.
	deleted, err := b.deps.Store.DeleteScheduled(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "❌ No such scheduled post.", nil
	case err != nil:
		return "", fmt.Errorf("delete post: %w", err)
	case !deleted:
		return "⚠️ That post is no longer scheduled.", nil
	}
	return "✅ Scheduled post deleted!", nil
}

func (b *Bot) cbDeletePost(ctx context.Context, req *Request, id string) error {
	msg, err := b.deleteScheduled(ctx, req.OperatorID, id)
	if err != nil {
		return err
	}
	_ = b.deps.Messenger.AnswerCallback(ctx, req.Callback.ID, msg)
	return b.cmdScheduled(ctx, req)
}
