package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/compose"
	"chanpost/internal/post"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

const operator = int64(42)

type sentMsg struct {
	chat int64
	text string
	opt  *transport.SendOptions
	edit bool
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sentMsg
	answers  []string
	chats    map[string]transport.ChatInfo
	resolveN int
}

func (f *fakeMessenger) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{chat: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeMessenger) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{chat: ref.ChatID, text: text, opt: opt, edit: true})
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) ResolveChat(_ context.Context, chat transport.ChatTarget) (transport.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveN++
	key := chat.Username
	if key == "" {
		key = strconv.FormatInt(chat.ChatID, 10)
	}
	info, ok := f.chats[key]
	if !ok {
		return transport.ChatInfo{}, transport.ErrChatNotFound
	}
	return info, nil
}

func (f *fakeMessenger) last() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMsg{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMessenger) anyContains(s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if strings.Contains(m.text, s) {
			return true
		}
	}
	return false
}

type stubVerifier map[string]verify.Result

func (s stubVerifier) Check(_ context.Context, dest string) verify.Result {
	if r, ok := s[dest]; ok {
		return r
	}
	return verify.Authorized
}

type stubDelivery struct {
	mu    sync.Mutex
	calls []post.Record
}

func (s *stubDelivery) Deliver(_ context.Context, r post.Record) post.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r)
	return post.Success(r.DestinationID)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	bot      *Bot
	msgr     *fakeMessenger
	store    storage.Store
	delivery *stubDelivery
	clock    *clock
	verifier stubVerifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)}
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop(), storage.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		msgr:     &fakeMessenger{chats: map[string]transport.ChatInfo{}},
		store:    st,
		delivery: &stubDelivery{},
		clock:    clk,
		verifier: stubVerifier{},
	}
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	comp := compose.New(compose.Config{Location: ist}, compose.Deps{
		Store: st, Verifier: h.verifier, Delivery: h.delivery, Clock: clk.Now, Log: logx.Nop(),
	})
	h.bot = New(Config{SessionTTL: 10 * time.Minute}, Deps{
		Messenger: h.msgr,
		Composer:  comp,
		Store:     st,
		Verifier:  h.verifier,
		Renderer:  post.DefaultTemplate(),
		Clock:     clk.Now,
		Log:       logx.Nop(),
	})
	return h
}

func (h *harness) text(s string) {
	h.bot.Handle(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 1, ChatID: operator, FromID: operator, Text: s, IsPrivate: true,
	}})
}

func (h *harness) press(data string) {
	h.bot.Handle(context.Background(), transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb", ChatID: operator, FromID: operator, MessageID: 7, Data: data,
	}})
}

func (h *harness) addDest(t *testing.T, destID, label string) post.Destination {
	t.Helper()
	d, err := h.store.AddDestination(context.Background(), post.Destination{OperatorID: operator, DestinationID: destID, Label: label})
	require.NoError(t, err)
	return d
}

func (h *harness) step() step {
	s := h.bot.sessions.get(operator)
	if s == nil {
		return stepNone
	}
	return s.step
}

func TestWizardPostNow(t *testing.T) {
	h := newHarness(t)
	d := h.addDest(t, "-1001", "Movies")

	h.text("/newpost")
	require.Equal(t, stepAttachment, h.step())
	h.text("/skip")
	require.Equal(t, stepLink, h.step())

	h.text("not a link")
	assert.Equal(t, stepLink, h.step())
	assert.Contains(t, h.msgr.last().text, "valid URL")

	h.text("https://example.com/v")
	require.Equal(t, stepInstructions, h.step())
	h.text("Open with VLC")
	require.Equal(t, stepMode, h.step())
	assert.True(t, h.msgr.anyContains("Open with VLC"), "preview is rendered")

	h.press("np:now")
	require.Equal(t, stepChannels, h.step())
	h.press("np:toggle:" + d.ID)
	last := h.msgr.last()
	assert.True(t, last.edit)
	assert.Contains(t, last.text, "Selected: 1 of 1")

	h.press("np:confirm")
	assert.Equal(t, stepNone, h.step(), "session ends after submit")
	require.Len(t, h.delivery.calls, 1)
	assert.Equal(t, "-1001", h.delivery.calls[0].DestinationID)
	assert.Equal(t, "Open with VLC", h.delivery.calls[0].Content.InstructionsText)
	assert.Contains(t, h.msgr.last().text, "Post sent to 1 channel(s)!")

	posted, err := h.store.ListPosts(context.Background(), storage.PostQuery{OperatorID: operator, Status: post.StatusPosted})
	require.NoError(t, err)
	require.Len(t, posted, 1)
}

func TestWizardScheduleQuickOffset(t *testing.T) {
	h := newHarness(t)
	d := h.addDest(t, "-1001", "Movies")

	h.text("/newpost")
	h.text("/skip")
	h.text("https://example.com/v")
	h.text("/skip")
	require.Equal(t, stepMode, h.step())

	h.press("np:sched")
	require.Equal(t, stepTime, h.step())
	h.text("+4")
	require.Equal(t, stepChannels, h.step())
	h.press("np:all")
	h.press("np:confirm")

	assert.Empty(t, h.delivery.calls)
	recs, err := h.store.ListPosts(context.Background(), storage.PostQuery{OperatorID: operator, Status: post.StatusScheduled})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, d.DestinationID, recs[0].DestinationID)
	assert.True(t, recs[0].ScheduledFor.Equal(h.clock.Now().Add(4*time.Hour)))
	assert.Empty(t, recs[0].Content.InstructionsText)
	assert.Contains(t, h.msgr.last().text, "Post scheduled!")
}

func TestWizardCustomTimeValidation(t *testing.T) {
	h := newHarness(t)
	h.addDest(t, "-1001", "Movies")

	h.text("/newpost")
	h.text("/skip")
	h.text("https://example.com/v")
	h.text("/skip")
	h.press("np:sched")

	h.text("tomorrow")
	assert.Equal(t, stepTime, h.step())
	h.text("10-03-2026 10:00") // 04:30 UTC, before the clock
	assert.Equal(t, stepTime, h.step())
	assert.Contains(t, h.msgr.last().text, "future")

	h.text("10-03-2026 18:30") // 13:00 UTC
	require.Equal(t, stepChannels, h.step())
	s := h.bot.sessions.get(operator)
	require.NotNil(t, s.at)
	assert.Equal(t, time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC), s.at.UTC())
}

func TestWizardUnauthorizedOnlySelection(t *testing.T) {
	h := newHarness(t)
	d := h.addDest(t, "-1001", "Movies")
	h.verifier["-1001"] = verify.Unauthorized

	h.text("/newpost")
	h.text("/skip")
	h.text("https://example.com/v")
	h.text("/skip")
	h.press("np:now")
	h.press("np:toggle:" + d.ID)
	h.press("np:confirm")

	assert.True(t, h.msgr.anyContains("not an admin in any selected channel"))
	assert.Equal(t, stepChannels, h.step(), "operator can fix the selection")
	assert.Empty(t, h.delivery.calls)
}

func TestWizardExpiresAfterTTL(t *testing.T) {
	h := newHarness(t)
	h.text("/newpost")
	h.clock.Advance(11 * time.Minute)

	h.press("np:now")
	assert.Contains(t, h.msgr.last().text, "expired")
	assert.Equal(t, 0, h.bot.sessions.len())
}

func TestCancelDropsSession(t *testing.T) {
	h := newHarness(t)
	h.text("/newpost")
	h.text("/cancel")
	assert.Equal(t, stepNone, h.step())
	assert.Contains(t, h.msgr.last().text, "Cancelled")

	h.text("/cancel")
	assert.Contains(t, h.msgr.last().text, "Nothing to cancel")
}

func TestAddChannel(t *testing.T) {
	h := newHarness(t)
	h.msgr.chats["@movies"] = transport.ChatInfo{ID: -1001, Title: "Movies", Username: "movies"}
	h.msgr.chats["@locked"] = transport.ChatInfo{ID: -1002, Title: "Locked"}
	h.verifier["-1002"] = verify.Unauthorized

	h.text("/addchannel https://t.me/movies")
	assert.Contains(t, h.msgr.last().text, "Channel added")

	h.text("/addchannel @movies")
	assert.Contains(t, h.msgr.last().text, "already added")

	h.text("/addchannel @locked")
	assert.Contains(t, h.msgr.last().text, "not an admin")

	h.text("/addchannel @nosuchchan")
	assert.Contains(t, h.msgr.last().text, "Could not find")

	dests, err := h.store.ListDestinations(context.Background(), operator)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	assert.Equal(t, "-1001", dests[0].DestinationID)
	assert.Equal(t, "Movies", dests[0].Label)
	assert.Equal(t, "movies", dests[0].Username)

	h.text("/channels")
	assert.Contains(t, h.msgr.last().text, "🆔 <code>-1001</code> · @movies")
}

func TestAddChannelResumesSelection(t *testing.T) {
	h := newHarness(t)
	h.msgr.chats["@movies"] = transport.ChatInfo{ID: -1001, Title: "Movies"}

	h.text("/newpost")
	h.text("/skip")
	h.text("https://example.com/v")
	h.text("/skip")
	h.press("np:now")
	require.Equal(t, stepChannels, h.step())
	assert.True(t, h.msgr.anyContains("No channels yet"))

	h.press("np:add")
	require.Equal(t, stepAddChannel, h.step())
	h.text("@movies")
	assert.Equal(t, stepChannels, h.step())
	assert.Contains(t, h.msgr.last().text, "Select Channels")
}

func TestRemoveChannel(t *testing.T) {
	h := newHarness(t)
	d := h.addDest(t, "-1001", "Movies")
	h.addDest(t, "-1002", "Series")

	h.press("ch:rm:" + d.ID)
	assert.Contains(t, h.msgr.last().text, "Remove this channel?")
	h.press("ch:rmok:" + d.ID)

	h.text("/removechannel 1")
	assert.Contains(t, h.msgr.last().text, "Removed Series")

	dests, err := h.store.ListDestinations(context.Background(), operator)
	require.NoError(t, err)
	assert.Empty(t, dests)
}

func TestScheduledListAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mk := func(after time.Duration) string {
		at := h.clock.Now().Add(after)
		id, err := h.store.CreatePost(ctx, post.Record{
			OperatorID: operator, DestinationID: "-1001", DestinationLabel: "Movies",
			Content: post.Content{LinkURL: "https://example.com/v"}, Status: post.StatusScheduled, ScheduledFor: &at,
		})
		require.NoError(t, err)
		return id
	}
	later := mk(2 * time.Hour)
	sooner := mk(time.Hour)

	h.text("/scheduled")
	assert.Contains(t, h.msgr.last().text, "Upcoming Scheduled Posts (2)")

	h.text("/deletepost 1")
	assert.Contains(t, h.msgr.last().text, "deleted")
	_, err := h.store.GetPost(ctx, sooner)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.press("ps:del:" + later)
	_, err = h.store.GetPost(ctx, later)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, h.msgr.answers, "✅ Scheduled post deleted!")

	h.text("/deletepost 1")
	assert.Contains(t, h.msgr.last().text, "No such scheduled post")
}

// claimAfterRead lets a scheduler tick claim the post right after the bot reads it.
type claimAfterRead struct {
	storage.Store
	now func() time.Time
}

func (s claimAfterRead) GetPost(ctx context.Context, id string) (post.Record, error) {
	r, err := s.Store.GetPost(ctx, id)
	if err == nil {
		_, _ = s.Store.ClaimPost(ctx, id, s.now())
	}
	return r, err
}

func TestDeleteLosesRaceWithTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := h.clock.Now().Add(time.Minute)
	id, err := h.store.CreatePost(ctx, post.Record{
		OperatorID: operator, DestinationID: "-1001", Content: post.Content{LinkURL: "https://example.com/v"},
		Status: post.StatusScheduled, ScheduledFor: &at,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.bot.deps.Store = claimAfterRead{Store: h.store, now: h.clock.Now}

	h.text("/deletepost " + id)
	assert.Contains(t, h.msgr.last().text, "no longer scheduled")
	r, err := h.store.GetPost(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, post.StatusDelivering, r.Status)
}

func TestDeleteRefusesOtherOperatorsPost(t *testing.T) {
	h := newHarness(t)
	at := h.clock.Now().Add(time.Hour)
	id, err := h.store.CreatePost(context.Background(), post.Record{
		OperatorID: 7, DestinationID: "-1001", Content: post.Content{LinkURL: "https://example.com/v"},
		Status: post.StatusScheduled, ScheduledFor: &at,
	})
	require.NoError(t, err)

	h.text("/deletepost " + id)
	assert.Contains(t, h.msgr.last().text, "No such scheduled post")
	_, err = h.store.GetPost(context.Background(), id)
	assert.NoError(t, err)
}

func TestIgnoresGroupMessagesAndUnknownCommands(t *testing.T) {
	h := newHarness(t)
	h.bot.Handle(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: -5, FromID: operator, Text: "/start",
	}})
	assert.Equal(t, 0, h.msgr.count())

	h.text("/frobnicate")
	assert.Contains(t, h.msgr.last().text, "Unknown command")

	h.text("hello")
	assert.Contains(t, h.msgr.last().text, "/newpost")
}

func TestRunDispatchesUpdates(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx, updates) }()

	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: operator, FromID: operator, Text: "/help", IsPrivate: true,
	}}
	require.Eventually(t, func() bool { return h.msgr.anyContains("/newpost") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseChannelRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want transport.ChatTarget
		bad  bool
	}{
		{in: "-1001234567890", want: transport.ChatTarget{ChatID: -1001234567890}},
		{in: "@movies_hd", want: transport.ChatTarget{Username: "@movies_hd"}},
		{in: "movies_hd", want: transport.ChatTarget{Username: "@movies_hd"}},
		{in: "https://t.me/movies_hd", want: transport.ChatTarget{Username: "@movies_hd"}},
		{in: "t.me/movies_hd?start=1", want: transport.ChatTarget{Username: "@movies_hd"}},
		{in: "https://t.me/+AbCdEf", bad: true},
		{in: "https://t.me/joinchat/AbCdEf", bad: true},
		{in: "not a channel", bad: true},
		{in: "", bad: true},
	}
	for _, tc := range cases {
		got, err := parseChannelRef(tc.in)
		if tc.bad {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestMenuCommandsSorted(t *testing.T) {
	t.Parallel()

	b := New(Config{}, Deps{})
	cmds := b.MenuCommands()
	require.Len(t, cmds, 12)
	for i := 1; i < len(cmds); i++ {
		assert.Less(t, cmds[i-1].Command, cmds[i].Command)
	}
}
