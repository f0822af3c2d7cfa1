package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/post"
	"chanpost/internal/storage"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

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

type fakeVerifier struct {
	results map[string]verify.Result
}

func (f fakeVerifier) Check(_ context.Context, dest string) verify.Result {
	if r, ok := f.results[dest]; ok {
		return r
	}
	return verify.Authorized
}

type fakeDelivery struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]string
	panicOn map[string]bool
	notify  chan string
	// onDeliver runs inside Deliver before the outcome is decided.
	onDeliver func(dest string)
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{calls: map[string]int{}, fail: map[string]string{}, panicOn: map[string]bool{}}
}

func (f *fakeDelivery) Deliver(_ context.Context, r post.Record) post.Outcome {
	f.mu.Lock()
	f.calls[r.DestinationID]++
	msg, failing := f.fail[r.DestinationID]
	boom := f.panicOn[r.DestinationID]
	notify := f.notify
	hook := f.onDeliver
	f.mu.Unlock()

	if hook != nil {
		hook(r.DestinationID)
	}

	if notify != nil {
		select {
		case notify <- r.DestinationID:
		default:
		}
	}
	if boom {
		panic("renderer bug")
	}
	if failing {
		return post.Failure(r.DestinationID, errors.New(msg))
	}
	return post.Success(r.DestinationID)
}

func (f *fakeDelivery) count(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dest]
}

type harness struct {
	store    storage.Store
	clock    *clock
	delivery *fakeDelivery
	svc      *Service
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, v Checker) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop(), storage.WithClock(c.Now))
	require.NoError(t, err)
	if v == nil {
		v = fakeVerifier{}
	}
	h := &harness{store: st, clock: c, delivery: newFakeDelivery(), reg: prometheus.NewRegistry()}
	h.svc = New(Config{Enabled: true, Workers: 2}, Deps{
		Store:    st,
		Verifier: v,
		Delivery: h.delivery,
		Metrics:  NewMetrics(h.reg),
		Clock:    c.Now,
		Log:      logx.Nop(),
	})
	return h
}

func (h *harness) schedule(t *testing.T, dest string, in time.Duration) string {
	t.Helper()
	at := h.clock.Now().Add(in)
	id, err := h.store.CreatePost(context.Background(), post.Record{
		OperatorID:    1,
		DestinationID: dest,
		Content:       post.Content{LinkURL: "https://example.com/" + dest},
		Status:        post.StatusScheduled,
		ScheduledFor:  &at,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) post.Record {
	t.Helper()
	r, err := h.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestTickDeliversOnlyDuePosts(t *testing.T) {
	h := newHarness(t, nil)
	a := h.schedule(t, "-1", time.Minute)
	b := h.schedule(t, "-2", time.Hour)
	h.clock.Advance(2 * time.Minute)

	sum := h.svc.Tick(context.Background())
	require.NoError(t, sum.Err)
	assert.Equal(t, 1, sum.Found)
	assert.Equal(t, 1, sum.Posted)

	ra := h.get(t, a)
	assert.Equal(t, post.StatusPosted, ra.Status)
	require.NotNil(t, ra.PostedAt)
	assert.True(t, ra.PostedAt.Equal(h.clock.Now()))
	assert.Equal(t, post.StatusScheduled, h.get(t, b).Status)
	assert.Equal(t, 1, h.delivery.count("-1"))
	assert.Equal(t, 0, h.delivery.count("-2"))
}

func TestTickIsolatesPartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.delivery.fail["-2"] = "Forbidden: bot was kicked"
	a := h.schedule(t, "-1", time.Minute)
	b := h.schedule(t, "-2", time.Minute)
	h.clock.Advance(time.Minute)

	sum := h.svc.Tick(context.Background())
	assert.Equal(t, 2, sum.Claimed)
	assert.Equal(t, 1, sum.Posted)
	assert.Equal(t, 1, sum.Failed)

	assert.Equal(t, post.StatusPosted, h.get(t, a).Status)
	rb := h.get(t, b)
	assert.Equal(t, post.StatusFailed, rb.Status)
	assert.Equal(t, "Forbidden: bot was kicked", rb.LastError)
	require.NotNil(t, rb.FailedAt)
}

func TestTickUnauthorizedNeverReachesTransport(t *testing.T) {
	h := newHarness(t, fakeVerifier{results: map[string]verify.Result{
		"-1": verify.Unauthorized,
		"-2": verify.Indeterminate,
	}})
	a := h.schedule(t, "-1", time.Minute)
	b := h.schedule(t, "-2", time.Minute)
	h.clock.Advance(time.Minute)

	sum := h.svc.Tick(context.Background())
	assert.Equal(t, 2, sum.Unauthorized)
	assert.Equal(t, 0, h.delivery.count("-1"))
	assert.Equal(t, 0, h.delivery.count("-2"))

	ra, rb := h.get(t, a), h.get(t, b)
	assert.Equal(t, post.StatusFailed, ra.Status)
	assert.Equal(t, ReasonNotAuthorized, ra.LastError)
	assert.Equal(t, post.StatusFailed, rb.Status)
	assert.Equal(t, ReasonUnverified, rb.LastError)
}

func TestRepeatedTicksDeliverOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.delivery.fail["-2"] = "boom"
	h.schedule(t, "-1", time.Minute)
	h.schedule(t, "-2", time.Minute)
	h.clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		h.svc.Tick(context.Background())
		h.clock.Advance(30 * time.Second)
	}
	assert.Equal(t, 1, h.delivery.count("-1"))
	assert.Equal(t, 1, h.delivery.count("-2"), "failed posts are not retried")
}

func TestCompetingSchedulersShareOneDelivery(t *testing.T) {
	h := newHarness(t, nil)
	for _, d := range []string{"-1", "-2", "-3", "-4", "-5"} {
		h.schedule(t, d, time.Minute)
	}
	h.clock.Advance(time.Minute)

	other := New(Config{Workers: 3}, Deps{
		Store:    h.store,
		Verifier: fakeVerifier{},
		Delivery: h.delivery,
		Clock:    h.clock.Now,
		Log:      logx.Nop(),
	})

	var wg sync.WaitGroup
	for _, s := range []*Service{h.svc, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background())
		}()
	}
	wg.Wait()

	for _, d := range []string{"-1", "-2", "-3", "-4", "-5"} {
		assert.Equal(t, 1, h.delivery.count(d), "dest %s", d)
	}
}

func TestTickRecoversFromDeliveryPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.delivery.panicOn["-1"] = true
	a := h.schedule(t, "-1", time.Minute)
	b := h.schedule(t, "-2", time.Minute)
	h.clock.Advance(time.Minute)

	sum := h.svc.Tick(context.Background())
	assert.Equal(t, 1, sum.Posted)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, post.StatusFailed, h.get(t, a).Status)
	assert.Equal(t, post.StatusPosted, h.get(t, b).Status)
}

func TestTickFailsAbandonedClaims(t *testing.T) {
	h := newHarness(t, nil)
	id := h.schedule(t, "-1", time.Minute)
	h.clock.Advance(time.Minute)

	// Simulate a crash between claim and final write.
	ok, err := h.store.ClaimPost(context.Background(), id, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(time.Minute)
	sum := h.svc.Tick(context.Background())
	assert.Equal(t, 0, sum.Recovered, "claim still within lease")
	assert.Equal(t, post.StatusDelivering, h.get(t, id).Status)

	h.clock.Advance(10 * time.Minute)
	sum = h.svc.Tick(context.Background())
	assert.Equal(t, 1, sum.Recovered)
	r := h.get(t, id)
	assert.Equal(t, post.StatusFailed, r.Status)
	assert.Equal(t, ReasonInterrupted, r.LastError)
	assert.Equal(t, 0, h.delivery.count("-1"))
}

func TestLateClaimInLongTickIsNotRecovered(t *testing.T) {
	h := newHarness(t, nil)
	a := h.schedule(t, "-1", time.Minute)
	b := h.schedule(t, "-2", 2*time.Minute)
	h.clock.Advance(2 * time.Minute)

	slow := New(Config{Workers: 1}, Deps{
		Store:    h.store,
		Verifier: fakeVerifier{},
		Delivery: h.delivery,
		Clock:    h.clock.Now,
		Log:      logx.Nop(),
	})

	var recovered int
	h.delivery.onDeliver = func(dest string) {
		switch dest {
		case "-1":
			// The first delivery outlasts the claim lease.
			h.clock.Advance(6 * time.Minute)
		case "-2":
			// Another instance sweeps stale claims while -2 is in flight.
			n, err := h.store.RecoverStale(context.Background(), h.clock.Now().Add(-5*time.Minute), ReasonInterrupted)
			require.NoError(t, err)
			recovered = n
		}
	}

	sum := slow.Tick(context.Background())
	assert.Equal(t, 2, sum.Posted)
	assert.Equal(t, 0, recovered)
	assert.Equal(t, post.StatusPosted, h.get(t, a).Status)
	rb := h.get(t, b)
	assert.Equal(t, post.StatusPosted, rb.Status)
	assert.Empty(t, rb.LastError)
}

func TestCancelledTickLeavesPostsScheduled(t *testing.T) {
	h := newHarness(t, nil)
	id := h.schedule(t, "-1", time.Minute)
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := h.svc.Tick(ctx)
	require.Error(t, sum.Err, "store refuses work on a cancelled context")
	assert.Equal(t, post.StatusScheduled, h.get(t, id).Status)

	// The next healthy tick picks it up.
	sum = h.svc.Tick(context.Background())
	assert.Equal(t, 1, sum.Posted)
}

type brokenStore struct{ storage.PostStore }

func (brokenStore) RecoverStale(context.Context, time.Time, string) (int, error) { return 0, nil }

func (brokenStore) ListDue(context.Context, time.Time, int) ([]post.Record, error) {
	return nil, errors.New("disk I/O error")
}

func TestTickErrorIsReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := New(Config{}, Deps{Store: brokenStore{}, Verifier: fakeVerifier{}, Delivery: newFakeDelivery(), Metrics: NewMetrics(reg), Log: logx.Nop()})
	sum := svc.Tick(context.Background())
	require.Error(t, sum.Err)
	assert.Contains(t, sum.Err.Error(), "disk I/O error")
}

func TestTickMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.delivery.fail["-2"] = "boom"
	h.schedule(t, "-1", time.Minute)
	h.schedule(t, "-2", time.Minute)
	h.clock.Advance(time.Minute)
	h.svc.Tick(context.Background())

	m := h.svc.deps.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.due))
}

func TestStartRunsFirstTickAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.delivery.notify = make(chan string, 1)
	h.schedule(t, "-1", time.Minute)
	h.clock.Advance(time.Minute)

	h.svc.Apply(Config{Enabled: true, Interval: time.Hour, FirstDelay: 10 * time.Millisecond})
	h.svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.svc.Stop(ctx)
	}()

	select {
	case dest := <-h.delivery.notify:
		assert.Equal(t, "-1", dest)
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never ran")
	}
}

func TestApplyNormalizesDefaults(t *testing.T) {
	svc := New(Config{}, Deps{Log: logx.Nop()})
	cfg := svc.config()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.ClaimLease)
	assert.False(t, svc.Enabled())
}
