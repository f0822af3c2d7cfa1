// Package scheduler delivers scheduled posts once they become due.
//
// A cron entry ("@every <interval>") triggers Tick. Each tick claims due
// records one by one through the store, so a record is handed to the
// delivery pipeline at most once even when ticks or processes overlap.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"chanpost/internal/post"
	"chanpost/internal/storage"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

const (
	ReasonNotAuthorized   = "not authorized"
	ReasonUnverified      = "not authorized: could not verify admin status"
	ReasonInterrupted     = "delivery interrupted"
	reasonInternal        = "internal error"
	defaultInterval       = 30 * time.Second
	defaultFinalizeBudget = 10 * time.Second
)

type Config struct {
	Enabled    bool
	Interval   time.Duration
	FirstDelay time.Duration
	Workers    int
	BatchSize  int
	// ClaimLease is how long a claimed record may stay in flight before the
	// next tick declares it failed.
	ClaimLease time.Duration
	Location   *time.Location
}

// Checker is the admin verification the scheduler needs.
type Checker interface {
	Check(ctx context.Context, dest string) verify.Result
}

// Deliverer publishes one record. It must not panic or block past its own timeout.
type Deliverer interface {
	Deliver(ctx context.Context, r post.Record) post.Outcome
}

type Deps struct {
	Store    storage.PostStore
	Verifier Checker
	Delivery Deliverer
	Metrics  *Metrics
	Clock    func() time.Time
	Log      logx.Logger
}

// TickSummary is what one tick did.
type TickSummary struct {
	Found        int
	Recovered    int
	Claimed      int
	Posted       int
	Failed       int
	Unauthorized int
	Skipped      int
	Err          error
}

type Service struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	c        *cron.Cron
	runCtx   context.Context
	cancel   context.CancelFunc
	first    *time.Timer
	inFlight sync.WaitGroup

	tickMu sync.Mutex
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{cfg: normalize(cfg), deps: deps, log: deps.Log}
}

func normalize(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.FirstDelay < 0 {
		cfg.FirstDelay = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates the config. A running service restarts its cron entry when
// the interval or location changed; worker and batch sizes apply from the next tick.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	if running && (old.Interval != cfg.Interval || old.Location.String() != cfg.Location.String()) {
		s.startCronLocked()
		s.log.Info("schedule updated", logx.Duration("interval", cfg.Interval), logx.String("tz", cfg.Location.String()))
	}
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.first = time.AfterFunc(s.cfg.FirstDelay, s.runTick)
	s.log.Info("service started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Duration("first_delay", s.cfg.FirstDelay),
		logx.Int("workers", s.cfg.Workers))
}

func (s *Service) startCronLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.runTick); err != nil {
		s.log.Error("schedule rejected", logx.Err(err))
	}
	s.c.Start()
}

// Stop halts the trigger and waits for the in-flight tick (bounded by ctx).
// Records already claimed are finished; unclaimed ones stay scheduled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel, first := s.c, s.cancel, s.first
	s.c, s.cancel, s.first = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if first != nil {
		first.Stop()
	}
	if cancel != nil {
		cancel()
	}
	cronDone := c.Stop().Done()

	done := make(chan struct{})
	go func() {
		<-cronDone
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped")
	case <-ctx.Done():
		s.log.Warn("stop timed out; tick still running", logx.Err(ctx.Err()))
	}
}

func (s *Service) runTick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.inFlight.Add(1)
	defer s.inFlight.Done()
	s.Tick(ctx)
}

// Tick runs one polling pass. Overlapping calls are skipped. Cancelling ctx
// stops further claims; records already claimed are still finished.
func (s *Service) Tick(ctx context.Context) TickSummary {
	if !s.tickMu.TryLock() {
		s.log.Debug("tick skipped: previous tick still running")
		return TickSummary{}
	}
	defer s.tickMu.Unlock()

	start := time.Now()
	sum := s.tick(ctx)
	took := time.Since(start)
	s.deps.Metrics.observeTick(sum, took)

	if sum.Err != nil {
		s.log.Error("tick failed", logx.Err(sum.Err), logx.Duration("took", took))
		return sum
	}
	fields := []logx.Field{
		logx.Int("found", sum.Found),
		logx.Int("posted", sum.Posted),
		logx.Int("failed", sum.Failed),
		logx.Int("unauthorized", sum.Unauthorized),
		logx.Int("skipped", sum.Skipped),
		logx.Int("recovered", sum.Recovered),
		logx.Duration("took", took),
	}
	if sum.Found == 0 && sum.Recovered == 0 {
		s.log.Debug("tick done", fields...)
	} else {
		s.log.Info("tick done", fields...)
	}
	return sum
}

func (s *Service) tick(ctx context.Context) TickSummary {
	var sum TickSummary
	cfg := s.config()
	now := s.deps.Clock()

	n, err := s.deps.Store.RecoverStale(ctx, now.Add(-cfg.ClaimLease), ReasonInterrupted)
	if err != nil {
		sum.Err = fmt.Errorf("recover stale claims: %w", err)
		return sum
	}
	sum.Recovered = n
	if n > 0 {
		s.log.Warn("abandoned deliveries marked failed", logx.Int("count", n))
	}

	due, err := s.deps.Store.ListDue(ctx, now, cfg.BatchSize)
	if err != nil {
		sum.Err = fmt.Errorf("list due posts: %w", err)
		return sum
	}
	sum.Found = len(due)
	if len(due) == 0 {
		return sum
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	// Work started for a claimed record must finish even during shutdown.
	work := context.WithoutCancel(ctx)
	for _, r := range due {
		if ctx.Err() != nil {
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			res := s.process(ctx, work, r)
			mu.Lock()
			res.addTo(&sum)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return sum
}

type result int

const (
	resSkipped result = iota
	resPosted
	resFailed
	resUnauthorized
)

func (r result) addTo(s *TickSummary) {
	switch r {
	case resPosted:
		s.Claimed++
		s.Posted++
	case resFailed:
		s.Claimed++
		s.Failed++
	case resUnauthorized:
		s.Claimed++
		s.Unauthorized++
	default:
		s.Skipped++
	}
}

// process claims, verifies, delivers and finalizes one record. Any panic
// after the claim finalizes the record as failed.
func (s *Service) process(claimCtx, work context.Context, r post.Record) (res result) {
	log := s.log.With(logx.String("post", r.ID), logx.String("dest", r.DestinationID))
	claimed := false
	defer func() {
		if v := recover(); v != nil {
			log.Error("post processing panicked", logx.Any("panic", v), logx.Stack(string(debug.Stack())))
			res = resSkipped
			if claimed {
				s.finalize(work, log, r.ID, post.StatusFailed, reasonInternal)
				res = resFailed
			}
		}
	}()

	// The lease runs from the claim itself, not from the start of the tick.
	ok, err := s.deps.Store.ClaimPost(claimCtx, r.ID, s.deps.Clock())
	if err != nil {
		log.Warn("claim failed", logx.Err(err))
		return resSkipped
	}
	if !ok {
		log.Debug("claim lost")
		return resSkipped
	}
	claimed = true

	switch s.deps.Verifier.Check(work, r.DestinationID) {
	case verify.Authorized:
	case verify.Unauthorized:
		log.Warn("destination no longer authorized")
		s.finalize(work, log, r.ID, post.StatusFailed, ReasonNotAuthorized)
		return resUnauthorized
	default:
		log.Warn("admin status could not be verified")
		s.finalize(work, log, r.ID, post.StatusFailed, ReasonUnverified)
		return resUnauthorized
	}

	out := s.deps.Delivery.Deliver(work, r)
	if !out.Succeeded {
		s.finalize(work, log, r.ID, post.StatusFailed, out.Error)
		return resFailed
	}
	s.finalize(work, log, r.ID, post.StatusPosted, "")
	return resPosted
}

func (s *Service) finalize(ctx context.Context, log logx.Logger, id string, status post.Status, reason string) {
	fctx, cancel := context.WithTimeout(ctx, defaultFinalizeBudget)
	defer cancel()
	if err := s.deps.Store.UpdateStatus(fctx, id, status, s.deps.Clock(), reason); err != nil {
		// The record stays "delivering" and is failed by RecoverStale after the lease.
		log.Error("status update failed", logx.String("status", string(status)), logx.Err(err))
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
