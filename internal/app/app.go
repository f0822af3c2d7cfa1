package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"chanpost/internal/bot"
	"chanpost/internal/compose"
	"chanpost/internal/config"
	"chanpost/internal/delivery"
	"chanpost/internal/observability"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/internal/scheduler"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	telegram "chanpost/internal/transport/telegram/adapter"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	rc   runtimeConfig

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	registry *prometheus.Registry
	store    storage.Store
	rdb      redis.UniversalClient
	adapter  *telegram.Adapter

	verifier *verify.Verifier
	pipeline *delivery.Pipeline
	sched    *scheduler.Service
	composer *compose.Service
	bot      *bot.Bot
	obs      *observability.Service

	updates chan transport.Update
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The Telegram log sink needs the adapter, which needs a logger: start
	// without a sender and attach it once the adapter exists.
	logs, root := logx.NewService(rc.logging, nil)
	log := root.With(logx.String("comp", "app"))

	ad, err := telegram.New(rc.adapter, root.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(ad)

	a := &App{
		cfgm:     cfgm,
		rc:       rc,
		log:      log,
		logs:     logs,
		registry: newRegistry(),
		adapter:  ad,
		updates:  make(chan transport.Update, 256),
	}
	if err := a.wire(cfg, root); err != nil {
		_ = a.closeResources()
		return nil, err
	}
	return a, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (a *App) wire(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	store, err := storage.Open(a.rc.storage, comp("storage"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", a.rc.storage.Driver))

	cache, err := a.openCache(cfg.Verifier.Cache, comp("verify"))
	if err != nil {
		return err
	}
	a.verifier = verify.New(a.adapter, cache, a.rc.verifier, comp("verify"))
	a.pipeline = delivery.New(a.adapter, a.rc.delivery, comp("delivery"))

	a.sched = scheduler.New(a.rc.scheduler, scheduler.Deps{
		Store:    store,
		Verifier: a.verifier,
		Delivery: a.pipeline,
		Metrics:  scheduler.NewMetrics(a.registry),
		Log:      comp("scheduler"),
	})
	a.composer = compose.New(a.rc.compose, compose.Deps{
		Store:      store,
		Verifier:   a.verifier,
		Delivery:   a.pipeline,
		Downloader: a.adapter,
		Log:        comp("compose"),
	})
	a.bot = bot.New(a.rc.bot, bot.Deps{
		Messenger: a.adapter,
		Composer:  a.composer,
		Store:     store,
		Verifier:  a.verifier,
		Renderer:  a.pipeline,
		Log:       comp("bot"),
	})
	a.obs = observability.New(a.rc.observability, a.registry, a.health, comp("observability"))
	return nil
}

// openCache returns nil when caching is off.
func (a *App) openCache(cc config.CacheConfig, log logx.Logger) (verify.Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cc.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return verify.NewMemoryCache(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cc.Redis.Addr,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache degrades to misses, so an unreachable redis is not fatal.
			a.log.Warn("redis ping failed; admin cache will miss until it recovers",
				logx.String("addr", cc.Redis.Addr), logx.Err(err))
		}
		a.rdb = rdb
		return verify.NewRedisCache(rdb, cc.Redis.Prefix, log), nil
	default:
		return nil, fmt.Errorf("unknown verifier.cache.driver: %s", cc.Driver)
	}
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("telegram start: %w", err)
	}
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	if a.sched.Enabled() {
		a.sched.Start(run)
	} else {
		a.log.Warn("scheduler disabled; scheduled posts will not be delivered")
	}
	a.obs.Reconfigure(run, a.rc.observability)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startWatchdog()

	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

// Tick runs a single scheduler pass without starting polling or the trigger.
func (a *App) Tick(ctx context.Context) scheduler.TickSummary {
	return a.sched.Tick(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	if a.sup != nil {
		a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	return a.closeResources()
}

// closeResources releases storage, redis and log sinks.
func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// health feeds /healthz: any fatal supervisor error degrades the process.
func (a *App) health() (any, error) {
	detail := map[string]rtsup.Snapshot{}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			detail[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("telegram", a.adapter.Supervisor())
	add("bot", a.bot.Supervisor())
	if err := a.Err(); err != nil {
		return detail, err
	}
	return detail, nil
}

// CheckConfig loads, validates and maps the config at path without opening
// storage or contacting Telegram.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if _, err := mapConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
