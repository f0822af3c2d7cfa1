package app

import (
	"strings"
	"time"

	"chanpost/internal/bot"
	"chanpost/internal/compose"
	"chanpost/internal/config"
	"chanpost/internal/delivery"
	"chanpost/internal/imaging"
	"chanpost/internal/observability"
	"chanpost/internal/post"
	"chanpost/internal/scheduler"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	telegram "chanpost/internal/transport/telegram/adapter"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

const (
	defaultDBPath   = "./data/chanpost.db"
	defaultTimezone = "Asia/Kolkata"
)

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	req, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:            cfg.Telegram.Token,
		APIURL:           cfg.Telegram.APIURL,
		PollTimeout:      poll,
		RequestTimeout:   req,
		MaxDownloadBytes: cfg.Telegram.MaxDownloadBytes,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		path = defaultDBPath
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func composeLocation(cfg *config.Config) (*time.Location, error) {
	tz := cfg.Compose.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = defaultTimezone
	}
	return config.Location("compose.timezone", tz, time.UTC)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	interval, err := config.ParseDurationOrDefault("scheduler.interval", sc.Interval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	first, err := config.ParseDurationOrDefault("scheduler.first_delay", sc.FirstDelay, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	lease, err := config.ParseDurationOrDefault("scheduler.claim_lease", sc.ClaimLease, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := composeLocation(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:    sc.Enabled,
		Interval:   interval,
		FirstDelay: first,
		Workers:    sc.Workers,
		BatchSize:  sc.BatchSize,
		ClaimLease: lease,
		Location:   loc,
	}, nil
}

func mapTemplate(cfg *config.Config) post.Template {
	r := cfg.Render
	return post.Template{
		Title:             r.Title,
		DownloadLabel:     r.DownloadLabel,
		InstructionsLabel: r.InstructionsLabel,
		Closing:           r.Closing,
		Footer:            r.Footer,
	}
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", dc.Timeout, 20*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	buttons := make([]transport.Button, 0, len(dc.Buttons))
	for _, b := range dc.Buttons {
		buttons = append(buttons, transport.Button{Text: b.Text, URL: b.URL})
	}
	return delivery.Config{
		Timeout:    timeout,
		RatePerSec: dc.RatePerSec,
		Template:   mapTemplate(cfg),
		Buttons:    buttons,
	}, nil
}

func mapVerifierConfig(cfg *config.Config) (verify.Config, error) {
	timeout, err := config.ParseDurationOrDefault("verifier.timeout", cfg.Verifier.Timeout, 20*time.Second)
	if err != nil {
		return verify.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("verifier.cache.ttl", cfg.Verifier.Cache.TTL, 5*time.Minute)
	if err != nil {
		return verify.Config{}, err
	}
	return verify.Config{Timeout: timeout, CacheTTL: ttl}, nil
}

func mapComposeConfig(cfg *config.Config) (compose.Config, error) {
	loc, err := composeLocation(cfg)
	if err != nil {
		return compose.Config{}, err
	}
	img := imaging.DefaultOptions()
	if c := cfg.Compose.Image; c.Width > 0 && c.Height > 0 {
		img.Width, img.Height = c.Width, c.Height
	}
	if q := cfg.Compose.Image.Quality; q > 0 {
		img.Quality = q
	}
	return compose.Config{Workers: cfg.Compose.Workers, Image: img, Location: loc}, nil
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	bc := cfg.Bot
	cmdTimeout, err := config.ParseDurationField("bot.command_timeout", bc.CommandTimeout)
	if err != nil {
		return bot.Config{}, err
	}
	ttl, err := config.ParseDurationField("bot.session_ttl", bc.SessionTTL)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		Workers:        bc.Workers,
		QueueSize:      bc.QueueSize,
		CommandTimeout: cmdTimeout,
		SessionTTL:     ttl,
		ListLimit:      bc.ListLimit,
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	write, err := config.ParseDurationField("observability.write_timeout", oc.WriteTimeout)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, time.Minute)
	if err != nil {
		return observability.Config{}, err
	}
	return observability.Config{
		Enabled:              oc.Enabled,
		Addr:                 oc.Addr,
		Token:                oc.Token,
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
		MemProfileRate:       oc.MemProfileRate,
	}, nil
}

// runtimeConfig is every mapped component config. Mapping it as a whole
// lets a reload be rejected before anything is applied.
type runtimeConfig struct {
	adapter       telegram.Config
	logging       logx.Config
	storage       storage.Config
	scheduler     scheduler.Config
	delivery      delivery.Config
	verifier      verify.Config
	compose       compose.Config
	bot           bot.Config
	observability observability.Config
}

func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	var (
		rc  runtimeConfig
		err error
	)
	if rc.adapter, err = mapAdapterConfig(cfg); err != nil {
		return rc, err
	}
	rc.logging = mapLogConfig(cfg)
	if rc.storage, err = mapStorageConfig(cfg); err != nil {
		return rc, err
	}
	if rc.scheduler, err = mapSchedulerConfig(cfg); err != nil {
		return rc, err
	}
	if rc.delivery, err = mapDeliveryConfig(cfg); err != nil {
		return rc, err
	}
	if rc.verifier, err = mapVerifierConfig(cfg); err != nil {
		return rc, err
	}
	if rc.compose, err = mapComposeConfig(cfg); err != nil {
		return rc, err
	}
	if rc.bot, err = mapBotConfig(cfg); err != nil {
		return rc, err
	}
	if rc.observability, err = mapObservabilityConfig(cfg); err != nil {
		return rc, err
	}
	return rc, nil
}
