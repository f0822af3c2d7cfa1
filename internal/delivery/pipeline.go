// Package delivery publishes one post record to its destination.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chanpost/internal/post"
	"chanpost/internal/transport"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
	"chanpost/pkg/tgui"
)

type Config struct {
	Timeout    time.Duration
	RatePerSec int
	Template   post.Template
	Buttons    []transport.Button
}

// Pipeline renders a record and hands it to the transport. Deliver never
// returns an error: failures come back as an unsuccessful Outcome.
type Pipeline struct {
	sender transport.Sender
	log    logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(sender transport.Sender, cfg Config, log logx.Logger) *Pipeline {
	p := &Pipeline{sender: sender, log: log}
	p.Apply(cfg)
	return p
}

// Apply swaps template, buttons, timeout and rate at runtime.
func (p *Pipeline) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.limiter = lim
	p.mu.Unlock()
}

func (p *Pipeline) snapshot() (Config, *rate.Limiter) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.limiter
}

// Render returns the exact text Deliver would send for c.
func (p *Pipeline) Render(c post.Content) string {
	cfg, _ := p.snapshot()
	return cfg.Template.Render(c)
}

func (p *Pipeline) Deliver(ctx context.Context, r post.Record) (out post.Outcome) {
	defer func() {
		if v := recover(); v != nil {
			p.log.Error("delivery panicked", logx.String("post", r.ID), logx.Any("panic", v))
			out = post.Failure(r.DestinationID, fmt.Errorf("internal error: %v", v))
		}
	}()

	cfg, lim := p.snapshot()
	to, err := verify.Target(r.DestinationID)
	if err != nil {
		return post.Failure(r.DestinationID, fmt.Errorf("bad destination: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if lim != nil {
		if err := lim.Wait(cctx); err != nil {
			return post.Failure(r.DestinationID, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	text := cfg.Template.Render(r.Content)
	opt := &transport.SendOptions{ParseMode: tgui.ParseModeHTML}
	if len(cfg.Buttons) > 0 {
		opt.Keyboard = transport.Column(cfg.Buttons...)
	}

	start := time.Now()
	if a := r.Content.Attachment; a != nil {
		_, err = p.sender.SendMedia(cctx, to, toMedia(a), text, opt)
	} else {
		opt.DisablePreview = true
		_, err = p.sender.SendText(cctx, to, text, opt)
	}
	if err != nil {
		p.log.Warn("delivery failed",
			logx.String("post", r.ID),
			logx.String("dest", r.DestinationID),
			logx.Duration("took", time.Since(start)),
			logx.Err(err))
		return post.Failure(r.DestinationID, err)
	}
	p.log.Debug("delivered", logx.String("post", r.ID), logx.String("dest", r.DestinationID), logx.Duration("took", time.Since(start)))
	return post.Success(r.DestinationID)
}

func toMedia(a *post.Attachment) transport.Media {
	m := transport.Media{Kind: transport.MediaKind(a.Kind)}
	if a.Inline() {
		m.Reader = bytes.NewReader(a.Data)
		m.FileName = fileName(a.Kind)
		return m
	}
	m.FileID = strings.TrimSpace(a.Ref)
	return m
}

func fileName(k post.AttachmentKind) string {
	switch k {
	case post.KindVideo:
		return "video.mp4"
	case post.KindAnimation:
		return "animation.mp4"
	default:
		return "thumbnail.jpg"
	}
}
