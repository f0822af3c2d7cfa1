// Package verify answers whether the bot may publish to a destination.
package verify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

type Result int

const (
	Indeterminate Result = iota
	Authorized
	Unauthorized
)

func (r Result) String() string {
	switch r {
	case Authorized:
		return "authorized"
	case Unauthorized:
		return "unauthorized"
	default:
		return "indeterminate"
	}
}

// Cache stores definite answers per destination.
type Cache interface {
	Get(ctx context.Context, dest string) (Result, bool)
	Set(ctx context.Context, dest string, r Result, ttl time.Duration)
}

type Config struct {
	Timeout  time.Duration
	CacheTTL time.Duration
}

type Verifier struct {
	checker transport.MembershipChecker
	cache   Cache
	cfg     Config
	log     logx.Logger
}

func New(checker transport.MembershipChecker, cache Cache, cfg Config, log logx.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Verifier{checker: checker, cache: cache, cfg: cfg, log: log}
}

// IsAuthorized is fail-closed: anything but a definite admin answer is false.
func (v *Verifier) IsAuthorized(ctx context.Context, dest string) bool {
	return v.Check(ctx, dest) == Authorized
}

// Check asks the transport for the bot's role in dest. Timeouts and transport
// errors yield Indeterminate and are never cached.
func (v *Verifier) Check(ctx context.Context, dest string) Result {
	if v.cache != nil && v.cfg.CacheTTL > 0 {
		if r, ok := v.cache.Get(ctx, dest); ok {
			return r
		}
	}

	target, err := Target(dest)
	if err != nil {
		v.log.Warn("destination id not understood", logx.String("dest", dest), logx.Err(err))
		return Unauthorized
	}

	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	role, err := v.checker.AdminStatus(cctx, target)

	var res Result
	switch {
	case errors.Is(err, transport.ErrChatNotFound):
		res = Unauthorized
	case err != nil:
		v.log.Warn("admin check failed", logx.String("dest", dest), logx.Err(err))
		return Indeterminate
	case role.CanPost():
		res = Authorized
	default:
		res = Unauthorized
	}

	if v.cache != nil && v.cfg.CacheTTL > 0 {
		v.cache.Set(ctx, dest, res, v.cfg.CacheTTL)
	}
	return res
}

// Target converts a stored destination id ("-100123" or "@name") into a
// transport target.
func Target(dest string) (transport.ChatTarget, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return transport.ChatTarget{}, errors.New("empty destination")
	}
	if strings.HasPrefix(dest, "@") {
		return transport.ChatTarget{Username: dest}, nil
	}
	id, err := strconv.ParseInt(dest, 10, 64)
	if err != nil {
		return transport.ChatTarget{}, err
	}
	return transport.ChatTarget{ChatID: id}, nil
}
