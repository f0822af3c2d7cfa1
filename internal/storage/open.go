package storage

import (
	"errors"
	"strings"
	"time"

	"chanpost/internal/post"
	"chanpost/pkg/logx"

	"github.com/google/uuid"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	o := buildOptions(opts)

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log, o)
	case "memory":
		return newMemory(o), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock: time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Timestamps are persisted with millisecond precision.
const storedPrecision = time.Millisecond

func truncTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.Truncate(storedPrecision)
	return &v
}

// prepareCreate validates r against the store clock and returns the record
// as it will be stored. Scheduled records must point strictly into the
// future at stored precision.
func prepareCreate(r post.Record, now time.Time) (post.Record, error) {
	now = now.Truncate(storedPrecision)
	r.ScheduledFor = truncTime(r.ScheduledFor)
	r.PostedAt = truncTime(r.PostedAt)
	r.FailedAt = truncTime(r.FailedAt)
	if err := r.Validate(); err != nil {
		return post.Record{}, err
	}
	if r.Status == post.StatusScheduled && !r.ScheduledFor.After(now) {
		return post.Record{}, post.Invalid("scheduled_for", "must be in the future")
	}
	r.CreatedAt = now
	return r, nil
}

func canFinish(from, to post.Status) bool {
	if !to.Terminal() {
		return false
	}
	return from == post.StatusScheduled || from == post.StatusDelivering
}
