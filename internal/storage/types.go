package storage

import (
	"context"
	"errors"
	"time"

	"chanpost/internal/post"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrNotPending is returned when a status change targets a record that
	// already left the scheduled/delivering states.
	ErrNotPending = errors.New("storage: record is not pending")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (":memory:" is accepted)
//   - "memory": in-process maps, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Order int

const (
	// Ascending sorts by the status timestamp, oldest first.
	Ascending Order = iota
	Descending
)

// PostQuery selects records of one operator in one status. The sort key is
// the timestamp that belongs to the status: scheduled_for, posted_at or failed_at.
type PostQuery struct {
	OperatorID int64
	Status     post.Status
	Order      Order
	Limit      int
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	OperatorID int64
	Action     string
	Target     string
	OK         int
	Fail       int
	Error      string
}

// PostStore is the durable home of post records.
type PostStore interface {
	CreatePost(ctx context.Context, r post.Record) (string, error)
	GetPost(ctx context.Context, id string) (post.Record, error)
	ListPosts(ctx context.Context, q PostQuery) ([]post.Record, error)
	// ListDue returns scheduled records with scheduled_for <= asOf, earliest first.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]post.Record, error)
	// ClaimPost moves a due record from scheduled to delivering. It reports
	// false when another worker won the record or it is no longer due.
	ClaimPost(ctx context.Context, id string, at time.Time) (bool, error)
	// UpdateStatus writes the terminal status of a pending record.
	UpdateStatus(ctx context.Context, id string, status post.Status, at time.Time, errMsg string) error
	DeletePost(ctx context.Context, id string) error
	// DeleteScheduled deletes the record only while it is still scheduled. It
	// reports false when the record has already been claimed or finished.
	DeleteScheduled(ctx context.Context, id string) (bool, error)
	// RecoverStale fails records claimed before the given instant that never
	// received a terminal status.
	RecoverStale(ctx context.Context, claimedBefore time.Time, reason string) (int, error)
}

// DestinationStore is the per-operator channel registry.
type DestinationStore interface {
	AddDestination(ctx context.Context, d post.Destination) (post.Destination, error)
	GetDestination(ctx context.Context, entryID string) (post.Destination, error)
	ListDestinations(ctx context.Context, operatorID int64) ([]post.Destination, error)
	RemoveDestination(ctx context.Context, entryID string) error
}

type Store interface {
	PostStore
	DestinationStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Clock returns the current instant. Stores take it as an option so tests
// can pin "now".
type Clock func() time.Time

type Option func(*options)

type options struct {
	clock Clock
	newID func() string
}

func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDGenerator overrides UUID generation. Tests use it for stable ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}
