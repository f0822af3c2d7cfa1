package compose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chanpost/internal/imaging"
	"chanpost/internal/post"
	"chanpost/internal/storage"
	"chanpost/internal/verify"
	"chanpost/pkg/logx"
)

type Checker interface {
	Check(ctx context.Context, dest string) verify.Result
}

type Deliverer interface {
	Deliver(ctx context.Context, r post.Record) post.Outcome
}

type Downloader interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Store is the slice of storage the composer writes to.
type Store interface {
	storage.PostStore
	storage.DestinationStore
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Workers  int
	Image    imaging.Options
	Location *time.Location
}

type Deps struct {
	Store      Store
	Verifier   Checker
	Delivery   Deliverer
	Downloader Downloader
	Clock      func() time.Time
	Log        logx.Logger
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{cfg: cfg, deps: deps, log: deps.Log}
}

func (s *Service) Location() *time.Location { return s.cfg.Location }

func (s *Service) Now() time.Time { return s.deps.Clock().In(s.cfg.Location) }

type State string

const (
	StatePosted       State = "posted"
	StateScheduled    State = "scheduled"
	StateFailed       State = "failed"
	StateUnauthorized State = "unauthorized"
	StateMissing      State = "missing"
)

type ReportItem struct {
	EntryID     string
	Destination post.Destination
	State       State
	PostID      string
	Error       string
}

// Report lists the per-destination result of one submission.
type Report struct {
	Immediate    bool
	ScheduledFor *time.Time
	Items        []ReportItem
}

func (r Report) Count(st State) int {
	n := 0
	for _, it := range r.Items {
		if it.State == st {
			n++
		}
	}
	return n
}

// Submit delivers the draft now or stores one scheduled record per
// authorized destination. Destinations the bot cannot post to are reported
// and skipped. Immediate failures are reported but not stored.
func (s *Service) Submit(ctx context.Context, d Draft) (Report, error) {
	if err := d.Validate(); err != nil {
		return Report{}, err
	}
	now := s.deps.Clock()
	if d.ScheduledFor != nil && !d.ScheduledFor.After(now) {
		return Report{}, post.Invalid("scheduled_for", "must be in the future")
	}

	rep := Report{Immediate: d.ScheduledFor == nil, ScheduledFor: d.ScheduledFor}
	rep.Items = make([]ReportItem, len(d.EntryIDs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	var storeErr error
	var errMu sync.Mutex
	for i, id := range d.EntryIDs {
		g.Go(func() error {
			item, err := s.submitOne(ctx, d, id)
			rep.Items[i] = item
			if err != nil {
				errMu.Lock()
				storeErr = errors.Join(storeErr, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.audit(ctx, d, rep)
	if storeErr != nil {
		return rep, storeErr
	}
	if rep.Count(StatePosted)+rep.Count(StateScheduled) == 0 && rep.Count(StateFailed) == 0 {
		return rep, ErrNoValidDestination
	}
	return rep, nil
}

func (s *Service) submitOne(ctx context.Context, d Draft, entryID string) (ReportItem, error) {
	item := ReportItem{EntryID: entryID}
	dest, err := s.deps.Store.GetDestination(ctx, entryID)
	if err != nil || dest.OperatorID != d.OperatorID {
		item.State = StateMissing
		item.Error = "destination is not registered"
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return item, fmt.Errorf("load destination %s: %w", entryID, err)
		}
		return item, nil
	}
	item.Destination = dest
	log := s.log.With(logx.String("dest", dest.DestinationID))

	switch s.deps.Verifier.Check(ctx, dest.DestinationID) {
	case verify.Authorized:
	case verify.Unauthorized:
		log.Warn("skipping destination: bot is not an admin")
		item.State = StateUnauthorized
		item.Error = "bot is not an admin"
		return item, nil
	default:
		log.Warn("skipping destination: admin status unknown")
		item.State = StateUnauthorized
		item.Error = "could not verify admin status"
		return item, nil
	}

	rec := post.Record{
		OperatorID:       d.OperatorID,
		DestinationID:    dest.DestinationID,
		DestinationLabel: dest.Label,
		Content:          d.Content,
	}

	if d.ScheduledFor != nil {
		at := *d.ScheduledFor
		rec.Status = post.StatusScheduled
		rec.ScheduledFor = &at
		id, err := s.deps.Store.CreatePost(ctx, rec)
		if err != nil {
			item.State = StateFailed
			item.Error = err.Error()
			var ve *post.ValidationError
			if errors.As(err, &ve) {
				return item, nil
			}
			return item, fmt.Errorf("store scheduled post: %w", err)
		}
		item.State = StateScheduled
		item.PostID = id
		return item, nil
	}

	out := s.deps.Delivery.Deliver(ctx, rec)
	if !out.Succeeded {
		item.State = StateFailed
		item.Error = out.Error
		return item, nil
	}
	at := s.deps.Clock()
	rec.Status = post.StatusPosted
	rec.PostedAt = &at
	id, err := s.deps.Store.CreatePost(ctx, rec)
	item.State = StatePosted
	item.PostID = id
	if err != nil {
		// Already published; only the history entry is lost.
		log.Error("posted but history write failed", logx.Err(err))
		item.Error = "history not saved"
	}
	return item, nil
}

func (s *Service) audit(ctx context.Context, d Draft, rep Report) {
	action := "post.send"
	if !rep.Immediate {
		action = "post.schedule"
	}
	e := storage.AuditEntry{
		At:         s.deps.Clock(),
		OperatorID: d.OperatorID,
		Action:     action,
		OK:         rep.Count(StatePosted) + rep.Count(StateScheduled),
		Fail:       len(rep.Items) - rep.Count(StatePosted) - rep.Count(StateScheduled),
	}
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

// PrepareAttachment builds the attachment for an uploaded file. Photos are
// downloaded and letterboxed; if that fails the original file reference is
// used unmodified. Videos and animations are always sent by reference.
func (s *Service) PrepareAttachment(ctx context.Context, kind post.AttachmentKind, fileID string) *post.Attachment {
	a := &post.Attachment{Kind: kind, Ref: fileID}
	if kind != post.KindPhoto || s.deps.Downloader == nil {
		return a
	}
	raw, err := s.deps.Downloader.DownloadFile(ctx, fileID)
	if err != nil {
		s.log.Warn("thumbnail download failed; using original", logx.Err(err))
		return a
	}
	out, err := imaging.Letterbox(raw, s.cfg.Image)
	if err != nil {
		s.log.Warn("thumbnail resize failed; using original", logx.Err(err))
		return a
	}
	a.Data = out
	return a
}

// Destinations lists the operator's registered channels.
func (s *Service) Destinations(ctx context.Context, operatorID int64) ([]post.Destination, error) {
	return s.deps.Store.ListDestinations(ctx, operatorID)
}
