package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"chanpost/internal/post"
)

type memRecord struct {
	rec       post.Record
	claimedAt time.Time
}

type memStore struct {
	opt options

	mu      sync.Mutex
	posts   map[string]*memRecord
	dests   map[string]post.Destination
	byOwner map[destKey]string
	audit   []AuditEntry
}

type destKey struct {
	operator int64
	dest     string
}

func newMemory(o options) *memStore {
	return &memStore{
		opt:     o,
		posts:   map[string]*memRecord{},
		dests:   map[string]post.Destination{},
		byOwner: map[destKey]string{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreatePost(ctx context.Context, r post.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := prepareCreate(r, s.opt.clock())
	if err != nil {
		return "", err
	}
	r.ID = s.opt.newID()
	r.Content = cloneContent(r.Content)

	s.mu.Lock()
	s.posts[r.ID] = &memRecord{rec: r}
	s.mu.Unlock()
	return r.ID, nil
}

func (s *memStore) GetPost(ctx context.Context, id string) (post.Record, error) {
	if err := ctx.Err(); err != nil {
		return post.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.posts[id]
	if !ok {
		return post.Record{}, ErrNotFound
	}
	return copyRecord(m.rec), nil
}

func (s *memStore) ListPosts(ctx context.Context, q PostQuery) ([]post.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]post.Record, 0)
	for _, m := range s.posts {
		if m.rec.OperatorID == q.OperatorID && m.rec.Status == q.Status {
			out = append(out, copyRecord(m.rec))
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := sortKey(out[i]), sortKey(out[j])
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		if q.Order == Descending {
			return a.After(b)
		}
		return a.Before(b)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]post.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]post.Record, 0)
	for _, m := range s.posts {
		if m.rec.Status == post.StatusScheduled && !m.rec.ScheduledFor.After(asOf) {
			out = append(out, copyRecord(m.rec))
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := *out[i].ScheduledFor, *out[j].ScheduledFor
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ClaimPost(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.posts[id]
	if !ok {
		return false, nil
	}
	if m.rec.Status != post.StatusScheduled || m.rec.ScheduledFor.After(at) {
		return false, nil
	}
	m.rec.Status = post.StatusDelivering
	m.claimedAt = at
	return true, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, status post.Status, at time.Time, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if !canFinish(m.rec.Status, status) {
		return ErrNotPending
	}
	finish(&m.rec, status, at, errMsg)
	m.claimedAt = time.Time{}
	return nil
}

func (s *memStore) DeletePost(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *memStore) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.posts[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.rec.Status != post.StatusScheduled {
		return false, nil
	}
	delete(s.posts, id)
	return true, nil
}

func (s *memStore) RecoverStale(ctx context.Context, claimedBefore time.Time, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.opt.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.posts {
		if m.rec.Status == post.StatusDelivering && m.claimedAt.Before(claimedBefore) {
			finish(&m.rec, post.StatusFailed, now, reason)
			m.claimedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *memStore) AddDestination(ctx context.Context, d post.Destination) (post.Destination, error) {
	if err := ctx.Err(); err != nil {
		return post.Destination{}, err
	}
	if err := checkDestination(d); err != nil {
		return post.Destination{}, err
	}
	key := destKey{operator: d.OperatorID, dest: d.DestinationID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOwner[key]; ok {
		return post.Destination{}, &post.DuplicateError{OperatorID: d.OperatorID, DestinationID: d.DestinationID}
	}
	d.ID = s.opt.newID()
	d.AddedAt = s.opt.clock()
	s.dests[d.ID] = d
	s.byOwner[key] = d.ID
	return d, nil
}

func (s *memStore) GetDestination(ctx context.Context, entryID string) (post.Destination, error) {
	if err := ctx.Err(); err != nil {
		return post.Destination{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dests[entryID]
	if !ok {
		return post.Destination{}, ErrNotFound
	}
	return d, nil
}

func (s *memStore) ListDestinations(ctx context.Context, operatorID int64) ([]post.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]post.Destination, 0)
	for _, d := range s.dests {
		if d.OperatorID == operatorID {
			out = append(out, d)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

func (s *memStore) RemoveDestination(ctx context.Context, entryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dests[entryID]
	if !ok {
		return ErrNotFound
	}
	delete(s.dests, entryID)
	delete(s.byOwner, destKey{operator: d.OperatorID, dest: d.DestinationID})
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = s.opt.clock()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func finish(r *post.Record, status post.Status, at time.Time, errMsg string) {
	t := at
	r.Status = status
	switch status {
	case post.StatusPosted:
		r.PostedAt = &t
		r.FailedAt = nil
		r.LastError = ""
	case post.StatusFailed:
		r.FailedAt = &t
		r.PostedAt = nil
		r.LastError = errMsg
		if r.LastError == "" {
			r.LastError = "unknown error"
		}
	}
}

func sortKey(r post.Record) time.Time {
	switch r.Status {
	case post.StatusPosted:
		if r.PostedAt != nil {
			return *r.PostedAt
		}
	case post.StatusFailed:
		if r.FailedAt != nil {
			return *r.FailedAt
		}
	default:
		if r.ScheduledFor != nil {
			return *r.ScheduledFor
		}
	}
	return r.CreatedAt
}

func checkDestination(d post.Destination) error {
	if d.OperatorID == 0 {
		return post.Invalid("operator_id", "required")
	}
	if d.DestinationID == "" {
		return post.Invalid("destination_id", "required")
	}
	return nil
}

func copyRecord(r post.Record) post.Record {
	r.Content = cloneContent(r.Content)
	r.ScheduledFor = cloneTime(r.ScheduledFor)
	r.PostedAt = cloneTime(r.PostedAt)
	r.FailedAt = cloneTime(r.FailedAt)
	return r
}

func cloneContent(c post.Content) post.Content {
	if c.Attachment != nil {
		a := *c.Attachment
		a.Data = append([]byte(nil), a.Data...)
		if len(a.Data) == 0 {
			a.Data = nil
		}
		c.Attachment = &a
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
