package bot

import (
	"sync"
	"time"

	"chanpost/internal/compose"
	"chanpost/internal/post"
)

type step int

const (
	stepNone step = iota
	stepAttachment
	stepLink
	stepInstructions
	stepMode
	stepTime
	stepChannels
	stepAddChannel
)

func (s step) String() string {
	switch s {
	case stepAttachment:
		return "attachment"
	case stepLink:
		return "link"
	case stepInstructions:
		return "instructions"
	case stepMode:
		return "mode"
	case stepTime:
		return "time"
	case stepChannels:
		return "channels"
	case stepAddChannel:
		return "add_channel"
	default:
		return "none"
	}
}

// session is one operator's in-progress conversation. It is only touched by
// the worker that owns the operator.
type session struct {
	step      step
	resume    step // where stepAddChannel returns to; stepNone ends the session
	content   post.Content
	immediate bool
	at        *time.Time
	sel       compose.Selection
	touched   time.Time
}

func (s *session) draft(operatorID int64) compose.Draft {
	d := compose.Draft{OperatorID: operatorID, Content: s.content, EntryIDs: s.sel.IDs()}
	if !s.immediate && s.at != nil {
		at := *s.at
		d.ScheduledFor = &at
	}
	return d
}

type sessions struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[int64]*session
}

func newSessions(ttl time.Duration, now func() time.Time) *sessions {
	return &sessions{ttl: ttl, now: now, m: map[int64]*session{}}
}

// get returns the live session for op, or nil.
func (s *sessions) get(op int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.m[op]
	if ss == nil {
		return nil
	}
	now := s.now()
	if now.Sub(ss.touched) > s.ttl {
		delete(s.m, op)
		return nil
	}
	ss.touched = now
	return ss
}

// start replaces any existing session for op.
func (s *sessions) start(op int64, st step) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := &session{step: st, touched: s.now()}
	s.m[op] = ss
	return ss
}

func (s *sessions) drop(op int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[op]
	delete(s.m, op)
	return ok
}

func (s *sessions) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for op, ss := range s.m {
		if now.Sub(ss.touched) > s.ttl {
			delete(s.m, op)
			n++
		}
	}
	return n
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
