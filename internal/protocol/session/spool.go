package session

import (
	"sync"

	"github.com/danmuck/peerlink/internal/protocol/schema"
)

// Spool holds background and state envelopes written while no connection is
// up. Background transfers keep their order; state keeps only the latest.
type Spool struct {
	mu         sync.Mutex
	limit      int
	background []Envelope
	state      *Envelope
	dropped    int
}

func NewSpool(limit int) *Spool {
	if limit <= 0 {
		limit = DefaultConfig().SpoolLimit
	}
	return &Spool{limit: limit}
}

// PushBackground appends env. When the spool is full the oldest transfer is
// discarded and false is returned.
func (s *Spool) PushBackground(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background = append(s.background, env)
	if len(s.background) <= s.limit {
		return true
	}
	s.background[0] = Envelope{}
	s.background = s.background[1:]
	s.dropped++
	return false
}

// SetState replaces the spooled state envelope.
func (s *Spool) SetState(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &env
}

// Take empties the spool and returns its contents in delivery order:
// background transfers first, then the latest state.
func (s *Spool) Take() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, len(s.background)+1)
	out = append(out, s.background...)
	if s.state != nil {
		out = append(out, *s.state)
	}
	s.background = nil
	s.state = nil
	return out
}

// Requeue puts envelopes that could not be written back at the front.
func (s *Spool) Requeue(envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var bg []Envelope
	for _, env := range envs {
		if env.Kind == schema.MsgState {
			if s.state == nil {
				cp := env
				s.state = &cp
			}
			continue
		}
		bg = append(bg, env)
	}
	s.background = append(bg, s.background...)
}

func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.background)
	if s.state != nil {
		n++
	}
	return n
}

func (s *Spool) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
