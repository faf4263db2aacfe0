package link

import (
	"sync"

	"github.com/rs/zerolog"
)

// SlotStats is a point-in-time view of the state slot.
type SlotStats struct {
	Occupied    bool  `json:"occupied"`
	Timestamp   int64 `json:"timestamp,omitempty"`
	Sent        bool  `json:"sent"`
	Dispatching bool  `json:"dispatching"`
	LastSent    int64 `json:"last_sent,omitempty"`
}

type occupant struct {
	ts          int64
	session     int64
	ack         bool
	sent        bool
	dispatching bool
	body        []byte
	cb          Callbacks
}

// Slot holds at most one pending state snapshot. A newer snapshot supersedes
// whatever is waiting, sent or not.
type Slot struct {
	mu       sync.Mutex
	alloc    *Allocator
	epoch    *Epoch
	cur      *occupant
	lastSent int64

	settle func([]resolution)
	log    zerolog.Logger
}

func NewSlot(alloc *Allocator, epoch *Epoch, logger zerolog.Logger) *Slot {
	return &Slot{
		alloc:  alloc,
		epoch:  epoch,
		settle: fireAll,
		log:    logger.With().Str("channel", ChannelState.String()).Logger(),
	}
}

// Install replaces the occupant with a new snapshot and returns its timestamp.
// A previous occupant fails with ErrSuperseded before the new one is in
// place, so its OnError sees an empty slot. A snapshot installed from inside
// that callback is superseded in turn.
func (s *Slot) Install(body []byte, ack bool, cb Callbacks) int64 {
	s.mu.Lock()
	for s.cur != nil {
		prev := s.cur
		s.cur = nil
		s.mu.Unlock()
		s.settle([]resolution{s.resolution(prev, ErrSuperseded)})
		s.mu.Lock()
	}
	s.cur = &occupant{
		ts:      s.alloc.Next(),
		session: s.epoch.Current(),
		ack:     ack,
		body:    body,
		cb:      cb,
	}
	ts := s.cur.ts
	s.mu.Unlock()

	s.log.Debug().Int64("ts", ts).Bool("ack", ack).Msg("link.slot installed")
	return ts
}

// claim marks the occupant as being handed to the transport. It returns false
// when there is nothing new to send.
func (s *Slot) claim() (StateEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.cur
	if o == nil || o.sent || o.dispatching {
		return StateEnvelope{}, false
	}
	o.dispatching = true
	return StateEnvelope{
		Meta: Meta{Ack: o.ack, Timestamp: o.ts, Session: o.session},
		Body: o.body,
	}, true
}

// dispatched records the outcome of a SetState call for ts.
func (s *Slot) dispatched(ts int64, err error) {
	var rs []resolution
	s.mu.Lock()
	o := s.cur
	if o == nil || o.ts != ts {
		s.mu.Unlock()
		return
	}
	o.dispatching = false
	switch {
	case err == nil:
		s.lastSent = ts
		if o.ack {
			o.sent = true
		} else {
			s.cur = nil
			rs = append(rs, s.resolution(o, nil))
		}
	case IsTransient(err):
		o.sent = false
	default:
		s.cur = nil
		rs = append(rs, s.resolution(o, permanent(err)))
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Int64("ts", ts).Err(err).Msg("link.slot dispatch failed")
	}
	s.settle(rs)
}

// Acknowledge resolves the occupant when ts matches it. Confirmations for
// anything else are obsolete and leave the occupant in place.
func (s *Slot) Acknowledge(ts int64) bool {
	s.mu.Lock()
	o := s.cur
	if o == nil || o.ts != ts {
		s.mu.Unlock()
		s.log.Debug().Int64("ts", ts).Err(ErrObsolete).Msg("link.slot ack ignored")
		return false
	}
	s.cur = nil
	s.mu.Unlock()
	s.settle([]resolution{s.resolution(o, nil)})
	return true
}

// Reset fences the slot to epoch. An occupant stamped with another epoch fails
// with reason; an unstamped one adopts epoch and is retransmitted.
func (s *Slot) Reset(epoch int64, reason error) bool {
	rs := s.reset(epoch, reason)
	if len(rs) == 0 {
		return false
	}
	s.settle(rs)
	return true
}

func (s *Slot) reset(epoch int64, reason error) []resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.cur
	if o == nil {
		return nil
	}
	if o.session == 0 || o.session == epoch {
		o.session = epoch
		o.sent = false
		return nil
	}
	s.cur = nil
	return []resolution{s.resolution(o, reason)}
}

// rearm marks a sent occupant for retransmission. The frame that carried it
// may have died with the connection before the peer confirmed it.
func (s *Slot) rearm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.cur
	if o == nil || !o.sent {
		return false
	}
	o.sent = false
	return true
}

// Flush drops the occupant without invoking callbacks.
func (s *Slot) Flush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.cur != nil
	s.cur = nil
	return had
}

// Cancel removes the occupant if it carries ts.
func (s *Slot) Cancel(ts int64) bool {
	s.mu.Lock()
	o := s.cur
	if o == nil || o.ts != ts {
		s.mu.Unlock()
		return false
	}
	s.cur = nil
	s.mu.Unlock()
	s.settle([]resolution{s.resolution(o, ErrCanceled)})
	return true
}

// Timestamp reports the occupant's timestamp, or zero when empty.
func (s *Slot) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.ts
}

func (s *Slot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SlotStats{LastSent: s.lastSent}
	if o := s.cur; o != nil {
		st.Occupied = true
		st.Timestamp = o.ts
		st.Sent = o.sent
		st.Dispatching = o.dispatching
	}
	return st
}

func (s *Slot) resolution(o *occupant, err error) resolution {
	return resolution{channel: ChannelState, timestamp: o.ts, cb: o.cb, err: err}
}
