package link

import (
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Channel           string `json:"channel"`
	Depth             int    `json:"depth"`
	InFlight          bool   `json:"in_flight"`
	InFlightTimestamp int64  `json:"in_flight_timestamp,omitempty"`
	Parked            bool   `json:"parked"`
	HeadTimestamp     int64  `json:"head_timestamp,omitempty"`
}

// Queue is the ordered pending set for one channel. Entries stay sorted by
// timestamp and only the head may be in flight.
type Queue struct {
	mu         sync.Mutex
	channel    Channel
	alloc      *Allocator
	epoch      *Epoch
	entries    []Entry
	inFlight   bool
	inFlightTS int64
	parked     bool

	settle func([]resolution)
	log    zerolog.Logger
}

func NewQueue(ch Channel, alloc *Allocator, epoch *Epoch, logger zerolog.Logger) *Queue {
	return &Queue{
		channel: ch,
		alloc:   alloc,
		epoch:   epoch,
		entries: make([]Entry, 0, 8),
		settle:  fireAll,
		log:     logger.With().Str("channel", ch.String()).Logger(),
	}
}

func (q *Queue) Channel() Channel {
	return q.channel
}

// Enqueue assigns the timestamp and current epoch and appends e. Allocation
// happens under the queue lock so append order is timestamp order.
func (q *Queue) Enqueue(e Entry) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.Channel = q.channel
	e.Timestamp = q.alloc.Next()
	e.Session = q.epoch.Current()
	q.entries = append(q.entries, e)
	q.log.Debug().
		Int64("ts", e.Timestamp).
		Int64("session", e.Session).
		Bool("ack", e.RequiresAck).
		Str("type", e.Type).
		Msg("link.queue enqueued")
	return e.Timestamp
}

// Find returns the index of the pending entry with exactly ts. Earlier
// entries are skipped; their confirmations were probably lost.
func (q *Queue) Find(ts int64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.find(ts)
}

func (q *Queue) find(ts int64) (int, bool) {
	for i := 0; i < len(q.entries) && q.entries[i].Timestamp <= ts; i++ {
		if q.entries[i].Timestamp == ts {
			return i, true
		}
	}
	return -1, false
}

// ResolveUpTo removes every entry with timestamp <= ts. Entries older than ts
// resolve as acknowledged; the entry equal to ts resolves with outcome (nil
// means acknowledged).
func (q *Queue) ResolveUpTo(ts int64, outcome error) int {
	rs := q.resolveUpTo(ts, outcome)
	q.settle(rs)
	return len(rs)
}

func (q *Queue) resolveUpTo(ts int64, outcome error) []resolution {
	q.mu.Lock()
	defer q.mu.Unlock()
	var rs []resolution
	for len(q.entries) > 0 && q.entries[0].Timestamp <= ts {
		head := q.entries[0]
		q.entries = q.entries[1:]
		if head.Timestamp < ts {
			q.log.Debug().Int64("ts", head.Timestamp).Int64("confirmed", ts).
				Msg("link.queue confirmation lost, presumed delivered")
			rs = append(rs, resolve(head, nil))
			continue
		}
		rs = append(rs, resolve(head, outcome))
	}
	if len(rs) == 0 {
		q.log.Debug().Int64("ts", ts).Err(ErrObsolete).Msg("link.queue resolve matched nothing")
	}
	q.clearInFlight()
	return rs
}

// ResolveMatching removes only the entry with exactly ts, wherever it sits.
func (q *Queue) ResolveMatching(ts int64, outcome error) bool {
	r, ok := q.resolveMatching(ts, outcome)
	if ok {
		q.settle([]resolution{r})
	}
	return ok
}

func (q *Queue) resolveMatching(ts int64, outcome error) (resolution, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Timestamp >= ts })
	if i == len(q.entries) || q.entries[i].Timestamp != ts {
		return resolution{}, false
	}
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	if i == 0 {
		q.clearInFlight()
	}
	return resolve(e, outcome), true
}

// ResetAll fences the queue to epoch: unstamped entries adopt it, entries of
// any other epoch are removed and fail with ErrSessionReset.
func (q *Queue) ResetAll(epoch int64) int {
	rs := q.resetAll(epoch)
	q.settle(rs)
	return len(rs)
}

func (q *Queue) resetAll(epoch int64) []resolution {
	q.mu.Lock()
	defer q.mu.Unlock()
	var rs []resolution
	kept := q.entries[:0]
	for _, e := range q.entries {
		switch {
		case e.Session == 0:
			e.Session = epoch
			kept = append(kept, e)
		case e.Session != epoch:
			rs = append(rs, resolve(e, ErrSessionReset))
		default:
			kept = append(kept, e)
		}
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	q.clearInFlight()
	if len(rs) > 0 {
		q.log.Info().Int64("session", epoch).Int("removed", len(rs)).Msg("link.queue session reset")
	}
	return rs
}

// FlushAll drops every entry without invoking callbacks.
func (q *Queue) FlushAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	clear(q.entries)
	q.entries = q.entries[:0]
	q.clearInFlight()
	return n
}

// FlushMatchingType silently drops entries of one message type.
func (q *Queue) FlushMatchingType(msgType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	kept := q.entries[:0]
	for i, e := range q.entries {
		if e.Type == msgType {
			if i == 0 {
				q.clearInFlight()
			}
			n++
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	return n
}

// claimHead picks the next entry to transmit. Heads left over from another
// epoch are dropped silently. An acknowledged head is marked in flight and
// stays queued; an unacknowledged head is removed.
func (q *Queue) claimHead() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight || q.parked {
		return Entry{}, false
	}
	current := q.epoch.Current()
	for len(q.entries) > 0 {
		head := q.entries[0]
		if head.Session != 0 && head.Session != current {
			q.log.Debug().Int64("ts", head.Timestamp).Int64("session", head.Session).
				Msg("link.queue dropped stale head")
			q.entries = q.entries[1:]
			continue
		}
		if head.RequiresAck {
			q.inFlight = true
			q.inFlightTS = head.Timestamp
		} else {
			q.entries = q.entries[1:]
		}
		return head, true
	}
	return Entry{}, false
}

// markTransient releases the in-flight claim after an unreachable error and
// parks the queue until reachability returns.
func (q *Queue) markTransient(ts int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, found := q.find(ts)
	q.clearInFlight()
	if found {
		q.parked = true
	}
	return found
}

// fail resolves ts and everything before it after a permanent error.
func (q *Queue) fail(ts int64, err error) (int, bool) {
	if _, found := q.Find(ts); !found {
		q.release()
		return 0, false
	}
	return q.ResolveUpTo(ts, err), true
}

// release drops the in-flight claim so the head is transmitted again.
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearInFlight()
}

func (q *Queue) inFlightHead() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlightTS, q.inFlight
}

func (q *Queue) resume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := q.parked
	q.parked = false
	return was
}

func (q *Queue) clearInFlight() {
	q.inFlight = false
	q.inFlightTS = 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the pending entries in order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStats{
		Channel:           q.channel.String(),
		Depth:             len(q.entries),
		InFlight:          q.inFlight,
		InFlightTimestamp: q.inFlightTS,
		Parked:            q.parked,
	}
	if len(q.entries) > 0 {
		st.HeadTimestamp = q.entries[0].Timestamp
	}
	return st
}
