package link

import (
	"sync"

	"github.com/rs/zerolog"
)

// reconciler is the drain loop. It owns no goroutine: every trigger (enqueue,
// reply, error, reachability) calls Drain, and a call that arrives while a
// drain is already running is folded into one more pass of that drain.
type reconciler struct {
	mu      sync.Mutex
	running bool
	pending bool

	transport Transport
	queues    []*Queue
	slot      *Slot
	log       zerolog.Logger

	onRetry func(ch Channel)
}

func newReconciler(tr Transport, queues []*Queue, slot *Slot, logger zerolog.Logger) *reconciler {
	return &reconciler{
		transport: tr,
		queues:    queues,
		slot:      slot,
		log:       logger,
		onRetry:   func(Channel) {},
	}
}

func (r *reconciler) Drain() {
	if !r.begin() {
		return
	}
	for {
		r.drainOnce()
		if !r.finish() {
			return
		}
	}
}

func (r *reconciler) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.pending = true
		return false
	}
	r.running = true
	r.pending = false
	return true
}

func (r *reconciler) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		r.pending = false
		return true
	}
	r.running = false
	return false
}

func (r *reconciler) drainOnce() {
	for _, q := range r.queues {
		for r.eligible(q.Channel()) {
			e, ok := q.claimHead()
			if !ok {
				break
			}
			r.transmit(q, e)
			if e.RequiresAck {
				break
			}
		}
	}
	r.dispatchState()
}

func (r *reconciler) eligible(ch Channel) bool {
	switch ch {
	case ChannelBackground, ChannelState:
		return r.transport.Activated()
	default:
		return r.transport.Reachable()
	}
}

func (r *reconciler) transmit(q *Queue, e Entry) {
	r.log.Debug().
		Str("channel", e.Channel.String()).
		Int64("ts", e.Timestamp).
		Int64("session", e.Session).
		Str("type", e.Type).
		Bool("ack", e.RequiresAck).
		Msg("link.drain transmit")

	if e.Channel == ChannelBackground {
		r.transport.TransferBackground(BackgroundEnvelope{
			Meta: Meta{Ack: e.RequiresAck, Timestamp: e.Timestamp, Session: e.Session},
			Type: e.Type,
			Body: e.Body,
		})
		if !e.RequiresAck {
			q.settle([]resolution{resolve(e, nil)})
		}
		return
	}

	env := Envelope{Timestamp: e.Timestamp, Session: e.Session, Type: e.Type, Body: e.Body}
	if e.Channel == ChannelBinary {
		env.Type = TypeData
	}
	if !e.RequiresAck {
		r.transport.Send(env, nil, func(err error) {
			r.log.Debug().Int64("ts", e.Timestamp).Err(err).Msg("link.drain unacknowledged send failed")
		})
		q.settle([]resolution{resolve(e, nil)})
		return
	}
	r.transport.Send(env,
		func(rep Reply) { r.handleReply(q, e.Timestamp, rep) },
		func(err error) { r.handleError(q, e.Timestamp, err) },
	)
}

// handleReply closes the gap up to the confirmed timestamp.
func (r *reconciler) handleReply(q *Queue, sent int64, rep Reply) {
	if rep.Timestamp == 0 {
		r.log.Warn().Int64("ts", sent).Err(ErrProtocolViolation).Msg("link.drain reply without timestamp")
		q.release()
		r.Drain()
		return
	}
	q.ResolveUpTo(rep.Timestamp, nil)
	r.Drain()
}

func (r *reconciler) handleError(q *Queue, ts int64, err error) {
	if IsTransient(err) {
		if q.markTransient(ts) {
			r.onRetry(q.Channel())
			r.log.Debug().Str("channel", q.Channel().String()).Int64("ts", ts).Msg("link.drain parked until reachable")
			// The adapter may already have come back before this callback ran.
			if r.eligible(q.Channel()) {
				q.resume()
			}
		}
		r.Drain()
		return
	}
	if _, found := q.fail(ts, permanent(err)); !found {
		r.log.Debug().Str("channel", q.Channel().String()).Int64("ts", ts).Err(ErrObsolete).Msg("link.drain error for unknown entry")
	} else {
		r.log.Warn().Str("channel", q.Channel().String()).Int64("ts", ts).Err(err).Msg("link.drain delivery failed")
	}
	r.Drain()
}

func (r *reconciler) dispatchState() {
	if !r.eligible(ChannelState) {
		return
	}
	env, ok := r.slot.claim()
	if !ok {
		return
	}
	err := r.transport.SetState(env)
	r.slot.dispatched(env.Timestamp, err)
}

// rearm runs when a connection comes up. Background transfers and state are
// confirmed only by a control message from the peer, so whatever was handed
// to the previous connection is released and sent again. The receiver drops
// the repeat and acknowledges it once more.
func (r *reconciler) rearm() {
	for _, q := range r.queues {
		if q.Channel() != ChannelBackground {
			continue
		}
		if ts, ok := q.inFlightHead(); ok {
			r.log.Debug().Int64("ts", ts).Msg("link.drain background rearmed")
			q.release()
		}
		q.resume()
	}
	if r.slot.rearm() {
		r.log.Debug().Msg("link.drain state rearmed")
	}
}

// resume unparks the queues gated on the given signal and drains.
func (r *reconciler) resume(gate Channel) {
	for _, q := range r.queues {
		if gate == ChannelBackground && q.Channel() != ChannelBackground {
			continue
		}
		if gate != ChannelBackground && q.Channel() == ChannelBackground {
			continue
		}
		q.resume()
	}
	r.Drain()
}
