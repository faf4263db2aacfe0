package link

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerlink/internal/logging"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Role        Role
	Peer        string
	Clock       clock.Clock
	Logger      *zerolog.Logger
	DedupWindow int
	// LogLevel is the directive an authority sends after a session reset.
	// Empty disables it.
	LogLevel string
	// OnLogLevel applies an inbound log-level directive.
	OnLogLevel func(level string) error
}

func DefaultConfig() Config {
	return Config{
		Role:        RoleFollower,
		Peer:        "local",
		DedupWindow: 256,
		LogLevel:    "2",
	}
}

// Snapshot is the admin view of a link.
type Snapshot struct {
	Peer              string       `json:"peer"`
	Role              string       `json:"role"`
	Epoch             int64        `json:"epoch"`
	Reachable         bool         `json:"reachable"`
	Activated         bool         `json:"activated"`
	Queues            []QueueStats `json:"queues"`
	State             SlotStats    `json:"state"`
	LastStateReceived int64        `json:"last_state_received,omitempty"`
}

// Link is one peer's delivery engine. It implements Receiver so a transport
// adapter can feed inbound traffic straight into it.
type Link struct {
	cfg       Config
	log       zerolog.Logger
	alloc     *Allocator
	epoch     *Epoch
	queues    []*Queue
	slot      *Slot
	router    *Router
	rec       *reconciler
	transport Transport

	// fenceMu serializes inbound epoch transitions and local resets.
	fenceMu sync.Mutex

	hmu          sync.RWMutex
	onReset      func(epoch int64)
	onReachable  func(bool)
	onActivation func(bool)

	lastStateRecv atomic.Int64
}

var _ Receiver = (*Link)(nil)

func New(cfg Config, tr Transport) (*Link, error) {
	if tr == nil {
		return nil, ErrTransportRequired
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Peer == "" {
		cfg.Peer = "local"
	}
	if cfg.OnLogLevel == nil {
		cfg.OnLogLevel = applyLogLevel
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("peer", cfg.Peer).Logger()

	alloc := NewAllocator(cfg.Clock)
	var initial int64
	if cfg.Role == RoleAuthority {
		initial = alloc.Now()
	}
	epoch := NewEpoch(cfg.Role, initial)

	router, err := NewRouter(cfg.DedupWindow, logger)
	if err != nil {
		return nil, err
	}

	l := &Link{
		cfg:       cfg,
		log:       logger,
		alloc:     alloc,
		epoch:     epoch,
		router:    router,
		transport: tr,
	}
	for _, ch := range queuedChannels {
		q := NewQueue(ch, alloc, epoch, logger)
		q.settle = l.settler(ch, q.Len)
		l.queues = append(l.queues, q)
	}
	l.slot = NewSlot(alloc, epoch, logger)
	l.slot.settle = l.settler(ChannelState, func() int {
		if l.slot.Timestamp() != 0 {
			return 1
		}
		return 0
	})
	l.rec = newReconciler(tr, l.queues, l.slot, logger)
	l.rec.onRetry = func(ch Channel) {
		observability.RecordResolved(cfg.Peer, ch.String(), observability.OutcomeRetrying, 1)
	}

	router.bindControl(TypeAck, l.controlAck(ChannelMessage))
	router.bindControl(TypeBackgroundAck, l.controlAck(ChannelBackground))
	router.bindControl(TypeStateAck, l.controlStateAck)
	router.bindControl(TypeReset, l.controlReset)
	router.bindControl(TypeLogLevel, l.controlLogLevel)

	if initial != 0 {
		observability.RecordEpoch(cfg.Peer, initial, "startup")
	}
	logger.Info().Str("role", cfg.Role.String()).Int64("session", initial).Msg("link.new")
	return l, nil
}

func applyLogLevel(level string) error {
	if _, ok := logging.SetLevel(level); !ok {
		return fmt.Errorf("link: unknown log level %q", level)
	}
	return nil
}

func (l *Link) queue(ch Channel) *Queue {
	for _, q := range l.queues {
		if q.Channel() == ch {
			return q
		}
	}
	return nil
}

func (l *Link) settler(ch Channel, depth func() int) func([]resolution) {
	return func(rs []resolution) {
		for _, r := range rs {
			observability.RecordResolved(l.cfg.Peer, ch.String(), outcomeLabel(r.err), 1)
		}
		observability.SetQueueDepth(l.cfg.Peer, ch.String(), depth())
		fireAll(rs)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeAcked
	case errors.Is(err, ErrSessionReset), errors.Is(err, ErrSuperseded):
		return observability.OutcomeReset
	default:
		return observability.OutcomeError
	}
}

// SendMessage queues a typed message on the interactive channel.
func (l *Link) SendMessage(msgType string, body []byte, ack bool, cb Callbacks) (int64, error) {
	if msgType == "" {
		return 0, fmt.Errorf("%w: empty message type", ErrProtocolViolation)
	}
	if IsReserved(msgType) {
		return 0, fmt.Errorf("%w: %s", ErrReservedType, msgType)
	}
	return l.enqueue(ChannelMessage, Entry{Type: msgType, Body: body, RequiresAck: ack, Callbacks: cb}), nil
}

// SendBinary queues a bulk payload.
func (l *Link) SendBinary(body []byte, ack bool, cb Callbacks) int64 {
	return l.enqueue(ChannelBinary, Entry{Body: body, RequiresAck: ack, Callbacks: cb})
}

// SendBackground queues a transfer that the transport delivers whenever the
// peer is next available.
func (l *Link) SendBackground(body []byte, ack bool, cb Callbacks) int64 {
	return l.enqueue(ChannelBackground, Entry{Body: body, RequiresAck: ack, Callbacks: cb})
}

// SendState replaces the pending state snapshot.
func (l *Link) SendState(body []byte, ack bool, cb Callbacks) int64 {
	ts := l.slot.Install(body, ack, cb)
	observability.RecordEnqueued(l.cfg.Peer, ChannelState.String(), ack)
	observability.SetQueueDepth(l.cfg.Peer, ChannelState.String(), 1)
	l.rec.Drain()
	return ts
}

func (l *Link) enqueue(ch Channel, e Entry) int64 {
	q := l.queue(ch)
	ts := q.Enqueue(e)
	observability.RecordEnqueued(l.cfg.Peer, ch.String(), e.RequiresAck)
	observability.SetQueueDepth(l.cfg.Peer, ch.String(), q.Len())
	l.rec.Drain()
	return ts
}

// Flush silently abandons everything pending on ch. Callbacks of flushed
// entries never run.
func (l *Link) Flush(ch Channel) int {
	var n int
	if ch == ChannelState {
		if l.slot.Flush() {
			n = 1
		}
	} else if q := l.queue(ch); q != nil {
		n = q.FlushAll()
	}
	l.recordFlushed(ch, n)
	l.rec.Drain()
	return n
}

// FlushType silently drops pending messages of one type.
func (l *Link) FlushType(msgType string) int {
	n := l.queue(ChannelMessage).FlushMatchingType(msgType)
	l.recordFlushed(ChannelMessage, n)
	l.rec.Drain()
	return n
}

func (l *Link) recordFlushed(ch Channel, n int) {
	if n == 0 {
		return
	}
	observability.RecordResolved(l.cfg.Peer, ch.String(), observability.OutcomeFlushed, n)
	depth := 0
	if q := l.queue(ch); q != nil {
		depth = q.Len()
	}
	observability.SetQueueDepth(l.cfg.Peer, ch.String(), depth)
	l.log.Info().Str("channel", ch.String()).Int("flushed", n).Msg("link.flush")
}

// Cancel removes one pending entry and fails it with ErrCanceled. A
// transmission already handed to the transport is not recalled.
func (l *Link) Cancel(ch Channel, ts int64) bool {
	var ok bool
	if ch == ChannelState {
		ok = l.slot.Cancel(ts)
	} else if q := l.queue(ch); q != nil {
		ok = q.ResolveMatching(ts, ErrCanceled)
	}
	if ok {
		l.rec.Drain()
	}
	return ok
}

// ResetSession mints a new epoch, fails all work of the previous one with
// ErrSessionReset and notifies the peer. It returns the notice timestamp; cb
// resolves when the peer confirms the notice.
func (l *Link) ResetSession(reason string, cb Callbacks) (int64, error) {
	if l.epoch.Role() != RoleAuthority {
		return 0, ErrNotAuthority
	}
	l.fenceMu.Lock()
	old, next := l.epoch.Renew(l.alloc.Now())
	notify := l.applyReset(old, next, ErrSessionReset, "local")
	l.fenceMu.Unlock()
	notify()

	notice := Entry{
		Type:        TypeReset,
		Body:        []byte(reason + ":" + strconv.FormatInt(old, 10)),
		RequiresAck: true,
		Callbacks:   cb,
	}
	var ts int64
	if l.transport.Reachable() {
		ts = l.enqueue(ChannelMessage, notice)
	} else {
		ts = l.enqueue(ChannelBackground, notice)
	}
	if l.cfg.LogLevel != "" {
		l.enqueue(ChannelMessage, Entry{Type: TypeLogLevel, Body: []byte(l.cfg.LogLevel)})
	}
	l.log.Info().Int64("from", old).Int64("to", next).Str("reason", reason).Int64("ts", ts).Msg("link.session reset")
	return ts, nil
}

// applyReset must run under fenceMu. It returns the notifications for the
// reset handler and for removed work; run them after fenceMu is released.
func (l *Link) applyReset(old, next int64, slotReason error, origin string) func() {
	type batch struct {
		settle func([]resolution)
		rs     []resolution
	}
	batches := make([]batch, 0, len(l.queues)+1)
	removed := 0
	for _, q := range l.queues {
		rs := q.resetAll(next)
		removed += len(rs)
		batches = append(batches, batch{settle: q.settle, rs: rs})
	}
	if rs := l.slot.reset(next, slotReason); len(rs) > 0 {
		removed += len(rs)
		batches = append(batches, batch{settle: l.slot.settle, rs: rs})
	}
	observability.RecordEpoch(l.cfg.Peer, next, origin)
	l.log.Info().
		Int64("from", old).
		Int64("to", next).
		Str("origin", origin).
		Int("removed", removed).
		Msg("link.session fenced")

	l.hmu.RLock()
	h := l.onReset
	l.hmu.RUnlock()
	return func() {
		if h != nil {
			h(next)
		}
		for _, b := range batches {
			b.settle(b.rs)
		}
	}
}

// fence classifies an inbound session id and applies an epoch transition when
// the peer has restarted. It reports whether the item should be processed.
func (l *Link) fence(ch Channel, ts, session int64) bool {
	l.fenceMu.Lock()
	v := l.epoch.Classify(session)
	var notify func()
	if v == VerdictAdvance {
		if old, ok := l.epoch.Advance(session); ok {
			notify = l.applyReset(old, session, ErrSuperseded, "peer")
		}
	}
	current := l.epoch.Current()
	l.fenceMu.Unlock()

	if notify != nil {
		notify()
	}
	switch v {
	case VerdictCurrent, VerdictAdvance:
		return true
	default:
		observability.RecordInboundDropped(l.cfg.Peer, v.String())
		l.log.Debug().
			Str("channel", ch.String()).
			Int64("ts", ts).
			Int64("session", session).
			Int64("epoch", current).
			Str("verdict", v.String()).
			Err(ErrObsolete).
			Msg("link.fence dropped inbound")
		return false
	}
}

func (l *Link) violation(ch Channel, ts int64, reason string) {
	observability.RecordInboundDropped(l.cfg.Peer, "violation")
	l.log.Warn().Str("channel", ch.String()).Int64("ts", ts).Err(ErrProtocolViolation).Msg("link.inbound " + reason)
}

func (l *Link) duplicate(ch Channel, ts int64) bool {
	if !l.router.Duplicate(ch, ts) {
		return false
	}
	observability.RecordInboundDropped(l.cfg.Peer, "duplicate")
	l.log.Debug().Str("channel", ch.String()).Int64("ts", ts).Msg("link.inbound duplicate dropped")
	return true
}

func (l *Link) ReceiveMessage(env Envelope) {
	ch := ChannelMessage
	if env.Type == TypeData {
		ch = ChannelBinary
	}
	if env.Timestamp == 0 || env.Type == "" {
		l.violation(ch, env.Timestamp, "message missing timestamp or type")
		return
	}
	if !l.fence(ch, env.Timestamp, env.Session) {
		l.rec.Drain()
		return
	}
	if !l.duplicate(ch, env.Timestamp) {
		l.router.Route(env)
	}
	l.rec.Drain()
}

func (l *Link) ReceiveBackground(env BackgroundEnvelope) {
	if env.Timestamp == 0 {
		l.violation(ChannelBackground, 0, "background missing timestamp")
		return
	}
	if !l.fence(ChannelBackground, env.Timestamp, env.Session) {
		l.rec.Drain()
		return
	}
	// Acknowledge repeats too; the first acknowledgment may have been lost.
	if env.Ack {
		l.sendControl(TypeBackgroundAck, strconv.FormatInt(env.Timestamp, 10))
	}
	if !l.duplicate(ChannelBackground, env.Timestamp) {
		if env.Type != "" {
			l.router.Route(Envelope{Timestamp: env.Timestamp, Session: env.Session, Type: env.Type, Body: env.Body})
		} else {
			l.router.RouteBackground(env.Timestamp, env.Body)
		}
	}
	l.rec.Drain()
}

func (l *Link) ReceiveState(env StateEnvelope) {
	if env.Timestamp == 0 {
		l.violation(ChannelState, 0, "state missing timestamp")
		return
	}
	if !l.fence(ChannelState, env.Timestamp, env.Session) {
		l.rec.Drain()
		return
	}
	if env.Ack {
		l.sendControl(TypeStateAck, strconv.FormatInt(env.Timestamp, 10))
	}
	if !l.duplicate(ChannelState, env.Timestamp) {
		l.lastStateRecv.Store(env.Timestamp)
		l.router.RouteState(env.Timestamp, env.Body)
	}
	l.rec.Drain()
}

func (l *Link) ReachabilityChanged(reachable bool) {
	observability.SetReachable(l.cfg.Peer, reachable)
	l.log.Info().Bool("reachable", reachable).Msg("link.reachability")
	l.hmu.RLock()
	h := l.onReachable
	l.hmu.RUnlock()
	if h != nil {
		h(reachable)
	}
	if reachable {
		l.rec.rearm()
		l.rec.resume(ChannelMessage)
		return
	}
	l.rec.Drain()
}

func (l *Link) ActivationChanged(activated bool) {
	l.log.Info().Bool("activated", activated).Msg("link.activation")
	l.hmu.RLock()
	h := l.onActivation
	l.hmu.RUnlock()
	if h != nil {
		h(activated)
	}
	if activated {
		l.rec.resume(ChannelBackground)
		return
	}
	l.rec.Drain()
}

func (l *Link) sendControl(msgType, body string) {
	l.enqueue(ChannelMessage, Entry{Type: msgType, Body: []byte(body)})
}

func (l *Link) controlAck(ch Channel) func(Envelope) {
	return func(env Envelope) {
		ts, err := strconv.ParseInt(strings.TrimSpace(string(env.Body)), 10, 64)
		if err != nil || ts == 0 {
			l.violation(ch, env.Timestamp, "acknowledgment with malformed timestamp")
			return
		}
		l.queue(ch).ResolveUpTo(ts, nil)
	}
}

func (l *Link) controlStateAck(env Envelope) {
	ts, err := strconv.ParseInt(strings.TrimSpace(string(env.Body)), 10, 64)
	if err != nil || ts == 0 {
		l.violation(ChannelState, env.Timestamp, "state acknowledgment with malformed timestamp")
		return
	}
	l.slot.Acknowledge(ts)
}

// controlReset only reports the notice; the epoch carried by the envelope has
// already been fenced.
func (l *Link) controlReset(env Envelope) {
	reason, prev := string(env.Body), ""
	if i := strings.LastIndexByte(reason, ':'); i >= 0 {
		reason, prev = reason[:i], reason[i+1:]
	}
	l.log.Info().
		Str("reason", reason).
		Str("previous", prev).
		Int64("session", env.Session).
		Msg("link.session reset notice")
}

func (l *Link) controlLogLevel(env Envelope) {
	level := strings.TrimSpace(string(env.Body))
	if err := l.cfg.OnLogLevel(level); err != nil {
		l.log.Warn().Err(err).Msg("link.loglevel rejected")
		return
	}
	l.log.Info().Str("level", level).Msg("link.loglevel applied")
}

func (l *Link) BindHandler(msgType string, h Handler) error {
	return l.router.Bind(msgType, h)
}

func (l *Link) BindPattern(expr string, h Handler) error {
	return l.router.BindPattern(expr, h)
}

func (l *Link) BindDefaultHandler(h Handler) {
	l.router.BindDefault(h)
}

func (l *Link) BindBinaryHandler(h PayloadHandler) {
	l.router.BindBinary(h)
}

func (l *Link) BindBackgroundHandler(h PayloadHandler) {
	l.router.BindBackground(h)
}

func (l *Link) BindStateHandler(h PayloadHandler) {
	l.router.BindState(h)
}

// BindResetHandler is notified once per epoch transition, local or peer
// initiated, with the new epoch.
func (l *Link) BindResetHandler(h func(epoch int64)) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.onReset = h
}

func (l *Link) BindReachabilityHandler(h func(bool)) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.onReachable = h
}

func (l *Link) BindActivationHandler(h func(bool)) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.onActivation = h
}

func (l *Link) Role() Role {
	return l.epoch.Role()
}

func (l *Link) Epoch() int64 {
	return l.epoch.Current()
}

// Drain re-evaluates every queue. Callers rarely need it; every event that
// can unblock delivery already drains.
func (l *Link) Drain() {
	l.rec.Drain()
}

func (l *Link) Snapshot() Snapshot {
	s := Snapshot{
		Peer:              l.cfg.Peer,
		Role:              l.epoch.Role().String(),
		Epoch:             l.epoch.Current(),
		Reachable:         l.transport.Reachable(),
		Activated:         l.transport.Activated(),
		State:             l.slot.Stats(),
		LastStateReceived: l.lastStateRecv.Load(),
	}
	for _, q := range l.queues {
		s.Queues = append(s.Queues, q.Stats())
	}
	return s
}
