package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

type pendingReply struct {
	onReply func(link.Reply)
	onError func(error)
}

// Adapter carries one link over a single TCP (optionally TLS) connection. It
// implements link.Transport. Interactive sends require a live connection;
// background and state envelopes are spooled and written once one exists.
type Adapter struct {
	cfg  Config
	log  zerolog.Logger
	halt *idem.Halter
	rng  *rand.Rand
	wg   sync.WaitGroup

	spool *session.Spool

	mu        sync.Mutex
	recv      link.Receiver
	listener  net.Listener
	conn      net.Conn
	remote    session.Hello
	reachable bool
	activated bool
	started   bool
	pending   map[int64]pendingReply

	// wmu serializes frame writes on the current connection; fmu keeps
	// spool flushes in spool order.
	wmu sync.Mutex
	fmu sync.Mutex
}

var _ link.Transport = (*Adapter)(nil)

func New(cfg Config, logger *zerolog.Logger) *Adapter {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = DefaultConfig().Limits
	}
	cfg.Session = cfg.Session.WithDefaults()
	base := log.Logger
	if logger != nil {
		base = *logger
	}
	return &Adapter{
		cfg:     cfg,
		log:     base.With().Str("transport", "tcp").Str("mode", string(cfg.Mode)).Logger(),
		halt:    idem.NewHalter(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		spool:   session.NewSpool(cfg.Session.SpoolLimit),
		pending: make(map[int64]pendingReply),
	}
}

// Start binds (listen mode) or begins dialing (dial mode) and feeds inbound
// traffic to recv. It returns once the listener is bound; dialing continues in
// the background until ctx ends or Close is called.
func (a *Adapter) Start(ctx context.Context, recv link.Receiver) error {
	if recv == nil {
		return ErrReceiverMissing
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}
	if a.halt.ReqStop.IsClosed() {
		return ErrClosed
	}

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.recv = recv
	a.mu.Unlock()

	switch a.cfg.Mode {
	case ModeListen:
		ln, err := a.listen()
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		a.log.Info().Str("addr", ln.Addr().String()).Bool("tls", a.cfg.Session.TLS.Enabled).Msg("tcp.Adapter listening")
		a.spawn(func() { a.acceptLoop(ln) })
	case ModeDial:
		a.spawn(func() { a.dialLoop(ctx) })
	}
	a.spawn(a.heartbeatLoop)
	// Not tracked by wg: Close waits on wg and may run from here.
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.halt.ReqStop.Chan:
		}
	}()
	return nil
}

func (a *Adapter) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Addr is the bound listen address, or nil before Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Remote is the hello of the currently connected peer.
func (a *Adapter) Remote() (session.Hello, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote, a.conn != nil
}

// Close stops every loop and closes the listener and connection. It is safe
// to call more than once.
func (a *Adapter) Close() error {
	if a.halt.ReqStop.IsClosed() {
		<-a.halt.Done.Chan
		return nil
	}
	a.halt.ReqStop.Close()

	a.mu.Lock()
	ln := a.listener
	conn := a.conn
	a.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ignoreClosed(ln.Close()))
	}
	if conn != nil {
		a.drop(conn, ErrClosed)
	}
	a.wg.Wait()
	a.halt.Done.Close()
	a.log.Info().Err(err).Msg("tcp.Adapter closed")
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (a *Adapter) Reachable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable
}

// Activated latches once the first hello has been exchanged and stays set for
// the adapter's lifetime: the peer has been seen at least once, and background
// and state envelopes may be spooled for it across disconnects. Whether a
// connection is up right now is Reachable.
func (a *Adapter) Activated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activated
}

// Send writes env on the live connection. With no connection the adapter
// reports ErrUnreachable right away.
func (a *Adapter) Send(env link.Envelope, onReply func(link.Reply), onError func(error)) {
	if onError == nil {
		onError = func(error) {}
	}
	f, err := session.EncodeEnvelope(session.Envelope{
		Kind:        schema.MsgMessage,
		Timestamp:   env.Timestamp,
		Session:     env.Session,
		Type:        env.Type,
		Body:        env.Body,
		ExpectReply: onReply != nil,
	}, a.cfg.Session.CompressThreshold)
	if err != nil {
		onError(&link.TransportError{Reason: "encode message", Err: err})
		return
	}

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		onError(fmt.Errorf("%w: not connected", link.ErrUnreachable))
		return
	}
	if onReply != nil {
		a.pending[env.Timestamp] = pendingReply{onReply: onReply, onError: onError}
	}
	a.mu.Unlock()

	if err := a.write(conn, f); err != nil {
		// drop fails every registered reply, including this one.
		a.drop(conn, err)
		if onReply == nil {
			onError(fmt.Errorf("%w: %v", link.ErrUnreachable, err))
		}
	}
}

func (a *Adapter) TransferBackground(env link.BackgroundEnvelope) {
	if ok := a.spool.PushBackground(session.Envelope{
		Kind:      schema.MsgBackground,
		Timestamp: env.Timestamp,
		Session:   env.Session,
		Type:      env.Type,
		Body:      env.Body,
		Ack:       env.Ack,
	}); !ok {
		a.log.Warn().Int("dropped", a.spool.Dropped()).Msg("tcp.Adapter spool full, oldest background transfer dropped")
		observability.RecordSpoolDropped(a.cfg.PeerID)
	}
	a.flush()
}

func (a *Adapter) SetState(env link.StateEnvelope) error {
	out := session.Envelope{
		Kind:      schema.MsgState,
		Timestamp: env.Timestamp,
		Session:   env.Session,
		Body:      env.Body,
		Ack:       env.Ack,
	}
	if _, err := session.EncodeEnvelope(out, 0); err != nil {
		return &link.TransportError{Reason: "encode state", Err: err}
	}
	a.spool.SetState(out)
	a.flush()
	return nil
}

// flush writes everything spooled when a connection is up.
func (a *Adapter) flush() {
	a.fmu.Lock()
	defer a.fmu.Unlock()
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	envs := a.spool.Take()
	for i, env := range envs {
		f, err := session.EncodeEnvelope(env, a.cfg.Session.CompressThreshold)
		if err != nil {
			a.log.Error().Err(err).Int64("ts", env.Timestamp).Msg("tcp.Adapter dropping unencodable spooled envelope")
			continue
		}
		if err := a.write(conn, f); err != nil {
			a.spool.Requeue(envs[i:])
			a.drop(conn, err)
			return
		}
	}
}

func (a *Adapter) write(conn net.Conn, f frame.Frame) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.Session.WriteTimeout)); err != nil {
		return err
	}
	return frame.WriteFrame(conn, f, a.cfg.Limits)
}

func (a *Adapter) listen() (net.Listener, error) {
	if !a.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", a.cfg.Address)
	}
	tlsCfg, err := a.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", a.cfg.Address, tlsCfg)
}

func (a *Adapter) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.halt.ReqStop.IsClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn().Err(err).Msg("tcp.Adapter accept")
			continue
		}
		a.spawn(func() {
			if err := a.serve(conn); err != nil {
				a.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("tcp.Adapter connection ended")
			}
		})
	}
}

func (a *Adapter) dialLoop(ctx context.Context) {
	attempt := 0
	for !a.halt.ReqStop.IsClosed() {
		attempt++
		conn, err := a.dial(ctx)
		if err == nil {
			attempt = 0
			if err := a.serve(conn); err != nil {
				a.log.Info().Err(err).Msg("tcp.Adapter connection ended")
			}
			if a.halt.ReqStop.IsClosed() {
				return
			}
			attempt = 1
		} else {
			a.log.Warn().Int("attempt", attempt).Str("addr", a.cfg.Address).Err(err).Msg("tcp.Adapter dial")
			if limit := a.cfg.Session.MaxConnectAttempts; limit > 0 && attempt >= limit {
				a.log.Error().Int("attempts", attempt).Msg("tcp.Adapter giving up")
				return
			}
		}
		if !a.sleepBackoff(ctx, attempt) {
			return
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: a.cfg.Session.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", a.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !a.cfg.Session.TLS.Enabled {
		return raw, nil
	}
	tlsCfg, err := a.cfg.Session.ClientTLSConfig(a.cfg.Address)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, a.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Adapter) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := session.NextBackoffDelay(a.cfg.Session.Backoff, attempt, a.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.halt.ReqStop.Chan:
		return false
	case <-timer.C:
		return true
	}
}

func (a *Adapter) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.halt.ReqStop.Chan:
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			continue
		}
		f, _ := session.EncodeEnvelope(session.Envelope{Kind: schema.MsgHeartbeat}, 0)
		if err := a.write(conn, f); err != nil {
			a.drop(conn, err)
		}
	}
}

// install makes conn current, replacing any older connection.
// Replies still owed by the older connection are returned as stale.
func (a *Adapter) install(conn net.Conn, remote session.Hello) (prev net.Conn, stale map[int64]pendingReply, firstActivation bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halt.ReqStop.IsClosed() {
		return nil, nil, false, ErrClosed
	}
	prev = a.conn
	if prev != nil {
		stale = a.pending
		a.pending = make(map[int64]pendingReply)
		// markReachable reports the new connection as a fresh one.
		a.reachable = false
	}
	a.conn = conn
	a.remote = remote
	firstActivation = !a.activated
	a.activated = true
	return prev, stale, firstActivation, nil
}

// drop retires conn. Reachability goes false before any pending reply is
// failed so the link does not immediately retransmit into a dead connection.
func (a *Adapter) drop(conn net.Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.conn = nil
	a.remote = session.Hello{}
	wasReachable := a.reachable
	a.reachable = false
	failed := a.pending
	a.pending = make(map[int64]pendingReply)
	recv := a.recv
	a.mu.Unlock()

	_ = conn.Close()
	a.log.Info().Err(cause).Int("pending", len(failed)).Msg("tcp.Adapter connection dropped")
	if wasReachable && recv != nil {
		recv.ReachabilityChanged(false)
	}
	for ts, p := range failed {
		p.onError(fmt.Errorf("%w: ts=%d: %v", link.ErrUnreachable, ts, cause))
	}
}

func (a *Adapter) markReachable(conn net.Conn) {
	a.mu.Lock()
	if a.conn != conn || a.reachable {
		a.mu.Unlock()
		return
	}
	a.reachable = true
	recv := a.recv
	a.mu.Unlock()
	recv.ReachabilityChanged(true)
}

func (a *Adapter) takePending(ts int64) (pendingReply, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[ts]
	if ok {
		delete(a.pending, ts)
	}
	return p, ok
}

func (a *Adapter) hello() session.Hello {
	h := session.Hello{
		Version:     session.HelloVersion,
		PeerID:      a.cfg.PeerID,
		Role:        a.cfg.Role,
		TimestampMS: time.Now().UnixMilli(),
	}
	if a.cfg.Epoch != nil {
		h.Session = a.cfg.Epoch()
	}
	return h
}

func (a *Adapter) handshake(conn net.Conn) (*bufio.Reader, session.Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(a.cfg.Session.HandshakeTimeout)); err != nil {
		return nil, session.Hello{}, err
	}
	if err := session.WriteHello(conn, a.hello()); err != nil {
		return nil, session.Hello{}, err
	}
	reader := bufio.NewReader(conn)
	remote, err := session.ReadHello(reader)
	if err != nil {
		return nil, session.Hello{}, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, session.Hello{}, err
	}
	return reader, remote, nil
}
