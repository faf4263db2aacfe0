package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
	"github.com/danmuck/peerlink/internal/testutil/tlstest"
)

const waitFor = 3 * time.Second

// recorder is a link.Receiver that keeps everything it is handed.
type recorder struct {
	mu           sync.Mutex
	messages     []link.Envelope
	background   []link.BackgroundEnvelope
	states       []link.StateEnvelope
	reachability []bool
	activations  []bool
}

func (r *recorder) ReceiveMessage(env link.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, env)
}

func (r *recorder) ReceiveBackground(env link.BackgroundEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.background = append(r.background, env)
}

func (r *recorder) ReceiveState(env link.StateEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, env)
}

func (r *recorder) ReachabilityChanged(reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reachability = append(r.reachability, reachable)
}

func (r *recorder) ActivationChanged(activated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activations = append(r.activations, activated)
}

func (r *recorder) counts() (messages, background, states int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages), len(r.background), len(r.states)
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = 2 * time.Second
	cfg.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}
	return cfg
}

func startPair(t *testing.T, listenSess, dialSess session.Config) (*Adapter, *recorder, *Adapter, *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := New(Config{Mode: ModeListen, Address: "127.0.0.1:0", PeerID: "watch", Role: "follower", Session: listenSess}, nil)
	serverRecv := &recorder{}
	require.NoError(t, server.Start(ctx, serverRecv))
	t.Cleanup(func() { _ = server.Close() })

	client := New(Config{Mode: ModeDial, Address: server.Addr().String(), PeerID: "phone", Role: "authority", Session: dialSess}, nil)
	clientRecv := &recorder{}
	require.NoError(t, client.Start(ctx, clientRecv))
	t.Cleanup(func() { _ = client.Close() })

	require.Eventually(t, func() bool { return client.Reachable() && server.Reachable() }, waitFor, 5*time.Millisecond)
	return server, serverRecv, client, clientRecv
}

func TestLoopbackMessageReply(t *testing.T) {
	testlog.Start(t)
	server, serverRecv, client, _ := startPair(t, testSessionConfig(), testSessionConfig())

	remote, ok := server.Remote()
	require.True(t, ok)
	require.Equal(t, "phone", remote.PeerID)
	require.Equal(t, "authority", remote.Role)

	replies := make(chan link.Reply, 1)
	client.Send(link.Envelope{Timestamp: 1001, Session: 7, Type: "ping", Body: []byte("hi")},
		func(rep link.Reply) { replies <- rep },
		func(err error) { t.Errorf("unexpected send error: %v", err) },
	)

	select {
	case rep := <-replies:
		require.Equal(t, int64(1001), rep.Timestamp)
	case <-time.After(waitFor):
		t.Fatal("no reply")
	}
	require.Eventually(t, func() bool { n, _, _ := serverRecv.counts(); return n == 1 }, waitFor, 5*time.Millisecond)
	serverRecv.mu.Lock()
	got := serverRecv.messages[0]
	serverRecv.mu.Unlock()
	require.Equal(t, link.Envelope{Timestamp: 1001, Session: 7, Type: "ping", Body: []byte("hi")}, got)
}

func TestActivationAndReachabilityReported(t *testing.T) {
	testlog.Start(t)
	server, serverRecv, client, clientRecv := startPair(t, testSessionConfig(), testSessionConfig())
	require.True(t, server.Activated())
	require.True(t, client.Activated())

	require.Eventually(t, func() bool {
		clientRecv.mu.Lock()
		defer clientRecv.mu.Unlock()
		return len(clientRecv.reachability) == 1 && clientRecv.reachability[0] && len(clientRecv.activations) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return !client.Reachable() }, waitFor, 5*time.Millisecond)
	require.True(t, client.Activated(), "activation survives a dropped connection")

	serverRecv.mu.Lock()
	defer serverRecv.mu.Unlock()
	require.Equal(t, []bool{true, false}, serverRecv.reachability)
}

func TestSendWithoutConnectionIsTransient(t *testing.T) {
	testlog.Start(t)
	a := New(Config{Mode: ModeDial, Address: "127.0.0.1:1", Session: testSessionConfig()}, nil)
	var got error
	a.Send(link.Envelope{Timestamp: 5, Type: "x"}, func(link.Reply) { t.Fatal("unexpected reply") }, func(err error) { got = err })
	require.True(t, link.IsTransient(got))
	require.False(t, a.Reachable())
	require.False(t, a.Activated())
}

func TestBackgroundAndStateSpooledUntilConnected(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := New(Config{Mode: ModeListen, Address: "127.0.0.1:0", Session: testSessionConfig()}, nil)
	serverRecv := &recorder{}
	require.NoError(t, server.Start(ctx, serverRecv))
	defer server.Close()

	client := New(Config{Mode: ModeDial, Address: server.Addr().String(), Session: testSessionConfig()}, nil)
	client.TransferBackground(link.BackgroundEnvelope{Meta: link.Meta{Ack: true, Timestamp: 10, Session: 3}, Body: []byte("a")})
	client.TransferBackground(link.BackgroundEnvelope{Meta: link.Meta{Timestamp: 11, Session: 3}, Type: "note", Body: []byte("b")})
	require.NoError(t, client.SetState(link.StateEnvelope{Meta: link.Meta{Timestamp: 12, Session: 3}, Body: []byte("old")}))
	require.NoError(t, client.SetState(link.StateEnvelope{Meta: link.Meta{Ack: true, Timestamp: 13, Session: 3}, Body: []byte("new")}))

	require.NoError(t, client.Start(ctx, &recorder{}))
	defer client.Close()

	require.Eventually(t, func() bool { _, bg, st := serverRecv.counts(); return bg == 2 && st == 1 }, waitFor, 5*time.Millisecond)
	serverRecv.mu.Lock()
	defer serverRecv.mu.Unlock()
	require.Equal(t, int64(10), serverRecv.background[0].Timestamp)
	require.True(t, serverRecv.background[0].Ack)
	require.Equal(t, "note", serverRecv.background[1].Type)
	require.Equal(t, []byte("new"), serverRecv.states[0].Body)
	require.True(t, serverRecv.states[0].Ack)
}

func TestLargeBodiesCrossCompressed(t *testing.T) {
	testlog.Start(t)
	sess := testSessionConfig()
	sess.CompressThreshold = 64
	_, serverRecv, client, _ := startPair(t, sess, sess)

	body := make([]byte, 64*1024)
	for i := range body {
		body[i] = byte(i % 7)
	}
	client.Send(link.Envelope{Timestamp: 77, Type: link.TypeData, Body: body}, nil, nil)
	require.Eventually(t, func() bool { n, _, _ := serverRecv.counts(); return n == 1 }, waitFor, 5*time.Millisecond)
	serverRecv.mu.Lock()
	defer serverRecv.mu.Unlock()
	require.Equal(t, body, serverRecv.messages[0].Body)
}

// A peer that completes the hello but never replies: losing it must fail the
// outstanding send as transient, after reachability has already dropped.
func TestDroppedConnectionFailsPendingReplies(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gotFrame := make(chan struct{})
	release := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := session.ReadHello(r); err != nil {
			return
		}
		if err := session.WriteHello(conn, session.Hello{PeerID: "silent", TimestampMS: time.Now().UnixMilli()}); err != nil {
			return
		}
		if _, err := frame.ReadFrame(r, frame.DefaultLimits()); err != nil {
			return
		}
		close(gotFrame)
		<-release
	}()

	sess := testSessionConfig()
	sess.MaxConnectAttempts = 1
	sess.HandshakeTimeout = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := New(Config{Mode: ModeDial, Address: ln.Addr().String(), Session: sess}, nil)
	require.NoError(t, client.Start(ctx, &recorder{}))
	defer client.Close()
	require.Eventually(t, client.Reachable, waitFor, 5*time.Millisecond)

	type failure struct {
		err       error
		reachable bool
	}
	failures := make(chan failure, 1)
	client.Send(link.Envelope{Timestamp: 42, Type: "wait"},
		func(link.Reply) { t.Error("silent peer replied") },
		func(err error) { failures <- failure{err: err, reachable: client.Reachable()} },
	)
	<-gotFrame
	close(release)

	select {
	case f := <-failures:
		require.True(t, errors.Is(f.err, link.ErrUnreachable), "got %v", f.err)
		require.False(t, f.reachable)
	case <-time.After(waitFor):
		t.Fatal("pending send never failed")
	}
}

func TestMutualTLSLoopback(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.NewLoopbackBundle(t, "watch", "phone")

	serverSess := testSessionConfig()
	serverSess.SecurityMode = session.SecurityModeProduction
	serverSess.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: bundle.ServerCert, KeyFile: bundle.ServerKey, CAFile: bundle.CAFile}

	clientSess := testSessionConfig()
	clientSess.SecurityMode = session.SecurityModeProduction
	clientSess.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: bundle.ClientCert, KeyFile: bundle.ClientKey, CAFile: bundle.CAFile}

	_, serverRecv, client, _ := startPair(t, serverSess, clientSess)
	replied := make(chan struct{})
	client.Send(link.Envelope{Timestamp: 9, Type: "secure"}, func(link.Reply) { close(replied) }, func(err error) { t.Errorf("send: %v", err) })
	select {
	case <-replied:
	case <-time.After(waitFor):
		t.Fatal("no reply over tls")
	}
	n, _, _ := serverRecv.counts()
	require.Equal(t, 1, n)
}

func TestStartValidation(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	a := New(Config{Mode: ModeListen, Address: "127.0.0.1:0"}, nil)
	require.ErrorIs(t, a.Start(ctx, nil), ErrReceiverMissing)

	b := New(Config{Mode: "sideways", Address: "127.0.0.1:0"}, nil)
	require.ErrorIs(t, b.Start(ctx, &recorder{}), ErrInvalidMode)

	sess := session.DefaultConfig()
	sess.SecurityMode = session.SecurityModeProduction
	c := New(Config{Mode: ModeListen, Address: "127.0.0.1:0", Session: sess}, nil)
	require.ErrorIs(t, c.Start(ctx, &recorder{}), session.ErrTLSRequired)

	d := New(Config{Mode: ModeListen, Address: "127.0.0.1:0"}, nil)
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Start(ctx, &recorder{}), ErrClosed)
	require.NoError(t, d.Close())
}

func TestParseMode(t *testing.T) {
	testlog.Start(t)
	m, err := ParseMode(" Dial ")
	require.NoError(t, err)
	require.Equal(t, ModeDial, m)
	_, err = ParseMode("mesh")
	require.ErrorIs(t, err, ErrInvalidMode)
}
