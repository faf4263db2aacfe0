package link

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

type sendCall struct {
	env     Envelope
	onReply func(Reply)
	onError func(error)
}

// fakeTransport records every call and lets tests resolve sends by hand.
type fakeTransport struct {
	mu         sync.Mutex
	reachable  bool
	activated  bool
	sends      []sendCall
	background []BackgroundEnvelope
	states     []StateEnvelope
	stateErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reachable: true, activated: true}
}

func (f *fakeTransport) Send(env Envelope, onReply func(Reply), onError func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{env: env, onReply: onReply, onError: onError})
}

func (f *fakeTransport) TransferBackground(env BackgroundEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.background = append(f.background, env)
}

func (f *fakeTransport) SetState(env StateEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, env)
	return f.stateErr
}

func (f *fakeTransport) Reachable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func (f *fakeTransport) Activated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activated
}

func (f *fakeTransport) setReachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = v
}

func (f *fakeTransport) setActivated(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = v
}

func (f *fakeTransport) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.sends))
	for _, s := range f.sends {
		out = append(out, s.env)
	}
	return out
}

func (f *fakeTransport) sentTypes() []string {
	var out []string
	for _, env := range f.sent() {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeTransport) call(t *testing.T, ts int64) sendCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sends) - 1; i >= 0; i-- {
		if f.sends[i].env.Timestamp == ts {
			return f.sends[i]
		}
	}
	t.Fatalf("no send recorded for ts=%d", ts)
	return sendCall{}
}

func (f *fakeTransport) reply(t *testing.T, ts int64) {
	t.Helper()
	c := f.call(t, ts)
	require.NotNil(t, c.onReply, "send for ts=%d expected no reply", ts)
	c.onReply(Reply{Timestamp: ts})
}

func (f *fakeTransport) fail(t *testing.T, ts int64, err error) {
	t.Helper()
	c := f.call(t, ts)
	c.onError(err)
}

// dropLink mimics an adapter losing the peer mid-send: reachability flips
// before the error is reported.
func (f *fakeTransport) dropLink(t *testing.T, ts int64) {
	t.Helper()
	f.setReachable(false)
	f.fail(t, ts, ErrUnreachable)
}

type outcomes struct {
	mu   sync.Mutex
	acks []int64
	errs []error
}

func (o *outcomes) callbacks() Callbacks {
	return Callbacks{
		OnAck: func(ts int64) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.acks = append(o.acks, ts)
		},
		OnError: func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.errs = append(o.errs, err)
		},
	}
}

func (o *outcomes) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.acks), len(o.errs)
}

func newMockClock(ms int64) *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(ms))
	return clk
}

func newTestLink(t *testing.T, role Role) (*Link, *fakeTransport, *clock.Mock) {
	t.Helper()
	testlog.Start(t)
	clk := newMockClock(1_700_000_000_000)
	tr := newFakeTransport()
	cfg := DefaultConfig()
	cfg.Role = role
	cfg.Peer = t.Name()
	cfg.Clock = clk
	cfg.OnLogLevel = func(string) error { return nil }
	l, err := New(cfg, tr)
	require.NoError(t, err)
	return l, tr, clk
}
