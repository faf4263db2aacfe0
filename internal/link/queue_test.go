package link

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func newTestQueue(t *testing.T, startMS int64, epoch *Epoch) *Queue {
	t.Helper()
	testlog.Start(t)
	return NewQueue(ChannelMessage, NewAllocator(newMockClock(startMS)), epoch, zerolog.Nop())
}

func TestAllocatorSameTickYieldsDistinctIncreasingValues(t *testing.T) {
	clk := newMockClock(5_000)
	a := NewAllocator(clk)

	first := a.Next()
	second := a.Next()
	require.Equal(t, int64(5_000), first)
	require.Greater(t, second, first)

	clk.Set(clk.Now().Add(-time.Second))
	third := a.Next()
	require.Greater(t, third, second, "rewound clock must not repeat values")

	clk.Add(10 * time.Second)
	require.Equal(t, clk.Now().UnixMilli(), a.Next())
}

func TestResolveUpToClosesGap(t *testing.T) {
	q := newTestQueue(t, 1_000, NewEpoch(RoleFollower, 0))
	var o outcomes
	var ts []int64
	for iter := 0; iter < 5; iter++ {
		ts = append(ts, q.Enqueue(Entry{Type: "note", RequiresAck: true, Callbacks: o.callbacks()}))
	}

	require.Equal(t, 3, q.ResolveUpTo(ts[2], nil))
	acks, errs := o.counts()
	require.Equal(t, 3, acks)
	require.Zero(t, errs)
	require.Equal(t, ts[:3], o.acks)

	left := q.Entries()
	require.Len(t, left, 2)
	require.Equal(t, ts[3], left[0].Timestamp)
	require.Equal(t, ts[4], left[1].Timestamp)
}

func TestResolveUpToOutcomeAppliesOnlyToExactMatch(t *testing.T) {
	q := newTestQueue(t, 1_000, NewEpoch(RoleFollower, 0))
	var o outcomes
	a := q.Enqueue(Entry{Type: "a", RequiresAck: true, Callbacks: o.callbacks()})
	b := q.Enqueue(Entry{Type: "b", RequiresAck: true, Callbacks: o.callbacks()})

	boom := errors.New("boom")
	q.ResolveUpTo(b, permanent(boom))

	require.Equal(t, []int64{a}, o.acks)
	require.Len(t, o.errs, 1)
	var de *DeliveryError
	require.ErrorAs(t, o.errs[0], &de)
	require.Equal(t, b, de.Timestamp)
	require.ErrorIs(t, o.errs[0], boom)
	var te *TransportError
	require.ErrorAs(t, o.errs[0], &te)
	require.Zero(t, q.Len())
}

func TestGapScenarioConfirmsAllEarlierEntries(t *testing.T) {
	q := newTestQueue(t, 100, NewEpoch(RoleFollower, 0))
	var o outcomes
	for iter := 0; iter < 3; iter++ {
		q.Enqueue(Entry{Type: "x", RequiresAck: true, Callbacks: o.callbacks()})
	}
	require.Equal(t, []int64{100, 101, 102}, timestamps(q.Entries()))

	head, ok := q.claimHead()
	require.True(t, ok)
	require.Equal(t, int64(100), head.Timestamp)
	require.True(t, q.InFlight())

	q.ResolveUpTo(102, nil)
	require.Equal(t, []int64{100, 101, 102}, o.acks)
	require.Empty(t, o.errs)
	require.Zero(t, q.Len())
	require.False(t, q.InFlight())
}

func TestFindSkipsOrphanedEarlierEntries(t *testing.T) {
	q := newTestQueue(t, 100, NewEpoch(RoleFollower, 0))
	for iter := 0; iter < 3; iter++ {
		q.Enqueue(Entry{Type: "x", RequiresAck: true})
	}
	idx, ok := q.Find(101)
	require.True(t, ok)
	require.Equal(t, 1, idx)

	_, ok = q.Find(150)
	require.False(t, ok)
	_, ok = q.Find(99)
	require.False(t, ok)
}

func TestResetAllRemovesOldEpochAndRestampsUnstamped(t *testing.T) {
	epoch := NewEpoch(RoleFollower, 0)
	q := newTestQueue(t, 1_000, epoch)
	var o outcomes

	unstamped := q.Enqueue(Entry{Type: "early", RequiresAck: true, Callbacks: o.callbacks()})
	_, ok := epoch.Advance(5)
	require.True(t, ok)
	q.Enqueue(Entry{Type: "a", RequiresAck: true, Callbacks: o.callbacks()})
	q.Enqueue(Entry{Type: "b", RequiresAck: true, Callbacks: o.callbacks()})
	_, _ = q.claimHead()
	require.True(t, q.InFlight())

	_, ok = epoch.Advance(9)
	require.True(t, ok)
	require.Equal(t, 2, q.ResetAll(9))

	acks, errs := o.counts()
	require.Zero(t, acks)
	require.Equal(t, 2, errs)
	for _, err := range o.errs {
		require.ErrorIs(t, err, ErrSessionReset)
	}
	left := q.Entries()
	require.Len(t, left, 1)
	require.Equal(t, unstamped, left[0].Timestamp)
	require.Equal(t, int64(9), left[0].Session)
	require.False(t, q.InFlight())
}

func TestResolveMatchingLeavesOthersAndInFlightHead(t *testing.T) {
	q := newTestQueue(t, 100, NewEpoch(RoleFollower, 0))
	var o outcomes
	for iter := 0; iter < 3; iter++ {
		q.Enqueue(Entry{Type: "x", RequiresAck: true, Callbacks: o.callbacks()})
	}
	_, _ = q.claimHead()

	require.True(t, q.ResolveMatching(101, ErrCanceled))
	require.True(t, q.InFlight(), "removing a non-head entry keeps the head in flight")
	require.Equal(t, []int64{100, 102}, timestamps(q.Entries()))
	require.Len(t, o.errs, 1)
	require.ErrorIs(t, o.errs[0], ErrCanceled)

	require.True(t, q.ResolveMatching(100, ErrCanceled))
	require.False(t, q.InFlight())
	require.False(t, q.ResolveMatching(100, ErrCanceled))
}

func TestFlushIsSilent(t *testing.T) {
	q := newTestQueue(t, 100, NewEpoch(RoleFollower, 0))
	var o outcomes
	q.Enqueue(Entry{Type: "keep", RequiresAck: true, Callbacks: o.callbacks()})
	q.Enqueue(Entry{Type: "drop", RequiresAck: true, Callbacks: o.callbacks()})
	q.Enqueue(Entry{Type: "drop", RequiresAck: true, Callbacks: o.callbacks()})

	require.Equal(t, 2, q.FlushMatchingType("drop"))
	require.Equal(t, []int64{100}, timestamps(q.Entries()))

	_, _ = q.claimHead()
	require.Equal(t, 1, q.FlushAll())
	require.Zero(t, q.Len())
	require.False(t, q.InFlight())
	acks, errs := o.counts()
	require.Zero(t, acks)
	require.Zero(t, errs)
}

func TestClaimHeadDropsStaleSessionAndHonorsInFlight(t *testing.T) {
	epoch := NewEpoch(RoleFollower, 3)
	q := newTestQueue(t, 100, epoch)
	q.Enqueue(Entry{Type: "stale", RequiresAck: true})
	_, _ = epoch.Advance(4)
	q.Enqueue(Entry{Type: "fresh", RequiresAck: true})
	q.Enqueue(Entry{Type: "later", RequiresAck: true})

	head, ok := q.claimHead()
	require.True(t, ok)
	require.Equal(t, "fresh", head.Type)
	require.Equal(t, int64(4), head.Session)

	_, ok = q.claimHead()
	require.False(t, ok, "single entry in flight per queue")

	q.ResolveUpTo(head.Timestamp, nil)
	head, ok = q.claimHead()
	require.True(t, ok)
	require.Equal(t, "later", head.Type)
}

func TestClaimHeadRemovesUnacknowledgedEntries(t *testing.T) {
	q := newTestQueue(t, 100, NewEpoch(RoleFollower, 0))
	q.Enqueue(Entry{Type: "fire"})
	q.Enqueue(Entry{Type: "forget"})

	_, ok := q.claimHead()
	require.True(t, ok)
	require.False(t, q.InFlight())
	_, ok = q.claimHead()
	require.True(t, ok)
	require.Zero(t, q.Len())
}

func TestMarkTransientParksUntilResume(t *testing.T) {
	q := newTestQueue(t, 100, NewEpoch(RoleFollower, 0))
	ts := q.Enqueue(Entry{Type: "x", RequiresAck: true})
	_, _ = q.claimHead()

	require.True(t, q.markTransient(ts))
	_, found := q.Find(ts)
	require.True(t, found)
	require.True(t, q.Stats().Parked)
	_, ok := q.claimHead()
	require.False(t, ok)

	require.True(t, q.resume())
	head, ok := q.claimHead()
	require.True(t, ok)
	require.Equal(t, ts, head.Timestamp)
}

func timestamps(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Timestamp)
	}
	return out
}
