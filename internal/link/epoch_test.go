package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochClassifyFollower(t *testing.T) {
	e := NewEpoch(RoleFollower, 5)
	cases := []struct {
		in   int64
		want Verdict
	}{
		{0, VerdictObsolete},
		{4, VerdictObsolete},
		{5, VerdictCurrent},
		{9, VerdictAdvance},
	}
	for _, tc := range cases {
		if got := e.Classify(tc.in); got != tc.want {
			t.Fatalf("Classify(%d) = %s want %s", tc.in, got, tc.want)
		}
	}
	require.Equal(t, VerdictCurrent, NewEpoch(RoleFollower, 0).Classify(0))
}

func TestEpochClassifyAuthority(t *testing.T) {
	e := NewEpoch(RoleAuthority, 100)
	require.Equal(t, VerdictCurrent, e.Classify(0))
	require.Equal(t, VerdictCurrent, e.Classify(100))
	require.Equal(t, VerdictObsolete, e.Classify(50))
	require.Equal(t, VerdictInvalid, e.Classify(101))
}

func TestEpochAdvanceOnlyMovesForward(t *testing.T) {
	e := NewEpoch(RoleFollower, 5)
	old, ok := e.Advance(9)
	require.True(t, ok)
	require.Equal(t, int64(5), old)

	_, ok = e.Advance(9)
	require.False(t, ok, "second observer of the same epoch must not reset again")
	_, ok = e.Advance(7)
	require.False(t, ok)
	require.Equal(t, int64(9), e.Current())
}

func TestEpochRenewAlwaysIncreases(t *testing.T) {
	e := NewEpoch(RoleAuthority, 1_000)
	old, next := e.Renew(2_000)
	require.Equal(t, int64(1_000), old)
	require.Equal(t, int64(2_000), next)

	_, next = e.Renew(1_500)
	require.Equal(t, int64(2_001), next)
}

func TestParseRoleAndChannel(t *testing.T) {
	r, err := ParseRole("Authority")
	require.NoError(t, err)
	require.Equal(t, RoleAuthority, r)
	r, err = ParseRole("")
	require.NoError(t, err)
	require.Equal(t, RoleFollower, r)
	_, err = ParseRole("leader")
	require.Error(t, err)

	ch, err := ParseChannel("userinfo")
	require.NoError(t, err)
	require.Equal(t, ChannelBackground, ch)
	ch, err = ParseChannel("context")
	require.NoError(t, err)
	require.Equal(t, ChannelState, ch)
	_, err = ParseChannel("pigeon")
	require.Error(t, err)
}
