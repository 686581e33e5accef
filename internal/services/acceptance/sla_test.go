package acceptance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsShortNotice_Boundaries(t *testing.T) {
	now := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)

	require.True(t, IsShortNotice(now.Add(59*time.Minute), now))
	// exactly 60 minutes out is not short notice
	require.False(t, IsShortNotice(now.Add(60*time.Minute), now))
	require.False(t, IsShortNotice(now.Add(61*time.Minute), now))
	// pickup already in the past
	require.True(t, IsShortNotice(now.Add(-5*time.Minute), now))
	require.True(t, IsShortNotice(now, now))
}

func TestWindows_Values(t *testing.T) {
	n := Windows(false)
	require.Equal(t, 10*time.Minute, n.Reminder1)
	require.Equal(t, 25*time.Minute, n.Reminder2)
	require.Equal(t, 40*time.Minute, n.Timeout)

	s := Windows(true)
	require.Equal(t, 3*time.Minute, s.Reminder1)
	require.Equal(t, 8*time.Minute, s.Reminder2)
	require.Equal(t, 15*time.Minute, s.Timeout)
}

func TestWindows_StrictlyAscendingAndPairwiseShorter(t *testing.T) {
	for _, short := range []bool{false, true} {
		w := Windows(short)
		require.Less(t, w.Reminder1, w.Reminder2)
		require.Less(t, w.Reminder2, w.Timeout)
	}
	n, s := Windows(false), Windows(true)
	require.Less(t, s.Reminder1, n.Reminder1)
	require.Less(t, s.Reminder2, n.Reminder2)
	require.Less(t, s.Timeout, n.Timeout)
}
