package vclock

import (
	"testing"
	"time"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveModeTracksWallClock(t *testing.T) {
	tm := NewTimeManager(ModeLive)

	before := time.Now().UnixMilli()
	got := tm.NowMs()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
	assert.False(t, tm.IsBacktest())
}

func TestBacktestTimeIsExplicit(t *testing.T) {
	tm := NewTimeManager(ModeBacktest)

	assert.True(t, tm.IsBacktest())
	assert.Equal(t, int64(0), tm.NowMs(), "virtual time starts at zero")

	require.NoError(t, tm.SetBacktestTime(1700000000000))
	assert.Equal(t, int64(1700000000000), tm.NowMs())
	assert.Equal(t, time.UnixMilli(1700000000000), tm.Now())
}

func TestBacktestTimeRejectsBackwardJumps(t *testing.T) {
	tm := NewTimeManager(ModeBacktest)
	require.NoError(t, tm.SetBacktestTime(1000))

	err := tm.SetBacktestTime(999)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeBackwards)
	assert.Equal(t, int64(1000), tm.NowMs(), "rejected set must not change time")

	// Equal timestamps are allowed: multiple points can share one ms.
	require.NoError(t, tm.SetBacktestTime(1000))
}

func TestAdvance(t *testing.T) {
	tm := NewTimeManager(ModeBacktest)
	require.NoError(t, tm.SetBacktestTime(5000))

	require.NoError(t, tm.Advance(2*time.Second))
	assert.Equal(t, int64(7000), tm.NowMs())

	err := tm.Advance(-time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeBackwards)
	assert.Equal(t, int64(7000), tm.NowMs())
}

func TestModeSwitchKeepsVirtualTime(t *testing.T) {
	tm := NewTimeManager(ModeBacktest)
	require.NoError(t, tm.SetBacktestTime(42000))

	tm.SetMode(ModeLive)
	assert.False(t, tm.IsBacktest())
	assert.Greater(t, tm.NowMs(), int64(42000), "live mode reads the wall clock")

	tm.SetMode(ModeBacktest)
	assert.Equal(t, int64(42000), tm.NowMs(), "virtual time survives the round trip")
}

func TestReset(t *testing.T) {
	tm := NewTimeManager(ModeBacktest)
	require.NoError(t, tm.SetBacktestTime(9000))

	tm.Reset()
	assert.Equal(t, int64(0), tm.NowMs())
	require.NoError(t, tm.SetBacktestTime(100), "fresh run may start earlier than the previous one")
}
