// Package vclock provides the virtual clock shared by every component
// of the exchange. In LIVE mode it reads the wall clock; in BACKTEST
// mode it returns the virtual time most recently set by the replay
// controller. Components hold an injected clock, never a global.
package vclock

import (
	"fmt"
	"sync"
	"time"
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
)

// Mode selects the time source.
type Mode string

const (
	ModeLive     Mode = "LIVE"
	ModeBacktest Mode = "BACKTEST"
)

// TimeManager implements core.IBacktestClock.
type TimeManager struct {
	mu        sync.RWMutex
	mode      Mode
	virtualMs int64
}

var _ core.IBacktestClock = (*TimeManager)(nil)

// NewTimeManager creates a clock in the given mode. Virtual time starts
// at zero; a backtest sets it before anything reads it.
func NewTimeManager(mode Mode) *TimeManager {
	if mode != ModeBacktest {
		mode = ModeLive
	}
	return &TimeManager{mode: mode}
}

// Mode returns the current mode.
func (tm *TimeManager) Mode() Mode {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.mode
}

// SetMode switches the time source. Virtual time is kept across
// switches so a paused backtest can resume where it left off.
func (tm *TimeManager) SetMode(mode Mode) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.mode = mode
}

// IsBacktest reports whether the clock is virtual.
func (tm *TimeManager) IsBacktest() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.mode == ModeBacktest
}

// NowMs returns the current time in unix milliseconds.
func (tm *TimeManager) NowMs() int64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.mode == ModeBacktest {
		return tm.virtualMs
	}
	return time.Now().UnixMilli()
}

// Now returns the current time.
func (tm *TimeManager) Now() time.Time {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.mode == ModeBacktest {
		return time.UnixMilli(tm.virtualMs)
	}
	return time.Now()
}

// SetBacktestTime sets the virtual time. Backward jumps are rejected;
// replay sources are merged in timestamp order so a backward move means
// corrupted input, not a valid rewind.
func (tm *TimeManager) SetBacktestTime(ms int64) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if ms < tm.virtualMs {
		return fmt.Errorf("%w: have %d, got %d", apperrors.ErrTimeBackwards, tm.virtualMs, ms)
	}
	tm.virtualMs = ms
	return nil
}

// Advance moves the virtual time forward by d.
func (tm *TimeManager) Advance(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative advance %s", apperrors.ErrTimeBackwards, d)
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.virtualMs += d.Milliseconds()
	return nil
}

// Reset clears the virtual time back to zero. Used when a replay
// controller resets to its initial state.
func (tm *TimeManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.virtualMs = 0
}
