// Package core defines the shared domain types and interfaces for the
// virtual exchange.
package core

import (
	"context"
	"time"
)

// IClock provides the current exchange time. Components never read the
// wall clock directly; they hold an IClock so backtests control time.
type IClock interface {
	NowMs() int64
	Now() time.Time
}

// IBacktestClock is the controllable side of the clock. The replay
// controller drives it; everything else only reads through IClock.
type IBacktestClock interface {
	IClock
	SetBacktestTime(ms int64) error
	Advance(d time.Duration) error
	IsBacktest() bool
}

// IDataSource yields timestamped data points in non-decreasing order.
type IDataSource interface {
	// Next returns the next point, or io.EOF when the source is exhausted.
	Next() (*DataPoint, error)
	// Reset rewinds the source to its beginning.
	Reset() error
	// Len returns the total number of points, or -1 when unknown.
	Len() int
}

// IStateStore persists and restores an exchange snapshot.
type IStateStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// IOrderArchive is the cold store for terminal orders and executed
// trades. The matching path writes to it on every terminal transition
// and falls back to it when a lookup misses the hot in-memory index.
type IOrderArchive interface {
	SaveOrder(o *Order) error
	SaveTrade(t *Trade) error
	GetOrder(symbol string, orderID int64) (*Order, error)
	GetOrderByClientID(symbol, userID, clientID string) (*Order, error)
	UserOrders(symbol, userID string, fromID, startTime, endTime int64, limit int) ([]*Order, error)
	UserTrades(symbol, userID string, fromID, startTime, endTime int64, limit int) ([]*Trade, error)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Snapshot is the persistable state of the exchange. Books are rebuilt
// by re-inserting the open orders in order-id order.
type Snapshot struct {
	TakenAt    int64          `json:"taken_at"`
	Users      []UserSnapshot `json:"users"`
	Symbols    []SymbolSpec   `json:"symbols"`
	OpenOrders []*Order       `json:"open_orders"`
}

// UserSnapshot is one user's persistable state.
type UserSnapshot struct {
	UserID   string    `json:"user_id"`
	APIKey   string    `json:"api_key"`
	Balances []Balance `json:"balances"`
}
