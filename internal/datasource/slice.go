// Package datasource provides the replay inputs: an in-memory slice
// source, a streaming CSV reader, and a loader that pulls historical
// klines from Binance.
package datasource

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"virtual_exchange/internal/core"
)

// SliceSource replays a fixed slice of points from memory. It is the
// memory-heavy, fully seekable source; CSVSource is the streaming one.
type SliceSource struct {
	mu     sync.Mutex
	points []core.DataPoint
	pos    int
}

var _ core.IDataSource = (*SliceSource)(nil)

// NewSliceSource copies the points and sorts them by timestamp so the
// source honors the non-decreasing order contract regardless of input.
func NewSliceSource(points []core.DataPoint) *SliceSource {
	cp := make([]core.DataPoint, len(points))
	copy(cp, points)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Timestamp < cp[j].Timestamp })
	return &SliceSource{points: cp}
}

// Next returns a copy of the next point, io.EOF past the end.
func (s *SliceSource) Next() (*core.DataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.points) {
		return nil, io.EOF
	}
	p := s.points[s.pos]
	s.pos++
	return &p, nil
}

// Reset rewinds to the first point.
func (s *SliceSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	return nil
}

// Len returns the total number of points.
func (s *SliceSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

// Validate checks the invariants a well-formed source upholds: ordered
// timestamps and positive prices. Loaders call it after ingestion.
func (s *SliceSource) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev int64
	for i, p := range s.points {
		if p.Timestamp < prev {
			return fmt.Errorf("point %d: timestamp %d before %d", i, p.Timestamp, prev)
		}
		prev = p.Timestamp
		if !p.LastPrice().IsPositive() {
			return fmt.Errorf("point %d: non-positive price", i)
		}
	}
	return nil
}
