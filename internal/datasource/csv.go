package datasource

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"virtual_exchange/internal/core"

	"github.com/shopspring/decimal"
)

// CSVSource streams points from a CSV file one row at a time, so large
// histories replay without loading into memory. The file needs a header
// row; recognized columns are timestamp, symbol, price, volume, open,
// high, low, close. Rows with OHLC columns become bars, rows with a
// price column become ticks.
type CSVSource struct {
	mu      sync.Mutex
	path    string
	symbol  string
	file    *os.File
	reader  *csv.Reader
	columns map[string]int
}

var _ core.IDataSource = (*CSVSource)(nil)

// NewCSVSource opens the file and parses the header. The symbol is the
// fallback for rows without a symbol column.
func NewCSVSource(path, symbol string) (*CSVSource, error) {
	s := &CSVSource{path: path, symbol: symbol}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open csv source: %w", err)
	}
	r := csv.NewReader(f)
	r.ReuseRecord = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		f.Close()
		return fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns["timestamp"]; !ok {
		f.Close()
		return fmt.Errorf("csv source %s: header has no timestamp column", s.path)
	}
	_, hasPrice := columns["price"]
	_, hasClose := columns["close"]
	if !hasPrice && !hasClose {
		f.Close()
		return fmt.Errorf("csv source %s: header needs a price or close column", s.path)
	}

	s.file = f
	s.reader = r
	s.columns = columns
	return nil
}

// Next parses one row. Malformed rows fail the read; the caller decides
// whether to drop the source.
func (s *CSVSource) Next() (*core.DataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil, io.EOF
	}

	record, err := s.reader.Read()
	if err == io.EOF {
		s.closeLocked()
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read csv row: %w", err)
	}
	return s.parseRow(record)
}

func (s *CSVSource) field(record []string, name string) (string, bool) {
	idx, ok := s.columns[name]
	if !ok || idx >= len(record) {
		return "", false
	}
	v := strings.TrimSpace(record[idx])
	return v, v != ""
}

func (s *CSVSource) decimalField(record []string, name string) (decimal.Decimal, error) {
	v, ok := s.field(record, name)
	if !ok {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %s: %w", name, err)
	}
	return d, nil
}

func (s *CSVSource) parseRow(record []string) (*core.DataPoint, error) {
	tsRaw, _ := s.field(record, "timestamp")
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("column timestamp: %w", err)
	}

	p := &core.DataPoint{Timestamp: ts, Symbol: s.symbol, Kind: core.DataKindTick}
	if sym, ok := s.field(record, "symbol"); ok {
		p.Symbol = sym
	}
	if p.Volume, err = s.decimalField(record, "volume"); err != nil {
		return nil, err
	}

	if _, ok := s.field(record, "close"); ok {
		p.Kind = core.DataKindBar
		if p.Open, err = s.decimalField(record, "open"); err != nil {
			return nil, err
		}
		if p.High, err = s.decimalField(record, "high"); err != nil {
			return nil, err
		}
		if p.Low, err = s.decimalField(record, "low"); err != nil {
			return nil, err
		}
		if p.Close, err = s.decimalField(record, "close"); err != nil {
			return nil, err
		}
		return p, nil
	}

	if p.Price, err = s.decimalField(record, "price"); err != nil {
		return nil, err
	}
	return p, nil
}

// Reset reopens the file from the top.
func (s *CSVSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.open()
}

// Len is unknown for a streaming source.
func (s *CSVSource) Len() int { return -1 }

// Close releases the underlying file.
func (s *CSVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *CSVSource) closeLocked() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
		s.reader = nil
	}
}

// LoadCSV reads the whole file into a SliceSource, for runs that prefer
// seekability over memory.
func LoadCSV(path, symbol string) (*SliceSource, error) {
	cs, err := NewCSVSource(path, symbol)
	if err != nil {
		return nil, err
	}
	defer cs.Close()

	var points []core.DataPoint
	for {
		p, err := cs.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	src := NewSliceSource(points)
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("csv source %s: %w", path, err)
	}
	return src, nil
}
