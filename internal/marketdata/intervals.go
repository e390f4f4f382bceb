package marketdata

import (
	"time"
)

// Fixed-length intervals in milliseconds. Week and month buckets follow
// the calendar and are handled separately.
var intervalDurations = map[string]int64{
	"1s":  1_000,
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"6h":  21_600_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
	"3d":  259_200_000,
}

// Intervals lists every supported kline interval, shortest first.
var Intervals = []string{
	"1s", "1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

// ValidInterval reports whether the interval is supported.
func ValidInterval(interval string) bool {
	if _, ok := intervalDurations[interval]; ok {
		return true
	}
	return interval == "1w" || interval == "1M"
}

// bucketStart returns the open time of the bucket containing ts.
// Fixed intervals align to the epoch; weeks start Monday 00:00 UTC and
// months on the first of the month.
func bucketStart(interval string, ts int64) int64 {
	if dur, ok := intervalDurations[interval]; ok {
		return ts - ts%dur
	}
	t := time.UnixMilli(ts).UTC()
	switch interval {
	case "1w":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		monday := day.AddDate(0, 0, -((int(t.Weekday()) + 6) % 7))
		return monday.UnixMilli()
	case "1M":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return ts
}

// bucketClose returns the inclusive close time of the bucket opened at
// openTime, Binance style (next open minus one millisecond).
func bucketClose(interval string, openTime int64) int64 {
	if dur, ok := intervalDurations[interval]; ok {
		return openTime + dur - 1
	}
	t := time.UnixMilli(openTime).UTC()
	switch interval {
	case "1w":
		return t.AddDate(0, 0, 7).UnixMilli() - 1
	case "1M":
		return t.AddDate(0, 1, 0).UnixMilli() - 1
	}
	return openTime
}
