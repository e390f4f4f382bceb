package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "virtual_exchange_orders_placed_total"
	MetricOrdersFilledTotal   = "virtual_exchange_orders_filled_total"
	MetricOrdersCanceledTotal = "virtual_exchange_orders_canceled_total"
	MetricTradesMatchedTotal  = "virtual_exchange_trades_matched_total"
	MetricVolumeTotal         = "virtual_exchange_volume_total"
	MetricOrdersOpen          = "virtual_exchange_orders_open"
	MetricUsersActive         = "virtual_exchange_users_active"
	MetricReplayProgress      = "virtual_exchange_replay_progress"
	MetricMatchLatency        = "virtual_exchange_match_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter
	TradesMatchedTotal  metric.Int64Counter
	VolumeTotal         metric.Float64Counter
	OrdersOpen          metric.Int64ObservableGauge
	UsersActive         metric.Int64ObservableGauge
	ReplayProgress      metric.Float64ObservableGauge
	MatchLatency        metric.Float64Histogram

	// State for observable gauges
	mu             sync.RWMutex
	openOrdersMap  map[string]int64
	activeUsers    int64
	replayProgress float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders accepted by the matching engine"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders completely filled"))
	if err != nil {
		return err
	}

	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled"))
	if err != nil {
		return err
	}

	m.TradesMatchedTotal, err = meter.Int64Counter(MetricTradesMatchedTotal, metric.WithDescription("Total trades produced by matching"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total matched volume in base asset"))
	if err != nil {
		return err
	}

	m.MatchLatency, err = meter.Float64Histogram(MetricMatchLatency, metric.WithDescription("Latency of one order submission through matching"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Currently open orders per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.UsersActive, err = meter.Int64ObservableGauge(MetricUsersActive, metric.WithDescription("Registered trading accounts"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeUsers)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReplayProgress, err = meter.Float64ObservableGauge(MetricReplayProgress, metric.WithDescription("Replay progress fraction, -1 when the total is unknown"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.replayProgress)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetActiveUsers(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeUsers = count
}

func (m *MetricsHolder) SetReplayProgress(fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayProgress = fraction
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}
