// Package replay drives the exchange with historical data. A controller
// merges one or more time-ordered sources, advances the virtual clock to
// each point's timestamp, and hands the point to registered callbacks at
// a configurable pace.
package replay

import (
	"container/heap"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
	"virtual_exchange/internal/core"
	"virtual_exchange/pkg/concurrency"
	apperrors "virtual_exchange/pkg/errors"
)

// Mode selects the pacing policy.
type Mode string

const (
	// ModeBacktest emits as fast as consumers process.
	ModeBacktest Mode = "BACKTEST"
	// ModeStepped emits one point per Step call.
	ModeStepped Mode = "STEPPED"
	// ModeRealtime sleeps the inter-arrival gap between points.
	ModeRealtime Mode = "REALTIME"
	// ModeAccelerated sleeps the inter-arrival gap divided by the speed
	// factor.
	ModeAccelerated Mode = "ACCELERATED"
)

// Status is the controller lifecycle state.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusRunning     Status = "RUNNING"
	StatusPaused      Status = "PAUSED"
	StatusStopped     Status = "STOPPED"
	StatusCompleted   Status = "COMPLETED"
)

// waitTick bounds every internal wait so pause and stop are observed
// promptly.
const waitTick = 100 * time.Millisecond

// Callback receives one replayed point after the clock has been
// advanced to its timestamp. Callbacks must not block.
type Callback func(p *core.DataPoint)

// Config carries the controller settings.
type Config struct {
	Mode        Mode
	SpeedFactor float64
	// BatchCallbacks dispatches callbacks through a worker pool instead
	// of invoking them inline on the emitter. Ordering across callbacks
	// is then best-effort.
	BatchCallbacks bool
	// MemoryOptimized streams sources through the merge heap with one
	// point of read-ahead each. When disabled, every source is drained
	// into memory up front, trading footprint for a cheaper emit loop.
	// Emission order is identical either way.
	MemoryOptimized bool
	Workers         int
}

// source is one registered input with its read-ahead point.
type source struct {
	id   string
	seq  int
	src  core.IDataSource
	next *core.DataPoint
}

// mergeHeap orders sources by next timestamp, ties broken by
// registration order so the merge is stable.
type mergeHeap []*source

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].next.Timestamp != h[j].next.Timestamp {
		return h[i].next.Timestamp < h[j].next.Timestamp
	}
	return h[i].seq < h[j].seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*source))
}
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// Progress reports how far the replay has advanced.
type Progress struct {
	Status        Status
	Emitted       int64
	TotalEstimate int64
	LastTimestamp int64
	Elapsed       time.Duration
}

// Controller merges registered sources and replays them through the
// virtual clock.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	clock  core.IBacktestClock
	logger core.ILogger

	sources []*source
	nextSeq int
	heap    mergeHeap
	primed  bool

	// preloaded holds the fully merged sequence when MemoryOptimized is
	// off; nil means points come off the heap one at a time.
	preloaded []*core.DataPoint
	preIdx    int

	callbacks      map[int64]Callback
	nextCallbackID int64
	pool           *concurrency.WorkerPool
	poolStopped    bool

	status    Status
	emitted   int64
	lastTs    int64
	prevTs    int64
	startedAt time.Time
	elapsed   time.Duration

	runDone chan struct{}
}

// NewController creates a controller in the INITIALIZED state.
func NewController(cfg Config, clock core.IBacktestClock, logger core.ILogger) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = ModeBacktest
	}
	if cfg.SpeedFactor <= 0 {
		cfg.SpeedFactor = 1.0
	}
	c := &Controller{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.WithField("component", "replay_controller"),
		callbacks: make(map[int64]Callback),
		status:    StatusInitialized,
	}
	if cfg.BatchCallbacks {
		workers := cfg.Workers
		if workers <= 0 {
			workers = 4
		}
		c.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "replay_callbacks",
			MaxWorkers:  workers,
			MaxCapacity: workers * 64,
		}, logger)
	}
	return c
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// AddSource registers a data source. Sources cannot change while an
// asynchronous run is active.
func (c *Controller) AddSource(id string, src core.IDataSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning || c.status == StatusPaused {
		return fmt.Errorf("%w: cannot add source while %s", apperrors.ErrReplayState, c.status)
	}
	for _, s := range c.sources {
		if s.id == id {
			return fmt.Errorf("%w: source %s already registered", apperrors.ErrReplayState, id)
		}
	}
	c.sources = append(c.sources, &source{id: id, seq: c.nextSeq, src: src})
	c.nextSeq++
	c.primed = false
	return nil
}

// RemoveSource unregisters a data source.
func (c *Controller) RemoveSource(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning || c.status == StatusPaused {
		return fmt.Errorf("%w: cannot remove source while %s", apperrors.ErrReplayState, c.status)
	}
	for i, s := range c.sources {
		if s.id == id {
			c.sources = append(c.sources[:i], c.sources[i+1:]...)
			c.primed = false
			return nil
		}
	}
	return fmt.Errorf("%w: %s", apperrors.ErrSourceNotFound, id)
}

// RegisterCallback adds a consumer and returns its id.
func (c *Controller) RegisterCallback(cb Callback) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCallbackID++
	c.callbacks[c.nextCallbackID] = cb
	return c.nextCallbackID
}

// UnregisterCallback removes a consumer.
func (c *Controller) UnregisterCallback(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, id)
}

// prime read-aheads every source and builds the merge heap. Sources
// that fail to produce their first point are logged and skipped. When
// the controller is not memory optimized, the whole merge is drained
// into memory here. Caller holds c.mu.
func (c *Controller) primeLocked() {
	if c.primed {
		return
	}
	c.preloaded = nil
	c.preIdx = 0
	c.heap = c.heap[:0]
	for _, s := range c.sources {
		p, err := s.src.Next()
		if err != nil {
			if err != io.EOF {
				c.logger.Error("replay source failed", "source_id", s.id, "error", err.Error())
			}
			continue
		}
		p.SourceID = s.id
		s.next = p
		c.heap = append(c.heap, s)
	}
	heap.Init(&c.heap)
	c.primed = true

	if !c.cfg.MemoryOptimized {
		for {
			p := c.heapPopLocked()
			if p == nil {
				break
			}
			c.preloaded = append(c.preloaded, p)
		}
	}
}

// popLocked returns the next merged point, from the preloaded sequence
// or the heap. Caller holds c.mu.
func (c *Controller) popLocked() *core.DataPoint {
	if c.preloaded != nil {
		if c.preIdx >= len(c.preloaded) {
			return nil
		}
		p := c.preloaded[c.preIdx]
		c.preIdx++
		return p
	}
	return c.heapPopLocked()
}

// heapPopLocked takes the earliest point off the heap and refills the
// popped source. A source error marks it exhausted; the rest continue.
// Caller holds c.mu.
func (c *Controller) heapPopLocked() *core.DataPoint {
	if len(c.heap) == 0 {
		return nil
	}
	s := heap.Pop(&c.heap).(*source)
	p := s.next
	s.next = nil

	refill, err := s.src.Next()
	if err != nil {
		if err != io.EOF {
			c.logger.Error("replay source failed, dropping it",
				"source_id", s.id, "error", err.Error())
		}
	} else {
		refill.SourceID = s.id
		s.next = refill
		heap.Push(&c.heap, s)
	}
	return p
}

// deliver advances the clock and invokes every callback for one point.
// Called without c.mu held.
func (c *Controller) deliver(p *core.DataPoint, cbs []Callback) {
	if c.clock.IsBacktest() {
		if err := c.clock.SetBacktestTime(p.Timestamp); err != nil {
			c.logger.Error("clock rejected replay timestamp",
				"timestamp", p.Timestamp, "error", err.Error())
		}
	}
	for _, cb := range cbs {
		if c.pool != nil {
			fn := cb
			_ = c.pool.Submit(func() { fn(p) })
			continue
		}
		c.invoke(cb, p)
	}
}

// invoke runs one callback, recovering panics so a broken consumer
// cannot abort the replay.
func (c *Controller) invoke(cb Callback, p *core.DataPoint) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("replay callback panicked",
				"source_id", p.SourceID, "timestamp", p.Timestamp, "panic", fmt.Sprint(r))
		}
	}()
	cb(p)
}

func (c *Controller) snapshotCallbacks() []Callback {
	ids := make([]int64, 0, len(c.callbacks))
	for id := range c.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]Callback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, c.callbacks[id])
	}
	return cbs
}

// Start begins the replay. Asynchronous modes spawn the emitter worker;
// STEPPED only arms the controller for Step calls.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.status != StatusInitialized {
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", apperrors.ErrReplayState, c.status)
	}
	c.primeLocked()
	c.status = StatusRunning
	c.startedAt = time.Now()
	c.prevTs = 0
	if c.cfg.Mode == ModeStepped {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()

	go c.runEmitter(done)
	return nil
}

// runEmitter is the asynchronous replay loop. It exits when the merge
// is exhausted, on Stop, and on nothing else.
func (c *Controller) runEmitter(done chan struct{}) {
	defer close(done)
	for {
		c.mu.Lock()
		switch c.status {
		case StatusPaused:
			c.mu.Unlock()
			time.Sleep(waitTick)
			continue
		case StatusStopped:
			c.elapsed = time.Since(c.startedAt)
			c.mu.Unlock()
			return
		case StatusRunning:
		default:
			c.mu.Unlock()
			return
		}

		p := c.popLocked()
		if p == nil {
			c.status = StatusCompleted
			c.elapsed = time.Since(c.startedAt)
			emitted := c.emitted
			c.mu.Unlock()
			c.logger.Info("replay completed", "emitted", emitted)
			return
		}
		cbs := c.snapshotCallbacks()
		delay := c.pacingDelay(p.Timestamp)
		c.emitted++
		c.lastTs = p.Timestamp
		c.prevTs = p.Timestamp
		c.mu.Unlock()

		if delay > 0 && !c.sleepInterruptible(delay) {
			// Stopped mid-sleep; the point is not delivered.
			return
		}
		c.deliver(p, cbs)
	}
}

// pacingDelay returns how long to wait before emitting a point with the
// given timestamp. Caller holds c.mu.
func (c *Controller) pacingDelay(ts int64) time.Duration {
	if c.prevTs == 0 || ts <= c.prevTs {
		return 0
	}
	gap := time.Duration(ts-c.prevTs) * time.Millisecond
	switch c.cfg.Mode {
	case ModeRealtime:
		return gap
	case ModeAccelerated:
		return time.Duration(float64(gap) / c.cfg.SpeedFactor)
	}
	return 0
}

// sleepInterruptible sleeps in bounded ticks, returning false when the
// controller was stopped underneath it.
func (c *Controller) sleepInterruptible(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > waitTick {
			remaining = waitTick
		}
		time.Sleep(remaining)

		c.mu.Lock()
		status := c.status
		c.mu.Unlock()
		switch status {
		case StatusStopped:
			return false
		case StatusPaused:
			deadline = deadline.Add(waitTick)
		}
	}
}

// Pause suspends the emitter after the in-flight point finishes.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return fmt.Errorf("%w: pause from %s", apperrors.ErrReplayState, c.status)
	}
	c.status = StatusPaused
	return nil
}

// Resume restarts a paused replay.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPaused {
		return fmt.Errorf("%w: resume from %s", apperrors.ErrReplayState, c.status)
	}
	c.status = StatusRunning
	return nil
}

// Stop terminates the replay. It returns once the emitter has exited;
// the emitter observes the stop within one wait tick.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.status {
	case StatusRunning, StatusPaused:
		c.status = StatusStopped
	}
	done := c.runDone
	c.runDone = nil
	stopPool := c.pool != nil && !c.poolStopped
	if stopPool {
		c.poolStopped = true
	}
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	if stopPool {
		c.pool.Stop()
	}
	return nil
}

// Reset rewinds every source and returns the controller to
// INITIALIZED. The virtual clock is rewound too when it supports it.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning || c.status == StatusPaused {
		return fmt.Errorf("%w: reset while %s", apperrors.ErrReplayState, c.status)
	}
	for _, s := range c.sources {
		s.next = nil
		if err := s.src.Reset(); err != nil {
			return fmt.Errorf("reset source %s: %w", s.id, err)
		}
	}
	if rc, ok := c.clock.(interface{ Reset() }); ok {
		rc.Reset()
	}
	c.heap = c.heap[:0]
	c.primed = false
	c.preloaded = nil
	c.preIdx = 0
	c.status = StatusInitialized
	c.emitted = 0
	c.lastTs = 0
	c.prevTs = 0
	c.elapsed = 0
	return nil
}

// Step emits exactly one point synchronously. Valid while no
// asynchronous emitter is active. Returns nil when the merge is
// exhausted, with the status moved to COMPLETED.
func (c *Controller) Step() (*core.DataPoint, error) {
	c.mu.Lock()
	if c.runDone != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: step during an asynchronous run", apperrors.ErrReplayState)
	}
	switch c.status {
	case StatusInitialized:
		c.status = StatusRunning
		c.startedAt = time.Now()
	case StatusRunning, StatusPaused:
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: step from %s", apperrors.ErrReplayState, c.status)
	}
	c.primeLocked()
	p := c.popLocked()
	if p == nil {
		c.status = StatusCompleted
		c.elapsed = time.Since(c.startedAt)
		c.mu.Unlock()
		return nil, nil
	}
	cbs := c.snapshotCallbacks()
	c.emitted++
	c.lastTs = p.Timestamp
	c.prevTs = p.Timestamp
	c.mu.Unlock()

	c.deliver(p, cbs)
	return p, nil
}

// ProcessAllSync replays every source to exhaustion on the calling
// goroutine and returns the merged points in emission order. No
// background workers are involved.
func (c *Controller) ProcessAllSync() ([]*core.DataPoint, error) {
	c.mu.Lock()
	if c.status != StatusInitialized {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: process_all from %s", apperrors.ErrReplayState, c.status)
	}
	c.primeLocked()
	c.status = StatusRunning
	c.startedAt = time.Now()
	c.mu.Unlock()

	var out []*core.DataPoint
	for {
		c.mu.Lock()
		p := c.popLocked()
		if p == nil {
			c.status = StatusCompleted
			c.elapsed = time.Since(c.startedAt)
			c.mu.Unlock()
			return out, nil
		}
		cbs := c.snapshotCallbacks()
		c.emitted++
		c.lastTs = p.Timestamp
		c.prevTs = p.Timestamp
		c.mu.Unlock()

		c.deliver(p, cbs)
		out = append(out, p)
	}
}

// Progress reports replay advancement. The total is -1 when any source
// cannot estimate its length.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := int64(0)
	for _, s := range c.sources {
		n := s.src.Len()
		if n < 0 {
			total = -1
			break
		}
		total += int64(n)
	}
	elapsed := c.elapsed
	if c.status == StatusRunning || c.status == StatusPaused {
		elapsed = time.Since(c.startedAt)
	}
	return Progress{
		Status:        c.status,
		Emitted:       c.emitted,
		TotalEstimate: total,
		LastTimestamp: c.lastTs,
		Elapsed:       elapsed,
	}
}
