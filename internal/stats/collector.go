// Package stats tracks progress counters shared by all ranks of a run.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector accumulates byte and item counts using lock-free atomics.
// Ranks update it from the copy and extract hot paths; a single reporter
// goroutine samples it for rate and ETA.
type Collector struct {
	bytesDone atomic.Int64
	itemsDone atomic.Int64
	errors    atomic.Int64

	bytesTotal atomic.Int64
	itemsTotal atomic.Int64

	startTime time.Time

	// Ring buffer of per-tick byte deltas, written only by the reporter.
	mu        sync.Mutex
	deltas    [ringSize]int64
	ringIdx   int
	ringCount int
	lastBytes int64
}

// NewCollector creates a Collector with the clock started.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the known totals for percent and ETA computation.
func (c *Collector) SetTotals(items, bytes int64) {
	c.itemsTotal.Store(items)
	c.bytesTotal.Store(bytes)
}

func (c *Collector) AddBytes(n int64) { c.bytesDone.Add(n) }
func (c *Collector) AddItems(n int64) { c.itemsDone.Add(n) }
func (c *Collector) AddErrors(n int64) { c.errors.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesDone  int64
	ItemsDone  int64
	Errors     int64
	BytesTotal int64
	ItemsTotal int64
	Elapsed    time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BytesDone:  c.bytesDone.Load(),
		ItemsDone:  c.itemsDone.Load(),
		Errors:     c.errors.Load(),
		BytesTotal: c.bytesTotal.Load(),
		ItemsTotal: c.itemsTotal.Load(),
		Elapsed:    time.Since(c.startTime),
	}
}

// Tick samples the byte delta since the last call into the ring buffer.
// Called once per reporting interval by the reporter.
func (c *Collector) Tick() {
	current := c.bytesDone.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.deltas[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns the average bytes per tick over the last n samples.
func (c *Collector) RollingSpeed(n int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := n
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.deltas[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time from the rolling speed and remaining bytes,
// counting each tick as one second.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesDone.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Percent returns completion as a fraction of total bytes in [0, 100].
func (c *Collector) Percent() float64 {
	total := c.bytesTotal.Load()
	if total <= 0 {
		return 0
	}
	pct := float64(c.bytesDone.Load()) * 100.0 / float64(total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}
