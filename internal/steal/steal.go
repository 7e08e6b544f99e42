// Package steal implements the work-stealing task pool that drives the
// payload copy phase. Each rank owns a deque; the owner pushes and pops at
// the bottom, idle ranks steal from the top of a random victim. Items are
// opaque binary frames so the pool needs no knowledge of the work itself.
package steal

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bamsammich/ptar/internal/comm"
)

// OpCode identifies the operation a work item encodes.
type OpCode uint8

// CopyData is the only operation today: copy one chunk of one file into the
// archive.
const CopyData OpCode = 0

// Item is one unit of work.
type Item struct {
	Operand    string // source file path
	FileSize   uint64
	ChunkIndex uint64
	DataOffset uint64 // archive offset of the file's first payload byte
	Code       OpCode
}

// Encode packs the item into its binary frame.
func (it Item) Encode() []byte {
	buf := make([]byte, 0, 4*binary.MaxVarintLen64+len(it.Operand)+1)
	buf = append(buf, byte(it.Code))
	buf = binary.AppendUvarint(buf, it.FileSize)
	buf = binary.AppendUvarint(buf, it.ChunkIndex)
	buf = binary.AppendUvarint(buf, it.DataOffset)
	buf = binary.AppendUvarint(buf, uint64(len(it.Operand)))
	buf = append(buf, it.Operand...)
	return buf
}

// Decode unpacks a binary frame produced by Encode.
func Decode(frame []byte) (Item, error) {
	var it Item
	if len(frame) < 1 {
		return it, fmt.Errorf("work frame too short")
	}
	it.Code = OpCode(frame[0])
	rest := frame[1:]

	fields := []*uint64{&it.FileSize, &it.ChunkIndex, &it.DataOffset}
	for _, f := range fields {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return it, fmt.Errorf("work frame truncated")
		}
		*f = v
		rest = rest[n:]
	}

	nameLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest[n:])) != nameLen {
		return it, fmt.Errorf("work frame operand length mismatch")
	}
	it.Operand = string(rest[n:])
	return it, nil
}

// Pool is the shared state of one work-stealing run.
type Pool struct {
	deques    []*deque
	snapshots []func() []uint64
	pending   atomic.Int64
}

// NewPool creates the shared pool for n ranks.
func NewPool(n int) *Pool {
	p := &Pool{
		deques:    make([]*deque, n),
		snapshots: make([]func() []uint64, n),
	}
	for i := range p.deques {
		p.deques[i] = &deque{}
	}
	return p
}

// Engine is one rank's handle on the pool.
type Engine struct {
	pool    *Pool
	group   *comm.Group
	create  func(enqueue func(Item))
	process func(item Item) error

	reduceSnapshot func() []uint64
	reduceReport   func(totals []uint64, elapsed time.Duration, complete bool)
	reducePeriod   time.Duration
}

// NewEngine binds a rank to the pool.
func NewEngine(p *Pool, g *comm.Group) *Engine {
	return &Engine{pool: p, group: g}
}

// RegisterCreate sets the callback that enumerates this rank's work.
func (e *Engine) RegisterCreate(cb func(enqueue func(Item))) { e.create = cb }

// RegisterProcess sets the callback invoked once per dequeued item.
// A failing item is counted but does not stop the run; the caller aggregates
// failures at the phase boundary.
func (e *Engine) RegisterProcess(cb func(item Item) error) { e.process = cb }

// RegisterReduce installs the periodic reduction: snapshot is read on every
// rank, the element-wise totals go to report on rank 0. A zero period
// disables periodic reporting; the final report still fires.
func (e *Engine) RegisterReduce(
	period time.Duration,
	snapshot func() []uint64,
	report func(totals []uint64, elapsed time.Duration, complete bool),
) {
	e.reducePeriod = period
	e.reduceSnapshot = snapshot
	e.reduceReport = report
}

// Run executes the pool on this rank: enumerate local work, then process and
// steal until the pool drains globally. All ranks must call Run collectively.
func (e *Engine) Run(ctx context.Context) error {
	p := e.pool
	rank := e.group.Rank()

	if e.reduceSnapshot != nil {
		p.snapshots[rank] = e.reduceSnapshot
	}

	if e.create != nil {
		e.create(func(it Item) {
			p.pending.Add(1)
			p.deques[rank].pushBottom(it.Encode())
		})
	}

	// All items enqueued before anyone starts stealing.
	e.group.Barrier()

	start := time.Now()
	var stopReporter chan struct{}
	if rank == 0 && e.reduceReport != nil && e.reducePeriod > 0 {
		stopReporter = make(chan struct{})
		go e.reporter(start, stopReporter)
	}

	var nErrs int
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		frame, ok := p.deques[rank].popBottom()
		if !ok {
			frame, ok = e.steal()
		}
		if !ok {
			if p.pending.Load() == 0 {
				break
			}
			time.Sleep(200 * time.Microsecond)
			continue
		}

		if err := e.runItem(frame); err != nil {
			nErrs++
		}
		p.pending.Add(-1)
	}

	e.group.Barrier()

	if stopReporter != nil {
		close(stopReporter)
	}
	if rank == 0 && e.reduceReport != nil {
		e.reduceReport(e.sumSnapshots(), time.Since(start), true)
	}
	e.group.Barrier()

	if err := ctx.Err(); err != nil {
		return err
	}
	if nErrs > 0 {
		return fmt.Errorf("%d work items failed", nErrs)
	}
	return nil
}

func (e *Engine) runItem(frame []byte) error {
	it, err := Decode(frame)
	if err != nil {
		return err
	}
	if e.process == nil {
		return nil
	}
	return e.process(it)
}

// steal takes one item from the top of a random victim's deque, trying each
// rank at most once per call.
func (e *Engine) steal() ([]byte, bool) {
	n := len(e.pool.deques)
	if n == 1 {
		return nil, false
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if victim == e.group.Rank() {
			continue
		}
		if frame, ok := e.pool.deques[victim].stealTop(); ok {
			return frame, true
		}
	}
	return nil, false
}

func (e *Engine) reporter(start time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(e.reducePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.reduceReport(e.sumSnapshots(), time.Since(start), false)
		}
	}
}

func (e *Engine) sumSnapshots() []uint64 {
	var totals []uint64
	for _, snap := range e.pool.snapshots {
		if snap == nil {
			continue
		}
		vals := snap()
		if totals == nil {
			totals = make([]uint64, len(vals))
		}
		for i := range vals {
			totals[i] += vals[i]
		}
	}
	return totals
}

// deque is a double-ended queue: the owner works the bottom, thieves take
// from the top so the oldest (largest) items migrate first.
type deque struct {
	mu    sync.Mutex
	items [][]byte
}

func (d *deque) pushBottom(frame []byte) {
	d.mu.Lock()
	d.items = append(d.items, frame)
	d.mu.Unlock()
}

func (d *deque) popBottom() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	frame := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return frame, true
}

func (d *deque) stealTop() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	frame := d.items[0]
	d.items = d.items[1:]
	return frame, true
}
