package buffer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

var (
	ErrInvalidPool = errors.New("pool: slot size and initial count must be positive")
	ErrPoolInUse   = errors.New("pool: buffers are still referenced")
)

var (
	MetricPoolFreeSlots  = []string{"daqbone", "pool", "free", "slots"}
	MetricPoolTotalSlots = []string{"daqbone", "pool", "total", "slots"}
	MetricPoolOOMCount   = []string{"daqbone", "pool", "oom", "count"}
)

// PoolConfig describes the slots a Pool manages.
type PoolConfig struct {
	// SlotSize is the size in bytes of every slot.
	SlotSize int

	// Count is the number of slots allocated up-front.
	Count int

	// Increment is how many slots are added when the freelist is empty.
	// Zero means the pool never grows.
	Increment int

	// Limit caps the total number of slots when growing. Zero means no cap.
	Limit int

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

type slot struct {
	data []byte
}

// Pool owns fixed-size memory slots and hands them out as Buffer segments.
type Pool struct {
	name   string
	cfg    PoolConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk       sync.Mutex
	slots    []*slot
	free     []int
	closed   bool
	waiters  []func()
	refCount int
}

// NewPool allocates the initial slots of a pool.
func NewPool(name string, cfg PoolConfig) (*Pool, error) {
	if cfg.SlotSize <= 0 || cfg.Count <= 0 {
		return nil, ErrInvalidPool
	}

	p := &Pool{
		name: name,
		cfg:  cfg,
	}

	if cfg.LogHandler == nil {
		p.logger = slog.Default()
	} else {
		p.logger = slog.New(cfg.LogHandler)
	}
	p.logger = p.logger.With("pool", name)

	if cfg.MetricSink == nil {
		p.msink = metrics.Default()
	} else {
		p.msink = cfg.MetricSink
	}
	p.labels = append(append([]metrics.Label{}, cfg.MetricLabels...), metrics.Label{Name: "pool", Value: name})

	p.grow(cfg.Count)
	p.reportLocked()
	return p, nil
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) SlotSize() int {
	return p.cfg.SlotSize
}

// NumSlots returns the total number of slots, free or not.
func (p *Pool) NumSlots() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.slots)
}

// NumFree returns the number of slots sitting in the freelist.
func (p *Pool) NumFree() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.free)
}

// NumReferenced returns how many buffer records are still alive.
func (p *Pool) NumReferenced() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.refCount
}

// not thread safe!
// must be called by the holder of the lock.
func (p *Pool) grow(n int) int {
	if p.cfg.Limit > 0 && len(p.slots)+n > p.cfg.Limit {
		n = p.cfg.Limit - len(p.slots)
	}
	for i := 0; i < n; i++ {
		p.slots = append(p.slots, &slot{data: make([]byte, p.cfg.SlotSize)})
		p.free = append(p.free, len(p.slots)-1)
	}
	return max(n, 0)
}

// Allocate returns a Buffer of at least size bytes made of as many slots
// as needed. A size of zero allocates exactly one slot.
//
// It returns a null Buffer when the freelist cannot satisfy the request
// and the pool is not allowed to grow anymore. Callers must treat it as
// back-pressure and may use `RequestNotify` to be resumed.
func (p *Pool) Allocate(size int) Buffer {
	nseg := 1
	if size > 0 {
		nseg = (size + p.cfg.SlotSize - 1) / p.cfg.SlotSize
	}
	if size <= 0 {
		size = p.cfg.SlotSize
	}

	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return Buffer{}
	}

	for len(p.free) < nseg {
		if p.cfg.Increment <= 0 || p.grow(max(p.cfg.Increment, nseg-len(p.free))) == 0 {
			p.lk.Unlock()
			p.msink.IncrCounterWithLabels(MetricPoolOOMCount, 1.0, p.labels)
			p.logger.Debug("pool exhausted", "requested", size, "segments", nseg)
			return Buffer{}
		}
	}

	rec := &record{pool: p, segs: make([]segment, nseg)}
	remaining := size
	for i := 0; i < nseg; i++ {
		id := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		l := min(remaining, p.cfg.SlotSize)
		mem := p.slots[id].data
		rec.segs[i] = segment{slot: id, mem: mem, data: mem[:l]}
		remaining -= l
	}
	rec.refs.Store(1)
	p.refCount++
	p.reportLocked()
	p.lk.Unlock()

	return Buffer{rec: rec}
}

// RequestNotify registers a one-shot callback invoked once slots are
// returned to the freelist. Callbacks are invoked outside the pool lock,
// from the goroutine releasing the last reference.
func (p *Pool) RequestNotify(fn func()) {
	if fn == nil {
		return
	}
	p.lk.Lock()
	p.waiters = append(p.waiters, fn)
	p.lk.Unlock()
}

// NumWaiters is the number of callbacks waiting for a release.
func (p *Pool) NumWaiters() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.waiters)
}

func (p *Pool) recycle(rec *record) {
	p.lk.Lock()
	for _, seg := range rec.segs {
		p.free = append(p.free, seg.slot)
	}
	p.refCount--
	waiters := p.waiters
	p.waiters = nil
	p.reportLocked()
	p.lk.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// Close marks the pool unusable. It fails while buffers are still referenced.
func (p *Pool) Close() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.refCount > 0 {
		return ErrPoolInUse
	}
	p.closed = true
	p.slots = nil
	p.free = nil
	return nil
}

// not thread safe!
// must be called by the holder of the lock.
func (p *Pool) reportLocked() {
	p.msink.SetGaugeWithLabels(MetricPoolFreeSlots, float32(len(p.free)), p.labels)
	p.msink.SetGaugeWithLabels(MetricPoolTotalSlots, float32(len(p.slots)), p.labels)
}
