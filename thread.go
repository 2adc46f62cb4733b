package daqbone

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/command"
)

// ThreadConfig configures a worker Thread.
type ThreadConfig struct {
	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label

	// OnException receives callback panics recovered by the thread.
	OnException func(*ModuleException)
}

type entryKind uint8

const (
	entryEvent entryKind = iota
	entryCommand
	entryReply
	entryAssign
	entryCall
)

type entry struct {
	kind entryKind
	proc uint32
	ev   Event
	cmd  *command.Command
	fn   func()
	done chan struct{}
}

// Thread runs one dispatch loop for every Processor assigned to it.
//
// Events, commands and timers of a given processor are always executed
// by the loop goroutine, so a processor never runs concurrently with
// itself. The lock is only held to enqueue or dequeue work, never while a
// callback runs.
type Thread struct {
	name        string
	logger      *slog.Logger
	msink       metrics.MetricSink
	labels      []metrics.Label
	onException func(*ModuleException)

	lk      sync.Mutex
	queues  [numPriorities]*deque.Deque[entry]
	procs   map[uint32]*Processor
	nextID  uint32
	timers  map[uint32]time.Time
	watched []*command.Command
	stopped bool

	wake    chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

// NewThread creates a Thread and starts its loop.
func NewThread(name string, cfg ThreadConfig) *Thread {
	t := &Thread{
		name:        name,
		onException: cfg.OnException,
		procs:       make(map[uint32]*Processor),
		timers:      make(map[uint32]time.Time),
		wake:        make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for i := range t.queues {
		t.queues[i] = deque.New[entry]()
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(LabelThread.L(name))

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}
	t.labels = withLabels(cfg.MetricLabels, LabelThread.M(name))

	go t.run()
	return t
}

func (t *Thread) Name() string {
	return t.name
}

// NumProcessors returns how many processors are currently assigned.
func (t *Thread) NumProcessors() int {
	t.lk.Lock()
	defer t.lk.Unlock()
	return len(t.procs)
}

// Stop terminates the loop once the current callback returns. Queued
// commands are replied false, queued events are dropped.
func (t *Thread) Stop() {
	t.lk.Lock()
	if t.stopped {
		t.lk.Unlock()
		<-t.doneCh
		return
	}
	t.stopped = true
	close(t.closeCh)
	t.lk.Unlock()

	<-t.doneCh

	t.lk.Lock()
	var pending []*command.Command
	for _, q := range t.queues {
		for q.Len() > 0 {
			e := q.PopFront()
			if e.kind == entryCommand {
				pending = append(pending, e.cmd)
			}
			if e.done != nil {
				close(e.done)
			}
		}
	}
	t.watched = nil
	t.lk.Unlock()

	for _, cmd := range pending {
		_ = cmd.ReplyFalse()
	}
	t.logger.Debug("thread stopped", "dropped_commands", len(pending))
}

func (t *Thread) register(p *Processor) (uint32, error) {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.stopped {
		return 0, ErrThreadStopped
	}
	t.nextID++
	t.procs[t.nextID] = p
	return t.nextID, nil
}

func (t *Thread) unregister(id uint32) {
	t.lk.Lock()
	delete(t.procs, id)
	delete(t.timers, id)
	t.lk.Unlock()
}

// lookup resolves the weak processor link.
func (t *Thread) lookup(id uint32) *Processor {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.procs[id]
}

func (t *Thread) enqueue(prio Priority, e entry) bool {
	t.lk.Lock()
	if t.stopped {
		t.lk.Unlock()
		return false
	}
	if _, ok := t.procs[e.proc]; !ok {
		t.lk.Unlock()
		return false
	}
	if e.kind == entryCommand {
		if _, ok := e.cmd.Deadline(); ok {
			t.watched = append(t.watched, e.cmd)
		}
	}
	t.queues[prio].PushBack(e)
	t.lk.Unlock()
	t.notify()
	return true
}

// setTimer arms, rearms or (with d < 0) cancels the timer of a processor.
func (t *Thread) setTimer(id uint32, d time.Duration) {
	t.lk.Lock()
	if _, ok := t.procs[id]; !ok {
		t.lk.Unlock()
		return
	}
	if d < 0 {
		delete(t.timers, id)
	} else {
		t.timers[id] = time.Now().Add(d)
	}
	t.lk.Unlock()
	t.notify()
}

func (t *Thread) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// not thread safe!
// must be called by the holder of the lock.
func (t *Thread) popLocked() (entry, bool) {
	for _, q := range t.queues {
		if q.Len() > 0 {
			return q.PopFront(), true
		}
	}
	return entry{}, false
}

// not thread safe!
// must be called by the holder of the lock.
func (t *Thread) dueTimersLocked(now time.Time) []uint32 {
	var due []uint32
	for id, at := range t.timers {
		if !now.Before(at) {
			due = append(due, id)
			delete(t.timers, id)
		}
	}
	return due
}

// not thread safe!
// must be called by the holder of the lock.
func (t *Thread) expiredCommandsLocked(now time.Time) []*command.Command {
	var expired []*command.Command
	kept := t.watched[:0]
	for _, cmd := range t.watched {
		switch {
		case cmd.State() == command.StateDone:
		case cmd.Expired(now):
			expired = append(expired, cmd)
		default:
			kept = append(kept, cmd)
		}
	}
	clear(t.watched[len(kept):])
	t.watched = kept
	return expired
}

// not thread safe!
// must be called by the holder of the lock.
func (t *Thread) nextWakeLocked() time.Time {
	var next time.Time
	for _, at := range t.timers {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	for _, cmd := range t.watched {
		if dl, ok := cmd.Deadline(); ok && (next.IsZero() || dl.Before(next)) {
			next = dl
		}
	}
	return next
}

func (t *Thread) run() {
	defer close(t.doneCh)
	t.logger.Debug("thread started")

	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		now := time.Now()
		t.lk.Lock()
		due := t.dueTimersLocked(now)
		expired := t.expiredCommandsLocked(now)
		e, hasEntry := t.popLocked()
		next := t.nextWakeLocked()
		t.lk.Unlock()

		for _, cmd := range expired {
			if cmd.ReplyTimedOut() == nil {
				t.msink.IncrCounterWithLabels(MetricThreadTimedOutCount, 1.0, t.labels)
				t.logger.Warn("command timed out", LabelCommand.L(cmd.Name()))
			}
		}

		for _, id := range due {
			t.dispatchTimeout(id, now)
		}

		if hasEntry {
			t.dispatch(e)
			continue
		}
		if len(due) > 0 || len(expired) > 0 {
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-t.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-t.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (t *Thread) dispatchTimeout(id uint32, now time.Time) {
	p := t.lookup(id)
	if p == nil {
		return
	}
	handler, ok := p.handler.(TimeoutHandler)
	if !ok {
		return
	}

	var elapsed time.Duration
	if !p.lastTimeout.IsZero() {
		elapsed = now.Sub(p.lastTimeout)
	}
	p.lastTimeout = now

	next := time.Duration(-1)
	t.protect(p, "timeout", func() {
		next = handler.ProcessTimeout(elapsed)
	})
	if next < 0 {
		return
	}

	at := time.Now().Add(next)
	t.lk.Lock()
	if t.procs[id] == p {
		// a shorter timer armed from within the callback wins.
		if cur, armed := t.timers[id]; !armed || cur.After(at) {
			t.timers[id] = at
		}
	}
	t.lk.Unlock()
}

func (t *Thread) dispatch(e entry) {
	p := t.lookup(e.proc)
	if p == nil {
		if e.kind == entryCommand {
			_ = e.cmd.ReplyFalse()
		}
		if e.done != nil {
			close(e.done)
		}
		return
	}

	switch e.kind {
	case entryEvent:
		t.msink.IncrCounterWithLabels(MetricThreadEventCount, 1.0, t.labels)
		if handler, ok := p.handler.(EventHandler); ok {
			t.protect(p, "event "+e.ev.Kind.String(), func() {
				handler.ProcessEvent(e.ev)
			})
		}

	case entryCommand:
		t.msink.IncrCounterWithLabels(MetricThreadCommandCount, 1.0, t.labels)
		cmd := e.cmd
		if cmd.State() == command.StateDone {
			// already force-replied.
			return
		}
		res := command.ResultFalse
		if handler, ok := p.handler.(CommandExecutor); ok {
			t.protect(p, "command "+cmd.Name(), func() {
				res = handler.ExecuteCommand(cmd)
			})
		} else {
			t.logger.Warn("processor cannot execute commands",
				LabelProcessor.L(p.Name()), LabelCommand.L(cmd.Name()))
		}
		if res == command.ResultPostponed {
			cmd.MarkPostponed()
			return
		}
		if err := cmd.Reply(res); err != nil && cmd.State() != command.StateDone {
			t.logger.Error("failed to reply command", LabelCommand.L(cmd.Name()), LabelError.L(err))
		}

	case entryReply:
		if handler, ok := p.handler.(ReplyHandler); ok {
			t.protect(p, "reply "+e.cmd.Name(), func() {
				handler.ReplyCommand(e.cmd)
			})
		}

	case entryAssign:
		if handler, ok := p.handler.(AssignHandler); ok {
			t.protect(p, "assign", handler.OnThreadAssigned)
		}
		close(e.done)

	case entryCall:
		t.protect(p, "call", e.fn)
	}
}

func (t *Thread) protect(p *Processor, what string, fn func()) (ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, isErr := r.(error)
		if !isErr {
			err = fmt.Errorf("%v", r)
		}
		exc := &ModuleException{
			Processor: p.Name(),
			Thread:    t.name,
			Err:       fmt.Errorf("%s: %w", what, err),
		}
		t.logger.Error("recovered from callback panic",
			LabelProcessor.L(p.Name()), LabelError.L(exc.Err))
		t.msink.IncrCounterWithLabels(
			MetricThreadExceptionCount,
			1.0,
			withLabels(t.labels, LabelProcessor.M(p.Name())),
		)
		if t.onException != nil {
			t.onException(exc)
		}
		ok = false
	}()
	fn()
	return true
}
