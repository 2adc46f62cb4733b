package daqbone

import (
	"context"
	"sync"
	"time"

	"github.com/raskyld/daqbone/pkg/command"
)

// defaultAssignTimeout bounds the synchronous assignment handshake when the
// caller context has no deadline.
const defaultAssignTimeout = 5 * time.Second

// TimeoutHandler is implemented by processors using ActivateTimeout.
// ProcessTimeout receives the time elapsed since its previous invocation
// and returns the next interval; a negative value stops the timer.
type TimeoutHandler interface {
	ProcessTimeout(elapsed time.Duration) time.Duration
}

// EventHandler is implemented by processors receiving fired events.
type EventHandler interface {
	ProcessEvent(ev Event)
}

// CommandExecutor is implemented by processors executing commands.
// Returning command.ResultPostponed keeps the command pending: the
// processor must reply it later, at the latest by its deadline.
type CommandExecutor interface {
	ExecuteCommand(cmd *command.Command) command.Result
}

// ReplyHandler is implemented by processors submitting commands through
// SubmitTo or Assign, it receives their replies on the processor thread.
type ReplyHandler interface {
	ReplyCommand(cmd *command.Command)
}

// AssignHandler is notified, on the new thread, once assigned.
type AssignHandler interface {
	OnThreadAssigned()
}

// Processor is the unit of scheduling. It does not own its Thread: the link
// is an id resolved through the registry of the thread, so work targeting
// a processor removed from its thread is dropped.
type Processor struct {
	name    string
	prio    Priority
	handler any

	lk             sync.Mutex
	thread         *Thread
	id             uint32
	pendingTimeout time.Duration
	hasPending     bool

	// only accessed by the loop of the assigned thread.
	lastTimeout time.Time
}

// NewProcessor creates an unassigned processor dispatching to handler,
// which may implement any of the *Handler interfaces.
func NewProcessor(name string, handler any, prio Priority) *Processor {
	if prio >= numPriorities {
		prio = PriorityLow
	}
	return &Processor{
		name:    name,
		prio:    prio,
		handler: handler,
	}
}

func (p *Processor) Name() string {
	return p.name
}

func (p *Processor) Priority() Priority {
	return p.prio
}

func (p *Processor) link() (*Thread, uint32) {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.thread, p.id
}

// ID is only meaningful while the processor is assigned.
func (p *Processor) ID() uint32 {
	_, id := p.link()
	return id
}

// Thread returns the assigned thread, or nil.
func (p *Processor) Thread() *Thread {
	t, _ := p.link()
	return t
}

func (p *Processor) IsAssigned() bool {
	t, id := p.link()
	return t != nil && t.lookup(id) == p
}

// SameThread reports whether both processors are assigned to one thread.
func (p *Processor) SameThread(other *Processor) bool {
	if other == nil {
		return false
	}
	t1, t2 := p.Thread(), other.Thread()
	return t1 != nil && t1 == t2
}

// AssignToThread binds the processor to t. With wait, the call blocks until
// OnThreadAssigned ran on t, bounded by ctx or a default timeout.
func (p *Processor) AssignToThread(ctx context.Context, t *Thread, wait bool) error {
	p.lk.Lock()
	if p.thread != nil {
		p.lk.Unlock()
		return ErrAlreadyAssigned
	}
	id, err := t.register(p)
	if err != nil {
		p.lk.Unlock()
		return err
	}
	p.thread = t
	p.id = id
	pending, hasPending := p.pendingTimeout, p.hasPending
	p.hasPending = false
	p.lk.Unlock()

	done := make(chan struct{})
	t.enqueue(PriorityHigh, entry{kind: entryAssign, proc: id, done: done})
	if hasPending {
		t.setTimer(id, pending)
	}

	if !wait {
		return nil
	}

	if _, hasDl := ctx.Deadline(); !hasDl {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAssignTimeout)
		defer cancel()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrAssignTimeout
	}
}

// RemoveFromThread unbinds the processor. Events still queued for it are
// dropped and queued commands are replied false.
func (p *Processor) RemoveFromThread() error {
	p.lk.Lock()
	t, id := p.thread, p.id
	p.thread = nil
	p.id = 0
	p.lk.Unlock()

	if t == nil {
		return ErrNotAssigned
	}
	t.unregister(id)
	return nil
}

// ActivateTimeout arms the processor timer: zero fires as soon as
// possible, a positive duration reschedules, a negative one cancels.
// Cancellation is best-effort and can lose the race with a firing timer.
//
// On an unassigned processor, the request is applied at assignment.
func (p *Processor) ActivateTimeout(d time.Duration) {
	p.lk.Lock()
	t, id := p.thread, p.id
	if t == nil {
		p.pendingTimeout = d
		p.hasPending = d >= 0
		p.lk.Unlock()
		return
	}
	p.lk.Unlock()
	t.setTimer(id, d)
}

// FireEvent enqueues ev for the processor. It returns false, dropping the
// event, when the processor has no thread.
func (p *Processor) FireEvent(ev Event) bool {
	t, id := p.link()
	if t == nil {
		return false
	}
	return t.enqueue(p.prio, entry{kind: entryEvent, proc: id, ev: ev})
}

// Post runs fn on the processor thread.
func (p *Processor) Post(fn func()) bool {
	t, id := p.link()
	if t == nil {
		return false
	}
	return t.enqueue(p.prio, entry{kind: entryCall, proc: id, fn: fn})
}

// Submit queues cmd for execution on the processor thread and returns
// immediately. A processor without thread replies false right away.
func (p *Processor) Submit(cmd *command.Command) {
	t, id := p.link()
	if t == nil || !t.enqueue(p.prio, entry{kind: entryCommand, proc: id, cmd: cmd}) {
		_ = cmd.ReplyFalse()
	}
}

// Assign makes the reply of cmd come back to p.ReplyCommand, on the thread
// of p.
func (p *Processor) Assign(cmd *command.Command) *command.Command {
	cmd.OnReply(p.deliverReply)
	return cmd
}

// SubmitTo submits cmd to target and routes its reply back to p.
func (p *Processor) SubmitTo(target *Processor, cmd *command.Command) {
	target.Submit(p.Assign(cmd))
}

// Execute submits cmd and waits for its reply. It must not be called from
// the thread of p.
func (p *Processor) Execute(ctx context.Context, cmd *command.Command) (command.Result, error) {
	p.Submit(cmd)
	return cmd.Wait(ctx)
}

func (p *Processor) deliverReply(cmd *command.Command) {
	t, id := p.link()
	if t == nil {
		return
	}
	t.enqueue(PriorityHigh, entry{kind: entryReply, proc: id, cmd: cmd})
}
