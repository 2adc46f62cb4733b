// Package command implements the asynchronous request/reply envelope
// exchanged between processors, devices and remote nodes.
//
// A Command is a named bag of typed fields. It is replied exactly once:
// the first call to `Reply` completes it, any further call returns
// `ErrAlreadyReplied`.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyReplied = errors.New("command: already replied")
	ErrInvalidResult  = errors.New("command: a reply must carry a final result")
)

// Result is the outcome of a Command.
type Result int

const (
	ResultFalse     Result = 0
	ResultTrue      Result = 1
	ResultPostponed Result = -1
	ResultTimedOut  Result = -2
	ResultCanceled  Result = -3

	// ResultRetryLater asks the submitter to try again shortly, it is not
	// an error.
	ResultRetryLater Result = 77
)

func (r Result) String() string {
	switch r {
	case ResultFalse:
		return "false"
	case ResultTrue:
		return "true"
	case ResultPostponed:
		return "postponed"
	case ResultTimedOut:
		return "timedout"
	case ResultCanceled:
		return "canceled"
	case ResultRetryLater:
		return "retry-later"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Final reports whether r can complete a Command.
func (r Result) Final() bool {
	return r != ResultPostponed
}

// ResultOf maps a boolean to ResultTrue/ResultFalse.
func ResultOf(ok bool) Result {
	if ok {
		return ResultTrue
	}
	return ResultFalse
}

// State is the completion state of a Command.
type State uint8

const (
	StatePending State = iota
	StatePostponed
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePostponed:
		return "postponed"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Command is the request/reply envelope.
type Command struct {
	id       string
	name     string
	receiver string

	lk       sync.Mutex
	fields   map[string]any
	deadline time.Time
	result   Result
	state    State
	done     chan struct{}
	onReply  []func(*Command)
}

// New creates a pending command.
func New(name string) *Command {
	return &Command{
		id:     uuid.NewString(),
		name:   name,
		fields: make(map[string]any),
		done:   make(chan struct{}),
	}
}

func (c *Command) ID() string {
	return c.id
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) IsName(name string) bool {
	return c.name == name
}

// Receiver is the address of the item which must execute the command,
// `node/item` for remote commands.
func (c *Command) Receiver() string {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.receiver
}

func (c *Command) SetReceiver(rcv string) *Command {
	c.lk.Lock()
	c.receiver = rcv
	c.lk.Unlock()
	return c
}

// SetTimeout arms the command deadline relative to now. A non-positive
// duration removes it.
func (c *Command) SetTimeout(d time.Duration) *Command {
	c.lk.Lock()
	defer c.lk.Unlock()
	if d <= 0 {
		c.deadline = time.Time{}
	} else {
		c.deadline = time.Now().Add(d)
	}
	return c
}

func (c *Command) Deadline() (time.Time, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.deadline, !c.deadline.IsZero()
}

// TimeTillTimeout returns the time left before the deadline, shortened by
// margin, and clamped at zero. It returns a negative duration if the
// command has no deadline.
func (c *Command) TimeTillTimeout(margin time.Duration) time.Duration {
	dl, ok := c.Deadline()
	if !ok {
		return -1
	}
	left := time.Until(dl) - margin
	if left < 0 {
		return 0
	}
	return left
}

func (c *Command) Expired(now time.Time) bool {
	dl, ok := c.Deadline()
	return ok && !now.Before(dl)
}

func (c *Command) set(name string, val any) *Command {
	c.lk.Lock()
	c.fields[name] = val
	c.lk.Unlock()
	return c
}

func (c *Command) get(name string) (any, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	v, ok := c.fields[name]
	return v, ok
}

func (c *Command) Has(name string) bool {
	_, ok := c.get(name)
	return ok
}

func (c *Command) SetStr(name, val string) *Command    { return c.set(name, val) }
func (c *Command) SetInt(name string, val int) *Command { return c.set(name, int64(val)) }
func (c *Command) SetDouble(name string, val float64) *Command {
	return c.set(name, val)
}
func (c *Command) SetBool(name string, val bool) *Command { return c.set(name, val) }

// SetRef stores an in-process reference. References never cross the wire.
func (c *Command) SetRef(name string, ref any) *Command { return c.set(name, fieldRef{ref}) }

type fieldRef struct {
	v any
}

func (c *Command) GetStr(name string, def string) string {
	v, ok := c.get(name)
	if !ok {
		return def
	}
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (c *Command) GetInt(name string, def int) int {
	v, ok := c.get(name)
	if !ok {
		return def
	}
	switch v := v.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return def
	}
}

func (c *Command) GetDouble(name string, def float64) float64 {
	v, ok := c.get(name)
	if !ok {
		return def
	}
	switch v := v.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return def
	}
}

func (c *Command) GetBool(name string, def bool) bool {
	v, ok := c.get(name)
	if !ok {
		return def
	}
	switch v := v.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v == "true"
	default:
		return def
	}
}

func (c *Command) GetRef(name string) any {
	v, ok := c.get(name)
	if !ok {
		return nil
	}
	if ref, ok := v.(fieldRef); ok {
		return ref.v
	}
	return nil
}

// State returns the completion state.
func (c *Command) State() State {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.state
}

// MarkPostponed records that the holder will reply later.
func (c *Command) MarkPostponed() {
	c.lk.Lock()
	if c.state == StatePending {
		c.state = StatePostponed
	}
	c.lk.Unlock()
}

// Result returns the final result, or ResultPostponed while not done.
func (c *Command) Result() Result {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.state != StateDone {
		return ResultPostponed
	}
	return c.result
}

// Done is closed once the command is replied.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// OnReply registers a callback invoked once, right after the reply. If the
// command is already replied, fn is invoked immediately.
func (c *Command) OnReply(fn func(*Command)) {
	c.lk.Lock()
	if c.state == StateDone {
		c.lk.Unlock()
		fn(c)
		return
	}
	c.onReply = append(c.onReply, fn)
	c.lk.Unlock()
}

// Reply completes the command with res. Replying twice is a programming
// error reported as ErrAlreadyReplied.
func (c *Command) Reply(res Result) error {
	if !res.Final() {
		return ErrInvalidResult
	}
	c.lk.Lock()
	if c.state == StateDone {
		c.lk.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyReplied, c.name)
	}
	c.state = StateDone
	c.result = res
	callbacks := c.onReply
	c.onReply = nil
	close(c.done)
	c.lk.Unlock()

	for _, fn := range callbacks {
		fn(c)
	}
	return nil
}

func (c *Command) ReplyTrue() error     { return c.Reply(ResultTrue) }
func (c *Command) ReplyFalse() error    { return c.Reply(ResultFalse) }
func (c *Command) ReplyTimedOut() error { return c.Reply(ResultTimedOut) }
func (c *Command) ReplyBool(ok bool) error {
	return c.Reply(ResultOf(ok))
}

// Wait blocks until the command is replied, its deadline passes or ctx is
// done. On deadline the command is replied ResultTimedOut.
func (c *Command) Wait(ctx context.Context) (Result, error) {
	var expire <-chan time.Time
	if dl, ok := c.Deadline(); ok {
		timer := time.NewTimer(time.Until(dl))
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-c.done:
		return c.Result(), nil
	case <-expire:
		_ = c.ReplyTimedOut()
		return c.Result(), nil
	case <-ctx.Done():
		return ResultCanceled, ctx.Err()
	}
}

// Fields returns a copy of the wire-transferable fields.
func (c *Command) Fields() map[string]any {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make(map[string]any, len(c.fields))
	for k, v := range c.fields {
		if _, isRef := v.(fieldRef); isRef {
			continue
		}
		out[k] = v
	}
	return out
}

// Merge copies the given fields into the command, overriding existing ones.
func (c *Command) Merge(fields map[string]any) {
	c.lk.Lock()
	defer c.lk.Unlock()
	for k, v := range fields {
		c.fields[k] = v
	}
}

func (c *Command) String() string {
	return fmt.Sprintf("%s(%s)", c.name, c.id)
}
