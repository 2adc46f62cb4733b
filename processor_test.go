package daqbone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/command"
	"github.com/stretchr/testify/require"
)

func newTestThread(t *testing.T, name string, onExc func(*ModuleException)) *Thread {
	t.Helper()
	th := NewThread(name, ThreadConfig{
		MetricSink:  &metrics.BlackholeSink{},
		OnException: onExc,
	})
	t.Cleanup(th.Stop)
	return th
}

type recordingHandler struct {
	lk       sync.Mutex
	events   []Event
	timeouts int
	replies  []*command.Command
	assigned int

	exec      func(*command.Command) command.Result
	onTimeout func(n int) time.Duration
	onEvent   func(Event)
}

func (h *recordingHandler) ProcessEvent(ev Event) {
	if h.onEvent != nil {
		h.onEvent(ev)
	}
	h.lk.Lock()
	h.events = append(h.events, ev)
	h.lk.Unlock()
}

func (h *recordingHandler) ProcessTimeout(time.Duration) time.Duration {
	h.lk.Lock()
	h.timeouts++
	n := h.timeouts
	h.lk.Unlock()
	if h.onTimeout != nil {
		return h.onTimeout(n)
	}
	return -1
}

func (h *recordingHandler) ExecuteCommand(cmd *command.Command) command.Result {
	if h.exec != nil {
		return h.exec(cmd)
	}
	return command.ResultTrue
}

func (h *recordingHandler) ReplyCommand(cmd *command.Command) {
	h.lk.Lock()
	h.replies = append(h.replies, cmd)
	h.lk.Unlock()
}

func (h *recordingHandler) OnThreadAssigned() {
	h.lk.Lock()
	h.assigned++
	h.lk.Unlock()
}

func (h *recordingHandler) numEvents() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return len(h.events)
}

func (h *recordingHandler) numTimeouts() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.timeouts
}

func (h *recordingHandler) numReplies() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return len(h.replies)
}

func assignProcessor(t *testing.T, p *Processor, th *Thread) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.AssignToThread(ctx, th, true))
}

func TestProcessor_EventsInOrder(t *testing.T) {
	th := newTestThread(t, "events", nil)
	h := &recordingHandler{}
	p := NewProcessor("p", h, PriorityNormal)
	assignProcessor(t, p, th)

	h.lk.Lock()
	require.Equal(t, 1, h.assigned, "OnThreadAssigned must run before the assignment returns")
	h.lk.Unlock()

	for i := 0; i < 100; i++ {
		require.True(t, p.FireEvent(Event{Kind: EventUser, Item: uint32(i)}))
	}
	require.Eventually(t, func() bool { return h.numEvents() == 100 }, 2*time.Second, 10*time.Millisecond)

	h.lk.Lock()
	defer h.lk.Unlock()
	for i, ev := range h.events {
		require.Equal(t, uint32(i), ev.Item, "events of a processor must be dispatched in FIFO order")
	}
}

func TestProcessor_UnassignedDropsEvents(t *testing.T) {
	h := &recordingHandler{}
	p := NewProcessor("p", h, PriorityNormal)

	require.False(t, p.FireEvent(Event{Kind: EventUser}))
	require.False(t, p.IsAssigned())

	// the timer request survives until the assignment.
	p.ActivateTimeout(0)
	th := newTestThread(t, "late", nil)
	assignProcessor(t, p, th)
	require.Eventually(t, func() bool { return h.numTimeouts() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, h.numEvents())

	require.ErrorIs(t, p.AssignToThread(context.Background(), th, false), ErrAlreadyAssigned)
}

func TestProcessor_TimeoutRearm(t *testing.T) {
	th := newTestThread(t, "timer", nil)
	h := &recordingHandler{
		onTimeout: func(n int) time.Duration {
			if n >= 3 {
				return -1
			}
			return 10 * time.Millisecond
		},
	}
	p := NewProcessor("p", h, PriorityNormal)
	assignProcessor(t, p, th)

	p.ActivateTimeout(10 * time.Millisecond)
	require.Eventually(t, func() bool { return h.numTimeouts() == 3 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return h.numTimeouts() > 3 }, 100*time.Millisecond, 10*time.Millisecond)

	// a negative duration cancels a pending timer.
	p.ActivateTimeout(50 * time.Millisecond)
	p.ActivateTimeout(-1)
	require.Never(t, func() bool { return h.numTimeouts() > 3 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestProcessor_Execute(t *testing.T) {
	th := newTestThread(t, "exec", nil)
	h := &recordingHandler{
		exec: func(cmd *command.Command) command.Result {
			return command.ResultOf(cmd.GetInt("value", 0) > 0)
		},
	}
	p := NewProcessor("p", h, PriorityNormal)
	assignProcessor(t, p, th)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := p.Execute(ctx, command.New("Check").SetInt("value", 1))
	require.NoError(t, err)
	require.Equal(t, command.ResultTrue, res)

	res, err = p.Execute(ctx, command.New("Check").SetInt("value", -1))
	require.NoError(t, err)
	require.Equal(t, command.ResultFalse, res)
}

func TestProcessor_PostponedCommandTimesOut(t *testing.T) {
	th := newTestThread(t, "postponed", nil)
	var held *command.Command
	h := &recordingHandler{
		exec: func(cmd *command.Command) command.Result {
			held = cmd
			return command.ResultPostponed
		},
	}
	p := NewProcessor("p", h, PriorityNormal)
	assignProcessor(t, p, th)

	cmd := command.New("Forgotten").SetTimeout(50 * time.Millisecond)
	p.Submit(cmd)

	select {
	case <-cmd.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("a postponed command must be replied at its deadline")
	}
	require.Equal(t, command.ResultTimedOut, cmd.Result())
	require.Same(t, cmd, held)

	// the late reply of the holder is refused.
	require.ErrorIs(t, held.ReplyTrue(), command.ErrAlreadyReplied)
}

func TestProcessor_SubmitToRoutesReply(t *testing.T) {
	th1 := newTestThread(t, "client", nil)
	th2 := newTestThread(t, "server", nil)
	client := &recordingHandler{}
	server := &recordingHandler{}
	pc := NewProcessor("client", client, PriorityNormal)
	ps := NewProcessor("server", server, PriorityNormal)
	assignProcessor(t, pc, th1)
	assignProcessor(t, ps, th2)
	require.False(t, pc.SameThread(ps))

	cmd := command.New("Ping")
	pc.SubmitTo(ps, cmd)

	require.Eventually(t, func() bool { return client.numReplies() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, command.ResultTrue, cmd.Result())
	require.Equal(t, 0, server.numReplies())
}

func TestProcessor_RemoveFromThread(t *testing.T) {
	th := newTestThread(t, "remove", nil)
	h := &recordingHandler{}
	p := NewProcessor("p", h, PriorityNormal)
	assignProcessor(t, p, th)
	require.Equal(t, 1, th.NumProcessors())

	require.NoError(t, p.RemoveFromThread())
	require.ErrorIs(t, p.RemoveFromThread(), ErrNotAssigned)
	require.Equal(t, 0, th.NumProcessors())

	cmd := command.New("Late")
	p.Submit(cmd)
	require.Equal(t, command.ResultFalse, cmd.Result(), "a processor without thread replies false at once")
	require.False(t, p.FireEvent(Event{Kind: EventUser}))
}

func TestThread_PanicBecomesException(t *testing.T) {
	var (
		lk   sync.Mutex
		excs []*ModuleException
	)
	th := newTestThread(t, "panics", func(exc *ModuleException) {
		lk.Lock()
		excs = append(excs, exc)
		lk.Unlock()
	})

	boom := errors.New("boom")
	h := &recordingHandler{
		onEvent: func(ev Event) {
			if ev.Item == 1 {
				panic(boom)
			}
		},
		exec: func(*command.Command) command.Result {
			panic("no command today")
		},
	}
	p := NewProcessor("fragile", h, PriorityNormal)
	assignProcessor(t, p, th)

	p.FireEvent(Event{Kind: EventUser, Item: 1})
	p.FireEvent(Event{Kind: EventUser, Item: 2})
	require.Eventually(t, func() bool { return h.numEvents() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := p.Execute(ctx, command.New("Explode"))
	require.NoError(t, err)
	require.Equal(t, command.ResultFalse, res, "a panicking command is replied false")

	lk.Lock()
	defer lk.Unlock()
	require.Len(t, excs, 2)
	require.Equal(t, "fragile", excs[0].Processor)
	require.Equal(t, "panics", excs[0].Thread)
	require.ErrorIs(t, excs[0], boom)
}

func TestThread_StopRepliesQueuedCommands(t *testing.T) {
	th := NewThread("stopping", ThreadConfig{MetricSink: &metrics.BlackholeSink{}})
	block := make(chan struct{})
	h := &recordingHandler{
		exec: func(cmd *command.Command) command.Result {
			if cmd.IsName("Block") {
				<-block
			}
			return command.ResultTrue
		},
	}
	p := NewProcessor("p", h, PriorityNormal)
	assignProcessor(t, p, th)

	first := command.New("Block")
	second := command.New("Queued")
	p.Submit(first)
	p.Submit(second)

	stopped := make(chan struct{})
	go func() {
		th.Stop()
		close(stopped)
	}()
	close(block)
	<-stopped

	require.Equal(t, command.ResultTrue, first.Result())
	require.Equal(t, command.ResultFalse, second.Result())
	require.False(t, p.FireEvent(Event{Kind: EventUser}))
}
