package daqbone

import (
	"fmt"
	"log/slog"
)

// ConnectPorts links an output port to an input port through a
// LocalTransport.
//
// The capacity is the largest requested by both ports and the blocking
// policy comes from the output port, or the input port when the output
// does not set one. A queue already held by one of the ports is reused.
// Ports of modules served by the same thread share a queue without mutex.
func ConnectPorts(out, inp *Port) error {
	if out == nil || inp == nil {
		return ErrPortNotConnected
	}
	if out.dir != PortOutput || inp.dir != PortInput {
		return fmt.Errorf("%w: %s -> %s", ErrPortDirection, out.FullName(), inp.FullName())
	}

	policy := out.cfg.Blocking
	if policy == "" {
		policy = inp.cfg.Blocking
	}
	whenConnected, whenDisconnected, err := parseBlocking(policy)
	if err != nil {
		return err
	}

	sameThread := out.module.SameThread(inp.module.Processor)

	oq, iq := out.Queue(), inp.Queue()
	var q *LocalTransport
	switch {
	case oq != nil && iq != nil && oq != iq:
		return fmt.Errorf("%w: %s -> %s", ErrQueueConflict, out.FullName(), inp.FullName())
	case oq != nil:
		q = oq
	case iq != nil:
		q = iq
	default:
		q = NewLocalTransport(max(out.cfg.Capacity, inp.cfg.Capacity), !sameThread)
		q.withMetrics(out.module.msink, withLabels(out.module.labels, LabelPort.M(out.name)))
	}
	if !sameThread {
		q.enableMutex()
	}
	q.setBlocking(whenConnected, whenDisconnected)

	if !q.has(false) {
		out.setQueue(q)
		q.attach(false, queueEnd{target: out.module.Processor, item: out.id, kind: out.cfg.Signal})
	}
	if !q.has(true) {
		inp.setQueue(q)
		q.attach(true, queueEnd{target: inp.module.Processor, item: inp.id, kind: inp.cfg.Signal})
	}

	out.module.FireEvent(Event{Kind: EventPortConnect, Item: out.id})
	inp.module.FireEvent(Event{Kind: EventPortConnect, Item: inp.id})

	outRunning, inpRunning := out.module.IsRunning(), inp.module.IsRunning()
	switch {
	case outRunning && !inpRunning:
		inp.module.FireEvent(Event{Kind: EventConnStart, Item: inp.id})
	case inpRunning && !outRunning:
		out.module.FireEvent(Event{Kind: EventConnStart, Item: out.id})
	case outRunning && inpRunning:
		// both sides already run, let the producer find the new queue.
		out.module.FireEvent(Event{Kind: EventOutput, Item: out.id})
	}

	out.module.logger.Debug("ports connected",
		LabelPort.L(out.FullName()),
		slog.String("peer", inp.FullName()),
		slog.Int("capacity", q.Capacity()),
		slog.String("blocking", policy),
		slog.Bool("mutex", !sameThread),
	)
	return nil
}
