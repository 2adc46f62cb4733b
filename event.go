package daqbone

import "fmt"

// EventKind identifies what a fired Event is about.
type EventKind uint16

const (
	EventNone EventKind = iota
	// EventInput tells the owner of an input port that data is queued.
	EventInput
	// EventOutput tells the owner of an output port that space is available.
	EventOutput
	EventPortConnect
	EventPortDisconnect
	EventPortError
	// EventConnStart and EventConnStop tell a module that the module on the
	// other side of one of its ports started or stopped.
	EventConnStart
	EventConnStop
	EventPoolReady

	// EventUser is the first kind free for application events.
	EventUser EventKind = 100
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventInput:
		return "input"
	case EventOutput:
		return "output"
	case EventPortConnect:
		return "port-connect"
	case EventPortDisconnect:
		return "port-disconnect"
	case EventPortError:
		return "port-error"
	case EventConnStart:
		return "conn-start"
	case EventConnStop:
		return "conn-stop"
	case EventPoolReady:
		return "pool-ready"
	default:
		return fmt.Sprintf("user(%d)", int(k-EventUser))
	}
}

// Priority orders the dispatch of events. Lower is served first.
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities
)

// Event is a fire-and-forget message delivered to a Processor on its
// thread. Item usually carries a port id.
type Event struct {
	Kind EventKind
	Item uint32
	Arg  any
}

// eventTarget is implemented by anything able to receive events. A
// LocalTransport only knows its endpoints through it.
type eventTarget interface {
	FireEvent(ev Event) bool
}
