package daqbone

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg      = errors.New("manager: invalid options")
	ErrNameInvalid     = errors.New("manager: names must be non-empty without slashes or spaces")
	ErrNameConflict    = errors.New("manager: an item with this name already exists")
	ErrNotFound        = errors.New("manager: item does not exist")
	ErrStateTransition = errors.New("manager: transition not allowed from the current state")
	ErrClosed          = errors.New("manager: closed")
	ErrUnknownKind     = errors.New("manager: unknown module kind")
	ErrInvalidURL      = errors.New("manager: url must look like node/module/port")
	ErrNoRouter        = errors.New("manager: no route to remote node")

	ErrAlreadyAssigned = errors.New("processor: already assigned to a thread")
	ErrNotAssigned     = errors.New("processor: not assigned to any thread")
	ErrThreadStopped   = errors.New("processor: thread is stopped")
	ErrAssignTimeout   = errors.New("processor: thread did not confirm the assignment")

	ErrQueueConflict    = errors.New("transport: both ports already have distinct queues")
	ErrPortDirection    = errors.New("transport: ports must be one output and one input")
	ErrPortNotConnected = errors.New("transport: port is not connected")
	ErrBlockingPolicy   = errors.New("transport: unknown blocking policy")

	ErrNoData     = errors.New("module: no data available yet")
	ErrNoPool     = errors.New("module: a memory pool is required")
	ErrNoDataIO   = errors.New("module: a data input or output is required")
	ErrNotRunning = errors.New("module: not running")

	ErrConnUnknown  = errors.New("connmgr: no connection request matches")
	ErrConnRejected = errors.New("connmgr: connection rejected")
	ErrConnTimedOut = errors.New("connmgr: connection batch timed out")

	ErrBufferSize        = errors.New("netdevice: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("netdevice: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("netdevice: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("netdevice: UDP listener not available")
	ErrShutdown          = errors.New("netdevice: shutting down")
	ErrStreamWrite       = errors.New("netdevice: error writing to a stream")
	ErrProtocolViolation = errors.New("netdevice: protocol violation")
	ErrNoTLSConfig       = errors.New("netdevice: TlsConfig is required")
	ErrTooLargeFrame     = errors.New("netdevice: frame is too large")
	ErrUnknownNode       = errors.New("directory: node is unknown")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamClosed            = quic.StreamErrorCode(0x01)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// ModuleException is reported to the Manager when a callback of a
// processor panics. The thread keeps dispatching.
type ModuleException struct {
	Processor string
	Thread    string
	Err       error
}

func (exc *ModuleException) Error() string {
	return fmt.Sprintf("module exception in %s (thread %s): %s", exc.Processor, exc.Thread, exc.Err)
}

func (exc *ModuleException) Unwrap() error {
	return exc.Err
}
