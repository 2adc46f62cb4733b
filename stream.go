package daqbone

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/daqbone/pkg/buffer"
	"google.golang.org/protobuf/encoding/protowire"
)

// StreamMode is the first varint of every stream opened between two
// NetDevices.
type StreamMode uint64

const (
	streamModeUnspecified StreamMode = iota
	// StreamModeCommand carries one encoded command, then its reply.
	StreamModeCommand
	// StreamModeData carries the connection id, then buffer frames.
	StreamModeData
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeCommand:
		return "command"
	case StreamModeData:
		return "data"
	default:
		return "unspecified"
	}
}

const (
	// maxInitPayload bounds the payload of an init frame.
	maxInitPayload = 1 << 20
	// dataAccepted is written back by the server once it took a data
	// stream.
	dataAccepted byte = 1
)

type netStream struct {
	mode       StreamMode
	localAddr  net.Addr
	remoteAddr net.Addr
	r          *bufio.Reader

	// NB: quic-go guards Write/Close/Read of a stream with its own
	// mutex. Reads and writes still happen from one goroutine each.
	quic.Stream
}

func newNetStream(conn quic.Connection, stream quic.Stream) *netStream {
	return &netStream{
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
		r:          bufio.NewReader(stream),
		Stream:     stream,
	}
}

func (ns *netStream) LocalAddr() net.Addr {
	return ns.localAddr
}

func (ns *netStream) RemoteAddr() net.Addr {
	return ns.remoteAddr
}

// garbageCollector closes the stream once closer is closed.
func (ns *netStream) garbageCollector(closer <-chan struct{}) {
	select {
	case <-ns.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		ns.Close()
	}
}

// abort resets both directions of the stream.
func (ns *netStream) abort(code quic.StreamErrorCode) {
	ns.CancelRead(code)
	ns.CancelWrite(code)
}

func (ns *netStream) readVarint() (uint64, error) {
	var prefix [binaryMaxVarintLen]byte
	n := 0
	for n < len(prefix) {
		b, err := ns.r.ReadByte()
		if err != nil {
			return 0, err
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
	}
	v, size := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(size); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return v, nil
}

const binaryMaxVarintLen = 10

// readPayload reads a varint length then the bytes.
func (ns *netStream) readPayload(limit int) ([]byte, error) {
	size, err := ns.readVarint()
	if err != nil {
		return nil, err
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(ns.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (ns *netStream) writePayload(payload []byte) error {
	frame := protowire.AppendVarint(nil, uint64(len(payload)))
	frame = append(frame, payload...)
	if _, err := ns.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

// writeInit opens the stream with its mode and payload.
func (ns *netStream) writeInit(mode StreamMode, payload []byte) error {
	ns.mode = mode
	frame := protowire.AppendVarint(nil, uint64(mode))
	frame = protowire.AppendVarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)
	if _, err := ns.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

func (ns *netStream) readInit() ([]byte, error) {
	mode, err := ns.readVarint()
	if err != nil {
		return nil, err
	}
	switch StreamMode(mode) {
	case StreamModeCommand, StreamModeData:
		ns.mode = StreamMode(mode)
	default:
		return nil, fmt.Errorf("%w: unknown stream mode %d", ErrProtocolViolation, mode)
	}
	return ns.readPayload(maxInitPayload)
}

// writeBuffer sends a buffer frame: varint(type) varint(size) payload.
func (ns *netStream) writeBuffer(buf *buffer.Buffer) (int, error) {
	size := buf.Size()
	frame := protowire.AppendVarint(nil, uint64(buf.Type()))
	frame = protowire.AppendVarint(frame, uint64(size))
	for i := 0; i < buf.NumSegments(); i++ {
		frame = append(frame, buf.Segment(i)...)
	}
	if _, err := ns.Write(frame); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return len(frame), nil
}

// readBuffer receives a buffer frame into a buffer allocated from pool.
// An exhausted pool is waited for until ctx is done.
func (ns *netStream) readBuffer(ctx context.Context, pool *buffer.Pool, limit int) (buffer.Buffer, error) {
	typ, err := ns.readVarint()
	if err != nil {
		return buffer.Buffer{}, err
	}
	size, err := ns.readVarint()
	if err != nil {
		return buffer.Buffer{}, err
	}
	if size > uint64(limit) {
		return buffer.Buffer{}, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	buf, err := allocateWait(ctx, pool, int(size))
	if err != nil {
		return buf, err
	}
	if err := buf.SetSize(int(size)); err != nil {
		buf.Release()
		return buffer.Buffer{}, err
	}
	for i := 0; i < buf.NumSegments(); i++ {
		if _, err := io.ReadFull(ns.r, buf.Segment(i)); err != nil {
			buf.Release()
			return buffer.Buffer{}, err
		}
	}
	buf.SetType(buffer.Type(typ))
	return buf, nil
}

func allocateWait(ctx context.Context, pool *buffer.Pool, size int) (buffer.Buffer, error) {
	for {
		if buf := pool.Allocate(size); !buf.Null() {
			return buf, nil
		}
		ready := make(chan struct{})
		pool.RequestNotify(func() { close(ready) })
		// a release may have happened before the registration.
		if buf := pool.Allocate(size); !buf.Null() {
			return buf, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return buffer.Buffer{}, ctx.Err()
		}
	}
}
