package daqbone

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/raskyld/daqbone/pkg/binfile"
	"github.com/raskyld/daqbone/pkg/buffer"
)

// DataInput produces records to be carried as buffers.
type DataInput interface {
	// NextSize returns the size of the next record. ErrNoData asks to
	// retry later, io.EOF ends the stream.
	NextSize() (int, error)
	// Fill copies the record announced by NextSize into buf.
	Fill(buf *buffer.Buffer) error
	io.Closer
}

// DataOutput consumes buffers.
type DataOutput interface {
	WriteBuffer(buf *buffer.Buffer) error
	Flush() error
	io.Closer
}

var (
	_ DataInput  = (*binfile.FileInput)(nil)
	_ DataOutput = (*binfile.FileOutput)(nil)
)

const (
	defaultSourceRetry = 100 * time.Millisecond
	// sinkBatch bounds how many buffers a sink drains per event.
	sinkBatch = 16
)

// Source is the handler of a module with one output port, fed by a
// DataInput. It never sleeps: a full port resumes it through output
// events, an exhausted pool through EventPoolReady and a DataInput
// without data through its timer.
type Source struct {
	m     *Module
	in    DataInput
	pool  *buffer.Pool
	retry time.Duration

	pending   buffer.Buffer
	eof       bool
	finished  bool
	waitsPool bool
	sent      uint64
}

// NewSource creates a source module with a single "Output" port.
func NewSource(name string, in DataInput, pool *buffer.Pool, port PortConfig, cfg ModuleConfig) (*Module, error) {
	if in == nil {
		return nil, ErrNoDataIO
	}
	if pool == nil {
		return nil, ErrNoPool
	}
	src := &Source{in: in, pool: pool, retry: defaultSourceRetry}
	m := NewModule(name, src, cfg)
	if _, err := m.AddOutput("Output", port); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Source) BindModule(m *Module) {
	s.m = m
}

// Sent returns how many buffers were handed to the output port.
func (s *Source) Sent() uint64 {
	return s.sent
}

func (s *Source) OnStart() {}

func (s *Source) OnStop() {}

func (s *Source) ProcessOutputEvent(*Port) {
	s.pump()
}

func (s *Source) ProcessEvent(ev Event) {
	if ev.Kind == EventPoolReady {
		s.waitsPool = false
		s.pump()
	}
}

func (s *Source) ProcessTimeout(time.Duration) time.Duration {
	s.pump()
	return -1
}

func (s *Source) ProcessPortEvent(_ *Port, kind EventKind) {
	switch kind {
	case EventPortDisconnect, EventPortError:
		s.pending.Release()
	case EventPortConnect, EventConnStart:
		s.pump()
	}
}

func (s *Source) pump() {
	out := s.m.Output(0)
	for s.m.IsRunning() {
		if s.pending.Null() {
			if s.finished || s.waitsPool || !s.next(out) {
				return
			}
		}
		if !out.IsConnected() || !out.Send(&s.pending) {
			// resumed by the next output event.
			return
		}
		s.sent++
	}
}

// next prepares the pending buffer. It returns false when the source has
// to wait.
func (s *Source) next(out *Port) bool {
	if s.eof {
		return s.eofBuffer()
	}
	size, err := s.in.NextSize()
	switch {
	case errors.Is(err, ErrNoData):
		s.m.ActivateTimeout(s.retry)
		return false
	case errors.Is(err, io.EOF):
		s.eof = true
		s.m.logger.Info("input exhausted", "buffers", s.sent)
		return s.eofBuffer()
	case err != nil:
		s.finished = true
		s.m.logger.Error("input failed", LabelError.L(err))
		out.Disconnect(true)
		return false
	}

	buf := s.pool.Allocate(size)
	if buf.Null() {
		s.waitForPool()
		return false
	}
	if err := s.in.Fill(&buf); err != nil {
		buf.Release()
		s.finished = true
		s.m.logger.Error("could not fill buffer", LabelError.L(err))
		out.Disconnect(true)
		return false
	}
	s.pending = buf
	return true
}

func (s *Source) Close() error {
	s.pending.Release()
	return s.in.Close()
}

// eofBuffer prepares the end of stream marker, the last buffer sent.
func (s *Source) eofBuffer() bool {
	buf := s.pool.Allocate(0)
	if buf.Null() {
		s.waitForPool()
		return false
	}
	_ = buf.SetSize(0)
	buf.SetType(buffer.TypeEOF)
	s.pending = buf
	s.finished = true
	return true
}

func (s *Source) waitForPool() {
	s.waitsPool = true
	s.pool.RequestNotify(func() {
		s.m.FireEvent(Event{Kind: EventPoolReady})
	})
	// a slot may have come back before the request got registered.
	if s.pool.NumFree() > 0 {
		s.m.FireEvent(Event{Kind: EventPoolReady})
	}
}

// Sink is the handler of a module with one input port, draining it into
// a DataOutput.
type Sink struct {
	m       *Module
	out     DataOutput
	written uint64
	done    bool
}

// NewSink creates a sink module with a single "Input" port.
func NewSink(name string, out DataOutput, port PortConfig, cfg ModuleConfig) (*Module, error) {
	if out == nil {
		return nil, ErrNoDataIO
	}
	snk := &Sink{out: out}
	m := NewModule(name, snk, cfg)
	if _, err := m.AddInput("Input", port); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Sink) BindModule(m *Module) {
	s.m = m
}

// Written returns how many buffers reached the output.
func (s *Sink) Written() uint64 {
	return s.written
}

func (s *Sink) OnStart() {}

func (s *Sink) OnStop() {
	if err := s.out.Flush(); err != nil {
		s.m.logger.Error("could not flush output", LabelError.L(err))
	}
}

func (s *Sink) Close() error {
	return s.out.Close()
}

func (s *Sink) ProcessInputEvent(port *Port) {
	for i := 0; i < sinkBatch; i++ {
		buf, ok := port.Recv()
		if !ok {
			return
		}
		if s.done {
			buf.Release()
			continue
		}
		if buf.Type() == buffer.TypeEOF {
			buf.Release()
			s.done = true
			s.OnStop()
			s.m.logger.Info("end of stream", "buffers", s.written)
			continue
		}
		err := s.out.WriteBuffer(&buf)
		buf.Release()
		if err != nil {
			s.done = true
			s.m.logger.Error("could not write buffer", LabelError.L(err))
			port.Disconnect(true)
			return
		}
		s.written++
	}
	if port.CanRecv() {
		s.m.FireEvent(Event{Kind: EventInput, Item: port.ID()})
	}
}

// fileSourceKind and fileSinkKind create modules backed by binary buffer
// files. The "file" parameter names the file, "pool" the memory pool of
// the source.
func fileSourceKind() ModuleKind {
	return ModuleKind{
		Name: "file-source",
		Caps: CapDataInput,
		New: func(mgr *Manager, name string, params map[string]any, cfg ModuleConfig) (*Module, error) {
			path, _ := params["file"].(string)
			poolName, _ := params["pool"].(string)
			pool, err := mgr.Pool(poolName)
			if err != nil {
				return nil, err
			}
			in, err := binfile.OpenInput(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
			m, err := NewSource(name, in, pool, portConfigFrom(params), cfg)
			if err != nil {
				in.Close()
				return nil, err
			}
			return m, nil
		},
	}
}

func fileSinkKind() ModuleKind {
	return ModuleKind{
		Name: "file-sink",
		Caps: CapDataOutput,
		New: func(mgr *Manager, name string, params map[string]any, cfg ModuleConfig) (*Module, error) {
			path, _ := params["file"].(string)
			out, err := binfile.CreateOutput(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
			m, err := NewSink(name, out, portConfigFrom(params), cfg)
			if err != nil {
				out.Close()
				return nil, err
			}
			return m, nil
		},
	}
}

func portConfigFrom(params map[string]any) PortConfig {
	var cfg PortConfig
	switch v := params["capacity"].(type) {
	case int:
		cfg.Capacity = v
	case int64:
		cfg.Capacity = int(v)
	case float64:
		cfg.Capacity = int(v)
	}
	cfg.Blocking, _ = params["blocking"].(string)
	return cfg
}
