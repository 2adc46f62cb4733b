// Package binfile reads and writes the binary buffer file format.
//
// A file starts with `{magic, version}` followed by a stream of records,
// each one made of a `{datalength, buftype}` header immediately followed
// by `datalength` bytes of payload. All header words are little-endian
// unsigned 64-bit integers.
//
// Any length mismatch is fatal: the file is closed and every following
// call fails with `ErrClosed`.
package binfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	Magic   uint64 = 1237
	Version uint64 = 2

	headerSize = 16
)

var (
	ErrBadMagic    = errors.New("binfile: not a binary buffer file")
	ErrClosed      = errors.New("binfile: file is closed")
	ErrIncomplete  = errors.New("binfile: previous record was not completed")
	ErrNoHeader    = errors.New("binfile: payload without matching header")
	ErrTooSmall    = errors.New("binfile: destination is smaller than the stored record")
	ErrEmptyRecord = errors.New("binfile: records must not be empty")
)

// Header is the file header.
type Header struct {
	Magic   uint64
	Version uint64
}

// RecordHeader precedes every record payload.
type RecordHeader struct {
	DataLength uint64
	BufType    uint64
}

func putHeader(dst []byte, a, b uint64) {
	binary.LittleEndian.PutUint64(dst[0:8], a)
	binary.LittleEndian.PutUint64(dst[8:16], b)
}

func readHeader(r io.Reader) (uint64, uint64, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(raw[0:8]), binary.LittleEndian.Uint64(raw[8:16]), nil
}

// Writer produces a binary buffer file.
type Writer struct {
	w         io.Writer
	closer    io.Closer
	remaining uint64
	closed    bool
}

// Create truncates or creates the named file and writes its header.
func Create(name string) (*Writer, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	var raw [headerSize]byte
	putHeader(raw[:], Magic, Version)
	if _, err := w.Write(raw[:]); err != nil {
		return nil, fmt.Errorf("binfile: failed to write file header: %w", err)
	}
	return &Writer{w: w}, nil
}

// WriteHeader starts a record of size bytes.
func (w *Writer) WriteHeader(size, typ uint64) error {
	if w.closed {
		return ErrClosed
	}
	if size == 0 {
		return ErrEmptyRecord
	}
	if w.remaining != 0 {
		return w.fail(fmt.Errorf("%w: %d bytes missing", ErrIncomplete, w.remaining))
	}
	var raw [headerSize]byte
	putHeader(raw[:], size, typ)
	if _, err := w.w.Write(raw[:]); err != nil {
		return w.fail(err)
	}
	w.remaining = size
	return nil
}

// WritePayload writes a part of the current record.
func (w *Writer) WritePayload(p []byte) error {
	if w.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	if uint64(len(p)) > w.remaining {
		return w.fail(fmt.Errorf("%w: %d bytes", ErrNoHeader, len(p)))
	}
	w.remaining -= uint64(len(p))
	if _, err := w.w.Write(p); err != nil {
		return w.fail(err)
	}
	return nil
}

// WriteRecord writes a complete record.
func (w *Writer) WriteRecord(p []byte, typ uint64) error {
	if err := w.WriteHeader(uint64(len(p)), typ); err != nil {
		return err
	}
	return w.WritePayload(p)
}

func (w *Writer) fail(err error) error {
	w.Close()
	return err
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Reader consumes a binary buffer file.
type Reader struct {
	r         io.Reader
	closer    io.Closer
	hdr       Header
	remaining uint64
	closed    bool
}

// Open opens the named file and validates its header.
func Open(name string) (*Reader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads and validates the file header.
func NewReader(r io.Reader) (*Reader, error) {
	magic, version, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: magic %d", ErrBadMagic, magic)
	}
	return &Reader{r: r, hdr: Header{Magic: magic, Version: version}}, nil
}

func (r *Reader) Header() Header {
	return r.hdr
}

// ReadHeader reads the header of the next record. It returns io.EOF once
// the file is exhausted.
func (r *Reader) ReadHeader() (RecordHeader, error) {
	if r.closed {
		return RecordHeader{}, ErrClosed
	}
	if r.remaining != 0 {
		return RecordHeader{}, r.fail(fmt.Errorf("%w: %d bytes left", ErrIncomplete, r.remaining))
	}
	size, typ, err := readHeader(r.r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RecordHeader{}, r.fail(err)
		}
		return RecordHeader{}, err
	}
	r.remaining = size
	return RecordHeader{DataLength: size, BufType: typ}, nil
}

// ReadPayload fills p with the next bytes of the current record.
func (r *Reader) ReadPayload(p []byte) error {
	if r.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	if uint64(len(p)) > r.remaining {
		return r.fail(fmt.Errorf("%w: %d bytes", ErrNoHeader, len(p)))
	}
	r.remaining -= uint64(len(p))
	if _, err := io.ReadFull(r.r, p); err != nil {
		return r.fail(err)
	}
	return nil
}

// ReadRecord reads a complete record into p and returns its header.
// A record larger than p is fatal.
func (r *Reader) ReadRecord(p []byte) (RecordHeader, error) {
	hdr, err := r.ReadHeader()
	if err != nil {
		return hdr, err
	}
	if hdr.DataLength > uint64(len(p)) {
		return hdr, r.fail(fmt.Errorf("%w: %d > %d", ErrTooSmall, hdr.DataLength, len(p)))
	}
	return hdr, r.ReadPayload(p[:hdr.DataLength])
}

func (r *Reader) fail(err error) error {
	r.Close()
	return err
}

func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
