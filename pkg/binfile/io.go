package binfile

import (
	"bufio"
	"os"

	"github.com/raskyld/daqbone/pkg/buffer"
)

// FileOutput stores buffers as records of a binary buffer file.
type FileOutput struct {
	f  *os.File
	bw *bufio.Writer
	w  *Writer
}

func CreateOutput(name string) (*FileOutput, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(f)
	w, err := NewWriter(bw)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileOutput{f: f, bw: bw, w: w}, nil
}

// WriteBuffer writes one record per buffer, segment by segment.
// The buffer type becomes the record type.
func (o *FileOutput) WriteBuffer(buf *buffer.Buffer) error {
	if err := o.w.WriteHeader(uint64(buf.Size()), uint64(buf.Type())); err != nil {
		return err
	}
	for i := 0; i < buf.NumSegments(); i++ {
		if err := o.w.WritePayload(buf.Segment(i)); err != nil {
			return err
		}
	}
	return nil
}

func (o *FileOutput) Flush() error {
	return o.bw.Flush()
}

func (o *FileOutput) Close() error {
	ferr := o.bw.Flush()
	o.w.Close()
	if err := o.f.Close(); err != nil {
		return err
	}
	return ferr
}

// FileInput replays the records of a binary buffer file as buffers.
type FileInput struct {
	f       *os.File
	r       *Reader
	pending *RecordHeader
}

func OpenInput(name string) (*FileInput, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileInput{f: f, r: r}, nil
}

// NextSize reads the next record header and returns its payload size.
// It returns io.EOF once every record was consumed.
func (in *FileInput) NextSize() (int, error) {
	if in.pending != nil {
		return int(in.pending.DataLength), nil
	}
	hdr, err := in.r.ReadHeader()
	if err != nil {
		return 0, err
	}
	in.pending = &hdr
	return int(hdr.DataLength), nil
}

// Fill copies the payload of the record announced by NextSize into buf.
func (in *FileInput) Fill(buf *buffer.Buffer) error {
	if in.pending == nil {
		return ErrNoHeader
	}
	hdr := in.pending
	in.pending = nil

	if uint64(buf.Size()) < hdr.DataLength {
		return in.r.fail(ErrTooSmall)
	}
	if err := buf.SetSize(int(hdr.DataLength)); err != nil {
		return in.r.fail(err)
	}
	for i := 0; i < buf.NumSegments(); i++ {
		if err := in.r.ReadPayload(buf.Segment(i)); err != nil {
			return err
		}
	}
	buf.SetType(buffer.Type(hdr.BufType))
	return nil
}

func (in *FileInput) Close() error {
	in.r.Close()
	return in.f.Close()
}
