package binfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/buffer"
	"github.com/stretchr/testify/require"
)

func TestBinfile_Layout(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("abc"), 1001))

	raw := out.Bytes()
	require.Len(t, raw, 16+16+3)
	require.Equal(t, Magic, binary.LittleEndian.Uint64(raw[0:8]))
	require.Equal(t, Version, binary.LittleEndian.Uint64(raw[8:16]))
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(raw[16:24]))
	require.Equal(t, uint64(1001), binary.LittleEndian.Uint64(raw[24:32]))
	require.Equal(t, "abc", string(raw[32:]))
}

func TestBinfile_ReadBack(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("first"), 1))
	require.NoError(t, w.WriteHeader(6, 2))
	require.NoError(t, w.WritePayload([]byte("sec")))
	require.NoError(t, w.WritePayload([]byte("ond")))

	r, err := NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	require.Equal(t, Version, r.Header().Version)

	p := make([]byte, 16)
	hdr, err := r.ReadRecord(p)
	require.NoError(t, err)
	require.Equal(t, RecordHeader{DataLength: 5, BufType: 1}, hdr)
	require.Equal(t, "first", string(p[:5]))

	hdr, err = r.ReadRecord(p)
	require.NoError(t, err)
	require.Equal(t, "second", string(p[:hdr.DataLength]))

	_, err = r.ReadHeader()
	require.ErrorIs(t, err, io.EOF)
}

func TestBinfile_LengthMismatchIsFatal(t *testing.T) {
	t.Run("writer payload overflow", func(t *testing.T) {
		w, err := NewWriter(io.Discard)
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(2, 0))
		require.ErrorIs(t, w.WritePayload([]byte("toolong")), ErrNoHeader)
		require.ErrorIs(t, w.WriteRecord([]byte("x"), 0), ErrClosed)
	})

	t.Run("writer incomplete record", func(t *testing.T) {
		w, err := NewWriter(io.Discard)
		require.NoError(t, err)
		require.NoError(t, w.WriteHeader(4, 0))
		require.NoError(t, w.WritePayload([]byte("ab")))
		require.ErrorIs(t, w.WriteHeader(1, 0), ErrIncomplete)
		require.ErrorIs(t, w.WritePayload([]byte("cd")), ErrClosed)
	})

	t.Run("reader destination too small", func(t *testing.T) {
		var out bytes.Buffer
		w, err := NewWriter(&out)
		require.NoError(t, err)
		require.NoError(t, w.WriteRecord([]byte("0123456789"), 0))

		r, err := NewReader(bytes.NewReader(out.Bytes()))
		require.NoError(t, err)
		_, err = r.ReadRecord(make([]byte, 4))
		require.ErrorIs(t, err, ErrTooSmall)
		_, err = r.ReadHeader()
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("reader previous payload not consumed", func(t *testing.T) {
		var out bytes.Buffer
		w, err := NewWriter(&out)
		require.NoError(t, err)
		require.NoError(t, w.WriteRecord([]byte("0123"), 0))
		require.NoError(t, w.WriteRecord([]byte("4567"), 0))

		r, err := NewReader(bytes.NewReader(out.Bytes()))
		require.NoError(t, err)
		_, err = r.ReadHeader()
		require.NoError(t, err)
		require.NoError(t, r.ReadPayload(make([]byte, 2)))
		_, err = r.ReadHeader()
		require.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("bad magic", func(t *testing.T) {
		raw := make([]byte, 16)
		binary.LittleEndian.PutUint64(raw, 42)
		_, err := NewReader(bytes.NewReader(raw))
		require.ErrorIs(t, err, ErrBadMagic)
	})
}

func TestFileOutput_Buffers(t *testing.T) {
	pool, err := buffer.NewPool("binfile", buffer.PoolConfig{
		SlotSize:   8,
		Count:      4,
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)

	name := filepath.Join(t.TempDir(), "run.dbf")
	out, err := CreateOutput(name)
	require.NoError(t, err)

	payload := []byte("multi-segment!!")
	buf := pool.Allocate(len(payload))
	_, err = buf.CopyFrom(payload)
	require.NoError(t, err)
	buf.SetType(buffer.TypeFirstUser + 1)
	require.NoError(t, out.WriteBuffer(&buf))
	buf.Release()
	require.NoError(t, out.Close())

	in, err := OpenInput(name)
	require.NoError(t, err)
	defer in.Close()

	size, err := in.NextSize()
	require.NoError(t, err)
	require.Equal(t, len(payload), size)

	got := pool.Allocate(size)
	require.NoError(t, in.Fill(&got))
	require.Equal(t, payload, got.Bytes())
	require.Equal(t, buffer.TypeFirstUser+1, got.Type())
	got.Release()

	_, err = in.NextSize()
	require.ErrorIs(t, err, io.EOF)
}
