package daqbone

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory(t *testing.T) {
	dir := StaticDirectory{"A": "10.0.0.1:6174"}

	addr, err := dir.Resolve("A")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:6174", addr)

	_, err = dir.Resolve("B")
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestDirectory_InvalidName(t *testing.T) {
	_, err := NewDirectory(DirectoryConfig{NodeName: "a/b"})
	require.ErrorIs(t, err, ErrNameInvalid)
}

func newTestDirectory(t *testing.T, node string, port int) *Directory {
	t.Helper()
	d, err := NewDirectory(DirectoryConfig{
		NodeName:     node,
		BindAddr:     "127.0.0.1",
		BindPort:     port,
		DeviceAddr:   fmt.Sprintf("127.0.0.1:%d", port+1000),
		LeaveTimeout: time.Second,
		MetricSink:   &metrics.BlackholeSink{},
		LogHandler:   testLogHandler(node),
	})
	require.NoError(t, err)
	return d
}

func TestDirectory_Gossip(t *testing.T) {
	a := newTestDirectory(t, "A", 17946)
	b := newTestDirectory(t, "B", 17947)
	t.Cleanup(func() {
		_ = a.Close()
	})

	joined, err := b.Join(nil)
	require.NoError(t, err)
	require.Zero(t, joined)

	joined, err = b.Join([]string{a.GossipAddr()})
	require.NoError(t, err)
	require.Equal(t, 1, joined)

	require.Eventually(t, func() bool {
		addr, err := a.Resolve("B")
		return err == nil && addr == "127.0.0.1:18947"
	}, 5*time.Second, 20*time.Millisecond)

	addr, err := b.Resolve("A")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:18946", addr)
	require.Equal(t, []string{"A", "B"}, b.Members())

	// a graceful leave is gossiped at once.
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, err := a.Resolve("B")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"A"}, a.Members())
}
