package daqbone

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/daqbone/pkg/command"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func fastTiming() ConnTiming {
	return ConnTiming{
		Init:           300 * time.Millisecond,
		ServerPending:  20 * time.Millisecond,
		ClientPending:  20 * time.Millisecond,
		RejectBackoff:  50 * time.Millisecond,
		WaitReplySlack: 200 * time.Millisecond,
		DoingConnect:   time.Second,
		ConnTimeout:    time.Second,
		BatchMargin:    50 * time.Millisecond,
		Tick:           50 * time.Millisecond,
		DebugEvery:     100 * time.Millisecond,
	}
}

// resultRouter remembers the results of the forwarded commands.
type resultRouter struct {
	*LocalRouter

	lk      sync.Mutex
	results []command.Result
}

func (r *resultRouter) Forward(ctx context.Context, node string, cmd *command.Command) error {
	err := r.LocalRouter.Forward(ctx, node, cmd)
	if err == nil {
		r.lk.Lock()
		r.results = append(r.results, cmd.Result())
		r.lk.Unlock()
	}
	return err
}

func (r *resultRouter) seen(res command.Result) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	return slices.Contains(r.results, res)
}

type clusterNode struct {
	mgr    *Manager
	driver *LoopbackDriver
	mod    *Module
}

// newPair builds two nodes: "A" owns src/Output, "B" owns snk/Input.
func newPair(t *testing.T) (*resultRouter, *clusterNode, *clusterNode) {
	t.Helper()
	return newPairTiming(t, fastTiming())
}

func newPairTiming(t *testing.T, timing ConnTiming) (*resultRouter, *clusterNode, *clusterNode) {
	t.Helper()
	router := &resultRouter{LocalRouter: NewLocalRouter()}
	hub := NewLoopbackHub()
	t.Cleanup(hub.Close)

	build := func(node, module, port string, dir PortDirection) *clusterNode {
		mgr := newTestManager(t, node, WithRouter(router), WithConnTiming(timing))
		router.Attach(mgr)

		driver := hub.Driver(node)
		_, err := mgr.AddDevice("loop", driver, "DevThread")
		require.NoError(t, err)

		m := NewModule(module, nil, mgr.ModuleConfig("test"))
		if dir == PortOutput {
			_, err = m.AddOutput(port, PortConfig{})
		} else {
			_, err = m.AddInput(port, PortConfig{})
		}
		require.NoError(t, err)
		require.NoError(t, mgr.AddModule(m, "Work"))
		require.NoError(t, mgr.Configure())
		return &clusterNode{mgr: mgr, driver: driver, mod: m}
	}

	a := build("A", "src", "Output", PortOutput)
	b := build("B", "snk", "Input", PortInput)
	return router, a, b
}

func enableAll(t *testing.T, timeout time.Duration, nodes ...*clusterNode) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var eg errgroup.Group
	for _, n := range nodes {
		eg.Go(func() error {
			return n.mgr.Enable(ctx, timeout)
		})
	}
	return eg.Wait()
}

func TestConnectionManager_Handshake(t *testing.T) {
	_, a, b := newPair(t)
	opts := ConnectOptions{Device: "loop", InlineSize: 64, UseAck: true, Timeout: 2 * time.Second}

	reqA, err := a.mgr.Connect("A/src/Output", "B/snk/Input", opts)
	require.NoError(t, err)
	require.True(t, reqA.IsServer())
	reqB, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)
	require.False(t, reqB.IsServer())

	require.NoError(t, enableAll(t, 5*time.Second, a, b))
	require.Equal(t, StateReady, a.mgr.State())
	require.Equal(t, StateReady, b.mgr.State())

	require.Equal(t, ProgressConnected, reqA.Progress())
	require.Equal(t, ProgressConnected, reqB.Progress())
	require.Equal(t, reqA.ConnID(), reqB.ConnID())
	require.Equal(t, "loopback:A", reqB.ServerID())

	// the client adopted the parameters of the server.
	require.Equal(t, 64, reqB.InlineSize())
	require.True(t, reqB.UseAck())
	require.Equal(t, 2*time.Second, reqB.ConnTimeout())

	out := a.mod.Port("Output")
	inp := b.mod.Port("Input")
	require.True(t, out.IsConnected())
	require.Same(t, out.Queue(), inp.Queue())

	prepA, estA := a.driver.Stats()
	prepB, estB := b.driver.Stats()
	require.Equal(t, []int{1, 1, 1, 1}, []int{prepA, estA, prepB, estB})
}

func TestConnectionManager_ServerLateRetries(t *testing.T) {
	router, a, b := newPair(t)
	// the client asks before the server is prepared.
	a.driver.SetDelays(150*time.Millisecond, 0)

	reqA, err := a.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)
	reqB, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)

	require.NoError(t, enableAll(t, 5*time.Second, a, b))
	require.True(t, router.seen(command.ResultRetryLater))
	require.Equal(t, ProgressConnected, reqA.Progress())
	require.Equal(t, ProgressConnected, reqB.Progress())
}

func TestConnectionManager_SilentDevice(t *testing.T) {
	t.Run("mandatory", func(t *testing.T) {
		_, _, b := newPair(t)
		b.driver.SetSilent(true)

		req, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
		require.NoError(t, err)

		err = enableAll(t, 3*time.Second, b)
		require.ErrorIs(t, err, ErrConnRejected)
		require.Equal(t, StateError, b.mgr.State())
		require.Equal(t, ProgressFailed, req.Progress())
	})

	t.Run("optional", func(t *testing.T) {
		_, _, b := newPair(t)
		b.driver.SetSilent(true)

		req, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop", Optional: true})
		require.NoError(t, err)

		require.NoError(t, enableAll(t, 3*time.Second, b))
		require.Equal(t, StateReady, b.mgr.State())
		require.Equal(t, ProgressFailed, req.Progress())
	})
}

func TestConnectionManager_SilentDeviceFailsAtInitDeadline(t *testing.T) {
	timing := fastTiming()
	timing.Init = time.Second
	_, _, b := newPairTiming(t, timing)
	b.driver.SetSilent(true)

	req, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)

	start := time.Now()
	require.ErrorIs(t, enableAll(t, 5*time.Second, b), ErrConnRejected)
	elapsed := time.Since(start)

	require.Equal(t, ProgressFailed, req.Progress())
	require.GreaterOrEqual(t, elapsed, timing.Init, "failed before the device was given its time")
	require.Less(t, elapsed, timing.Init+400*time.Millisecond, "failed long after the init deadline")
}

func TestConnectionManager_UnknownDevice(t *testing.T) {
	_, _, b := newPair(t)
	req, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "nowhere"})
	require.NoError(t, err)

	require.ErrorIs(t, enableAll(t, 3*time.Second, b), ErrConnRejected)
	require.Equal(t, ProgressFailed, req.Progress())
}

func TestConnectionManager_BatchTimesOut(t *testing.T) {
	// the server never registers the connection, the client keeps being
	// rejected.
	_, a, b := newPair(t)
	req, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)

	err = enableAll(t, 500*time.Millisecond, b)
	require.ErrorIs(t, err, ErrConnTimedOut)
	require.False(t, req.Progress().Terminal())
	require.Equal(t, StateConfigured, a.mgr.State())
}

func TestConnectionManager_Reconnect(t *testing.T) {
	_, a, b := newPair(t)
	reqA, err := a.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)
	reqB, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)
	require.NoError(t, enableAll(t, 5*time.Second, a, b))

	firstID := reqA.ConnID()
	a.mgr.ReportBroken(reqA)
	b.mgr.ReportBroken(reqB)
	require.False(t, a.mod.Port("Output").IsConnected())

	require.Eventually(t, func() bool {
		return reqA.Progress() == ProgressConnected &&
			reqB.Progress() == ProgressConnected &&
			a.mod.Port("Output").IsConnected()
	}, 5*time.Second, 20*time.Millisecond)
	require.NotEqual(t, firstID, reqA.ConnID(), "a new handshake uses a new connection id")
	require.Equal(t, reqA.ConnID(), reqB.ConnID())
}

func TestConnectionManager_ReportBrokenBeforeHandshake(t *testing.T) {
	_, a, b := newPair(t)
	reqA, err := a.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)
	reqB, err := b.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)

	// no port is attached to the requests yet.
	require.Nil(t, reqB.Port())
	require.NotPanics(t, func() { b.mgr.ReportBroken(reqB) })

	require.NoError(t, enableAll(t, 5*time.Second, a, b))
	require.Equal(t, ProgressConnected, reqA.Progress())
	require.Equal(t, ProgressConnected, reqB.Progress())
}

func TestConnectionManager_HaltFailsPending(t *testing.T) {
	_, a, _ := newPair(t)
	req, err := a.mgr.Connect("A/src/Output", "B/snk/Input", ConnectOptions{Device: "loop"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.mgr.Enable(ctx, 5*time.Second)
	}()
	// the server waits for a client which never comes.
	require.Eventually(t, func() bool { return req.Progress() == ProgressPending }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.mgr.Halt(ctx))
	require.ErrorIs(t, <-done, ErrConnRejected)
	require.Equal(t, ProgressFailed, req.Progress())
	require.Equal(t, StateHalted, a.mgr.State(), "an interrupted batch does not override the halt")
}
