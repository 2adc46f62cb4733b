package command

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestCommand_ReplyOnce(t *testing.T) {
	cmd := New("Ping")
	require.Equal(t, StatePending, cmd.State())
	require.Equal(t, ResultPostponed, cmd.Result())

	var calls atomic.Int32
	cmd.OnReply(func(c *Command) {
		calls.Add(1)
		require.Equal(t, ResultTrue, c.Result())
	})

	require.NoError(t, cmd.ReplyTrue())
	require.ErrorIs(t, cmd.ReplyFalse(), ErrAlreadyReplied)
	require.Equal(t, ResultTrue, cmd.Result(), "second reply must not override the first")
	require.Equal(t, int32(1), calls.Load())

	// late registration is invoked immediately.
	cmd.OnReply(func(*Command) { calls.Add(1) })
	require.Equal(t, int32(2), calls.Load())

	select {
	case <-cmd.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestCommand_PostponedIsNotFinal(t *testing.T) {
	cmd := New("Ping")
	require.ErrorIs(t, cmd.Reply(ResultPostponed), ErrInvalidResult)

	cmd.MarkPostponed()
	require.Equal(t, StatePostponed, cmd.State())
	require.NoError(t, cmd.Reply(ResultRetryLater))
	require.Equal(t, ResultRetryLater, cmd.Result())
	require.Equal(t, StateDone, cmd.State())
}

func TestCommand_Fields(t *testing.T) {
	ref := &struct{ v int }{v: 3}
	cmd := New("Cfg").
		SetStr("url", "node1/mod/out").
		SetInt("capacity", 10).
		SetDouble("timeout", 2.5).
		SetBool("optional", true).
		SetRef("req", ref)

	require.Equal(t, "node1/mod/out", cmd.GetStr("url", ""))
	require.Equal(t, 10, cmd.GetInt("capacity", 0))
	require.Equal(t, 10.0, cmd.GetDouble("capacity", 0))
	require.Equal(t, 2.5, cmd.GetDouble("timeout", 0))
	require.True(t, cmd.GetBool("optional", false))
	require.Same(t, ref, cmd.GetRef("req"))

	require.Equal(t, "dflt", cmd.GetStr("missing", "dflt"))
	require.Equal(t, 7, cmd.GetInt("url", 7), "wrong type falls back to default")
	require.Nil(t, cmd.GetRef("url"))

	_, hasRef := cmd.Fields()["req"]
	require.False(t, hasRef, "references never leave the process")
}

func TestCommand_WaitDeadline(t *testing.T) {
	cmd := New("Slow").SetTimeout(50 * time.Millisecond)
	start := time.Now()
	res, err := cmd.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultTimedOut, res)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.ErrorIs(t, cmd.ReplyTrue(), ErrAlreadyReplied)
}

func TestCommand_WaitContext(t *testing.T) {
	cmd := New("Slow")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := cmd.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ResultCanceled, res)
	require.Equal(t, StatePending, cmd.State(), "canceled wait must not reply")
}

func TestCommand_TimeTillTimeout(t *testing.T) {
	cmd := New("X")
	require.Less(t, cmd.TimeTillTimeout(0), time.Duration(0))

	cmd.SetTimeout(time.Second)
	left := cmd.TimeTillTimeout(500 * time.Millisecond)
	require.Greater(t, left, 400*time.Millisecond)
	require.LessOrEqual(t, left, 500*time.Millisecond)
	require.Equal(t, time.Duration(0), cmd.TimeTillTimeout(2*time.Second))
	require.False(t, cmd.Expired(time.Now()))
	require.True(t, cmd.Expired(time.Now().Add(2*time.Second)))
}

func TestCodec_GlobalConnectRoundTrip(t *testing.T) {
	req := New("GlobalConnect").
		SetStr("Url1", "nodeA/out").
		SetStr("Url2", "nodeB/in").
		SetStr("ClientId", "nodeB-1").
		SetRef("local", t).
		SetTimeout(10 * time.Second).
		SetReceiver("nodeA/ConnMgr")

	data, err := Marshal(req)
	require.NoError(t, err)

	remote, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, req.ID(), remote.ID())
	require.Equal(t, "GlobalConnect", remote.Name())
	require.Equal(t, "nodeA/ConnMgr", remote.Receiver())
	require.Equal(t, "nodeB/in", remote.GetStr("Url2", ""))
	require.False(t, remote.Has("local"))
	dl, ok := remote.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Second), dl, time.Second)

	remote.SetStr("ConnectionId", "conn-1").
		SetStr("ServerId", "127.0.0.1:6000").
		SetInt("ServerInlineSize", 32).
		SetDouble("ServerTimeout", 7.5).
		SetBool("UseAcknowledge", true)
	require.NoError(t, remote.ReplyTrue())

	reply, err := MarshalReply(remote)
	require.NoError(t, err)
	require.NoError(t, ApplyReply(req, reply))

	require.Equal(t, ResultTrue, req.Result())
	require.Equal(t, "conn-1", req.GetStr("ConnectionId", ""))
	require.Equal(t, 32, req.GetInt("ServerInlineSize", 0))
	require.Equal(t, 7.5, req.GetDouble("ServerTimeout", 0))
	require.True(t, req.GetBool("UseAcknowledge", false))
	require.Same(t, t, req.GetRef("local"), "local references survive a reply")
}

func TestCodec_RetryLaterCode(t *testing.T) {
	req := New("GlobalConnect")
	remote, err := Unmarshal(mustMarshal(t, req))
	require.NoError(t, err)
	require.NoError(t, remote.Reply(ResultRetryLater))

	reply, err := MarshalReply(remote)
	require.NoError(t, err)
	require.NoError(t, ApplyReply(req, reply))
	require.Equal(t, ResultRetryLater, req.Result())
	require.Equal(t, 77, int(req.Result()))
}

func TestCodec_Malformed(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformed)

	other := New("Other")
	reply, err := MarshalReply(other)
	require.NoError(t, err)
	require.ErrorIs(t, ApplyReply(New("Mine"), reply), ErrMalformed)
}

func TestCodec_LargeInts(t *testing.T) {
	big := math.MaxInt - 2
	req := New("Counters").SetInt("Big", big).SetInt("Neg", -(1<<53 + 1))

	remote, err := Unmarshal(mustMarshal(t, req))
	require.NoError(t, err)
	require.Equal(t, big, remote.GetInt("Big", 0))
	require.Equal(t, -(1<<53 + 1), remote.GetInt("Neg", 0))

	// an int field must be decimal text.
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		keyName: structpb.NewStringValue("Counters"),
		keyInts: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"Big": structpb.NewNumberValue(1),
		}}),
	}}
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	_, err = Unmarshal(data)
	require.ErrorIs(t, err, ErrMalformed)
}

func mustMarshal(t *testing.T, cmd *Command) []byte {
	t.Helper()
	data, err := Marshal(cmd)
	require.NoError(t, err)
	return data
}
