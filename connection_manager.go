package daqbone

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/command"
)

// Names of the commands driving the connection handshake.
const (
	CmdGlobalConnect        = "GlobalConnect"
	CmdActivateConnections  = "ActivateConnections"
	CmdShutdownConnections  = "ShutdownConnections"
	CmdConnMgrHandle        = "ConnMgrHandle"
	ConnMgrName             = "ConnMgr"
	argURL1                 = "Url1"
	argURL2                 = "Url2"
	argClientID             = "ClientId"
	argConnectionID         = "ConnectionId"
	argServerID             = "ServerId"
	argServerInlineSize     = "ServerInlineSize"
	argServerTimeout        = "ServerTimeout"
	argUseAcknowledge       = "UseAcknowledge"
	argNumConn              = "NumConn"
	argConnDebug            = "ConnDebug"
	argRequest              = "Req"
	argGeneration           = "Gen"
	defaultServerTimeoutSec = 10.0
)

// ConnTiming holds the delays of the handshake.
type ConnTiming struct {
	// Init is the time given to a device to prepare a request.
	Init time.Duration
	// ServerPending is the polling period of a pending server.
	ServerPending time.Duration
	// ClientPending is the retry delay of a client told to retry later.
	ClientPending time.Duration
	// RejectBackoff is the retry delay of a rejected client.
	RejectBackoff time.Duration
	// WaitReplySlack is added to the connection timeout while a client
	// waits for the GlobalConnect reply.
	WaitReplySlack time.Duration
	// DoingConnect is the time given to a device to establish the link.
	DoingConnect time.Duration
	// ConnTimeout is used by requests registered without timeout.
	ConnTimeout time.Duration
	// BatchMargin is how long before its deadline a batch is concluded.
	BatchMargin time.Duration
	// Tick is the longest interval between two handshake rounds.
	Tick time.Duration
	// DebugEvery throttles the progress dump.
	DebugEvery time.Duration
}

// DefaultConnTiming returns the timing used when none is configured.
func DefaultConnTiming() ConnTiming {
	return ConnTiming{
		Init:           5 * time.Second,
		ServerPending:  2 * time.Second,
		ClientPending:  200 * time.Millisecond,
		RejectBackoff:  time.Second,
		WaitReplySlack: time.Second,
		DoingConnect:   100 * time.Second,
		ConnTimeout:    10 * time.Second,
		BatchMargin:    500 * time.Millisecond,
		Tick:           time.Second,
		DebugEvery:     500 * time.Millisecond,
	}
}

// ConnectionManager drives every registered ConnectionRequest through the
// handshake with a single timer. All of its state is owned by its thread.
type ConnectionManager struct {
	*Processor

	mgr    *Manager
	timing ConnTiming
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	recs          []*ConnectionRequest
	connCmd       *command.Command
	doing         int
	wasAnyRequest bool
	numGetConn    int
	debug         bool
	lastDebug     time.Time
}

func newConnectionManager(mgr *Manager, timing ConnTiming) *ConnectionManager {
	cm := &ConnectionManager{
		mgr:    mgr,
		timing: timing,
		logger: mgr.logger.With(LabelProcessor.L(ConnMgrName)),
		msink:  mgr.msink,
		labels: mgr.labels,
	}
	cm.Processor = NewProcessor(ConnMgrName, cm, PriorityHigh)
	return cm
}

func (cm *ConnectionManager) register(req *ConnectionRequest, broken bool) {
	if slices.Contains(cm.recs, req) {
		cm.logger.Error("connection already registered", LabelLocalURL.L(req.local.String()))
		return
	}

	req.reset()
	if req.server {
		req.setConnID(newConnID(cm.mgr.NodeName()))
	} else {
		req.setClientID(cm.mgr.NodeName() + "-" + uuid.NewString())
	}
	if req.ConnTimeout() <= 0 {
		req.setConnTimeout(cm.timing.ConnTimeout)
	}

	cm.wasAnyRequest = true
	cm.numGetConn--
	cm.recs = append(cm.recs, req)

	cm.logger.Debug("connection registered",
		LabelLocalURL.L(req.local.String()),
		LabelRemoteURL.L(req.remote.String()),
		slog.Bool("server", req.server),
		slog.Bool("broken", broken),
	)

	if broken && cm.doing == 0 && cm.connCmd == nil {
		cm.logger.Info("reactivating connection manager")
		cm.doing = 1
		cm.ActivateTimeout(0)
	}
}

func (cm *ConnectionManager) findConnection(local, remote string) *ConnectionRequest {
	for _, req := range cm.recs {
		if req.match(local, remote) {
			return req
		}
	}
	return nil
}

func (cm *ConnectionManager) setProgress(req *ConnectionRequest, p Progress) {
	req.setProgress(p)
	cm.msink.IncrCounterWithLabels(
		MetricConnProgressCount,
		1.0,
		withLabels(cm.labels, LabelProgress.M(p.String())),
	)
	cm.logger.Debug("connection progress",
		LabelConnID.L(req.ConnID()),
		LabelLocalURL.L(req.local.String()),
		LabelProgress.L(p.String()),
	)
}

func (cm *ConnectionManager) fail(req *ConnectionRequest, reason string) {
	cm.logger.Error("connection failed",
		LabelLocalURL.L(req.local.String()),
		LabelRemoteURL.L(req.remote.String()),
		LabelProgress.L(req.Progress().String()),
		slog.String("reason", reason),
	)
	cm.setProgress(req, ProgressFailed)
}

func (cm *ConnectionManager) replyBatch(res command.Result) {
	if cm.connCmd == nil {
		return
	}
	_ = cm.connCmd.Reply(res)
	cm.logger.Info("connection batch concluded", LabelResult.L(res.String()))
	cm.connCmd = nil
}

func (cm *ConnectionManager) handleCmd(req *ConnectionRequest, budget time.Duration) *command.Command {
	cmd := command.New(CmdConnMgrHandle)
	cmd.SetRef(argRequest, req)
	cmd.SetRef(argGeneration, req.generation())
	cmd.SetTimeout(budget)
	return cmd
}

func (cm *ConnectionManager) requestOf(cmd *command.Command) *ConnectionRequest {
	req, _ := cmd.GetRef(argRequest).(*ConnectionRequest)
	if req == nil {
		return nil
	}
	if gen, _ := cmd.GetRef(argGeneration).(int64); gen != req.generation() {
		// reply of a previous attempt.
		return nil
	}
	return req
}

func (cm *ConnectionManager) ProcessTimeout(time.Duration) time.Duration {
	if cm.doing == 0 {
		return -1
	}
	cm.debugDump("")

	now := time.Now()
	minDelay := cm.timing.Tick

	for _, req := range cm.recs {
		if left := req.checkDelay(now); left > 0 {
			minDelay = min(minDelay, left)
			continue
		}

		switch req.Progress() {
		case ProgressInit:
			cm.startInit(req)
		case ProgressDoingInit:
			cm.fail(req, "device did not prepare the request in time")
		case ProgressPending:
			if req.server {
				// the client is the active party.
				req.setDelay(cm.timing.ServerPending)
				minDelay = min(minDelay, cm.timing.ServerPending)
				break
			}
			cm.sendGlobalConnect(req)
		case ProgressWaitReply:
			cm.fail(req, "no reply from the remote connection manager")
		case ProgressDoingConnect:
			cm.fail(req, "device did not establish the link in time")
		}
	}

	cmdLeft := time.Duration(-1)
	if cm.connCmd != nil {
		cmdLeft = cm.connCmd.TimeTillTimeout(cm.timing.BatchMargin)
	}
	if cmdLeft > 0 && cmdLeft < minDelay {
		minDelay = cmdLeft
	}

	cm.checkConnectionRecs(cmdLeft == 0)
	return minDelay
}

func (cm *ConnectionManager) startInit(req *ConnectionRequest) {
	dev := cm.mgr.findDevice(req.device)
	if dev == nil {
		cm.fail(req, fmt.Sprintf("unknown device %q", req.device))
		return
	}
	port := cm.mgr.findPort(req.local.PortPath())
	if port == nil {
		cm.fail(req, "unknown local port")
		return
	}
	req.setPort(port)
	cm.setProgress(req, ProgressDoingInit)
	req.setDelay(cm.timing.Init)
	cm.SubmitTo(dev.Processor, cm.handleCmd(req, cm.timing.Init))
}

func (cm *ConnectionManager) sendGlobalConnect(req *ConnectionRequest) {
	cmd := command.New(CmdGlobalConnect)
	// swapped, so that the remote side matches its own local url first.
	cmd.SetStr(argURL1, req.remote.String())
	cmd.SetStr(argURL2, req.local.String())
	cmd.SetStr(argClientID, req.ClientID())
	cmd.SetRef(argGeneration, req.generation())
	cmd.SetReceiver(req.remote.Node + "/" + ConnMgrName)

	timeout := req.ConnTimeout()
	cm.setProgress(req, ProgressWaitReply)
	req.setDelay(timeout + cm.timing.WaitReplySlack)
	cmd.SetTimeout(timeout)

	cm.mgr.Submit(cm.Assign(cmd))
}

// checkConnectionRecs drains the terminal requests and concludes the batch
// when possible.
func (cm *ConnectionManager) checkConnectionRecs(dueToTimeout bool) {
	isError, onlyOptional := false, true

	kept := cm.recs[:0]
	for _, req := range cm.recs {
		switch req.Progress() {
		case ProgressFailed:
			req.ReplyRemoteCommand(false)
			if !req.optional {
				isError = true
			}
			cm.msink.IncrCounterWithLabels(MetricConnFailedCount, 1.0, cm.labels)
		case ProgressConnected:
			cm.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, cm.labels)
			cm.logger.Info("connection established",
				LabelConnID.L(req.ConnID()),
				LabelLocalURL.L(req.local.String()),
				LabelRemoteURL.L(req.remote.String()),
			)
		default:
			if !req.optional {
				onlyOptional = false
			}
			kept = append(kept, req)
		}
	}
	clear(cm.recs[len(kept):])
	cm.recs = kept

	switch {
	case isError:
		// the other requests continue, the caller decides what to do.
		cm.replyBatch(command.ResultFalse)
		if len(cm.recs) == 0 {
			cm.doing = 0
		}
	case len(cm.recs) == 0 && cm.wasAnyRequest && cm.numGetConn <= 0:
		cm.doing = 0
		cm.replyBatch(command.ResultTrue)
	case dueToTimeout:
		if onlyOptional && cm.numGetConn <= 0 {
			// optional requests continue in background.
			cm.replyBatch(command.ResultTrue)
		} else {
			cm.replyBatch(command.ResultTimedOut)
		}
	}
}

func (cm *ConnectionManager) ExecuteCommand(cmd *command.Command) command.Result {
	cm.debugDump("cmd " + cmd.Name())

	switch cmd.Name() {
	case CmdGlobalConnect:
		return cm.executeGlobalConnect(cmd)

	case CmdActivateConnections:
		cm.replyBatch(command.ResultFalse)
		cm.doing = 1
		cm.connCmd = cmd
		cm.debug = cmd.GetBool(argConnDebug, false)
		cm.numGetConn = cmd.GetInt(argNumConn, 0) - len(cm.recs)
		cm.logger.Info("activating connections",
			slog.Int("expected", cmd.GetInt(argNumConn, 0)),
			slog.Int("registered", len(cm.recs)),
		)
		cm.ActivateTimeout(0)
		return command.ResultPostponed

	case CmdShutdownConnections:
		cm.replyBatch(command.ResultFalse)
		cm.shutdown()
		return command.ResultTrue
	}

	cm.logger.Warn("unknown command", LabelCommand.L(cmd.Name()))
	return command.ResultFalse
}

func (cm *ConnectionManager) executeGlobalConnect(cmd *command.Command) command.Result {
	url1, url2 := cmd.GetStr(argURL1, ""), cmd.GetStr(argURL2, "")
	req := cm.findConnection(url1, url2)
	if req == nil {
		cm.logger.Error("global connect for an unknown connection",
			LabelLocalURL.L(url1), LabelRemoteURL.L(url2))
		return command.ResultFalse
	}

	switch p := req.Progress(); p {
	case ProgressInit, ProgressDoingInit:
		// too early, the client polls again shortly.
		return command.ResultRetryLater
	case ProgressPending:
		if !cm.fillAnswer(cmd, req) {
			return command.ResultFalse
		}
		return command.ResultPostponed
	case ProgressWaitReply:
		// both sides acting as client.
		cm.fail(req, "two global connect requests met")
		return command.ResultFalse
	default:
		cm.logger.Error("global connect in unexpected progress",
			LabelLocalURL.L(url1), LabelProgress.L(p.String()))
		return command.ResultFalse
	}
}

func (cm *ConnectionManager) fillAnswer(cmd *command.Command, req *ConnectionRequest) bool {
	dev := cm.mgr.findDevice(req.device)
	if dev == nil {
		cm.logger.Error("device vanished", LabelDevice.L(req.device))
		return false
	}
	if !req.server {
		cm.logger.Error("global connect received by the client side",
			LabelLocalURL.L(req.local.String()))
		return false
	}

	req.setClientID(cmd.GetStr(argClientID, ""))

	cmd.SetStr(argConnectionID, req.ConnID())
	cmd.SetStr(argServerID, req.ServerID())
	cmd.SetInt(argServerInlineSize, req.InlineSize())
	cmd.SetDouble(argServerTimeout, req.ConnTimeout().Seconds())
	cmd.SetBool(argUseAcknowledge, req.UseAck())

	req.setDelay(cm.timing.DoingConnect)
	req.setRemoteCommand(cmd)
	cm.setProgress(req, ProgressDoingConnect)
	cm.SubmitTo(dev.Processor, cm.handleCmd(req, cm.timing.DoingConnect))
	return true
}

func (cm *ConnectionManager) ReplyCommand(cmd *command.Command) {
	cm.debugDump("replied " + cmd.Name())

	switch cmd.Name() {
	case CmdConnMgrHandle:
		cm.handleDeviceReply(cmd)
	case CmdGlobalConnect:
		cm.handleGlobalConnectReply(cmd)
	}
}

func (cm *ConnectionManager) handleGlobalConnectReply(cmd *command.Command) {
	req := cm.findConnection(cmd.GetStr(argURL2, ""), cmd.GetStr(argURL1, ""))
	if req == nil {
		cm.logger.Warn("no connection matches the global connect reply")
		return
	}
	if gen, _ := cmd.GetRef(argGeneration).(int64); gen != req.generation() {
		return
	}
	if p := req.Progress(); p != ProgressWaitReply {
		cm.logger.Warn("global connect reply in unexpected progress", LabelProgress.L(p.String()))
		return
	}

	defer cm.ActivateTimeout(0)

	res := cmd.Result()
	if res != command.ResultTrue {
		cm.msink.IncrCounterWithLabels(
			MetricConnRetryCount,
			1.0,
			withLabels(cm.labels, LabelResult.M(res.String())),
		)
		cm.setProgress(req, ProgressPending)
		if res == command.ResultRetryLater {
			if req.server {
				req.setDelay(cm.timing.ServerPending)
			} else {
				req.setDelay(cm.timing.ClientPending)
			}
			return
		}
		cm.logger.Warn("connection rejected",
			LabelLocalURL.L(req.local.String()), LabelResult.L(res.String()))
		req.setDelay(cm.timing.RejectBackoff)
		return
	}

	if req.server {
		cm.fail(req, "server received a global connect reply")
		return
	}

	req.SetServerID(cmd.GetStr(argServerID, ""))
	req.setConnID(cmd.GetStr(argConnectionID, ""))
	req.setConnTimeout(time.Duration(cmd.GetDouble(argServerTimeout, defaultServerTimeoutSec) * float64(time.Second)))
	req.setUseAck(cmd.GetBool(argUseAcknowledge, false))
	if size := cmd.GetInt(argServerInlineSize, 0); size != req.InlineSize() {
		cm.logger.Warn("inline size mismatch",
			slog.Int("server", size), slog.Int("client", req.InlineSize()))
		req.setInlineSize(size)
	}

	dev := cm.mgr.findDevice(req.device)
	if dev == nil {
		cm.fail(req, "device vanished")
		return
	}
	req.setDelay(cm.timing.DoingConnect)
	cm.setProgress(req, ProgressDoingConnect)
	cm.SubmitTo(dev.Processor, cm.handleCmd(req, cm.timing.DoingConnect))
}

func (cm *ConnectionManager) handleDeviceReply(cmd *command.Command) {
	req := cm.requestOf(cmd)
	if req == nil {
		return
	}

	if res := cmd.Result(); res != command.ResultTrue {
		if !req.Progress().Terminal() {
			cm.fail(req, "device replied "+res.String())
		}
		req.ReplyRemoteCommand(false)
		cm.ActivateTimeout(0)
		return
	}

	switch p := req.Progress(); p {
	case ProgressDoingInit:
		cm.setProgress(req, ProgressPending)
		if req.server {
			req.setDelay(cm.timing.ServerPending)
		} else {
			req.setDelay(0)
		}
		cm.ActivateTimeout(0)

	case ProgressDoingConnect:
		cm.setProgress(req, ProgressConnected)
		cm.checkConnectionRecs(false)

	default:
		cm.logger.Debug("device reply in unexpected progress", LabelProgress.L(p.String()))
	}
}

func (cm *ConnectionManager) shutdown() {
	cm.wasAnyRequest = false
	cm.numGetConn = 0
	cm.doing = 0
	for _, req := range cm.recs {
		if !req.Progress().Terminal() {
			cm.setProgress(req, ProgressFailed)
		}
		req.ReplyRemoteCommand(false)
	}
	clear(cm.recs)
	cm.recs = cm.recs[:0]
}

func (cm *ConnectionManager) debugDump(msg string) {
	if !cm.debug {
		return
	}
	if msg == "" && time.Since(cm.lastDebug) < cm.timing.DebugEvery {
		return
	}
	var sb strings.Builder
	for _, req := range cm.recs {
		fmt.Fprintf(&sb, " conn:%s progr:%s", req.ConnID(), req.Progress())
	}
	cm.logger.Info("connection progress dump",
		slog.String("trigger", msg),
		slog.Int("requests", len(cm.recs)),
		slog.String("progress", sb.String()),
	)
	cm.lastDebug = time.Now()
}
