package daqbone

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/daqbone/pkg/command"
)

// Progress is the position of a ConnectionRequest in the handshake.
type Progress uint8

const (
	ProgressInit Progress = iota
	ProgressDoingInit
	ProgressPending
	ProgressWaitReply
	ProgressDoingConnect
	ProgressConnected
	ProgressFailed
)

func (p Progress) String() string {
	switch p {
	case ProgressInit:
		return "init"
	case ProgressDoingInit:
		return "doing-init"
	case ProgressPending:
		return "pending"
	case ProgressWaitReply:
		return "wait-reply"
	case ProgressDoingConnect:
		return "doing-connect"
	case ProgressConnected:
		return "connected"
	case ProgressFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the request left the handshake.
func (p Progress) Terminal() bool {
	return p == ProgressConnected || p == ProgressFailed
}

// URL addresses a port cluster-wide as "node/module/port".
type URL struct {
	Node   string
	Module string
	Port   string
}

// ParseURL splits a port url. A url with only "module/port" is local to
// node defaultNode.
func ParseURL(raw, defaultNode string) (URL, error) {
	parts := strings.Split(raw, "/")
	switch len(parts) {
	case 2:
		parts = append([]string{defaultNode}, parts...)
	case 3:
	default:
		return URL{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	for _, p := range parts {
		if !validName(p) {
			return URL{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
	}
	return URL{Node: parts[0], Module: parts[1], Port: parts[2]}, nil
}

func (u URL) String() string {
	return u.Node + "/" + u.Module + "/" + u.Port
}

// PortPath is "module/port".
func (u URL) PortPath() string {
	return u.Module + "/" + u.Port
}

// ConnectOptions tunes one registered connection.
type ConnectOptions struct {
	// Device establishing the link.
	Device string
	// Optional connections may fail without failing the batch.
	Optional bool
	// Timeout negotiated for the device connection. Zero uses the
	// default of the manager timing.
	Timeout time.Duration
	// InlineSize is announced by the server to the client.
	InlineSize int
	// UseAck asks the device for an acknowledged protocol.
	UseAck bool
}

// ConnectionRequest is the local half of a cluster-wide connection.
//
// It is driven by the ConnectionManager thread, devices read and update
// the link parameters from their own goroutines.
type ConnectionRequest struct {
	local    URL
	remote   URL
	device   string
	server   bool
	optional bool

	lk          sync.Mutex
	gen         int64
	port        *Port
	progress    Progress
	deadline    time.Time
	connID      string
	clientID    string
	serverID    string
	connTimeout time.Duration
	inlineSize  int
	useAck      bool
	remoteCmd   *command.Command
	deviceData  any
}

func newConnectionRequest(local, remote URL, server bool, opts ConnectOptions) *ConnectionRequest {
	return &ConnectionRequest{
		local:       local,
		remote:      remote,
		device:      opts.Device,
		server:      server,
		optional:    opts.Optional,
		connTimeout: opts.Timeout,
		inlineSize:  opts.InlineSize,
		useAck:      opts.UseAck,
	}
}

func (req *ConnectionRequest) LocalURL() URL {
	return req.local
}

func (req *ConnectionRequest) RemoteURL() URL {
	return req.remote
}

func (req *ConnectionRequest) Device() string {
	return req.device
}

// IsServer reports whether the local node waits for the client.
func (req *ConnectionRequest) IsServer() bool {
	return req.server
}

func (req *ConnectionRequest) IsOptional() bool {
	return req.optional
}

func (req *ConnectionRequest) match(local, remote string) bool {
	return req.local.String() == local && req.remote.String() == remote
}

func (req *ConnectionRequest) Info() string {
	role := "client"
	if req.server {
		role = "server"
	}
	return fmt.Sprintf("%s %s <-> %s id:%s", role, req.local, req.remote, req.ConnID())
}

func (req *ConnectionRequest) generation() int64 {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.gen
}

// Port returns the local port, resolved once the handshake started.
func (req *ConnectionRequest) Port() *Port {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.port
}

func (req *ConnectionRequest) setPort(p *Port) {
	req.lk.Lock()
	req.port = p
	req.lk.Unlock()
}

func (req *ConnectionRequest) Progress() Progress {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.progress
}

func (req *ConnectionRequest) setProgress(p Progress) {
	req.lk.Lock()
	req.progress = p
	req.lk.Unlock()
}

// setDelay postpones the next processing of the request by d. A zero
// delay makes it due immediately.
func (req *ConnectionRequest) setDelay(d time.Duration) {
	req.lk.Lock()
	req.deadline = time.Now().Add(d)
	req.lk.Unlock()
}

// checkDelay returns the time left before the request is due, zero when
// it is due.
func (req *ConnectionRequest) checkDelay(now time.Time) time.Duration {
	req.lk.Lock()
	defer req.lk.Unlock()
	if req.deadline.IsZero() {
		return 0
	}
	left := req.deadline.Sub(now)
	if left <= 0 {
		req.deadline = time.Time{}
		return 0
	}
	return left
}

func (req *ConnectionRequest) ConnID() string {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.connID
}

func (req *ConnectionRequest) setConnID(id string) {
	req.lk.Lock()
	req.connID = id
	req.lk.Unlock()
}

func (req *ConnectionRequest) ClientID() string {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.clientID
}

func (req *ConnectionRequest) setClientID(id string) {
	req.lk.Lock()
	req.clientID = id
	req.lk.Unlock()
}

// ServerID identifies the server side for the device, e.g. an address.
func (req *ConnectionRequest) ServerID() string {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.serverID
}

// SetServerID is called by the device of the server while preparing the
// request.
func (req *ConnectionRequest) SetServerID(id string) {
	req.lk.Lock()
	req.serverID = id
	req.lk.Unlock()
}

func (req *ConnectionRequest) ConnTimeout() time.Duration {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.connTimeout
}

func (req *ConnectionRequest) setConnTimeout(d time.Duration) {
	req.lk.Lock()
	req.connTimeout = d
	req.lk.Unlock()
}

func (req *ConnectionRequest) InlineSize() int {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.inlineSize
}

func (req *ConnectionRequest) setInlineSize(n int) {
	req.lk.Lock()
	req.inlineSize = n
	req.lk.Unlock()
}

func (req *ConnectionRequest) UseAck() bool {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.useAck
}

func (req *ConnectionRequest) setUseAck(v bool) {
	req.lk.Lock()
	req.useAck = v
	req.lk.Unlock()
}

// DeviceData is a slot the device may use to keep link state between
// the preparation and the establishment.
func (req *ConnectionRequest) DeviceData() any {
	req.lk.Lock()
	defer req.lk.Unlock()
	return req.deviceData
}

func (req *ConnectionRequest) SetDeviceData(v any) {
	req.lk.Lock()
	req.deviceData = v
	req.lk.Unlock()
}

func (req *ConnectionRequest) setRemoteCommand(cmd *command.Command) {
	req.lk.Lock()
	prev := req.remoteCmd
	req.remoteCmd = cmd
	req.lk.Unlock()
	if prev != nil && prev != cmd {
		_ = prev.ReplyFalse()
	}
}

// ReplyRemoteCommand answers the GlobalConnect postponed by the server. It
// is called by the device once it takes charge of the link.
func (req *ConnectionRequest) ReplyRemoteCommand(ok bool) {
	req.lk.Lock()
	cmd := req.remoteCmd
	req.remoteCmd = nil
	req.lk.Unlock()
	if cmd != nil {
		_ = cmd.ReplyBool(ok)
	}
}

// reset clears the link parameters before a new handshake.
func (req *ConnectionRequest) reset() {
	req.lk.Lock()
	cmd := req.remoteCmd
	req.remoteCmd = nil
	req.gen++
	req.progress = ProgressInit
	req.deadline = time.Time{}
	req.connID = ""
	req.serverID = ""
	req.deviceData = nil
	req.lk.Unlock()
	if cmd != nil {
		_ = cmd.ReplyFalse()
	}
}

func newConnID(node string) string {
	return node + "-" + uuid.NewString()
}
