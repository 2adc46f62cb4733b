package daqbone

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/daqbone/pkg/command"
)

// CommandRouter carries commands to other nodes.
//
// Forward blocks until the remote node replied, then completes cmd with
// the remote result and fields. It returns an error when the command
// could not be delivered, cmd is then left for the caller to reply.
type CommandRouter interface {
	Forward(ctx context.Context, node string, cmd *command.Command) error
}

// LocalRouter connects Managers living in the same process. Commands go
// through the wire codec, like over the network.
type LocalRouter struct {
	lk    sync.RWMutex
	nodes map[string]*Manager
}

var _ CommandRouter = (*LocalRouter)(nil)

func NewLocalRouter() *LocalRouter {
	return &LocalRouter{nodes: make(map[string]*Manager)}
}

// Attach makes mgr reachable under its node name.
func (r *LocalRouter) Attach(mgr *Manager) {
	r.lk.Lock()
	r.nodes[mgr.NodeName()] = mgr
	r.lk.Unlock()
}

func (r *LocalRouter) Detach(node string) {
	r.lk.Lock()
	delete(r.nodes, node)
	r.lk.Unlock()
}

func (r *LocalRouter) Forward(ctx context.Context, node string, cmd *command.Command) error {
	r.lk.RLock()
	target, ok := r.nodes[node]
	r.lk.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRouter, node)
	}

	data, err := command.Marshal(cmd)
	if err != nil {
		return err
	}
	return serveRemote(ctx, target, data, func(reply []byte) error {
		return command.ApplyReply(cmd, reply)
	})
}

// serveRemote executes an encoded command on mgr and hands the encoded
// reply to send.
func serveRemote(ctx context.Context, mgr *Manager, data []byte, send func([]byte) error) error {
	remote, err := command.Unmarshal(data)
	if err != nil {
		return err
	}
	mgr.Deliver(remote)
	if _, err := remote.Wait(ctx); err != nil {
		return err
	}
	reply, err := command.MarshalReply(remote)
	if err != nil {
		return err
	}
	return send(reply)
}
