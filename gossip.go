package daqbone

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
)

// gossip receives the membership changes of the cluster and keeps the
// addresses of the NetDevices of the members up to date.
type gossip struct {
	logger *slog.Logger
	dir    *Directory
}

var (
	_ memberlist.EventDelegate = (*gossip)(nil)
	_ memberlist.Delegate      = (*gossip)(nil)
)

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
		slog.String("device_addr", string(node.Meta)),
	)
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.dir.learn(node.Name, string(node.Meta))
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.dir.forget(node.Name)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
	g.dir.learn(node.Name, string(node.Meta))
}

// NodeMeta advertises the address of the local NetDevice.
func (g *gossip) NodeMeta(limit int) []byte {
	meta := []byte(g.dir.deviceAddr)
	if len(meta) > limit {
		g.logger.Error("device address does not fit in node metadata", "limit", limit)
		return nil
	}
	return meta
}

func (g *gossip) NotifyMsg([]byte) {}

func (g *gossip) GetBroadcasts(int, int) [][]byte {
	return nil
}

func (g *gossip) LocalState(bool) []byte {
	return nil
}

func (g *gossip) MergeRemoteState([]byte, bool) {}
