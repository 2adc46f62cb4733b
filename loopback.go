package daqbone

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LoopbackHub links ports of Managers living in the same process. Each
// Manager registers its own LoopbackDriver created from a shared hub.
type LoopbackHub struct {
	links *rendezvous[*Port]
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{links: newRendezvous[*Port]()}
}

// Driver creates a driver for the node named node.
func (h *LoopbackHub) Driver(node string) *LoopbackDriver {
	return &LoopbackDriver{hub: h, node: node}
}

// Close fails the links still waiting for their peer.
func (h *LoopbackHub) Close() {
	h.links.close()
}

// LoopbackDriver is a DeviceDriver connecting both ports of a link with
// a LocalTransport. Its delays and silence let tests mimic slow or dead
// devices.
type LoopbackDriver struct {
	hub  *LoopbackHub
	node string

	lk           sync.Mutex
	prepareDelay time.Duration
	connectDelay time.Duration
	silent       bool
	prepared     int
	established  int
}

var _ DeviceDriver = (*LoopbackDriver)(nil)

// SetDelays slows down the replies of the driver.
func (d *LoopbackDriver) SetDelays(prepare, connect time.Duration) {
	d.lk.Lock()
	d.prepareDelay, d.connectDelay = prepare, connect
	d.lk.Unlock()
}

// SetSilent makes the driver never answer.
func (d *LoopbackDriver) SetSilent(silent bool) {
	d.lk.Lock()
	d.silent = silent
	d.lk.Unlock()
}

// Stats returns how many requests were prepared and established.
func (d *LoopbackDriver) Stats() (prepared, established int) {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.prepared, d.established
}

func (d *LoopbackDriver) wait(ctx context.Context, delay time.Duration) error {
	d.lk.Lock()
	silent := d.silent
	d.lk.Unlock()
	if silent {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LoopbackDriver) PrepareConnectionRecord(ctx context.Context, req *ConnectionRequest) error {
	d.lk.Lock()
	delay := d.prepareDelay
	d.lk.Unlock()
	if err := d.wait(ctx, delay); err != nil {
		return err
	}
	if req.IsServer() {
		req.SetServerID("loopback:" + d.node)
	}
	d.lk.Lock()
	d.prepared++
	d.lk.Unlock()
	return nil
}

func (d *LoopbackDriver) EstablishConnection(ctx context.Context, req *ConnectionRequest) error {
	d.lk.Lock()
	delay := d.connectDelay
	d.lk.Unlock()
	if err := d.wait(ctx, delay); err != nil {
		return err
	}

	port := req.Port()
	if port == nil {
		return ErrPortNotConnected
	}
	peer, finish, err := d.hub.links.arrive(ctx, req.ConnID(), port)
	if err != nil {
		return err
	}
	if finish != nil {
		err = connectPair(port, peer)
		finish(err)
	}
	if err == nil {
		d.lk.Lock()
		d.established++
		d.lk.Unlock()
	}
	return err
}

func connectPair(a, b *Port) error {
	switch {
	case a.Direction() == PortOutput && b.Direction() == PortInput:
		return ConnectPorts(a, b)
	case a.Direction() == PortInput && b.Direction() == PortOutput:
		return ConnectPorts(b, a)
	default:
		return fmt.Errorf("%w: %s and %s", ErrPortDirection, a.FullName(), b.FullName())
	}
}
