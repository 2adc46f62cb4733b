// Package daqbone is the backbone of a distributed data acquisition
// system: it moves reference-counted buffers between named *modules*,
// inside a process and across the nodes of a cluster.
//
// ## How it works
//
// Everything a node owns hangs off its `Manager`: memory pools, worker
// `Thread`s, `Module`s and `Device`s. There is no global state, so several
// Managers can live in the same process.
//
// A `Module` is a `Processor` with named `Port`s. Processors never run
// concurrently with themselves: every event, command and timer of a
// processor is dispatched by the single loop of the `Thread` it is
// assigned to. Two ports are linked by a `LocalTransport`, a bounded queue
// which only locks when both sides live on different threads.
//
// Ports of different nodes are linked by the `ConnectionManager`. Both
// nodes register the same connection, then a handshake negotiates the
// parameters through a `GlobalConnect` command sent from the client to
// the server, and lets the `Device` of each side establish the physical
// link. The `NetDevice` does it over QUIC, the `LoopbackHub` links
// Managers living in the same process.
//
// Members of the cluster find each other with a gossip protocol, see
// `Directory`.
//
// ## Design Principles
//
// Modules react, they never block: a full queue, an exhausted pool or a
// source without data resumes the module through events and timers.
//
// Links break. A broken link restarts its handshake as soon as the
// connection manager is idle, users MUST be ready to see ports
// disconnect and reconnect.
package daqbone
